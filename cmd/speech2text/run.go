package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"

	"github.com/speech2text-lab/internal/audio"
	"github.com/speech2text-lab/internal/config"
	"github.com/speech2text-lab/internal/endpoint"
	"github.com/speech2text-lab/internal/logging"
	"github.com/speech2text-lab/internal/mcp"
	"github.com/speech2text-lab/internal/metrics"
	"github.com/speech2text-lab/internal/voice"
	"github.com/speech2text-lab/stt"
)

const shutdownTimeout = 10 * time.Second

var (
	sourceFlag string
	fileFlag   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the speech loop (default command)",
	RunE:  runSession,
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().StringVar(&sourceFlag, "source", "", "input source: device, wav, ogg or discord")
		c.Flags().StringVar(&fileFlag, "file", "", "input file for the wav and ogg sources")
	}
}

// closers are run in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	if sourceFlag != "" {
		os.Setenv("AUDIO_SOURCE", sourceFlag)
	}
	if fileFlag != "" {
		os.Setenv("AUDIO_FILE", fileFlag)
	}
	if logLevel != "" {
		os.Setenv("LOG_LEVEL", logLevel)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	sugar := logging.Init(cfg.Log.Level)
	defer func() { _ = logging.Sync() }()
	if cfg.Path != "" {
		sugar.Infow("configuration loaded", "path", cfg.Path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer func() {
		sugar.Infow("closing resources")
		cleanup.run()
		sugar.Infow("shutdown complete")
	}()

	m := metrics.NewMetrics()
	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics.Addr, m)
		cleanup.add(func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				sugar.Warnw("metrics server shutdown", "err", err)
			}
		})
	}

	var dg *discordgo.Session
	if cfg.Audio.Source == "discord" || cfg.Publish.DiscordChannelID != "" {
		dg, err = openDiscord(cfg.Audio.Discord.Token)
		if err != nil {
			return err
		}
		cleanup.add(func() {
			if err := dg.Close(); err != nil {
				sugar.Warnw("discord session close error", "err", err)
			}
		})
	}

	stream, err := openStream(cfg, dg, &cleanup)
	if err != nil {
		return err
	}

	seg, err := endpoint.NewSegmenter(cfg.EngineConfig(), endpoint.WithObserver(m))
	if err != nil {
		return err
	}

	store, err := voice.NewHistoryStore(cfg.History.Dir)
	if err != nil {
		return err
	}
	store.Sidecar().Locking = cfg.History.SidecarLocking
	var wg sync.WaitGroup
	cleanCtx, stopClean := context.WithCancel(ctx)
	if cfg.History.Retention.Duration > 0 || cfg.History.MaxFiles > 0 {
		voice.StartHistoryCleaner(cleanCtx, &wg, store.Dir(), cfg.History.Retention.Duration, cfg.History.CleanInterval.Duration, cfg.History.MaxFiles)
	}
	cleanup.add(func() {
		stopClean()
		wg.Wait()
	})

	pub, err := buildPublishers(ctx, cfg, dg, &cleanup)
	if err != nil {
		return err
	}

	rc := voice.RunnerConfig{
		Source:      seg,
		Stream:      stream,
		Store:       store,
		Transcriber: buildTranscriber(cfg.STT),
		Publisher:   pub,
		Observer:    m,
		Wake:        voice.NewWakeDetector(cfg.Publish.WakePhrases, cfg.Publish.WakeWindow),
		Topic:       cfg.Publish.Topic,
		Language:    cfg.STT.Language,
		Hints:       cfg.STT.HintSource(),
	}
	if mirror := voice.NewS3Mirror(s3Config(cfg.S3)); mirror != nil {
		rc.Mirror = mirror
		sugar.Infow("history mirror enabled", "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix)
	}
	runner, err := voice.NewRunner(rc)
	if err != nil {
		return err
	}

	sugar.Infow("speech2text starting",
		"version", version,
		"source", cfg.Audio.Source,
		"sample_rate", cfg.Audio.SampleRate,
		"mode", cfg.Endpoint.Mode,
		"history_dir", store.Dir(),
		"stt", cfg.STT.Backend,
	)
	return runner.Run(ctx)
}

func startMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Infow("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("metrics server failed", "err", err)
		}
	}()
	return srv
}

func openDiscord(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discordgo.New: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMessages
	logging.Infow("opening discord session", "intents", dg.Identify.Intents)
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("discord session open failed: %w", err)
	}
	return dg, nil
}

type closableStream interface {
	endpoint.AudioStream
	io.Closer
}

func openStream(cfg *config.Config, dg *discordgo.Session, cleanup *closers) (endpoint.AudioStream, error) {
	rate := cfg.Audio.SampleRate
	var (
		s   closableStream
		err error
	)
	switch cfg.Audio.Source {
	case "wav":
		s, err = audio.OpenWAV(cfg.Audio.File, rate, audio.WithSilenceTail(cfg.Audio.TailChunks))
	case "ogg":
		s, err = audio.OpenOggOpus(cfg.Audio.File, rate, cfg.Audio.TailChunks)
	case "discord":
		d := cfg.Audio.Discord
		logging.Infow("joining voice channel", "guild", d.GuildID, "channel", d.ChannelID)
		vc, jerr := dg.ChannelVoiceJoin(d.GuildID, d.ChannelID, true, false)
		if jerr != nil {
			return nil, fmt.Errorf("voice join failed: %w", jerr)
		}
		cleanup.add(func() {
			if err := vc.Disconnect(); err != nil {
				logging.Warnw("voice disconnect error", "err", err)
			}
		})
		s, err = audio.NewDiscordStream(vc, audio.DiscordConfig{SampleRate: rate, UserIDs: d.UserIDs})
	default:
		frames := cfg.Audio.FramesPerBuffer
		if frames == 0 {
			frames = cfg.EngineConfig().ChunkSize()
		}
		s, err = audio.NewDeviceStream(audio.DeviceConfig{SampleRate: rate, FramesPerBuffer: frames, DeviceIndex: cfg.Audio.DeviceIndex})
	}
	if err != nil {
		return nil, err
	}
	cleanup.add(func() {
		if err := s.Close(); err != nil {
			logging.Warnw("audio stream close error", "err", err)
		}
	})
	return s, nil
}

func buildTranscriber(c config.STTConfig) stt.Transcriber {
	if c.Backend == "openai" {
		client := stt.NewClientFromEnv()
		if c.BaseURL != "" {
			client.BaseURL = c.BaseURL
		}
		client.APIKey = c.APIKey
		if c.Model != "" {
			client.Model = c.Model
		}
		client.FallbackModel = c.FallbackModel
		if c.Timeout.Duration > 0 {
			client.HTTP = &http.Client{Timeout: c.Timeout.Duration}
		}
		return client
	}
	return &voice.WhisperClient{
		URL:       c.WhisperURL,
		Language:  c.Language,
		Translate: c.Translate,
		BeamSize:  c.BeamSize,
		Timeout:   c.Timeout.Duration,
		Attempts:  c.Attempts,
	}
}

func buildPublishers(ctx context.Context, cfg *config.Config, dg *discordgo.Session, cleanup *closers) (voice.Publisher, error) {
	p := cfg.Publish
	var pubs voice.MultiPublisher
	if p.Log {
		pubs = append(pubs, voice.LogPublisher{})
	}
	if p.ForwardURL != "" {
		pubs = append(pubs, &voice.HTTPForwarder{URL: p.ForwardURL, AuthToken: p.ForwardToken, Timeout: 10 * time.Second, Attempts: 3})
	}
	if p.DiscordChannelID != "" {
		pubs = append(pubs, &voice.DiscordPublisher{Session: dg, ChannelID: p.DiscordChannelID, Prefix: p.DiscordPrefix})
	}
	if p.MCP.Enabled {
		manifests, err := mcp.LoadManifests(p.MCP.Manifest)
		if err != nil {
			return nil, fmt.Errorf("load mcp manifest: %w", err)
		}
		name, server, err := manifests.Select(p.MCP.Server)
		if err != nil {
			return nil, err
		}
		client := mcp.NewClientWrapper("speech2text", version)
		cctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		err = client.Connect(cctx, name, server)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect mcp server %s: %w", name, err)
		}
		cleanup.add(func() {
			if err := client.Close(); err != nil {
				logging.Warnw("mcp client close error", "err", err)
			}
		})
		pubs = append(pubs, mcp.NewPublisher(client, p.MCP.Tool, p.MCP.Timeout.Duration))
	}
	if len(pubs) == 0 {
		return voice.LogPublisher{}, nil
	}
	return pubs, nil
}

func s3Config(c config.S3Config) voice.S3Config {
	return voice.S3Config{
		Bucket:          c.Bucket,
		Prefix:          c.Prefix,
		Endpoint:        c.Endpoint,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}
}
