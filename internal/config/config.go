// Package config loads the speech2text configuration from a YAML or TOML
// file, applies defaults and environment overrides, and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/speech2text-lab/internal/endpoint"
)

// Config holds the complete application configuration
type Config struct {
	Log      LogConfig      `yaml:"log" toml:"log"`
	Audio    AudioConfig    `yaml:"audio" toml:"audio"`
	Endpoint EndpointConfig `yaml:"endpoint" toml:"endpoint"`
	History  HistoryConfig  `yaml:"history" toml:"history"`
	STT      STTConfig      `yaml:"stt" toml:"stt"`
	Publish  PublishConfig  `yaml:"publish" toml:"publish"`
	S3       S3Config       `yaml:"s3" toml:"s3"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-" toml:"-"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level" toml:"level" validate:"oneof=debug info warn warning error"`
}

// AudioConfig selects and configures the input stream
type AudioConfig struct {
	Source          string             `yaml:"source" toml:"source" validate:"oneof=device wav ogg discord"`
	SampleRate      int                `yaml:"sample_rate" toml:"sample_rate" validate:"gte=10"`
	DeviceIndex     int                `yaml:"device_index" toml:"device_index" validate:"gte=-1"`
	FramesPerBuffer int                `yaml:"frames_per_buffer" toml:"frames_per_buffer" validate:"gte=0"`
	File            string             `yaml:"file" toml:"file" validate:"required_if=Source wav,required_if=Source ogg"`
	TailChunks      int                `yaml:"tail_chunks" toml:"tail_chunks" validate:"gte=0"`
	Discord         DiscordInputConfig `yaml:"discord" toml:"discord"`
}

// DiscordInputConfig holds the voice channel to listen to
type DiscordInputConfig struct {
	Token     string   `yaml:"token" toml:"token"`
	GuildID   string   `yaml:"guild_id" toml:"guild_id"`
	ChannelID string   `yaml:"channel_id" toml:"channel_id"`
	UserIDs   []string `yaml:"user_ids" toml:"user_ids"`
}

// EndpointConfig holds the silence detection parameters
type EndpointConfig struct {
	Mode              string  `yaml:"mode" toml:"mode" validate:"oneof=static dynamic"`
	StaticThreshold   int     `yaml:"static_threshold" toml:"static_threshold" validate:"gte=0"`
	DynamicPercentage float64 `yaml:"dynamic_percentage" toml:"dynamic_percentage" validate:"gte=0"`
	DynamicFrameCount int     `yaml:"dynamic_frame_count" toml:"dynamic_frame_count" validate:"gte=0"`
	PaddingSeconds    float64 `yaml:"padding_seconds" toml:"padding_seconds" validate:"gte=0"`
}

// HistoryConfig holds the speech history directory and retention
type HistoryConfig struct {
	Dir            string   `yaml:"dir" toml:"dir" validate:"required"`
	Retention      Duration `yaml:"retention" toml:"retention"`
	MaxFiles       int      `yaml:"max_files" toml:"max_files" validate:"gte=0"`
	CleanInterval  Duration `yaml:"clean_interval" toml:"clean_interval"`
	SidecarLocking bool     `yaml:"sidecar_locking" toml:"sidecar_locking"`
}

// STTConfig selects the transcription backend
type STTConfig struct {
	Backend       string   `yaml:"backend" toml:"backend" validate:"oneof=whisper openai"`
	WhisperURL    string   `yaml:"whisper_url" toml:"whisper_url" validate:"omitempty,url"`
	BaseURL       string   `yaml:"base_url" toml:"base_url" validate:"omitempty,url"`
	APIKey        string   `yaml:"api_key" toml:"api_key" validate:"required_if=Backend openai"`
	Model         string   `yaml:"model" toml:"model"`
	FallbackModel string   `yaml:"fallback_model" toml:"fallback_model"`
	Language      string   `yaml:"language" toml:"language"`
	Translate     bool     `yaml:"translate" toml:"translate"`
	BeamSize      int      `yaml:"beam_size" toml:"beam_size" validate:"gte=0"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	Attempts      int      `yaml:"attempts" toml:"attempts" validate:"gte=0"`
	Hints         []string `yaml:"hints" toml:"hints"`
	HintsFile     string   `yaml:"hints_file" toml:"hints_file"`
}

// PublishConfig lists where transcripts are delivered
type PublishConfig struct {
	Topic            string    `yaml:"topic" toml:"topic" validate:"required"`
	Log              bool      `yaml:"log" toml:"log"`
	ForwardURL       string    `yaml:"forward_url" toml:"forward_url" validate:"omitempty,url"`
	ForwardToken     string    `yaml:"forward_token" toml:"forward_token"`
	DiscordChannelID string    `yaml:"discord_channel_id" toml:"discord_channel_id"`
	DiscordPrefix    string    `yaml:"discord_prefix" toml:"discord_prefix"`
	WakePhrases      []string  `yaml:"wake_phrases" toml:"wake_phrases"`
	WakeWindow       int       `yaml:"wake_window" toml:"wake_window" validate:"gte=0"`
	MCP              MCPConfig `yaml:"mcp" toml:"mcp"`
}

// MCPConfig selects an MCP server from a manifest
type MCPConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Manifest string   `yaml:"manifest" toml:"manifest"`
	Server   string   `yaml:"server" toml:"server"`
	Tool     string   `yaml:"tool" toml:"tool"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
}

// S3Config holds the optional history mirror bucket
type S3Config struct {
	Bucket          string `yaml:"bucket" toml:"bucket"`
	Prefix          string `yaml:"prefix" toml:"prefix"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" validate:"omitempty,url"`
	Region          string `yaml:"region" toml:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
}

// MetricsConfig holds the Prometheus listener address; empty disables it
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr" validate:"omitempty,hostname_port"`
}

// Duration wraps time.Duration for text based config formats
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats the duration as a string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Audio: AudioConfig{
			Source:      "device",
			SampleRate:  16000,
			DeviceIndex: -1,
			TailChunks:  endpoint.MaxSilentRun + 1,
		},
		Endpoint: EndpointConfig{
			Mode:              "static",
			StaticThreshold:   700,
			DynamicPercentage: 50,
			DynamicFrameCount: 30,
			PaddingSeconds:    endpoint.DefaultPaddingSeconds,
		},
		History: HistoryConfig{
			Dir:           "~/.speech2text/speech_history",
			Retention:     Duration{7 * 24 * time.Hour},
			CleanInterval: Duration{time.Hour},
		},
		STT: STTConfig{
			Backend:    "whisper",
			WhisperURL: "http://localhost:9000/asr",
			Model:      "whisper-1",
			Timeout:    Duration{30 * time.Second},
			Attempts:   3,
		},
		Publish: PublishConfig{
			Topic: "user_input",
			Log:   true,
			MCP:   MCPConfig{Timeout: Duration{10 * time.Second}},
		},
	}
}

// Load reads path, or the first file found by Discover when path is empty.
// Without any file the defaults are used. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = Discover()
	}
	if path != "" {
		p, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		if err := decodeFile(p, cfg); err != nil {
			return nil, err
		}
		cfg.Path = p
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Discover returns SPEECH2TEXT_CONFIG, ./.speech2text/config.{yaml,yml,toml}
// or the same names under $XDG_CONFIG_HOME/speech2text, whichever exists
// first. It returns "" when none does.
func Discover() string {
	if p := os.Getenv("SPEECH2TEXT_CONFIG"); p != "" {
		return p
	}
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, filepath.Join(cwd, ".speech2text"))
	}
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		dirs = append(dirs, filepath.Join(base, "speech2text"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "speech2text"))
	}
	for _, dir := range dirs {
		for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Audio.Source, "AUDIO_SOURCE")
	setString(&c.Audio.File, "AUDIO_FILE")
	setInt(&c.Audio.DeviceIndex, "AUDIO_DEVICE_INDEX")
	setString(&c.Audio.Discord.Token, "DISCORD_BOT_TOKEN")
	setString(&c.Audio.Discord.GuildID, "GUILD_ID")
	setString(&c.Audio.Discord.ChannelID, "VOICE_CHANNEL_ID")
	setString(&c.History.Dir, "SAVE_AUDIO_DIR")
	setString(&c.STT.WhisperURL, "WHISPER_URL")
	setString(&c.STT.BaseURL, "OPENAI_BASE_URL")
	setString(&c.STT.APIKey, "OPENAI_API_KEY")
	setString(&c.STT.Model, "STT_MODEL")
	setString(&c.STT.FallbackModel, "STT_FALLBACK_MODEL")
	setString(&c.Publish.ForwardURL, "TEXT_FORWARD_URL")
	setString(&c.Publish.ForwardToken, "TEXT_FORWARD_TOKEN")
	setString(&c.Publish.DiscordChannelID, "TEXT_CHANNEL_ID")
	if v := strings.TrimSpace(os.Getenv("WAKE_PHRASES")); v != "" {
		c.Publish.WakePhrases = splitList(v)
	}
	setString(&c.S3.Bucket, "S3_BUCKET")
	setString(&c.S3.Endpoint, "S3_ENDPOINT")
	setString(&c.S3.Region, "AWS_REGION")
	setString(&c.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&c.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setString(&c.Metrics.Addr, "METRICS_ADDR")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules of the
// endpoint section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Audio.Source == "discord" && (c.Audio.Discord.Token == "" || c.Audio.Discord.GuildID == "" || c.Audio.Discord.ChannelID == "") {
		return errors.New("invalid config: discord source requires token, guild_id and channel_id")
	}
	if c.STT.Backend == "whisper" && c.STT.WhisperURL == "" {
		return errors.New("invalid config: whisper backend requires whisper_url")
	}
	if c.Publish.DiscordChannelID != "" && c.Audio.Discord.Token == "" {
		return errors.New("invalid config: discord publishing requires a bot token")
	}
	h := c.History
	if (h.Retention.Duration > 0 || h.MaxFiles > 0) && h.CleanInterval.Duration <= 0 {
		return errors.New("invalid config: history cleanup requires a positive clean_interval")
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EngineConfig builds the immutable engine configuration.
func (c *Config) EngineConfig() endpoint.Config {
	mode := endpoint.ModeStatic
	if c.Endpoint.Mode == "dynamic" {
		mode = endpoint.ModeDynamic
	}
	return endpoint.Config{
		SampleRate: c.Audio.SampleRate,
		Threshold: endpoint.ThresholdConfig{
			Mode:              mode,
			StaticLevel:       c.Endpoint.StaticThreshold,
			DynamicPercentage: c.Endpoint.DynamicPercentage,
			DynamicFrameCount: c.Endpoint.DynamicFrameCount,
			PaddingSeconds:    c.Endpoint.PaddingSeconds,
		},
	}
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(value string) (string, error) {
	if value == "~" || strings.HasPrefix(value, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return value, err
		}
		return filepath.Join(home, strings.TrimPrefix(value, "~")), nil
	}
	return value, nil
}
