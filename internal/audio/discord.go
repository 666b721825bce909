//go:build opus
// +build opus

package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"
	"github.com/speech2text-lab/internal/logging"
)

// DiscordConfig selects whose voice a DiscordStream listens to.
type DiscordConfig struct {
	SampleRate int
	// UserIDs limits capture to these users. Empty means everyone in the
	// channel, mixed in arrival order.
	UserIDs []string
}

// DiscordStream decodes the Opus packets received on a Discord voice
// connection into a mono chunk source. Discord only sends packets while
// someone speaks, so ReadChunk fills gaps with silence.
type DiscordStream struct {
	vc      *discordgo.VoiceConnection
	dec     *opus.Decoder
	rate    int
	queue   *sampleQueue
	allowed map[string]bool

	mu      sync.Mutex
	ssrcMap map[uint32]string

	listening atomic.Bool
	decodeErr atomic.Int64
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewDiscordStream attaches to vc and starts draining vc.OpusRecv.
func NewDiscordStream(vc *discordgo.VoiceConnection, cfg DiscordConfig) (*DiscordStream, error) {
	if vc == nil {
		return nil, fmt.Errorf("audio: nil voice connection")
	}
	dec, err := opus.NewDecoder(cfg.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decoder at %d Hz: %w", cfg.SampleRate, err)
	}
	d := &DiscordStream{
		vc:      vc,
		dec:     dec,
		rate:    cfg.SampleRate,
		queue:   newSampleQueue(cfg.SampleRate * 30),
		ssrcMap: make(map[uint32]string),
		done:    make(chan struct{}),
	}
	if len(cfg.UserIDs) > 0 {
		d.allowed = make(map[string]bool, len(cfg.UserIDs))
		for _, id := range cfg.UserIDs {
			d.allowed[id] = true
		}
	}
	vc.AddHandler(d.handleSpeakingUpdate)

	d.wg.Add(1)
	go d.recvLoop()
	return d, nil
}

func (d *DiscordStream) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	d.mu.Lock()
	d.ssrcMap[uint32(su.SSRC)] = su.UserID
	d.mu.Unlock()
	logging.Debugw("audio: discord speaking update", "ssrc", su.SSRC, "user_id", su.UserID, "speaking", su.Speaking)
}

func (d *DiscordStream) accept(ssrc uint32) bool {
	if d.allowed == nil {
		return true
	}
	d.mu.Lock()
	uid := d.ssrcMap[ssrc]
	d.mu.Unlock()
	return d.allowed[uid]
}

func (d *DiscordStream) recvLoop() {
	defer d.wg.Done()
	pcm := make([]int16, d.rate*120/1000)
	for {
		select {
		case <-d.done:
			return
		case pkt, ok := <-d.vc.OpusRecv:
			if !ok {
				d.queue.close()
				return
			}
			if pkt == nil || !d.listening.Load() || !d.accept(pkt.SSRC) {
				continue
			}
			n, err := d.dec.Decode(pkt.Opus, pcm)
			if err != nil {
				d.decodeErr.Add(1)
				logging.Errorw("audio: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			if dropped := d.queue.push(pcm[:n]); dropped > 0 {
				logging.Warnw("audio: discord queue full, dropped samples", "dropped", dropped)
			}
		}
	}
}

// DecodeErrors is the number of packets that failed to decode.
func (d *DiscordStream) DecodeErrors() int64 { return d.decodeErr.Load() }

// Start begins queueing received audio. Packets arriving while stopped are
// discarded.
func (d *DiscordStream) Start() error {
	d.queue.reset()
	d.listening.Store(true)
	return nil
}

func (d *DiscordStream) Stop() error {
	d.listening.Store(false)
	return nil
}

func (d *DiscordStream) ReadChunk(ctx context.Context, n int) ([]int16, error) {
	chunkDur := time.Duration(n) * time.Second / time.Duration(d.rate)
	return d.queue.pop(ctx, n, chunkDur)
}

// Close stops the receive loop. The voice connection stays open.
func (d *DiscordStream) Close() error {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	d.queue.close()
	d.wg.Wait()
	return nil
}
