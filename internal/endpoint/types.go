// Package endpoint decides, from a live stream of fixed-size PCM chunks,
// where an utterance begins and ends, and turns each collected span into a
// trimmed, normalized and silence-padded buffer ready for transcription.
//
// A Segmenter owns one silence Policy for the whole session. Each call to
// ProduceUtterance starts from an idle collector, blocks on the stream one
// chunk at a time and returns as soon as an utterance is complete or the
// context is cancelled. Cancellation is observed at chunk boundaries, so the
// worst-case latency is one chunk (100 ms).
package endpoint

import (
	"context"
	"fmt"
	"time"
)

// Mode selects which silence policy a session uses.
type Mode int

const (
	ModeStatic Mode = iota
	ModeDynamic
)

func (m Mode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeDynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

const (
	// NormalizeCeiling is the peak amplitude of a normalized buffer.
	NormalizeCeiling = 16384

	// MaxSilentRun is the number of consecutive silent chunks tolerated while
	// collecting; the next silent chunk ends the utterance.
	MaxSilentRun = 10

	// DefaultPaddingSeconds of silence are added on both ends of an utterance.
	DefaultPaddingSeconds = 0.5

	// ChunksPerSecond fixes the chunk length at SampleRate/10 samples.
	ChunksPerSecond = 10
)

// ThresholdConfig describes how silence is detected. It is built once at
// startup and never mutated.
type ThresholdConfig struct {
	Mode              Mode
	StaticLevel       int
	DynamicPercentage float64
	DynamicFrameCount int
	PaddingSeconds    float64
}

// Config is the immutable session configuration of the engine.
type Config struct {
	SampleRate int
	Threshold  ThresholdConfig
}

// ChunkSize is the number of samples read per I/O cycle.
func (c Config) ChunkSize() int { return c.SampleRate / ChunksPerSecond }

// Validate checks the constraints the engine relies on.
func (c Config) Validate() error {
	if c.SampleRate < ChunksPerSecond {
		return fmt.Errorf("sample rate %d too low", c.SampleRate)
	}
	t := c.Threshold
	switch t.Mode {
	case ModeStatic:
		if t.StaticLevel <= 0 {
			return fmt.Errorf("static threshold must be positive, got %d", t.StaticLevel)
		}
	case ModeDynamic:
		if t.DynamicPercentage <= 0 {
			return fmt.Errorf("dynamic percentage must be positive, got %g", t.DynamicPercentage)
		}
		if t.DynamicFrameCount <= 0 {
			return fmt.Errorf("dynamic frame count must be positive, got %d", t.DynamicFrameCount)
		}
	default:
		return fmt.Errorf("unknown threshold mode %v", t.Mode)
	}
	if t.PaddingSeconds < 0 {
		return fmt.Errorf("padding must not be negative, got %g", t.PaddingSeconds)
	}
	return nil
}

// AudioStream is the blocking chunk source consumed by the Segmenter.
// ReadChunk returns exactly n native-order samples or an error. The returned
// slice may be reused by the stream on the next call.
type AudioStream interface {
	Start() error
	Stop() error
	ReadChunk(ctx context.Context, n int) ([]int16, error)
}

// Utterance is one finished, post-processed span of speech.
type Utterance struct {
	Sequence      int
	CorrelationID string
	Samples       []int16
	SampleRate    int

	// RawSamples is the length of the collected buffer before trimming.
	RawSamples int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Duration is the playback length of the padded samples.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(u.Samples)) * time.Second / time.Duration(u.SampleRate)
}
