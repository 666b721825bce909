package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/speech2text-lab/internal/logging"
)

// Observer receives engine events. Implementations must be cheap; they run
// on the collection goroutine.
type Observer interface {
	ObserveChunk(peak int, silent bool)
	ObserveUtterance(u Utterance)
	ObserveDiscarded(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveChunk(int, bool)     {}
func (nopObserver) ObserveUtterance(Utterance) {}
func (nopObserver) ObserveDiscarded(string)    {}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithObserver installs an engine event observer.
func WithObserver(o Observer) Option {
	return func(s *Segmenter) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithIDFunc overrides how correlation ids are generated.
func WithIDFunc(fn func() string) Option {
	return func(s *Segmenter) { s.newID = fn }
}

// WithClock overrides the time source used for utterance timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Segmenter) { s.now = fn }
}

// Segmenter turns a chunk stream into a sequence of utterances. The silence
// policy, and with it the dynamic running average, lives as long as the
// Segmenter; each ProduceUtterance call starts from an idle collector.
type Segmenter struct {
	cfg      Config
	policy   Policy
	seq      int
	observer Observer
	newID    func() string
	now      func() time.Time
}

// NewSegmenter validates cfg and builds a Segmenter with its policy.
func NewSegmenter(cfg Config, opts ...Option) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Segmenter{
		cfg:      cfg,
		policy:   NewPolicy(cfg.Threshold),
		observer: nopObserver{},
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Segmenter) Config() Config { return s.cfg }
func (s *Segmenter) Policy() Policy { return s.policy }

// NextSequence is the sequence number the next utterance will carry.
func (s *Segmenter) NextSequence() int { return s.seq }

// ProduceUtterance starts stream, reads chunks until an utterance completes
// and returns it trimmed, normalized and padded. It returns ErrCancelled
// when ctx is cancelled first, and a *DegenerateBufferError when the
// collected span holds no signal after trimming; in that case no sequence
// number is consumed.
func (s *Segmenter) ProduceUtterance(ctx context.Context, stream AudioStream) (Utterance, error) {
	if err := stream.Start(); err != nil {
		return Utterance{}, fmt.Errorf("start stream: %w", err)
	}
	defer func() {
		if err := stream.Stop(); err != nil {
			logging.Warnw("endpoint: stream stop failed", "err", err)
		}
	}()

	n := s.cfg.ChunkSize()
	col := NewCollector(s.policy)
	var startedAt time.Time
	for {
		if ctx.Err() != nil {
			return Utterance{}, ErrCancelled
		}
		chunk, err := stream.ReadChunk(ctx, n)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return Utterance{}, ErrCancelled
			}
			return Utterance{}, fmt.Errorf("read chunk: %w", err)
		}
		if len(chunk) != n {
			return Utterance{}, fmt.Errorf("read chunk: got %d samples, want %d", len(chunk), n)
		}

		step := col.Feed(chunk)
		peak := Peak(chunk)
		s.observer.ObserveChunk(peak, step.Silent)
		logging.Debugw("endpoint: chunk", logging.ChunkFields(peak, step.Silent)...)

		if step.Started {
			startedAt = s.now()
			logging.Infow("endpoint: collecting audio segment", "mode", s.policy.Mode().String())
		}
		if step.Done {
			logging.Infow("endpoint: audio segment completed", "raw_samples", len(step.Segment.Samples))
			return s.finish(step.Segment, startedAt)
		}
	}
}

func (s *Segmenter) finish(seg Segment, startedAt time.Time) (Utterance, error) {
	trimmed, err := s.policy.Trim(seg.Samples, seg.Markers)
	if err != nil {
		logging.Warnw("endpoint: trim markers not found, keeping untrimmed buffer", "err", err)
		trimmed = seg.Samples
	}
	normalized, err := Normalize(trimmed)
	if err != nil {
		s.observer.ObserveDiscarded("degenerate")
		return Utterance{}, err
	}
	u := Utterance{
		Sequence:      s.seq,
		CorrelationID: s.newID(),
		Samples:       Pad(normalized, s.cfg.Threshold.PaddingSeconds, s.cfg.SampleRate),
		SampleRate:    s.cfg.SampleRate,
		RawSamples:    len(seg.Samples),
		StartedAt:     startedAt,
		EndedAt:       s.now(),
	}
	s.seq++
	s.observer.ObserveUtterance(u)
	return u, nil
}
