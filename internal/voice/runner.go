// Package voice drives the speech loop around the endpointing engine: it
// persists every utterance, transcribes it and publishes the transcript.
package voice

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/speech2text-lab/internal/endpoint"
	"github.com/speech2text-lab/internal/logging"
	"github.com/speech2text-lab/stt"
)

// UtteranceSource yields utterances from a stream; *endpoint.Segmenter.
type UtteranceSource interface {
	ProduceUtterance(ctx context.Context, stream endpoint.AudioStream) (endpoint.Utterance, error)
}

// Recorder persists utterances; *HistoryStore.
type Recorder interface {
	Save(u endpoint.Utterance) (Recording, error)
	Annotate(rec Recording, updates map[string]interface{}) error
}

// Uploader mirrors recordings elsewhere; *S3Mirror.
type Uploader interface {
	Upload(ctx context.Context, rec Recording) error
}

// RunObserver receives per-stage outcomes of the speech loop.
type RunObserver interface {
	ObservePersist(err error)
	ObserveTranscription(latency time.Duration, err error)
	ObservePublish(publisher string, err error)
}

type nopRunObserver struct{}

func (nopRunObserver) ObservePersist(error)                     {}
func (nopRunObserver) ObserveTranscription(time.Duration, error) {}
func (nopRunObserver) ObservePublish(string, error)             {}

// RunnerConfig wires the collaborators of a Runner. Source, Stream, Store and
// Transcriber are required.
type RunnerConfig struct {
	Source      UtteranceSource
	Stream      endpoint.AudioStream
	Store       Recorder
	Transcriber stt.Transcriber
	Publisher   Publisher
	Mirror      Uploader
	Observer    RunObserver

	// Wake, when set, publishes only transcripts led by a wake phrase,
	// with the phrase removed.
	Wake *WakeDetector

	Topic    string
	Language string
	// Hints is called once per utterance so edits to the hint list take
	// effect without a restart.
	Hints func() []string
}

// Runner is the session loop. It is driven by a single goroutine.
type Runner struct {
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("runner: no utterance source")
	case cfg.Stream == nil:
		return nil, errors.New("runner: no audio stream")
	case cfg.Store == nil:
		return nil, errors.New("runner: no recorder")
	case cfg.Transcriber == nil:
		return nil, errors.New("runner: no transcriber")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = LogPublisher{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopRunObserver{}
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Hints == nil {
		cfg.Hints = func() []string { return nil }
	}
	return &Runner{cfg: cfg}, nil
}

// Run processes utterances until ctx is cancelled or the stream ends. Both
// are a clean stop and return nil. Failures affecting a single utterance are
// logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	logging.Infow("speech loop started", "topic", r.cfg.Topic)
	for {
		u, err := r.cfg.Source.ProduceUtterance(ctx, r.cfg.Stream)
		switch {
		case errors.Is(err, endpoint.ErrCancelled):
			logging.Infow("speech loop stopping: cancelled")
			return nil
		case errors.Is(err, io.EOF):
			logging.Infow("speech loop stopping: input exhausted")
			return nil
		case endpoint.IsDegenerate(err):
			logging.Warnw("skipping silent utterance", "err", err)
			continue
		case err != nil:
			return err
		}
		r.handle(ctx, u)
	}
}

func (r *Runner) handle(ctx context.Context, u endpoint.Utterance) {
	fields := logging.UtteranceFields(u.Sequence, u.CorrelationID, len(u.Samples), u.SampleRate)
	ctx = logging.WithFields(ctx, "correlation_id", u.CorrelationID)
	rec, err := r.cfg.Store.Save(u)
	r.cfg.Observer.ObservePersist(err)
	if err != nil {
		logging.Errorw("failed to persist utterance", append(fields, "err", err)...)
		return
	}

	if r.cfg.Mirror != nil {
		if err := r.cfg.Mirror.Upload(ctx, rec); err != nil {
			logging.WarnwCtx(ctx, "history mirror upload failed", "path", rec.WAVPath, "err", err)
		}
	}

	hints := r.cfg.Hints()
	res, err := r.cfg.Transcriber.Transcribe(ctx, stt.Request{
		Sequence:      u.Sequence,
		CorrelationID: u.CorrelationID,
		Audio:         rec.WAV,
		SampleRate:    u.SampleRate,
		Hints:         hints,
		Language:      r.cfg.Language,
	})
	r.cfg.Observer.ObserveTranscription(res.Latency, err)
	if err != nil {
		logging.Errorw("transcription failed", append(fields, "err", err, "transient", stt.IsTransient(err))...)
		return
	}

	updates := map[string]interface{}{
		"stt_latency_ms": res.Latency.Milliseconds(),
		"stt_status":     res.Status,
		"stt_model":      res.Model,
		"transcript":     res.Text,
	}
	if res.ServerMS > 0 {
		updates["stt_server_ms"] = res.ServerMS
	}
	if len(res.Segments) > 0 {
		updates["segments"] = res.Segments
	}
	text := res.Text
	if r.cfg.Wake != nil && text != "" {
		matched, rest := r.cfg.Wake.Detect(text)
		updates["wake_matched"] = matched
		text = rest
	}
	if err := r.cfg.Store.Annotate(rec, updates); err != nil {
		logging.DebugwCtx(ctx, "failed to annotate sidecar", "path", rec.SidecarPath, "err", err)
	}

	if res.Text == "" {
		logging.InfowCtx(ctx, "no transcript for utterance", "utterance.seq", u.Sequence, "stt_status", res.Status)
		return
	}
	logging.Infow("transcript received", append(fields, "text", res.Text, "hints", len(hints))...)
	if text == "" {
		logging.DebugwCtx(ctx, "transcript not published: no command after wake gate", "utterance.seq", u.Sequence)
		return
	}

	msg := Message{
		Topic:         r.cfg.Topic,
		Text:          text,
		Sequence:      u.Sequence,
		CorrelationID: u.CorrelationID,
		WAVPath:       rec.WAVPath,
		StartedAt:     u.StartedAt,
		EndedAt:       u.EndedAt,
		STTLatencyMS:  res.Latency.Milliseconds(),
	}
	for _, p := range r.publishers() {
		err := p.Publish(ctx, msg)
		r.cfg.Observer.ObservePublish(p.Name(), err)
		if err != nil {
			logging.Errorw("failed to publish transcript", append(fields, "publisher", p.Name(), "err", err)...)
		}
	}
}

// publishers flattens a MultiPublisher so each delivery is observed under
// its own name.
func (r *Runner) publishers() []Publisher {
	if m, ok := r.cfg.Publisher.(MultiPublisher); ok {
		return m
	}
	return []Publisher{r.cfg.Publisher}
}
