package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/speech2text-lab/internal/logging"
	"github.com/speech2text-lab/stt"
)

// WhisperClient posts raw WAV bodies to a whisper-style HTTP server and reads
// back {"text": ..., "segments": ...}.
type WhisperClient struct {
	URL            string
	Language       string
	Translate      bool
	BeamSize       int
	WordTimestamps bool
	Timeout        time.Duration
	Attempts       int
	HTTP           *http.Client
}

var _ stt.Transcriber = (*WhisperClient)(nil)

func (w *WhisperClient) requestURL(req stt.Request) (string, error) {
	u, err := url.Parse(w.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if w.Translate {
		q.Set("task", "translate")
	}
	if w.BeamSize > 0 {
		q.Set("beam_size", strconv.Itoa(w.BeamSize))
	}
	lang := req.Language
	if lang == "" {
		lang = w.Language
	}
	if lang != "" {
		q.Set("language", lang)
	}
	if w.WordTimestamps {
		q.Set("word_timestamps", "1")
	}
	if len(req.Hints) > 0 {
		q.Set("initial_prompt", strings.Join(req.Hints, ", "))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transcribe sends the utterance WAV and returns the trimmed transcript.
func (w *WhisperClient) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if w.URL == "" {
		return stt.Result{}, fmt.Errorf("%w: whisper url not set", stt.ErrPermanent)
	}
	target, err := w.requestURL(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("%w: bad whisper url: %v", stt.ErrPermanent, err)
	}
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	logging.Debugw("sending audio to whisper", "url", target, "correlation_id", req.CorrelationID, "bytes", len(req.Audio), "utterance.seq", req.Sequence)
	sendTs := time.Now()
	resp, err := PostWithRetries(ctx, w.HTTP, PostRequest{
		URL:           target,
		ContentType:   "audio/wav",
		Body:          req.Audio,
		Timeout:       w.Timeout,
		Attempts:      attempts,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return stt.Result{}, fmt.Errorf("%w: %v", stt.ErrTransient, err)
	}
	latency := time.Since(sendTs)
	switch {
	case resp.Status >= 500 || resp.Status == http.StatusTooManyRequests:
		return stt.Result{Status: resp.Status}, fmt.Errorf("%w: whisper status %d", stt.ErrTransient, resp.Status)
	case resp.Status >= 400:
		return stt.Result{Status: resp.Status}, fmt.Errorf("%w: whisper status %d", stt.ErrPermanent, resp.Status)
	}

	var out struct {
		Text         string          `json:"text"`
		Segments     json.RawMessage `json:"segments"`
		ProcessingMS json.Number     `json:"processing_ms"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return stt.Result{Status: resp.Status}, fmt.Errorf("%w: decode whisper response: %v", stt.ErrTransient, err)
	}

	serverMS := 0
	if v := resp.Header.Get("X-Processing-Time-ms"); v != "" {
		serverMS, _ = strconv.Atoi(v)
	}
	if serverMS == 0 && out.ProcessingMS != "" {
		if f, err := out.ProcessingMS.Float64(); err == nil {
			serverMS = int(f)
		}
	}
	logging.Infow("STT response received", "correlation_id", req.CorrelationID, "status", resp.Status, "stt_latency_ms", latency.Milliseconds(), "stt_server_ms", serverMS)
	return stt.Result{
		Text:     strings.TrimSpace(out.Text),
		Model:    "whisper",
		Segments: out.Segments,
		Status:   resp.Status,
		Latency:  latency,
		ServerMS: serverMS,
	}, nil
}
