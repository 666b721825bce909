// Package stt defines the transcription contract used by the speech loop and
// an OpenAI-compatible client for it.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

// Request is one utterance offered for transcription.
type Request struct {
	Sequence      int
	CorrelationID string
	// Audio is a complete mono 16-bit PCM WAV file.
	Audio      []byte
	Filename   string
	SampleRate int
	// Hints are recognition-context phrases biasing the recognizer.
	Hints    []string
	Language string
}

// Result is what a transcription backend returned. An empty Text means the
// backend heard nothing usable.
type Result struct {
	Text     string
	Model    string
	Segments json.RawMessage
	Status   int
	Latency  time.Duration
	ServerMS int
}

// Transcriber turns an utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Client talks to an OpenAI-compatible /audio/transcriptions endpoint.
type Client struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	HTTP          *http.Client
}

func NewClientFromEnv() *Client {
	base := os.Getenv("OPENAI_BASE_URL")
	if base == "" {
		base = "http://127.0.0.1:8000/v1"
	}
	model := os.Getenv("STT_MODEL")
	if model == "" {
		model = "whisper-1"
	}
	return &Client{
		BaseURL:       strings.TrimRight(base, "/"),
		APIKey:        os.Getenv("OPENAI_API_KEY"),
		Model:         model,
		FallbackModel: os.Getenv("STT_FALLBACK_MODEL"),
		HTTP:          &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Transcribe(ctx context.Context, req Request) (Result, error) {
	model := c.Model
	if model == "" {
		model = "whisper-1"
	}
	res, err := c.post(ctx, req, model)
	if err != nil && errors.Is(err, ErrTransient) && c.FallbackModel != "" && c.FallbackModel != model {
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return Result{}, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
		return c.post(ctx, req, c.FallbackModel)
	}
	return res, err
}

func (c *Client) post(ctx context.Context, req Request, model string) (Result, error) {
	body, contentType, err := transcriptionForm(req, model)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build form: %v", ErrPermanent, err)
	}

	url := fmt.Sprintf("%s/audio/transcriptions", c.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	start := time.Now()
	resp, err := hc.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out struct {
			Text     string          `json:"text"`
			Segments json.RawMessage `json:"segments"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Result{}, fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		return Result{
			Text:     strings.TrimSpace(out.Text),
			Model:    model,
			Segments: out.Segments,
			Status:   resp.StatusCode,
			Latency:  time.Since(start),
		}, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Result{Status: resp.StatusCode}, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return Result{Status: resp.StatusCode}, fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(msg)))
}

func transcriptionForm(req Request, model string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	name := req.Filename
	if name == "" {
		name = fmt.Sprintf("sentence%d.wav", req.Sequence)
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, "", err
	}
	fields := map[string]string{
		"model":           model,
		"response_format": "json",
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	if len(req.Hints) > 0 {
		fields["prompt"] = strings.Join(req.Hints, ", ")
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
