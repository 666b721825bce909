package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/speech2text-lab/internal/logging"
)

// PostRequest describes a POST issued by PostWithRetries.
type PostRequest struct {
	URL           string
	ContentType   string
	Body          []byte
	AuthToken     string
	Timeout       time.Duration
	Attempts      int
	CorrelationID string
}

// PostResponse is a fully read response.
type PostResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// PostWithRetries posts req.Body with retry/backoff on network errors and 5xx
// responses. The body is read before the per-attempt timeout is released.
func PostWithRetries(ctx context.Context, client *http.Client, req PostRequest) (PostResponse, error) {
	attempts := req.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := time.Duration(200*(1<<(i-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return PostResponse{}, ctx.Err()
			}
		}
		resp, err := postOnce(ctx, client, req, contentType, timeout)
		if err != nil {
			lastErr = err
			logging.Debugw("postWithRetries: POST attempt failed", "attempt", i+1, "url", req.URL, "err", err, "correlation_id", req.CorrelationID)
			if ctx.Err() != nil {
				return PostResponse{}, ctx.Err()
			}
			continue
		}
		if resp.Status >= 500 {
			lastErr = fmt.Errorf("server error status=%d", resp.Status)
			logging.Warnw("postWithRetries: server error", "attempt", i+1, "url", req.URL, "status", resp.Status, "correlation_id", req.CorrelationID)
			if i < attempts-1 {
				continue
			}
		}
		return resp, nil
	}
	return PostResponse{}, lastErr
}

func postOnce(ctx context.Context, client *http.Client, req PostRequest, contentType string, timeout time.Duration) (PostResponse, error) {
	ctxReq, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctxReq, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return PostResponse{}, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	}
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return PostResponse{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PostResponse{}, fmt.Errorf("read response: %w", err)
	}
	return PostResponse{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
