package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/speech2text-lab/internal/logging"
)

// DefaultTopic is the topic transcripts are published on.
const DefaultTopic = "user_input"

// Message is a transcript ready for delivery.
type Message struct {
	Topic         string    `json:"topic"`
	Text          string    `json:"transcript"`
	Sequence      int       `json:"sequence"`
	CorrelationID string    `json:"correlation_id"`
	WAVPath       string    `json:"wav_path,omitempty"`
	StartedAt     time.Time `json:"started_utc"`
	EndedAt       time.Time `json:"ended_utc"`
	STTLatencyMS  int64     `json:"stt_latency_ms"`
}

// Publisher delivers transcripts downstream.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
}

// MultiPublisher fans a message out to every publisher. All publishers are
// tried; their errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Name() string { return "multi" }

func (m MultiPublisher) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes transcripts to the log. It is used when nothing else
// is configured.
type LogPublisher struct{}

func (LogPublisher) Name() string { return "log" }

func (LogPublisher) Publish(_ context.Context, msg Message) error {
	logging.Infow("transcript", "topic", msg.Topic, "text", msg.Text, "utterance.seq", msg.Sequence, "correlation_id", msg.CorrelationID)
	return nil
}

// HTTPForwarder POSTs each message as JSON to URL.
type HTTPForwarder struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
	Attempts  int
	HTTP      *http.Client
}

func (f *HTTPForwarder) Name() string { return "http" }

func (f *HTTPForwarder) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	resp, err := PostWithRetries(ctx, f.HTTP, PostRequest{
		URL:           f.URL,
		Body:          b,
		AuthToken:     f.AuthToken,
		Timeout:       f.Timeout,
		Attempts:      f.Attempts,
		CorrelationID: msg.CorrelationID,
	})
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("forward status %d", resp.Status)
	}
	logging.Debugw("transcript forwarded", "url", f.URL, "status", resp.Status, "correlation_id", msg.CorrelationID)
	return nil
}

// ChannelMessenger is the subset of *discordgo.Session used for publishing.
type ChannelMessenger interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordPublisher posts transcripts to a Discord text channel.
type DiscordPublisher struct {
	Session   ChannelMessenger
	ChannelID string
	// Prefix is prepended to every message, e.g. "[user_input] ".
	Prefix string
}

func (d *DiscordPublisher) Name() string { return "discord" }

func (d *DiscordPublisher) Publish(_ context.Context, msg Message) error {
	if d.Session == nil || d.ChannelID == "" {
		return errors.New("discord publisher not configured")
	}
	text := d.Prefix + msg.Text
	if len(text) > 2000 {
		text = text[:2000]
	}
	if _, err := d.Session.ChannelMessageSend(d.ChannelID, text); err != nil {
		return fmt.Errorf("send to channel %s: %w", d.ChannelID, err)
	}
	return nil
}
