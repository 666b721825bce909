package mcp

import (
	"context"
	"time"

	"github.com/speech2text-lab/internal/logging"
	"github.com/speech2text-lab/internal/voice"
)

// ToolCaller is satisfied by *ClientWrapper.
type ToolCaller interface {
	CallTool(ctx context.Context, tool string, args map[string]any) (string, error)
}

// Publisher delivers each transcript by calling an MCP tool. The tool name
// defaults to the message topic.
type Publisher struct {
	caller  ToolCaller
	tool    string
	timeout time.Duration
}

func NewPublisher(caller ToolCaller, tool string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{caller: caller, tool: tool, timeout: timeout}
}

func (p *Publisher) Name() string { return "mcp" }

func (p *Publisher) Publish(ctx context.Context, msg voice.Message) error {
	tool := p.tool
	if tool == "" {
		tool = msg.Topic
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.caller.CallTool(ctx, tool, map[string]any{
		"topic":          msg.Topic,
		"transcript":     msg.Text,
		"sequence":       msg.Sequence,
		"correlation_id": msg.CorrelationID,
	})
	if err != nil {
		return err
	}
	logging.DebugwCtx(ctx, "mcp: transcript delivered", "tool", tool, "reply", out)
	return nil
}
