package mcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error { b.closed = true; return nil }

func TestCommandConnectionLineFraming(t *testing.T) {
	pr, pw := io.Pipe()
	out := &bufferCloser{}
	conn := newCommandConnection(pr, out)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := conn.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("idle read: want deadline error got %v", err)
	}

	go func() {
		_, _ = pw.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	}()
	msg, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok || req.Method != "ping" {
		t.Fatalf("unexpected message %#v", msg)
	}

	if err := conn.Write(context.Background(), msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	line := out.String()
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 || !strings.Contains(line, `"ping"`) {
		t.Fatalf("unexpected frame %q", line)
	}

	_ = pw.Close()
	if _, err := conn.Read(context.Background()); err == nil {
		t.Fatal("want error after the server closes stdout")
	}
	if err := conn.Close(); err != nil || !out.closed {
		t.Fatalf("close: err=%v closed=%v", err, out.closed)
	}
}
