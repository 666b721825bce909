package voice

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("history cleaner did not stop after cancel")
	}
}

func TestHistoryCleanerStopsOnCancel(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
	}{
		{"positive interval", time.Hour},
		{"zero interval", 0},
		{"negative interval", -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			var wg sync.WaitGroup
			StartHistoryCleaner(ctx, &wg, t.TempDir(), time.Hour, tt.interval, 0)
			cancel()
			waitOrFail(t, &wg)
		})
	}
}

func TestHistoryCleanerChildContextStopsBeforeParent(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()
	child, stop := context.WithCancel(parent)
	var wg sync.WaitGroup
	StartHistoryCleaner(child, &wg, t.TempDir(), time.Hour, time.Hour, 3)
	stop()
	waitOrFail(t, &wg)
	if parent.Err() != nil {
		t.Fatalf("parent context cancelled: %v", parent.Err())
	}
}
