package voice

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/speech2text-lab/internal/logging"
)

// DefaultCleanInterval is used when StartHistoryCleaner is given a
// non-positive interval.
const DefaultCleanInterval = time.Hour

// StartHistoryCleaner starts a background goroutine that periodically
// scans dir for sidecar JSON files and their paired wavs, removing entries
// older than retention and enforcing maxFiles. It registers itself on wg and
// returns when ctx is done.
func StartHistoryCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	if interval <= 0 {
		interval = DefaultCleanInterval
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := CleanHistory(dir, retention, maxFiles, time.Now()); n > 0 {
					logging.Infow("history: cleanup removed recordings", "dir", dir, "removed", n)
				}
			}
		}
	}()
}

type recordingPair struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// CleanHistory removes recordings whose sidecar is older than retention
// (when positive) and then the oldest ones beyond maxFiles (when positive).
// It returns the number of recordings removed.
func CleanHistory(dir string, retention time.Duration, maxFiles int, now time.Time) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("history: cleanup readDir failed", "err", err)
		return 0
	}
	var pairs []recordingPair
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(dir, name)
		st, err := os.Stat(jsonPath)
		if err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc map[string]interface{}
			if json.Unmarshal(b, &sc) == nil {
				if v, ok := sc["wav_path"].(string); ok && v != "" {
					wavPath = v
				}
			}
		}
		pairs = append(pairs, recordingPair{jsonPath: jsonPath, wavPath: wavPath, mod: st.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	removed := 0
	remove := func(p recordingPair) {
		_ = os.Remove(p.jsonPath)
		_ = os.Remove(p.wavPath)
		removed++
	}
	keep := pairs[:0]
	for _, p := range pairs {
		if retention > 0 && p.mod.Before(now.Add(-retention)) {
			remove(p)
			continue
		}
		keep = append(keep, p)
	}
	if maxFiles > 0 && len(keep) > maxFiles {
		for _, p := range keep[:len(keep)-maxFiles] {
			remove(p)
		}
	}
	return removed
}
