package config

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/speech2text-lab/internal/logging"
)

// LoadSpeechContext reads recognition hints from path, one phrase per line.
// Blank lines and lines starting with # are skipped.
func LoadSpeechContext(path string) ([]string, error) {
	p, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hints []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hints = append(hints, line)
	}
	return hints, sc.Err()
}

// HintSource returns a function yielding the current hints. Inline hints
// are always included; when a hints file is set it is re-read on every
// call so edits take effect on the next utterance. A read failure keeps
// the last good file contents.
func (c STTConfig) HintSource() func() []string {
	inline := append([]string(nil), c.Hints...)
	if c.HintsFile == "" {
		return func() []string { return inline }
	}
	var (
		mu   sync.Mutex
		last []string
	)
	return func() []string {
		hints, err := LoadSpeechContext(c.HintsFile)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			logging.Warnw("speech context: reload failed", "path", c.HintsFile, "err", err)
		} else {
			last = hints
		}
		out := make([]string, 0, len(inline)+len(last))
		out = append(out, inline...)
		return append(out, last...)
	}
}
