package voice

import "strings"

const wakePunct = " ,.!?;:-\"'`~"

// WakeDetector gates transcripts on a wake phrase near their start.
type WakeDetector struct {
	phrases [][]string
	window  int
}

// NewWakeDetector returns nil when no usable phrase is given. window is the
// number of leading words in which a phrase may begin; zero means the
// transcript must start with it.
func NewWakeDetector(phrases []string, window int) *WakeDetector {
	w := &WakeDetector{window: window}
	for _, p := range phrases {
		var toks []string
		for _, f := range strings.Fields(p) {
			if t := normalizeToken(f); t != "" {
				toks = append(toks, t)
			}
		}
		if len(toks) > 0 {
			w.phrases = append(w.phrases, toks)
		}
	}
	if len(w.phrases) == 0 {
		return nil
	}
	return w
}

// Detect reports whether text carries a wake phrase and returns the text
// following it. The remainder is empty when the phrase was all there was.
func (w *WakeDetector) Detect(text string) (bool, string) {
	words := strings.Fields(text)
	var norm []string
	var idx []int
	for i, wd := range words {
		if t := normalizeToken(wd); t != "" {
			norm = append(norm, t)
			idx = append(idx, i)
		}
	}
	limit := 1
	if w.window > 0 {
		limit = w.window
	}
	for _, p := range w.phrases {
		for i := 0; i < limit && i+len(p) <= len(norm); i++ {
			if !tokensEqual(norm[i:i+len(p)], p) {
				continue
			}
			rest := ""
			if i+len(p) < len(norm) {
				rest = strings.Join(words[idx[i+len(p)-1]+1:], " ")
			}
			return true, strings.Trim(rest, wakePunct)
		}
	}
	return false, ""
}

func normalizeToken(tok string) string {
	return strings.Trim(strings.ToLower(tok), wakePunct)
}

func tokensEqual(a, b []string) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
