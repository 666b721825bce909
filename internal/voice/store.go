package voice

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/speech2text-lab/internal/endpoint"
	"github.com/speech2text-lab/internal/logging"
)

// Recording is a persisted utterance.
type Recording struct {
	Sequence      int
	CorrelationID string
	WAVPath       string
	SidecarPath   string
	// WAV holds the exact bytes written to WAVPath.
	WAV []byte
}

// HistoryStore keeps every utterance as sentence<N>.wav plus a JSON sidecar
// in a single directory.
type HistoryStore struct {
	dir     string
	sidecar *SidecarManager
}

// ExpandDir replaces a leading "~" with the home directory and creates the
// directory if it does not exist.
func ExpandDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("empty history directory")
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", dir, err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create history dir %s: %w", dir, err)
	}
	return dir, nil
}

func NewHistoryStore(dir string) (*HistoryStore, error) {
	d, err := ExpandDir(dir)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{dir: d, sidecar: NewSidecarManager(d)}, nil
}

func (h *HistoryStore) Dir() string               { return h.dir }
func (h *HistoryStore) Sidecar() *SidecarManager { return h.sidecar }

// WAVPath is where the utterance with sequence number seq is stored.
func (h *HistoryStore) WAVPath(seq int) string {
	return filepath.Join(h.dir, fmt.Sprintf("sentence%d.wav", seq))
}

// Save writes u and its sidecar and returns the stored recording.
func (h *HistoryStore) Save(u endpoint.Utterance) (Recording, error) {
	wavPath := h.WAVPath(u.Sequence)
	if err := SaveWAVAtomic(wavPath, u.Samples, u.SampleRate); err != nil {
		return Recording{}, fmt.Errorf("save %s: %w", wavPath, err)
	}
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return Recording{}, fmt.Errorf("read back %s: %w", wavPath, err)
	}

	sidecarPath := strings.TrimSuffix(wavPath, ".wav") + ".json"
	sc := map[string]interface{}{
		"correlation_id": u.CorrelationID,
		"sequence":       u.Sequence,
		"wav_path":       wavPath,
		"sample_rate":    u.SampleRate,
		"samples":        len(u.Samples),
		"raw_samples":    u.RawSamples,
		"duration_ms":    u.Duration().Milliseconds(),
		"started_utc":    u.StartedAt.UTC().Format(time.RFC3339Nano),
		"ended_utc":      u.EndedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := h.sidecar.Write(sidecarPath, sc); err != nil {
		logging.Warnw("history: failed to write sidecar", "path", sidecarPath, "err", err, "correlation_id", u.CorrelationID)
		sidecarPath = ""
	}
	logging.Infow("history: utterance saved", "path", wavPath, "bytes", len(data), "correlation_id", u.CorrelationID)
	return Recording{
		Sequence:      u.Sequence,
		CorrelationID: u.CorrelationID,
		WAVPath:       wavPath,
		SidecarPath:   sidecarPath,
		WAV:           data,
	}, nil
}

// Annotate merges updates into the recording's sidecar.
func (h *HistoryStore) Annotate(rec Recording, updates map[string]interface{}) error {
	if rec.SidecarPath == "" {
		return h.sidecar.MergeUpdatesForCID(rec.CorrelationID, updates)
	}
	return h.sidecar.MergeUpdates(rec.SidecarPath, updates)
}
