package voice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/speech2text-lab/internal/logging"
)

// SidecarManager centralizes finding and updating the JSON sidecar files
// stored next to each recorded utterance. A nil manager is a no-op.
type SidecarManager struct {
	Dir string
	// Locking takes an advisory flock on path+".lock" while merging, for
	// history directories shared with other processes.
	Locking bool
}

func NewSidecarManager(dir string) *SidecarManager {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &SidecarManager{Dir: dir}
}

// Write stores sc as the sidecar at path.
func (s *SidecarManager) Write(path string, sc map[string]interface{}) error {
	if s == nil {
		return nil
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar %s: %w", path, err)
	}
	return SaveFileAtomic(path, b, 0o644)
}

// FindByCID returns the full path to the sidecar JSON matching correlation id
// or an empty string if not found.
func (s *SidecarManager) FindByCID(cid string) string {
	if s == nil || s.Dir == "" || cid == "" {
		return ""
	}
	files, derr := os.ReadDir(s.Dir)
	if derr != nil {
		logging.Warnw("sidecar: failed to list dir", "dir", s.Dir, "err", derr)
		return ""
	}
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.Dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			logging.Debugw("sidecar: failed to read file while searching by cid", "path", path, "err", err, "correlation_id", cid)
			continue
		}
		var sc map[string]interface{}
		if err := json.Unmarshal(b, &sc); err == nil {
			if v, ok := sc["correlation_id"].(string); ok && v == cid {
				return path
			}
		}
	}
	return ""
}

// MergeUpdatesForCID reads the sidecar JSON for cid, merges updates into it
// and writes it back atomically.
func (s *SidecarManager) MergeUpdatesForCID(cid string, updates map[string]interface{}) error {
	if s == nil {
		return fmt.Errorf("sidecar manager not configured")
	}
	path := s.FindByCID(cid)
	if path == "" {
		return fmt.Errorf("sidecar not found for cid=%s (searched dir=%s)", cid, s.Dir)
	}
	return s.MergeUpdates(path, updates)
}

// MergeUpdates merges updates into the sidecar at path.
func (s *SidecarManager) MergeUpdates(path string, updates map[string]interface{}) error {
	if s == nil {
		return fmt.Errorf("sidecar manager not configured")
	}
	if s.Locking {
		unlock, err := lockFile(path + ".lock")
		if err != nil {
			logging.Warnw("sidecar: failed to lock", "path", path, "err", err)
			return err
		}
		defer unlock()
	}

	sb, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read sidecar %s: %w", path, err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(sb, &sc); err != nil {
		return fmt.Errorf("invalid sidecar JSON %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	if err := s.Write(path, sc); err != nil {
		logging.Warnw("sidecar: failed to save updates", "path", path, "err", err)
		return err
	}
	logging.Debugw("sidecar: saved updates", "path", path, "keys", len(updates))
	return nil
}

func lockFile(lf string) (func(), error) {
	f, err := os.OpenFile(lf, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lf, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to lock file %s: %w", lf, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
