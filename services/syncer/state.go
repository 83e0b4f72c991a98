package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// syncState is the persisted watermark. Only writes after a fully successful
// flow, so a crashed sync re-covers its window on the next pass.
type syncState struct {
	LastSync time.Time `json:"last_sync"`
}

// StateFile persists the sync watermark as a small JSON file.
type StateFile struct {
	path string
}

// NewStateFile returns a StateFile at the given path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Load returns the stored watermark, or the zero time when no state exists.
func (s *StateFile) Load() (time.Time, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read sync state: %w", err)
	}
	var st syncState
	if err := json.Unmarshal(raw, &st); err != nil {
		return time.Time{}, fmt.Errorf("decode sync state %s: %w", s.path, err)
	}
	return st.LastSync, nil
}

// Save writes the watermark atomically via a temp file rename.
func (s *StateFile) Save(t time.Time) error {
	raw, err := json.Marshal(syncState{LastSync: t.UTC()})
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir for sync state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace sync state: %w", err)
	}
	return nil
}
