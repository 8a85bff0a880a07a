package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshot is the durable buffer state written between process runs.
type snapshot struct {
	SavedAt       time.Time  `json:"saved_at"`
	Items         []*Item    `json:"items"`
	Summaries     []*Summary `json:"summaries,omitempty"`
	WindowSummary string     `json:"window_summary,omitempty"`
}

// saveSnapshot writes the snapshot atomically: temp file then rename.
func saveSnapshot(path string, snap *snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// loadSnapshot reads a snapshot from disk. A missing file yields
// (nil, nil). A malformed file yields an error so the caller can reset
// to empty state with a warning instead of aborting startup.
func loadSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for _, it := range snap.Items {
		if it.ID == "" || !it.Kind.Valid() {
			return nil, fmt.Errorf("decode snapshot: malformed item")
		}
	}
	return &snap, nil
}
