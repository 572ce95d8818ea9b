// Package state persists what the supervisor needs to find a daemon started
// by an earlier run of the host.
package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const fileName = "supervisor.json"

// Snapshot is the persisted supervisor view.
type Snapshot struct {
	Ports     []int     `json:"ports"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	LogPath   string    `json:"log_path"`
	StartedAt time.Time `json:"started_at"`
	SystemID  string    `json:"system_id,omitempty"`
	Version   string    `json:"version,omitempty"`
	Updated   time.Time `json:"updated"`
}

// Empty reports whether the snapshot records no daemon.
func (s Snapshot) Empty() bool { return s.PID == 0 }

// Save writes snap atomically under dir.
func Save(dir string, snap Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	snap.Updated = time.Now().UTC()
	path := filepath.Join(dir, fileName)
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the snapshot under dir. A missing file yields an empty snapshot.
func Load(dir string) (Snapshot, error) {
	var snap Snapshot
	b, err := os.ReadFile(filepath.Join(dir, fileName))
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Clear removes the snapshot; clearing a missing one is not an error.
func Clear(dir string) error {
	err := os.Remove(filepath.Join(dir, fileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
