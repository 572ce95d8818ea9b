package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const systemIDFile = "system_id"

// EnsureSystemID returns the per-installation identity stored under dataDir,
// creating it on first use.
func EnsureSystemID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, systemIDFile)
	b, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(b))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		// Corrupt file: replace it.
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read system id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write system id: %w", err)
	}
	return id, nil
}

// ResolveSystemID fills c.SystemID from the data dir when not configured.
func (c *Config) ResolveSystemID() error {
	if c.SystemID != "" {
		return nil
	}
	id, err := EnsureSystemID(c.DataDir)
	if err != nil {
		return err
	}
	c.SystemID = id
	return nil
}
