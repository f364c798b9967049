package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrFileExists is returned by WriteFile when the target exists and
// overwrite is off.
var ErrFileExists = errors.New("config file already exists")

// WriteFile encodes cfg as YAML and publishes it at path.
//
// The YAML is written and synced to a temp file next to path first, so a
// reader sees either the previous file or the complete new one. With
// overwrite the temp file is renamed over path. Without it the temp file
// is hard linked to path, which fails if path already exists, so a file
// created concurrently is never replaced.
func WriteFile(path string, cfg *Config, overwrite bool) error {
	if path == "" {
		return errors.New("config path cannot be empty")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	// After a rename this is a no-op; after a link it drops the extra name.
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if overwrite {
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("failed to replace %s: %w", path, err)
		}
		return nil
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}
