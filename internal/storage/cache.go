// Package storage manages the on-disk cache layout: one subdirectory per
// lowercase hex info hash under a base cache directory, holding the torrent's
// natural file tree.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidInfoHash is returned when a directory name is not a 40 character hex info hash.
var ErrInvalidInfoHash = errors.New("invalid info hash")

// purgeParallelism bounds concurrent RemoveAll calls during a purge.
const purgeParallelism = 4

// SaveDir returns the per-torrent save directory under baseDir.
func SaveDir(baseDir, infoHash string) string {
	return filepath.Join(baseDir, strings.ToLower(infoHash))
}

// IsInfoHashName reports whether name is a 40 character hex string.
func IsInfoHashName(name string) bool {
	if len(name) != 40 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}

// EnsureDir creates a directory and all necessary parent directories.
// If the directory already exists, it returns nil (no error).
func EnsureDir(path string, perm os.FileMode) error {
	if path == "" {
		return errors.New("path cannot be empty")
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// RemoveSaveDir recursively deletes the save directory of one torrent.
// Missing directories are not an error.
func RemoveSaveDir(baseDir, infoHash string) error {
	if !IsInfoHashName(strings.ToLower(infoHash)) {
		return fmt.Errorf("%w: %q", ErrInvalidInfoHash, infoHash)
	}

	dir := SaveDir(baseDir, infoHash)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}

// RemoveSaveDirs deletes several save directories concurrently and returns
// the first error encountered. Every directory is attempted.
func RemoveSaveDirs(ctx context.Context, baseDir string, infoHashes []string) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(purgeParallelism)

	for _, ih := range infoHashes {
		g.Go(func() error {
			return RemoveSaveDir(baseDir, ih)
		})
	}

	return g.Wait()
}

// PurgeStale removes every info hash directory left under baseDir by a
// previous run. Other entries are left alone. It returns the number of
// directories removed.
func PurgeStale(ctx context.Context, baseDir string) (int, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cache dir %s: %w", baseDir, err)
	}

	var stale []string
	for _, e := range entries {
		if e.IsDir() && IsInfoHashName(e.Name()) {
			stale = append(stale, e.Name())
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := RemoveSaveDirs(ctx, baseDir, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}
