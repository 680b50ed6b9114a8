// Package cache manages the directory where downloaded audio is spooled.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Ensure creates dir if it does not exist.
func Ensure(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return nil
}

// Purge removes every regular file directly under dir. Subdirectories are
// left alone. A missing directory is not an error.
func Purge(dir string, log zerolog.Logger) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	var (
		removed int
		freed   int64
		errs    []error
	)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
		freed += size
	}

	log.Info().
		Str("module", "music.cache").
		Str("dir", dir).
		Int("files", removed).
		Str("freed", humanize.Bytes(uint64(freed))).
		Msg("cache purged")

	return removed, errors.Join(errs...)
}
