package service

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// uploadMaxAge is how long a downloaded or generated file stays on disk.
const uploadMaxAge = 24 * time.Hour

// CleanUploads removes files in dir older than a day and returns how many
// went away. Subdirectories are left alone.
func CleanUploads(dir string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("uploads cleanup failed", "dir", dir, "error", err)
		}
		return 0
	}

	cutoff := time.Now().Add(-uploadMaxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove old upload", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("uploads cleaned", "dir", dir, "removed", removed)
	}
	return removed
}
