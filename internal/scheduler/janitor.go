package scheduler

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const JanitorTag = "upload-janitor"

// UploadJanitor deletes async uploads that no task consumed within the
// retention window, e.g. because their task was archived.
type UploadJanitor struct {
	dir       string
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewUploadJanitor(dir string, retention time.Duration, logger *slog.Logger) *UploadJanitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadJanitor{
		dir:       dir,
		retention: retention,
		logger:    logger.With("component", "janitor"),
		now:       time.Now,
	}
}

// Sweep removes regular files under dir last modified before now-retention
// and returns how many were removed.
func (j *UploadJanitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	removed := 0

	err := filepath.WalkDir(j.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			j.logger.Warn("failed to remove stale upload", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})

	if removed > 0 {
		j.logger.Info("removed stale uploads", "count", removed, "dir", j.dir)
	}
	return removed, err
}

// Schedule registers the sweep on s at the given interval
func (j *UploadJanitor) Schedule(s *Scheduler, every time.Duration) error {
	return s.ScheduleInterval(JanitorTag, every, func(ctx context.Context) error {
		_, err := j.Sweep(ctx)
		return err
	})
}
