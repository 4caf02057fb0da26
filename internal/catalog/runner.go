package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/heimdex/heimdex-editor/internal/logging"
)

const defaultJobHistory = 200

// Runner periodically drops cached probes whose files are gone and trims
// the export job history.
type Runner struct {
	repo         Repository
	logger       *slog.Logger
	pollInterval time.Duration
	keepJobs     int
	running      atomic.Bool
	paused       atomic.Bool
}

func NewRunner(repo Repository, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{
		repo:         repo,
		logger:       logging.WithComponent(logger, "catalog-runner"),
		pollInterval: 10 * time.Minute,
		keepJobs:     defaultJobHistory,
	}
}

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}
	defer r.running.Store(false)

	r.logger.Info("catalog runner started", "interval", r.pollInterval.String())

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("catalog runner stopping")
			return
		case <-ticker.C:
			if !r.paused.Load() {
				r.RunOnce(ctx)
			}
		}
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("catalog runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("catalog runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// RunOnce performs one maintenance pass and returns the number of cache
// entries and job records removed.
func (r *Runner) RunOnce(ctx context.Context) (media int, jobs int64) {
	paths, err := r.repo.ListMediaPaths(ctx)
	if err != nil {
		r.logger.Error("failed to list cached media", "error", err)
	}
	for _, p := range paths {
		if ctx.Err() != nil {
			return media, jobs
		}
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := r.repo.DeleteMedia(ctx, p); err != nil {
			r.logger.Warn("failed to drop cached probe", "path", logging.SanitizePath(p), "error", err)
			continue
		}
		media++
	}

	jobs, err = r.repo.PruneJobs(ctx, r.keepJobs)
	if err != nil {
		r.logger.Error("failed to prune export jobs", "error", err)
	}
	if media > 0 || jobs > 0 {
		r.logger.Info("catalog maintenance done", "media_removed", media, "jobs_removed", jobs)
	}
	return media, jobs
}
