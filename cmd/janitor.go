package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
)

// activeJobsScan bounds how many recent jobs are checked for files still in use
const activeJobsScan = 1000

// SweepResult summarizes one retention pass
type SweepResult struct {
	Uploads    int
	Workspaces int
	Jobs       int64
}

// Janitor periodically removes old uploads, leftover workspaces and
// finished job records
type Janitor struct {
	cron      *cron.Cron
	schedule  string
	maxAge    time.Duration
	uploadDir string
	workDir   string
	repo      jobs.Repository
	now       func() time.Time
	logger    *slog.Logger
}

func NewJanitor(config *Config, repo jobs.Repository, logger *slog.Logger) *Janitor {
	return &Janitor{
		cron:      cron.New(),
		schedule:  config.Retention.Schedule,
		maxAge:    config.Retention.MaxAge,
		uploadDir: config.UploadDir,
		workDir:   config.WorkDir,
		repo:      repo,
		now:       time.Now,
		logger:    logger,
	}
}

// Run schedules sweeps until ctx is cancelled and waits for a running sweep
// to finish before returning
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn(fmt.Sprintf("⚠️  Retention sweep failed: %v", err))
		}
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrRetentionScheduleInvalid, err)
	}

	j.cron.Start()
	j.logger.Debug(fmt.Sprintf("Retention janitor scheduled (%s, max age %s)", j.schedule, j.maxAge))
	<-ctx.Done()
	<-j.cron.Stop().Done()
	return nil
}

// Sweep removes everything older than the configured max age
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := j.now().Add(-j.maxAge)

	inUse, err := j.activePaths(ctx)
	if err != nil {
		return res, err
	}

	res.Uploads = j.removeOld(j.uploadDir, []string{"upload-", "fetch-"}, cutoff, inUse)
	res.Workspaces = j.removeOld(j.workDir, []string{"job-"}, cutoff, inUse)

	res.Jobs, err = j.repo.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to delete old jobs: %w", err)
	}

	if res.Uploads+res.Workspaces > 0 || res.Jobs > 0 {
		j.logger.Info(fmt.Sprintf("🧹 Retention sweep removed %d upload(s), %d workspace(s) and %d job record(s)",
			res.Uploads, res.Workspaces, res.Jobs))
	}
	return res, nil
}

// activePaths returns the uploads and workspaces of jobs that have not
// finished yet
func (j *Janitor) activePaths(ctx context.Context) (map[string]bool, error) {
	list, err := j.repo.List(ctx, activeJobsScan)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	paths := make(map[string]bool)
	for _, job := range list {
		if job.State.Terminal() {
			continue
		}
		if job.Source != "" {
			paths[filepath.Clean(job.Source)] = true
		}
		if job.Workspace != "" {
			paths[filepath.Clean(job.Workspace)] = true
		}
	}
	return paths, nil
}

func (j *Janitor) removeOld(dir string, prefixes []string, cutoff time.Time, inUse map[string]bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn(fmt.Sprintf("Failed to read %s: %v", dir, err))
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !hasAnyPrefix(e.Name(), prefixes) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if inUse[filepath.Clean(path)] {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn(fmt.Sprintf("Failed to remove %s: %v", path, err))
			continue
		}
		j.logger.Debug(fmt.Sprintf("Removed %s", path))
		removed++
	}
	return removed
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
