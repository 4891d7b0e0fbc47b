package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/backends"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/extractors"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/progress"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/sources"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/statements"
)

// Fetcher materializes remote sources
type Fetcher interface {
	Fetch(ctx context.Context, uri, dir string) (string, error)
}

// Observer is told about job state changes and progress
type Observer interface {
	JobUpdated(j Job)
	JobProgress(j Job, s progress.Stats)
}

// RunnerConfig holds the settings a Runner needs
type RunnerConfig struct {
	UploadDir        string
	WorkDir          string
	KeepWorkspace    bool
	ChunkSize        int
	CommentMode      statements.CommentMode
	ProgressInterval time.Duration
	ProgressWidth    int
	// Console receives the textual progress bar; nil disables it
	Console io.Writer
}

// Runner drives one job through its lifecycle:
// received -> extracting -> locating -> executing -> completed | failed
type Runner struct {
	cfg       RunnerConfig
	repo      Repository
	backend   backends.Backend
	fetcher   Fetcher
	observers []Observer
	logger    *slog.Logger
}

// NewRunner creates a runner. fetcher may be nil when only local sources
// are used.
func NewRunner(cfg RunnerConfig, repo Repository, backend backends.Backend, fetcher Fetcher, logger *slog.Logger, observers ...Observer) *Runner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = statements.DefaultChunkSize
	}
	return &Runner{
		cfg:       cfg,
		repo:      repo,
		backend:   backend,
		fetcher:   fetcher,
		observers: observers,
		logger:    logger,
	}
}

// Process runs j. Failures are logged and recorded on the job; the
// returned error is for the caller's information only.
func (r *Runner) Process(ctx context.Context, j *Job) error {
	if j.StartedAt == nil {
		now := time.Now().UTC()
		j.StartedAt = &now
	}
	j.Backend = r.backend.Name()

	err := r.run(ctx, j)
	if err == nil {
		return nil
	}

	r.logger.Error(fmt.Sprintf("❌ Migration failed: %v", err))
	if ferr := j.Fail(err); ferr != nil {
		r.logger.Error(fmt.Sprintf("Failed to mark job %s as failed: %v", j.ID, ferr))
		return err
	}
	r.save(context.WithoutCancel(ctx), j)
	return err
}

func (r *Runner) run(ctx context.Context, j *Job) error {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	workspace, err := os.MkdirTemp(r.cfg.WorkDir, fmt.Sprintf("job-%d-", time.Now().UnixMilli()))
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	j.Workspace = workspace
	defer r.cleanup(workspace)

	upload, err := r.materialize(ctx, j)
	if err != nil {
		return err
	}
	if upload != j.Source {
		defer os.Remove(upload)
	}

	// extracting
	if err := r.advance(ctx, j, StateExtracting); err != nil {
		return err
	}
	extractor, err := extractors.Detect(upload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	r.logger.Info(fmt.Sprintf("📦 Extracting %s (%s)", j.SourceName, extractor.Name()))
	if err := extractor.Extract(ctx, upload, workspace); err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	// locating
	if err := r.advance(ctx, j, StateLocating); err != nil {
		return err
	}
	dump, err := LocateDump(workspace)
	if err != nil {
		return err
	}
	j.DumpPath = dump.Path
	j.TotalBytes = dump.Size
	r.logger.Info(fmt.Sprintf("Running SQL: %s (%s)", dump.Path, progress.FormatBytes(dump.Size)))

	// executing
	if err := r.advance(ctx, j, StateExecuting); err != nil {
		return err
	}
	start := time.Now()
	if err := r.execute(ctx, j, dump); err != nil {
		return err
	}

	elapsed := time.Since(start)
	avg := int64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		avg = int64(float64(dump.Size) / secs)
	}
	if err := r.advance(ctx, j, StateCompleted); err != nil {
		return err
	}
	r.logger.Info(fmt.Sprintf("✅ SQL migration completed successfully in %s (%s/s avg).",
		progress.FormatDuration(elapsed), progress.FormatBytes(avg)))
	return nil
}

// materialize returns a local path for the job's source, downloading
// remote sources into the upload directory
func (r *Runner) materialize(ctx context.Context, j *Job) (string, error) {
	if !sources.IsRemote(j.Source) {
		if _, err := os.Stat(j.Source); err != nil {
			return "", fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return j.Source, nil
	}
	if r.fetcher == nil {
		return "", fmt.Errorf("%w: no fetcher configured for %s", ErrSourceUnavailable, j.SourceName)
	}
	if err := os.MkdirAll(r.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	return r.fetcher.Fetch(ctx, j.Source, r.cfg.UploadDir)
}

func (r *Runner) execute(ctx context.Context, j *Job, dump Dump) error {
	f, err := os.Open(dump.Path)
	if err != nil {
		return fmt.Errorf("failed to open dump: %w", err)
	}
	defer f.Close()

	sess, err := r.backend.Open(ctx)
	if err != nil {
		if !errors.Is(err, ErrExecutionFailed) {
			err = fmt.Errorf("%w: %w", ErrExecutionFailed, err)
		}
		return err
	}
	closed := false
	defer func() {
		if !closed {
			_ = sess.Close()
		}
	}()

	var stmts atomic.Int64
	sinks := []progress.Sink{&jobSink{runner: r, ctx: ctx, job: j, stmts: &stmts}}
	if r.cfg.Console != nil {
		sinks = append(sinks, progress.NewConsole(r.cfg.Console, r.cfg.ProgressWidth))
	}
	reporter := progress.NewReporter(dump.Size,
		progress.WithInterval(r.cfg.ProgressInterval),
		progress.WithSinks(sinks...),
	)
	src := progress.NewReader(f, reporter)

	if raw, ok := sess.(backends.RawSession); ok {
		buf := make([]byte, r.cfg.ChunkSize)
		if _, err := io.CopyBuffer(raw, &contextReader{ctx: ctx, r: src}, buf); err != nil {
			closed = true
			return errors.Join(err, sess.Close())
		}
	} else {
		sc := statements.NewScanner(src,
			statements.WithChunkSize(r.cfg.ChunkSize),
			statements.WithCommentMode(r.cfg.CommentMode),
		)
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := sess.Exec(ctx, sc.Statement()); err != nil {
				return err
			}
			stmts.Add(1)
		}
		if err := sc.Err(); err != nil {
			return err
		}
	}

	closed = true
	if err := sess.Close(); err != nil {
		return err
	}

	final := reporter.Finish()
	if final.BytesRead != dump.Size {
		r.logger.Warn(fmt.Sprintf("⚠️  Job %s read %s of %s from %s; the dump changed during the import",
			j.ID, progress.FormatBytes(final.BytesRead), progress.FormatBytes(dump.Size), dump.Path))
	}
	j.BytesRead = final.BytesRead
	j.Statements = stmts.Load()
	return nil
}

// advance moves j to next and persists the change
func (r *Runner) advance(ctx context.Context, j *Job, next State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := j.Transition(next); err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("Job %s is now %s", j.ID, next))
	r.save(ctx, j)
	return nil
}

func (r *Runner) save(ctx context.Context, j *Job) {
	if err := r.repo.Update(ctx, j); err != nil {
		r.logger.Warn(fmt.Sprintf("Failed to save job %s: %v", j.ID, err))
	}
	for _, o := range r.observers {
		o.JobUpdated(*j)
	}
}

func (r *Runner) cleanup(workspace string) {
	if r.cfg.KeepWorkspace {
		r.logger.Debug(fmt.Sprintf("Keeping workspace %s", workspace))
		return
	}
	if err := os.RemoveAll(workspace); err != nil {
		r.logger.Warn(fmt.Sprintf("Failed to remove workspace %s: %v", workspace, err))
	}
}

// jobSink persists throttled progress updates and forwards them to the
// runner's observers
type jobSink struct {
	runner *Runner
	ctx    context.Context
	job    *Job
	stmts  *atomic.Int64
}

func (s *jobSink) Update(st progress.Stats) {
	s.job.BytesRead = st.BytesRead
	s.job.Statements = s.stmts.Load()
	if err := s.runner.repo.UpdateProgress(s.ctx, s.job.ID, st.BytesRead, s.job.Statements); err != nil && s.ctx.Err() == nil {
		s.runner.logger.Debug(fmt.Sprintf("Failed to save progress for job %s: %v", s.job.ID, err))
	}
	for _, o := range s.runner.observers {
		o.JobProgress(*s.job, st)
	}
}

// contextReader stops a copy once ctx is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
