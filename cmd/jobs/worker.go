package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Processor runs a claimed job to completion
type Processor interface {
	Process(ctx context.Context, j *Job) error
}

// Claimer hands out received jobs to workers
type Claimer interface {
	ClaimPending(ctx context.Context) (*Job, error)
}

// WorkerPool runs a fixed number of goroutines that claim and run received
// jobs. With one worker, imports are serialized against the database.
type WorkerPool struct {
	repo         Claimer
	processor    Processor
	workers      int
	notify       chan struct{}
	pollInterval time.Duration
	jobCtx       context.Context
	logger       *slog.Logger
}

// NewWorkerPool creates a pool with the given number of workers
func NewWorkerPool(repo Claimer, processor Processor, workers int, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		repo:         repo,
		processor:    processor,
		workers:      workers,
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
		logger:       logger,
	}
}

// Notify wakes an idle worker to look for received jobs. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// SetJobContext makes claimed jobs run under ctx instead of the context
// passed to Run, so cancelling Run stops claiming without aborting running
// imports. Must be called before Run.
func (wp *WorkerPool) SetJobContext(ctx context.Context) {
	wp.jobCtx = ctx
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current job
func (wp *WorkerPool) Run(ctx context.Context) error {
	wp.logger.Debug(fmt.Sprintf("Starting %d import worker(s)", wp.workers))

	var wg sync.WaitGroup
	for i := range wp.workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (wp *WorkerPool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		wp.drain(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) drain(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		j, err := wp.repo.ClaimPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wp.logger.Error(fmt.Sprintf("Worker %d failed to claim a job: %v", id, err))
			return
		}
		if j == nil {
			return
		}

		wp.logger.Debug(fmt.Sprintf("Worker %d picked up job %s (%s)", id, j.ID, j.SourceName))

		jobCtx := ctx
		if wp.jobCtx != nil {
			jobCtx = wp.jobCtx
		}
		if err := wp.processor.Process(jobCtx, j); err != nil {
			wp.logger.Debug(fmt.Sprintf("Worker %d finished job %s with error: %v", id, j.ID, err))
		}
	}
}
