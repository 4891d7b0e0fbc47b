package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/backends"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/sources"
)

var (
	// ErrInvalidArchiveContents means the extracted archive does not hold
	// exactly one .sql file
	ErrInvalidArchiveContents = errors.New("invalid archive contents")
	// ErrExtractionFailed means the upload could not be unpacked
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrInterrupted marks jobs that were running when the process stopped
	ErrInterrupted = errors.New("interrupted")
	// ErrInvalidTransition is returned for a state change the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrJobNotFound is returned when no job has the requested ID
	ErrJobNotFound = errors.New("job not found")

	ErrExecutionFailed   = backends.ErrExecutionFailed
	ErrSourceUnavailable = sources.ErrSourceUnavailable
)

// State is a job lifecycle state
type State string

const (
	StateReceived   State = "received"
	StateExtracting State = "extracting"
	StateLocating   State = "locating"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var stateOrder = map[State]int{
	StateReceived:   0,
	StateExtracting: 1,
	StateLocating:   2,
	StateExecuting:  3,
	StateCompleted:  4,
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether s may move to next. Jobs advance one state
// at a time and may fail from any non-terminal state.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	from, ok := stateOrder[s]
	if !ok {
		return false
	}
	to, ok := stateOrder[next]
	return ok && to == from+1
}

// Error kinds recorded on failed jobs
const (
	KindInvalidArchiveContents = "invalid_archive_contents"
	KindExtractionFailed       = "extraction_failed"
	KindExecutionFailed        = "execution_failed"
	KindSourceUnavailable      = "source_unavailable"
	KindInterrupted            = "interrupted"
	KindCancelled              = "cancelled"
	KindInternal               = "internal"
)

// KindOf classifies err into one of the recorded error kinds
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArchiveContents):
		return KindInvalidArchiveContents
	case errors.Is(err, ErrExtractionFailed):
		return KindExtractionFailed
	case errors.Is(err, ErrExecutionFailed):
		return KindExecutionFailed
	case errors.Is(err, ErrSourceUnavailable):
		return KindSourceUnavailable
	case errors.Is(err, ErrInterrupted):
		return KindInterrupted
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// Job is one import of one uploaded or fetched dump
type Job struct {
	ID         string     `json:"id"`
	Source     string     `json:"-"`
	SourceName string     `json:"source"`
	Workspace  string     `json:"workspace,omitempty"`
	DumpPath   string     `json:"dump_path,omitempty"`
	State      State      `json:"state"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	TotalBytes int64      `json:"total_bytes"`
	BytesRead  int64      `json:"bytes_read"`
	Statements int64      `json:"statements"`
	Backend    string     `json:"backend,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// New creates a received job for source, which is a local upload path or a
// remote URI
func New(source string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Source:     source,
		SourceName: sources.Redact(source),
		State:      StateReceived,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the job to next
func (j *Job) Transition(next State) error {
	if !j.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, next)
	}
	now := time.Now().UTC()
	j.State = next
	j.UpdatedAt = now
	if next.Terminal() {
		j.FinishedAt = &now
	}
	return nil
}

// Fail moves the job to failed and records err
func (j *Job) Fail(err error) error {
	if terr := j.Transition(StateFailed); terr != nil {
		return terr
	}
	j.ErrorKind = KindOf(err)
	j.Error = err.Error()
	return nil
}

// Duration is the time between claiming and finishing the job, or zero
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// Repository persists jobs
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Update(ctx context.Context, j *Job) error
	UpdateProgress(ctx context.Context, id string, bytesRead, statements int64) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit int) ([]Job, error)
	ClaimPending(ctx context.Context) (*Job, error)
	FailInterrupted(ctx context.Context) (int64, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}
