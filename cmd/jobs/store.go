package jobs

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Register sqlite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// timeFormat is fixed-width so stored timestamps sort and compare as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, source, source_name, workspace, dump_path, state,
	error_kind, error, total_bytes, bytes_read, statements, backend,
	created_at, started_at, finished_at, updated_at`

// Store keeps job records in SQLite
type Store struct {
	db *sql.DB
}

// maxClaimAttempts bounds how often ClaimPending retries after losing a race
const maxClaimAttempts = 8

// OpenStore opens (creating if needed) the job database at dsn and applies
// pending migrations. ":memory:" gives a private in-memory store.
func OpenStore(dsn string) (*Store, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	// PRAGMAs run through db.Exec reach a single pooled connection; the
	// busy timeout must hold on every connection the workers use
	source := dsn
	if dsn != ":memory:" && !strings.Contains(dsn, "?") {
		source = dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	// In-memory databases are per-connection
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(log.New(io.Discard, "", 0))

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, j *Job) error {
	const query = `INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.Source, j.SourceName, j.Workspace, j.DumpPath, string(j.State),
		j.ErrorKind, j.Error, j.TotalBytes, j.BytesRead, j.Statements, j.Backend,
		formatTime(j.CreatedAt), formatTimePtr(j.StartedAt), formatTimePtr(j.FinishedAt), formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, j *Job) error {
	const query = `UPDATE jobs SET workspace = ?, dump_path = ?, state = ?,
		error_kind = ?, error = ?, total_bytes = ?, bytes_read = ?, statements = ?,
		backend = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`

	j.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		j.Workspace, j.DumpPath, string(j.State),
		j.ErrorKind, j.Error, j.TotalBytes, j.BytesRead, j.Statements,
		j.Backend, formatTimePtr(j.StartedAt), formatTimePtr(j.FinishedAt), formatTime(j.UpdatedAt),
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update job %s: %w", j.ID, ErrJobNotFound)
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, id string, bytesRead, statements int64) error {
	const query = `UPDATE jobs SET bytes_read = ?, statements = ?, updated_at = ? WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, bytesRead, statements, formatTime(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns the most recent jobs first
func (s *Store) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ClaimPending marks the oldest unclaimed received job as started and
// returns it, or nil when there is none. The update only succeeds while the
// row is still unclaimed, so concurrent workers never share a job: a worker
// that loses the race moves on to the next candidate.
func (s *Store) ClaimPending(ctx context.Context) (*Job, error) {
	const (
		selectQuery = `SELECT id FROM jobs WHERE state = 'received' AND started_at IS NULL
			ORDER BY created_at ASC, id ASC LIMIT 1`
		claimQuery = `UPDATE jobs SET started_at = ?, updated_at = ?
			WHERE id = ? AND state = 'received' AND started_at IS NULL`
	)

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var id string
		err := s.db.QueryRowContext(ctx, selectQuery).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim pending: select: %w", err)
		}

		now := formatTime(time.Now().UTC())
		res, err := s.db.ExecContext(ctx, claimQuery, now, now, id)
		if err != nil {
			return nil, fmt.Errorf("claim pending: update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim pending: rows affected: %w", err)
		}
		if n == 1 {
			return s.Get(ctx, id)
		}
	}
	// Every candidate went to another worker; the pool polls again later
	return nil, nil
}

// FailInterrupted fails every job that was claimed but never finished.
// Imports are not resumable, so such jobs are not requeued.
func (s *Store) FailInterrupted(ctx context.Context) (int64, error) {
	const query = `UPDATE jobs SET state = 'failed', error_kind = ?, error = ?,
		finished_at = ?, updated_at = ?
		WHERE started_at IS NOT NULL AND state NOT IN ('completed', 'failed')`

	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, query, KindInterrupted,
		ErrInterrupted.Error()+": process stopped while the job was running", now, now)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteFinishedBefore removes terminal jobs that finished before the cutoff
func (s *Store) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM jobs WHERE state IN ('completed', 'failed') AND finished_at < ?`

	res, err := s.db.ExecContext(ctx, query, formatTime(before.UTC()))
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var state, created, updated string
	var started, finished sql.NullString

	if err := row.Scan(
		&j.ID, &j.Source, &j.SourceName, &j.Workspace, &j.DumpPath, &state,
		&j.ErrorKind, &j.Error, &j.TotalBytes, &j.BytesRead, &j.Statements, &j.Backend,
		&created, &started, &finished, &updated,
	); err != nil {
		return nil, err
	}

	j.State = State(state)
	j.CreatedAt, _ = time.Parse(timeFormat, created)
	j.UpdatedAt, _ = time.Parse(timeFormat, updated)
	j.StartedAt = parseTimePtr(started)
	j.FinishedAt = parseTimePtr(finished)
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
