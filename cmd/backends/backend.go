package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ErrExecutionFailed is returned when the database rejects a statement or
// the client process exits unsuccessfully
var ErrExecutionFailed = errors.New("execution failed")

// ErrUnsupportedBackend is returned for an unknown backend or driver name
var ErrUnsupportedBackend = errors.New("unsupported backend")

const (
	KindQuery   = "query"
	KindProcess = "process"

	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"

	// ModeRaw forwards undecoded dump bytes to the client process
	ModeRaw = "raw"
	// ModeStatements writes one split statement per line
	ModeStatements = "statements"
)

// Backend opens sessions against the target database
type Backend interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

// Session executes statements in order. Exec returns only after the
// statement has been accepted, so statements are never pipelined.
type Session interface {
	Exec(ctx context.Context, stmt string) error
	Close() error
}

// RawSession is a Session that also accepts the dump as raw bytes, in which
// case the caller skips statement splitting entirely
type RawSession interface {
	Session
	io.Writer
}

// Database holds connection settings shared by both backends
type Database struct {
	Driver        string
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLSelfSigned bool
}

// Process holds settings for the client-process backend
type Process struct {
	Command string
	Args    []string
	Mode    string
}

// Options selects and configures a backend
type Options struct {
	Kind     string
	Database Database
	Process  Process
	Stdout   io.Writer
	Stderr   io.Writer
	Logger   *slog.Logger
}

// New creates the backend described by opts
func New(opts Options) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	switch opts.Database.Driver {
	case "", DriverMySQL:
		opts.Database.Driver = DriverMySQL
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: driver %q", ErrUnsupportedBackend, opts.Database.Driver)
	}

	switch opts.Kind {
	case "", KindQuery:
		return NewQueryBackend(opts.Database, opts.Logger), nil
	case KindProcess:
		return NewProcessBackend(opts.Database, opts.Process, opts.Stdout, opts.Stderr, opts.Logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, opts.Kind)
	}
}

// preview shortens a statement for error messages
func preview(stmt string) string {
	const limit = 120
	r := []rune(stmt)
	if len(r) <= limit {
		return stmt
	}
	return string(r[:limit]) + "..."
}
