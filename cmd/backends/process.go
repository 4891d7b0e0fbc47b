package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ProcessBackend pipes the dump into a database client process
type ProcessBackend struct {
	command string
	args    []string
	env     []string
	mode    string
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger
}

// NewProcessBackend builds the client invocation for db. A configured
// command and argument list replace the defaults verbatim.
func NewProcessBackend(db Database, p Process, stdout, stderr io.Writer, logger *slog.Logger) (*ProcessBackend, error) {
	mode := p.Mode
	switch mode {
	case "":
		mode = ModeRaw
	case ModeRaw, ModeStatements:
	default:
		return nil, fmt.Errorf("%w: process mode %q", ErrUnsupportedBackend, p.Mode)
	}

	b := &ProcessBackend{
		mode:   mode,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}

	switch db.Driver {
	case DriverMySQL:
		b.command = "mysql"
		b.args = []string{
			"-h", db.Host,
			"-P", strconv.Itoa(db.Port),
			"-u", db.User,
			"--default-character-set=utf8mb4",
		}
		if db.SSLSelfSigned {
			b.args = append(b.args, "--ssl-mode=REQUIRED")
		}
		if db.Name != "" {
			b.args = append(b.args, db.Name)
		}
		b.env = []string{"MYSQL_PWD=" + db.Password}
	case DriverPostgres:
		b.command = "psql"
		b.args = []string{
			"-X", "-q",
			"-v", "ON_ERROR_STOP=1",
			"-h", db.Host,
			"-p", strconv.Itoa(db.Port),
			"-U", db.User,
			"-d", db.Name,
		}
		sslMode := "disable"
		if db.SSLSelfSigned {
			sslMode = "require"
		}
		b.env = []string{"PGPASSWORD=" + db.Password, "PGSSLMODE=" + sslMode}
	default:
		return nil, fmt.Errorf("%w: driver %q", ErrUnsupportedBackend, db.Driver)
	}

	if p.Command != "" {
		b.command = p.Command
		b.args = append([]string(nil), p.Args...)
	}
	return b, nil
}

// Name identifies the backend in logs and job records
func (b *ProcessBackend) Name() string {
	return KindProcess + "/" + b.command
}

// Open starts the client process with its stdin connected to the session
func (b *ProcessBackend) Open(ctx context.Context) (Session, error) {
	cmd := exec.CommandContext(ctx, b.command, b.args...)
	cmd.Env = append(os.Environ(), b.env...)
	cmd.Stdout = b.stdout

	tail := &tailBuffer{limit: 4096}
	cmd.Stderr = io.MultiWriter(b.stderr, tail)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	b.logger.Debug(fmt.Sprintf("Command: %s", strings.Join(cmd.Args, " ")))

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: failed to start %s: %w", ErrExecutionFailed, b.command, err)
	}

	sess := &processSession{cmd: cmd, stdin: stdin, stderr: tail, command: b.command}
	if b.mode == ModeStatements {
		return &statementSession{sess}, nil
	}
	return sess, nil
}

// processSession forwards bytes to the client's stdin
type processSession struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *tailBuffer
	command string
	failed  error
	closed  bool
}

// Write forwards raw dump bytes. Once a write fails no further writes are
// attempted.
func (s *processSession) Write(p []byte) (int, error) {
	if s.failed != nil {
		return 0, s.failed
	}
	n, err := s.stdin.Write(p)
	if err != nil {
		s.failed = fmt.Errorf("%w: failed to write to %s: %w", ErrExecutionFailed, s.command, err)
		return n, s.failed
	}
	return n, nil
}

// Exec writes stmt followed by a newline
func (s *processSession) Exec(_ context.Context, stmt string) error {
	if _, err := io.WriteString(s, stmt+"\n"); err != nil {
		return err
	}
	return nil
}

// Close ends the client's input and waits for it to exit. A non-zero exit
// is a failure regardless of what the client printed.
func (s *processSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	closeErr := s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(s.stderr.String())
			if msg != "" {
				return fmt.Errorf("%w: %s exited with code %d: %s", ErrExecutionFailed, s.command, exitErr.ExitCode(), msg)
			}
			return fmt.Errorf("%w: %s exited with code %d", ErrExecutionFailed, s.command, exitErr.ExitCode())
		}
		return fmt.Errorf("%w: %s: %w", ErrExecutionFailed, s.command, err)
	}
	if s.failed != nil {
		return s.failed
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return fmt.Errorf("failed to close %s input: %w", s.command, closeErr)
	}
	return nil
}

// statementSession hides Write so callers feed split statements
type statementSession struct {
	p *processSession
}

func (s *statementSession) Exec(ctx context.Context, stmt string) error {
	return s.p.Exec(ctx, stmt)
}

func (s *statementSession) Close() error {
	return s.p.Close()
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
