package backends

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// selfSignedTLS is the name the MySQL driver knows the permissive TLS config by
const selfSignedTLS = "self-signed"

var registerTLSOnce sync.Once

// QueryBackend executes statements over a single database connection
type QueryBackend struct {
	db     Database
	logger *slog.Logger
}

// NewQueryBackend creates a query backend for db
func NewQueryBackend(db Database, logger *slog.Logger) *QueryBackend {
	return &QueryBackend{db: db, logger: logger}
}

// Name identifies the backend in logs and job records
func (b *QueryBackend) Name() string {
	return KindQuery + "/" + b.db.Driver
}

// Open connects to the database and pins one connection for the session
func (b *QueryBackend) Open(ctx context.Context) (Session, error) {
	driverName, dsn, err := b.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driverName, err)
	}
	db.SetMaxOpenConns(1)

	sess, err := newQuerySession(ctx, db)
	if err != nil {
		return nil, err
	}
	b.logger.Debug(fmt.Sprintf("Connected to %s at %s", driverName, net.JoinHostPort(b.db.Host, strconv.Itoa(b.db.Port))))
	return sess, nil
}

func (b *QueryBackend) dsn() (string, string, error) {
	switch b.db.Driver {
	case DriverMySQL:
		cfg := mysql.NewConfig()
		cfg.User = b.db.User
		cfg.Passwd = b.db.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(b.db.Host, strconv.Itoa(b.db.Port))
		cfg.DBName = b.db.Name
		cfg.MultiStatements = true
		cfg.Params = map[string]string{"charset": "utf8mb4"}
		if b.db.SSLSelfSigned {
			var regErr error
			registerTLSOnce.Do(func() {
				regErr = mysql.RegisterTLSConfig(selfSignedTLS, &tls.Config{InsecureSkipVerify: true})
			})
			if regErr != nil {
				return "", "", fmt.Errorf("failed to register TLS config: %w", regErr)
			}
			cfg.TLSConfig = selfSignedTLS
		}
		return "mysql", cfg.FormatDSN(), nil
	case DriverPostgres:
		sslMode := "disable"
		if b.db.SSLSelfSigned {
			sslMode = "require"
		}
		connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pgValue(b.db.Host),
			b.db.Port,
			pgValue(b.db.User),
			pgValue(b.db.Password),
			pgValue(b.db.Name),
			sslMode,
		)
		return "postgres", connStr, nil
	default:
		return "", "", fmt.Errorf("%w: driver %q", ErrUnsupportedBackend, b.db.Driver)
	}
}

// pgValue quotes a libpq connection string value
func pgValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

type querySession struct {
	db     *sql.DB
	conn   *sql.Conn
	count  int64
	failed error
}

func newQuerySession(ctx context.Context, db *sql.DB) (*querySession, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &querySession{db: db, conn: conn}, nil
}

// Exec issues stmt and waits for the server to finish it. After the first
// failure every further call returns that failure without touching the
// connection.
func (s *querySession) Exec(ctx context.Context, stmt string) error {
	if s.failed != nil {
		return s.failed
	}
	s.count++
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		s.failed = fmt.Errorf("%w: statement %d (%s): %w", ErrExecutionFailed, s.count, preview(stmt), err)
		return s.failed
	}
	return nil
}

func (s *querySession) Close() error {
	return errors.Join(s.conn.Close(), s.db.Close())
}
