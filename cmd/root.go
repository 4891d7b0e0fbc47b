package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/Vicedomini-Softworks/mysql-loader/cmd.Version=1.2.3"
	Version = "dev"

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	// eventHub receives a copy of every log record while the server runs
	eventHub atomic.Pointer[Hub]
)

// SetSignalContext stores the signal-aware context created in main().
// Must be called before Execute().
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// broadcastLogHandler wraps a slog handler and broadcasts logs to WebSocket clients
type broadcastLogHandler struct {
	handler slog.Handler
}

func newBroadcastLogHandler(handler slog.Handler) *broadcastLogHandler {
	return &broadcastLogHandler{handler: handler}
}

func (h *broadcastLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	// Non-blocking; only set while serve is running
	if hub := eventHub.Load(); hub != nil && r.Message != "" {
		hub.PublishLog(r)
	}
	return h.handler.Handle(ctx, r)
}

func (h *broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *broadcastLogHandler) WithGroup(name string) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithGroup(name)}
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogger builds the slog logger for the given debug flag and log format
func newLogger(w io.Writer, isDebug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(w, opts)
	}

	return slog.New(newBroadcastLogHandler(handler))
}

// initLogger initializes the package logger
func initLogger(isDebug bool, format string) {
	logger = newLogger(os.Stdout, isDebug, format)
}

var rootCmd = &cobra.Command{
	Use:     "mysql-loader",
	Version: Version,
	Short:   "📥 Stream uploaded SQL dump archives into a database",
	Long: titleStyle.Render("MySQL Loader") + `

Receives database dump archives over HTTP (or from S3, FTP and HTTP sources),
extracts them, locates the single .sql script inside and streams it into
MySQL or PostgreSQL statement by statement, reporting throughput and ETA.
Imports run on a worker pool and are recorded in a local job store.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		initLogger(viper.GetBool("debug"), viper.GetString("log_format"))
	},
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		_ = cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mysql-loader.yaml)")
	pf.BoolVarP(&debug, "debug", "d", false, "enable debug output")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")

	// Shared by serve, import and jobs
	pf.String("upload-dir", "./uploads", "directory receiving uploaded archives")
	pf.String("work-dir", "./work", "directory holding per-job extraction workspaces")
	pf.String("state-path", "./mysql-loader.db", "SQLite file recording jobs")
	pf.String("db-driver", "mysql", "database driver (mysql, postgres)")
	pf.String("db-host", "localhost", "database host")
	pf.Int("db-port", 3306, "database port")
	pf.String("db-user", "", "database user")
	pf.String("db-password", "", "database password")
	pf.String("db-name", "", "database name")
	pf.Bool("db-ssl-self-signed", false, "use TLS and accept self-signed server certificates")
	pf.String("backend", "query", "execution backend (query, process)")
	pf.String("process-command", "", "client executable for the process backend (default mysql or psql)")
	pf.String("process-mode", "raw", "process backend input (raw, statements)")
	pf.Bool("keep-workspace", false, "keep extracted files after a job finishes")
	pf.String("comment-mode", "legacy", "comment handling (legacy, strip-lines)")

	bindings := map[string]string{
		"debug":              "debug",
		"log_format":         "log-format",
		"upload_dir":         "upload-dir",
		"work_dir":           "work-dir",
		"state_path":         "state-path",
		"db.driver":          "db-driver",
		"db.host":            "db-host",
		"db.port":            "db-port",
		"db.user":            "db-user",
		"db.password":        "db-password",
		"db.name":            "db-name",
		"db.ssl_self_signed": "db-ssl-self-signed",
		"backend":            "backend",
		"process.command":    "process-command",
		"process.mode":       "process-mode",
		"keep_workspace":     "keep-workspace",
		"comment_mode":       "comment-mode",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}

	setDefaults(viper.GetViper())
}

// setDefaults registers defaults for keys without a flag
func setDefaults(v *viper.Viper) {
	v.SetDefault("inbox_dir", "")
	v.SetDefault("port", 3000)
	v.SetDefault("max_body_size", int64(10)<<30)
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("workers", 1)
	v.SetDefault("chunk_size", 64*1024)
	v.SetDefault("process.args", []string{})
	v.SetDefault("progress.interval", "150ms")
	v.SetDefault("progress.width", 32)
	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("retention.max_age", "168h")
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("s3.region", regionAuto)
	v.SetDefault("shutdown_timeout", "30s")
}

// envAliases maps configuration keys to environment variable names that are
// accepted without the LOADER_ prefix
var envAliases = map[string]string{
	"upload_dir":         "UPLOAD_DIR",
	"work_dir":           "WORK_DIR",
	"port":               "PORT",
	"max_body_size":      "MAX_BODY_SIZE",
	"db.host":            "MYSQL_HOST",
	"db.port":            "MYSQL_PORT",
	"db.user":            "MYSQL_USER",
	"db.password":        "MYSQL_PASSWORD",
	"db.name":            "MYSQL_DATABASE",
	"db.ssl_self_signed": "MYSQL_SSL_SELF_SIGNED",
	"auth.user":          "BASIC_AUTH_USER",
	"auth.pass":          "BASIC_AUTH_PASS",
}

// bindEnv sets up LOADER_ prefixed variables plus the unprefixed aliases.
// The prefixed name wins when both are set.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("LOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := "LOADER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, alias)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mysql-loader")
	}

	bindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadValidatedConfig loads the configuration and runs validate on it
func loadValidatedConfig(validate func(*Config) error) (*Config, error) {
	config := loadConfig()
	logger.Debug("Validating configuration...")
	if err := validate(config); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	logger.Debug("Configuration validated successfully")
	return config, nil
}
