package cmd

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/backends"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/sources"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/statements"
)

// Static errors for configuration validation
var (
	ErrUploadDirRequired        = errors.New("upload directory is required")
	ErrWorkDirRequired          = errors.New("work directory is required")
	ErrStatePathRequired        = errors.New("state path is required")
	ErrPortInvalid              = errors.New("port must be between 1 and 65535")
	ErrMaxBodySizeInvalid       = errors.New("max body size must be greater than 0")
	ErrAuthRequired             = errors.New("basic auth user and password are required")
	ErrDatabaseDriverInvalid    = errors.New("database driver must be one of: mysql, postgres")
	ErrDatabaseHostRequired     = errors.New("database host is required")
	ErrDatabaseUserRequired     = errors.New("database user is required")
	ErrDatabasePortInvalid      = errors.New("database port must be between 1 and 65535")
	ErrBackendInvalid           = errors.New("backend must be one of: query, process")
	ErrProcessModeInvalid       = errors.New("process mode must be one of: raw, statements")
	ErrWorkersMinimum           = errors.New("workers must be at least 1")
	ErrWorkersMaximum           = errors.New("workers must not exceed 64")
	ErrChunkSizeMinimum         = errors.New("chunk size must be at least 512 bytes")
	ErrChunkSizeMaximum         = errors.New("chunk size must not exceed 64 MiB")
	ErrCommentModeInvalid       = errors.New("comment mode must be one of: legacy, strip-lines")
	ErrProgressIntervalInvalid  = errors.New("progress interval must be greater than 0")
	ErrProgressWidthInvalid     = errors.New("progress width must be between 8 and 200")
	ErrRetentionScheduleInvalid = errors.New("retention schedule is not a valid cron expression")
	ErrRetentionMaxAgeInvalid   = errors.New("retention max age must be at least 1 minute")
	ErrShutdownTimeoutInvalid   = errors.New("shutdown timeout must be >= 0")
	ErrRateLimitInvalid         = errors.New("rate limit must be greater than 0 with a burst of at least 1")
	ErrS3RegionInvalid          = errors.New("S3 region contains invalid characters or is too long")
)

const regionAuto = "auto"

type Config struct {
	Debug           bool
	LogFormat       string
	UploadDir       string
	WorkDir         string
	InboxDir        string
	StatePath       string
	Port            int
	MaxBodySize     int64
	CORSOrigins     []string
	Auth            AuthConfig
	Database        DatabaseConfig
	Backend         string
	Process         ProcessConfig
	Workers         int
	KeepWorkspace   bool
	ChunkSize       int // Bytes read from the dump per chunk
	CommentMode     string
	Progress        ProgressConfig
	Retention       RetentionConfig
	RateLimit       RateLimitConfig
	S3              S3Config
	// ShutdownTimeout is how long running imports may continue after a
	// shutdown signal before they are cancelled
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	User string
	Pass string
}

type DatabaseConfig struct {
	Driver        string
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLSelfSigned bool
}

type ProcessConfig struct {
	Command string
	Args    []string
	Mode    string
}

type ProgressConfig struct {
	Interval time.Duration
	Width    int
}

type RetentionConfig struct {
	Schedule string
	MaxAge   time.Duration
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// loadConfig builds the configuration from viper after flags, environment
// and the config file have been merged
func loadConfig() *Config {
	return &Config{
		Debug:           viper.GetBool("debug"),
		LogFormat:       viper.GetString("log_format"),
		UploadDir:       viper.GetString("upload_dir"),
		WorkDir:         viper.GetString("work_dir"),
		InboxDir:        viper.GetString("inbox_dir"),
		StatePath:       viper.GetString("state_path"),
		Port:            viper.GetInt("port"),
		MaxBodySize:     viper.GetInt64("max_body_size"),
		CORSOrigins:     viper.GetStringSlice("cors_origins"),
		Backend:         viper.GetString("backend"),
		Workers:         viper.GetInt("workers"),
		KeepWorkspace:   viper.GetBool("keep_workspace"),
		ChunkSize:       viper.GetInt("chunk_size"),
		CommentMode:     viper.GetString("comment_mode"),
		ShutdownTimeout: viper.GetDuration("shutdown_timeout"),
		Auth: AuthConfig{
			User: viper.GetString("auth.user"),
			Pass: viper.GetString("auth.pass"),
		},
		Database: DatabaseConfig{
			Driver:        viper.GetString("db.driver"),
			Host:          viper.GetString("db.host"),
			Port:          viper.GetInt("db.port"),
			User:          viper.GetString("db.user"),
			Password:      viper.GetString("db.password"),
			Name:          viper.GetString("db.name"),
			SSLSelfSigned: viper.GetBool("db.ssl_self_signed"),
		},
		Process: ProcessConfig{
			Command: viper.GetString("process.command"),
			Args:    viper.GetStringSlice("process.args"),
			Mode:    viper.GetString("process.mode"),
		},
		Progress: ProgressConfig{
			Interval: viper.GetDuration("progress.interval"),
			Width:    viper.GetInt("progress.width"),
		},
		Retention: RetentionConfig{
			Schedule: viper.GetString("retention.schedule"),
			MaxAge:   viper.GetDuration("retention.max_age"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: viper.GetFloat64("rate_limit.rps"),
			Burst:             viper.GetInt("rate_limit.burst"),
		},
		S3: S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Region:    viper.GetString("s3.region"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
		},
	}
}

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

// Validate checks the settings shared by every command
func (c *Config) Validate() error {
	if c.UploadDir == "" {
		return ErrUploadDirRequired
	}
	if c.WorkDir == "" {
		return ErrWorkDirRequired
	}
	if c.StatePath == "" {
		return ErrStatePathRequired
	}

	// Validate database configuration
	switch c.Database.Driver {
	case backends.DriverMySQL, backends.DriverPostgres:
	default:
		return fmt.Errorf("%w: '%s'", ErrDatabaseDriverInvalid, c.Database.Driver)
	}
	if c.Database.Host == "" {
		return ErrDatabaseHostRequired
	}
	if c.Database.User == "" {
		return ErrDatabaseUserRequired
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
	}

	switch c.Backend {
	case backends.KindQuery:
	case backends.KindProcess:
		if c.Process.Mode != backends.ModeRaw && c.Process.Mode != backends.ModeStatements {
			return fmt.Errorf("%w: '%s'", ErrProcessModeInvalid, c.Process.Mode)
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrBackendInvalid, c.Backend)
	}

	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 64 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}

	if c.ChunkSize < 512 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, c.ChunkSize)
	}
	if c.ChunkSize > 64<<20 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMaximum, c.ChunkSize)
	}
	if _, err := statements.ParseCommentMode(c.CommentMode); err != nil {
		return fmt.Errorf("%w: '%s'", ErrCommentModeInvalid, c.CommentMode)
	}

	if c.Progress.Interval <= 0 {
		return fmt.Errorf("%w, got %s", ErrProgressIntervalInvalid, c.Progress.Interval)
	}
	if c.Progress.Width < 8 || c.Progress.Width > 200 {
		return fmt.Errorf("%w, got %d", ErrProgressWidthInvalid, c.Progress.Width)
	}

	if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
	}

	return nil
}

// ValidateServer checks the settings only the HTTP server needs
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrPortInvalid, c.Port)
	}
	if c.MaxBodySize <= 0 {
		return fmt.Errorf("%w, got %d", ErrMaxBodySizeInvalid, c.MaxBodySize)
	}
	if c.Auth.User == "" || c.Auth.Pass == "" {
		return ErrAuthRequired
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("%w: '%s': %w", ErrRetentionScheduleInvalid, c.Retention.Schedule, err)
	}
	if c.Retention.MaxAge < time.Minute {
		return fmt.Errorf("%w, got %s", ErrRetentionMaxAgeInvalid, c.Retention.MaxAge)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w, got %s", ErrShutdownTimeoutInvalid, c.ShutdownTimeout)
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("%w, got %g/s burst %d", ErrRateLimitInvalid, c.RateLimit.RequestsPerSecond, c.RateLimit.Burst)
	}
	return nil
}

// BackendOptions translates the configuration for backends.New
func (c *Config) BackendOptions() backends.Options {
	return backends.Options{
		Kind: c.Backend,
		Database: backends.Database{
			Driver:        c.Database.Driver,
			Host:          c.Database.Host,
			Port:          c.Database.Port,
			User:          c.Database.User,
			Password:      c.Database.Password,
			Name:          c.Database.Name,
			SSLSelfSigned: c.Database.SSLSelfSigned,
		},
		Process: backends.Process{
			Command: c.Process.Command,
			Args:    c.Process.Args,
			Mode:    c.Process.Mode,
		},
		Logger: logger,
	}
}

// RunnerConfig translates the configuration for jobs.NewRunner. The comment
// mode has already been checked by Validate.
func (c *Config) RunnerConfig() jobs.RunnerConfig {
	mode, _ := statements.ParseCommentMode(c.CommentMode)
	return jobs.RunnerConfig{
		UploadDir:        c.UploadDir,
		WorkDir:          c.WorkDir,
		KeepWorkspace:    c.KeepWorkspace,
		ChunkSize:        c.ChunkSize,
		CommentMode:      mode,
		ProgressInterval: c.Progress.Interval,
		ProgressWidth:    c.Progress.Width,
	}
}

// ServeRunnerConfig is RunnerConfig for jobs run by the server. With text
// logs the progress bar is written to console between log lines; structured
// formats keep it out of the log stream.
func (c *Config) ServeRunnerConfig(console io.Writer) jobs.RunnerConfig {
	cfg := c.RunnerConfig()
	if c.LogFormat == "text" {
		cfg.Console = console
	}
	return cfg
}

// NewFetcher creates the remote source fetcher
func (c *Config) NewFetcher() *sources.Fetcher {
	return sources.NewFetcher(sources.S3Config{
		Endpoint:  c.S3.Endpoint,
		Region:    c.S3.Region,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
	}, nil, logger)
}
