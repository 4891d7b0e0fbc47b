package cmd

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/statements"
)

func validConfig() *Config {
	return &Config{
		UploadDir:   "./uploads",
		WorkDir:     "./work",
		StatePath:   "./mysql-loader.db",
		Port:        3000,
		MaxBodySize: 10 << 30,
		Auth: AuthConfig{
			User: "admin",
			Pass: "secret",
		},
		Database: DatabaseConfig{
			Driver:   "mysql",
			Host:     "localhost",
			Port:     3306,
			User:     "root",
			Password: "root",
			Name:     "app",
		},
		Backend:     "query",
		Process:     ProcessConfig{Mode: "raw"},
		Workers:     1,
		ChunkSize:   64 * 1024,
		CommentMode: "legacy",
		Progress: ProgressConfig{
			Interval: 150 * time.Millisecond,
			Width:    32,
		},
		Retention: RetentionConfig{
			Schedule: "@daily",
			MaxAge:   168 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             5,
		},
		S3:              S3Config{Region: "auto"},
		ShutdownTimeout: 30 * time.Second,
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		if err := validConfig().Validate(); err != nil {
			t.Fatalf("valid config should not return error: %v", err)
		}
		if err := validConfig().ValidateServer(); err != nil {
			t.Fatalf("valid server config should not return error: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"MissingUploadDir", func(c *Config) { c.UploadDir = "" }, ErrUploadDirRequired},
		{"MissingWorkDir", func(c *Config) { c.WorkDir = "" }, ErrWorkDirRequired},
		{"MissingStatePath", func(c *Config) { c.StatePath = "" }, ErrStatePathRequired},
		{"UnknownDriver", func(c *Config) { c.Database.Driver = "oracle" }, ErrDatabaseDriverInvalid},
		{"MissingDatabaseHost", func(c *Config) { c.Database.Host = "" }, ErrDatabaseHostRequired},
		{"MissingDatabaseUser", func(c *Config) { c.Database.User = "" }, ErrDatabaseUserRequired},
		{"DatabasePortTooLow", func(c *Config) { c.Database.Port = 0 }, ErrDatabasePortInvalid},
		{"DatabasePortTooHigh", func(c *Config) { c.Database.Port = 70000 }, ErrDatabasePortInvalid},
		{"UnknownBackend", func(c *Config) { c.Backend = "bulk" }, ErrBackendInvalid},
		{"BadProcessMode", func(c *Config) { c.Backend = "process"; c.Process.Mode = "pipe" }, ErrProcessModeInvalid},
		{"ZeroWorkers", func(c *Config) { c.Workers = 0 }, ErrWorkersMinimum},
		{"TooManyWorkers", func(c *Config) { c.Workers = 65 }, ErrWorkersMaximum},
		{"ChunkTooSmall", func(c *Config) { c.ChunkSize = 100 }, ErrChunkSizeMinimum},
		{"ChunkTooLarge", func(c *Config) { c.ChunkSize = 65 << 20 }, ErrChunkSizeMaximum},
		{"UnknownCommentMode", func(c *Config) { c.CommentMode = "keep" }, ErrCommentModeInvalid},
		{"ZeroProgressInterval", func(c *Config) { c.Progress.Interval = 0 }, ErrProgressIntervalInvalid},
		{"NarrowProgressBar", func(c *Config) { c.Progress.Width = 4 }, ErrProgressWidthInvalid},
		{"BadRegion", func(c *Config) { c.S3.Region = "us east 1" }, ErrS3RegionInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("ProcessModeIgnoredForQueryBackend", func(t *testing.T) {
		c := validConfig()
		c.Process.Mode = ""
		if err := c.Validate(); err != nil {
			t.Fatalf("process mode should only matter for the process backend: %v", err)
		}
	})

	t.Run("StripLinesCommentMode", func(t *testing.T) {
		c := validConfig()
		c.CommentMode = "strip-lines"
		if err := c.Validate(); err != nil {
			t.Fatalf("strip-lines comment mode should be accepted: %v", err)
		}
	})

	t.Run("PostgresDriver", func(t *testing.T) {
		c := validConfig()
		c.Database.Driver = "postgres"
		c.Database.Port = 5432
		if err := c.Validate(); err != nil {
			t.Fatalf("postgres driver should be accepted: %v", err)
		}
	})
}

func TestServerConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"InvalidPort", func(c *Config) { c.Port = 0 }, ErrPortInvalid},
		{"ZeroMaxBodySize", func(c *Config) { c.MaxBodySize = 0 }, ErrMaxBodySizeInvalid},
		{"MissingAuthUser", func(c *Config) { c.Auth.User = "" }, ErrAuthRequired},
		{"MissingAuthPass", func(c *Config) { c.Auth.Pass = "" }, ErrAuthRequired},
		{"BadSchedule", func(c *Config) { c.Retention.Schedule = "every day" }, ErrRetentionScheduleInvalid},
		{"ShortMaxAge", func(c *Config) { c.Retention.MaxAge = time.Second }, ErrRetentionMaxAgeInvalid},
		{"NegativeShutdownTimeout", func(c *Config) { c.ShutdownTimeout = -time.Second }, ErrShutdownTimeoutInvalid},
		{"ZeroRate", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }, ErrRateLimitInvalid},
		{"ZeroBurst", func(c *Config) { c.RateLimit.Burst = 0 }, ErrRateLimitInvalid},
		{"CommonSettingsChecked", func(c *Config) { c.Database.User = "" }, ErrDatabaseUserRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.ValidateServer()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("AuthNotNeededForImport", func(t *testing.T) {
		c := validConfig()
		c.Auth = AuthConfig{}
		if err := c.Validate(); err != nil {
			t.Fatalf("import should not require basic auth: %v", err)
		}
	})
}

func TestRegionValidation(t *testing.T) {
	t.Run("ValidRegions", func(t *testing.T) {
		validRegions := []string{
			"us-east-1",
			"eu-central-1",
			"custom_region",
			"region-123",
		}

		for _, region := range validRegions {
			if !isValidRegion(region) {
				t.Errorf("region '%s' should be valid", region)
			}
		}
	})

	t.Run("InvalidRegions", func(t *testing.T) {
		invalidRegions := []string{
			"",
			"us east 1",
			"region@test",
			string(make([]byte, 51)),
		}

		for _, region := range invalidRegions {
			if isValidRegion(region) {
				t.Errorf("region '%s' should be invalid", region)
			}
		}
	})
}

func TestEnvironmentBinding(t *testing.T) {
	newViper := func() *viper.Viper {
		v := viper.New()
		setDefaults(v)
		bindEnv(v)
		return v
	}

	t.Run("UnprefixedAliases", func(t *testing.T) {
		t.Setenv("MYSQL_HOST", "db.internal")
		t.Setenv("MYSQL_PORT", "3307")
		t.Setenv("MYSQL_DATABASE", "shop")
		t.Setenv("BASIC_AUTH_USER", "uploader")
		t.Setenv("UPLOAD_DIR", "/srv/uploads")
		t.Setenv("MAX_BODY_SIZE", "1024")

		v := newViper()
		if got := v.GetString("db.host"); got != "db.internal" {
			t.Errorf("db.host = %q", got)
		}
		if got := v.GetInt("db.port"); got != 3307 {
			t.Errorf("db.port = %d", got)
		}
		if got := v.GetString("db.name"); got != "shop" {
			t.Errorf("db.name = %q", got)
		}
		if got := v.GetString("auth.user"); got != "uploader" {
			t.Errorf("auth.user = %q", got)
		}
		if got := v.GetString("upload_dir"); got != "/srv/uploads" {
			t.Errorf("upload_dir = %q", got)
		}
		if got := v.GetInt64("max_body_size"); got != 1024 {
			t.Errorf("max_body_size = %d", got)
		}
	})

	t.Run("PrefixedWins", func(t *testing.T) {
		t.Setenv("MYSQL_HOST", "alias-host")
		t.Setenv("LOADER_DB_HOST", "prefixed-host")

		if got := newViper().GetString("db.host"); got != "prefixed-host" {
			t.Errorf("db.host = %q, want the LOADER_ value", got)
		}
	})

	t.Run("PrefixedOnlyKeys", func(t *testing.T) {
		t.Setenv("LOADER_WORKERS", "4")
		t.Setenv("LOADER_RETENTION_MAX_AGE", "24h")

		v := newViper()
		if got := v.GetInt("workers"); got != 4 {
			t.Errorf("workers = %d", got)
		}
		if got := v.GetDuration("retention.max_age"); got != 24*time.Hour {
			t.Errorf("retention.max_age = %s", got)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		v := newViper()
		if got := v.GetInt("port"); got != 3000 {
			t.Errorf("port = %d", got)
		}
		if got := v.GetInt64("max_body_size"); got != 10<<30 {
			t.Errorf("max_body_size = %d", got)
		}
		if got := v.GetDuration("progress.interval"); got != 150*time.Millisecond {
			t.Errorf("progress.interval = %s", got)
		}
		if got := v.GetDuration("shutdown_timeout"); got != 30*time.Second {
			t.Errorf("shutdown_timeout = %s", got)
		}
	})

	t.Run("DefaultCommentModeDropsCommentedFragments", func(t *testing.T) {
		if got := rootCmd.PersistentFlags().Lookup("comment-mode").DefValue; got != "legacy" {
			t.Errorf("comment-mode default = %q, want legacy", got)
		}
		c := validConfig()
		c.CommentMode = ""
		if got := c.RunnerConfig().CommentMode; got != statements.DropCommentedFragments {
			t.Errorf("empty comment mode resolved to %v", got)
		}
	})
}
