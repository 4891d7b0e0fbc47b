package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/backends"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/progress"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/sources"
)

var noTUI bool

var importCmd = &cobra.Command{
	Use:   "import <source>",
	Short: "Import a single dump archive and wait for it to finish",
	Long: `Imports one archive without starting the server. The source is a local
file or an s3://, ftp://, http:// or https:// URI. The job is recorded in the
job store like an upload, and the command exits non-zero when it fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runImport(args[0])
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().BoolVar(&noTUI, "no-tui", false, "print plain progress lines instead of the interactive display")
}

// resolveSource checks source and returns the form stored on the job
func resolveSource(source string) (string, error) {
	if sources.IsRemote(source) {
		if err := sources.Validate(source); err != nil {
			return "", err
		}
		return source, nil
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %w", jobs.ErrSourceUnavailable, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", jobs.ErrSourceUnavailable, abs)
	}
	return abs, nil
}

func runImport(arg string) error {
	config, err := loadValidatedConfig((*Config).Validate)
	if err != nil {
		return err
	}
	source, err := resolveSource(arg)
	if err != nil {
		return err
	}

	ctx := signalContext
	if ctx == nil {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	store, err := jobs.OpenStore(config.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	// Claimed up front so a running server does not pick it up as well
	job := jobs.New(source)
	now := time.Now().UTC()
	job.StartedAt = &now
	if err := store.Create(ctx, job); err != nil {
		return fmt.Errorf("failed to record job: %w", err)
	}
	logger.Debug(fmt.Sprintf("Recorded job %s for %s", job.ID, job.SourceName))

	if !noTUI && config.LogFormat == "text" && term.IsTerminal(int(os.Stdout.Fd())) {
		err = runImportTUI(ctx, config, store, job)
	} else {
		err = runImportPlain(ctx, config, store, job)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("⚠️  Import cancelled by user")
		}
		return fmt.Errorf("import %s failed: %w", job.ID, err)
	}

	logger.Info(fmt.Sprintf("✅ Imported %s: %d statements, %s in %s",
		job.SourceName, job.Statements, progress.FormatBytes(job.TotalBytes),
		progress.FormatDuration(job.Duration())))
	return nil
}

func runImportPlain(ctx context.Context, config *Config, store jobs.Repository, job *jobs.Job) error {
	backend, err := backends.New(config.BackendOptions())
	if err != nil {
		return err
	}
	runnerCfg := config.RunnerConfig()
	runnerCfg.Console = os.Stdout
	runner := jobs.NewRunner(runnerCfg, store, backend, config.NewFetcher(), logger)
	return runner.Process(ctx, job)
}

// runImportTUI runs the import behind the interactive display. Logs and
// client output are routed into the display instead of the terminal.
func runImportTUI(ctx context.Context, config *Config, store jobs.Repository, job *jobs.Job) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(newImportModel(*job, cancel), tea.WithoutSignalHandler())
	output := &tuiLogWriter{program: program}
	tuiLogger := newLogger(output, config.Debug, "text")

	opts := config.BackendOptions()
	opts.Logger = tuiLogger
	opts.Stdout = output
	opts.Stderr = output
	backend, err := backends.New(opts)
	if err != nil {
		return err
	}
	runner := jobs.NewRunner(config.RunnerConfig(), store, backend, config.NewFetcher(), tuiLogger, tuiObserver{program: program})

	go func() {
		program.Send(importDoneMsg{err: runner.Process(ctx, job)})
	}()

	final, err := program.Run()
	if err != nil {
		cancel()
		return fmt.Errorf("error running progress display: %w", err)
	}
	if m, ok := final.(importModel); ok {
		return m.err
	}
	return nil
}
