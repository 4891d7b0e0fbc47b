package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/backends"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept dump uploads over HTTP and import them",
	Long: `Starts the upload server. Every archive POSTed to /api/upload (or queued
through /api/import, or dropped into the inbox directory) becomes a job that
a worker extracts and streams into the configured database.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 3000, "HTTP port")
	serveCmd.Flags().String("inbox-dir", "", "watch this directory for dropped archives")
	serveCmd.Flags().Int("workers", 1, "number of concurrent imports")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "how long running imports may finish after a shutdown signal")

	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("inbox_dir", serveCmd.Flags().Lookup("inbox-dir"))
	_ = viper.BindPFlag("workers", serveCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("shutdown_timeout", serveCmd.Flags().Lookup("shutdown-timeout"))
}

func runServe() error {
	config, err := loadValidatedConfig((*Config).ValidateServer)
	if err != nil {
		return err
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 MySQL Loader v%s", Version))
	logger.Info(fmt.Sprintf("MYSQL_HOST: %s", config.Database.Host))
	logger.Info(fmt.Sprintf("MYSQL_DATABASE: %s", config.Database.Name))

	ctx := signalContext
	if ctx == nil {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	release, err := acquirePIDFile(pidFilePath(config.StatePath))
	if err != nil {
		return err
	}
	defer release()

	store, err := jobs.OpenStore(config.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	if n, err := store.FailInterrupted(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	} else if n > 0 {
		logger.Warn(fmt.Sprintf("⚠️  Marked %d interrupted job(s) as failed", n))
	}

	backend, err := backends.New(config.BackendOptions())
	if err != nil {
		return err
	}

	hub := NewHub(config.CORSOrigins, config.Progress.Width, logger)
	eventHub.Store(hub)
	defer eventHub.Store(nil)

	runner := jobs.NewRunner(config.ServeRunnerConfig(os.Stdout), store, backend, config.NewFetcher(), logger, hub)
	pool := jobs.NewWorkerPool(store, runner, config.Workers, logger)

	// Running imports outlive the signal by ShutdownTimeout
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	pool.SetJobContext(jobCtx)

	server := NewServer(config, store, pool, hub, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           server.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The hub keeps running until the workers are done so final job
	// events still reach clients
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(hubCtx) }()

	g.Go(func() error {
		err := pool.Run(gctx)
		logger.Debug("Import workers stopped")
		return err
	})
	g.Go(func() error {
		return NewJanitor(config, store, logger).Run(gctx)
	})
	if config.InboxDir != "" {
		g.Go(func() error {
			return NewInbox(config.InboxDir, config.UploadDir, server.enqueue, logger).Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info(fmt.Sprintf("📡 Listening on http://localhost:%d", config.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("")
			logger.Info("⚠️  Shutdown signal received, draining...")
		}

		time.AfterFunc(config.ShutdownTimeout, cancelJobs)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn(fmt.Sprintf("HTTP shutdown incomplete: %v", err))
		}
		return nil
	})

	err = g.Wait()
	stopHub()
	<-hubDone

	if err != nil {
		logger.Error(fmt.Sprintf("❌ Server stopped: %v", err))
		return err
	}
	logger.Info("✅ Server stopped")
	return nil
}
