// Package main provides the entry point for the dialects embedding extractor.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gbarbosa99/dialects/internal/bootstrap"
	"github.com/gbarbosa99/dialects/internal/config"
	"github.com/gbarbosa99/dialects/internal/pipeline"
	"github.com/gbarbosa99/dialects/internal/progress"
	"github.com/gbarbosa99/dialects/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting dialects extractor",
		slog.String("corpus_dir", cfg.CorpusDir),
		slog.String("artifact_dir", cfg.ArtifactDir),
		slog.String("failed_dir", cfg.FailedDir),
		slog.String("extractor", cfg.Extractor),
		slog.Bool("trim_narration", cfg.TrimNarration),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.String("log_level", cfg.LogLevel),
	)
	logger.Debug("configuration loaded", slog.String("config", cfg.String()))

	var reporter pipeline.Reporter = progress.NewLog(logger)
	if cfg.ProgressBar {
		reporter = progress.NewBar(os.Stderr, "")
	}

	// Initialize dependencies using bootstrap
	deps, err := bootstrap.NewDependencies(cfg, logger, reporter)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("failed to release resources", slog.String("error", err.Error()))
		}
	}()

	// Cancel the run on SIGINT/SIGTERM; in-flight files still finish
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdownCh)
	go func() {
		select {
		case sig := <-shutdownCh:
			logger.Info("received shutdown signal, finishing in-flight files",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
		}
	}()

	var srv *http.Server
	if cfg.HTTPEnabled() {
		srv, err = startServer(cfg, deps, logger)
		if err != nil {
			return err
		}
	}

	summary, runErr := deps.Pipeline.Run(ctx, deps.Dirs)
	printSummary(os.Stdout, summary)

	if srv != nil {
		// Graceful shutdown with timeout
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()

		logger.Info("shutting down status server...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown failed", slog.String("error", err.Error()))
		}
	}

	if runErr != nil {
		if errors.Is(runErr, pipeline.ErrInterrupted) {
			return fmt.Errorf("%w (%d files not started)", runErr, summary.Pending)
		}
		return fmt.Errorf("run pipeline: %w", runErr)
	}
	return nil
}

// startServer binds the status server before the run starts so that an
// unusable address fails fast.
func startServer(cfg *config.Config, deps *bootstrap.Dependencies, logger *slog.Logger) (*http.Server, error) {
	handlers := server.NewHandlers(deps.Pipeline, logger)
	router := server.NewRouter(handlers, deps.Metrics, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	go func() {
		logger.Info("status server listening",
			slog.String("addr", ln.Addr().String()),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", slog.String("error", err.Error()))
		}
	}()
	return srv, nil
}

func printSummary(w io.Writer, s pipeline.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Done.")
	fmt.Fprintf(w, "Run: %s (%s)\n", s.RunID, s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Embedded: %d\n", s.Processed)
	fmt.Fprintf(w, "Skipped (already existed): %d\n", s.Skipped)
	fmt.Fprintf(w, "Failed: %d (quarantined: %d)\n", s.Failed, s.Quarantined)
	if s.Pending > 0 {
		fmt.Fprintf(w, "Not started: %d\n", s.Pending)
	}
	if s.IndexPath != "" {
		fmt.Fprintf(w, "Index: %s\n", s.IndexPath)
		fmt.Fprintf(w, "Failures: %s\n", s.FailuresPath)
	}
}
