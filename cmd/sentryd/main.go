package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/sentryd/internal/config"
	"github.com/couchcryptid/sentryd/internal/httpapi"
	"github.com/couchcryptid/sentryd/internal/observability"
	"github.com/couchcryptid/sentryd/internal/pipeline"
	"github.com/couchcryptid/sentryd/internal/registry"
)

// Exit codes: 0 success, 1 a *pipeline.UserError (bad config/options), 255
// anything else (transport failure or other unexpected error).
const (
	exitOK        = 0
	exitUserError = 1
	exitFailure   = 255
)

func main() {
	configPath := flag.String("config", "sentryd.yaml", "path to the pipeline configuration file")
	logLevel := flag.String("loglevel", "", "override the configured log level")
	flag.Parse()

	os.Exit(run(*configPath, *logLevel))
}

func run(configPath, logLevelOverride string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return exitCodeFor(err)
	}
	if logLevelOverride != "" {
		cfg.LogLevel = logLevelOverride
	}

	logger := observability.NewLogger(cfg.LogFormat, cfg.LogLevel)
	metrics := observability.NewMetrics()

	r := pipeline.NewRegistry()
	registry.Register(r)

	specs := make([]pipeline.StageSpec, len(cfg.Pipeline))
	for i, stage := range cfg.Pipeline {
		specs[i] = pipeline.StageSpec{Module: stage.Module, LogLevel: stage.LogLevel, Options: stage.Options}
	}

	p, err := r.Build(specs, logger, metrics)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return exitCodeFor(err)
	}

	srv := httpapi.NewServer(cfg.HTTPAddr, p, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(ctx)
	}()

	var pipelineErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case pipelineErr = <-runErr:
		if pipelineErr != nil {
			logger.Error("pipeline error", "error", pipelineErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := p.Close(); err != nil {
		logger.Error("pipeline close error", "error", err)
	}

	logger.Info("shutdown complete")

	if pipelineErr != nil {
		return exitCodeFor(pipelineErr)
	}
	return exitOK
}

func exitCodeFor(err error) int {
	var userErr *pipeline.UserError
	if errors.As(err, &userErr) {
		return exitUserError
	}
	return exitFailure
}
