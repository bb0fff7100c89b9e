// Command surveyengine-backfill drains include-existing backfill jobs from the
// shared Redis queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/konote/surveyengine/internal/bootstrap"
	"github.com/konote/surveyengine/internal/config"
	"github.com/konote/surveyengine/internal/logger"
	"github.com/konote/surveyengine/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&cfg.App, "backfill")
	slog.SetDefault(log)
	cfg.LogConfig(log)

	if !cfg.Backfill.Enabled {
		log.Info("backfill disabled, exiting")
		return nil
	}

	svc, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error("failed to close backends", slog.String("error", err.Error()))
		}
	}()

	if !svc.SharedQueue() {
		return errors.New("backfill worker requires redis: without it jobs are processed by the API process")
	}

	svc.StartMonitors(ctx, cfg.Database.MonitorInterval)

	worker := svc.Worker()
	go worker.RunQueueMonitor(ctx, cfg.Database.MonitorInterval)

	obs := observability.NewServer(log, &cfg.Observability, svc.Checkers...)
	obs.Start()

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to stop observability server: %w", err))
	}

	log.Info("backfill worker stopped")
	return runErr
}
