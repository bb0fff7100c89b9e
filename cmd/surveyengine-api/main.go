// Command surveyengine-api serves the survey trigger REST API, the probe and
// metrics server, and listens for rule-cache invalidations from other instances.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/konote/surveyengine/internal/api"
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

	log := logger.New(&cfg.App, "api")
	slog.SetDefault(log)
	cfg.LogConfig(log)

	svc, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error("failed to close backends", slog.String("error", err.Error()))
		}
	}()

	bgCtx, cancelBg := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancelBg()
		wg.Wait()
	}()

	svc.StartMonitors(bgCtx, cfg.Database.MonitorInterval)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Rules.Listen(bgCtx); err != nil {
			log.Error("rule invalidation listener stopped", slog.String("error", err.Error()))
		}
	}()

	// Without a shared queue no separate worker can see the jobs, so drain them here.
	if !svc.SharedQueue() && cfg.Backfill.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Worker().Run(bgCtx)
		}()
	}

	obs := observability.NewServer(log, &cfg.Observability, svc.Checkers...)
	obs.Start()

	// Config validation already demands a key hash in production.
	skipAuth := !cfg.Server.AuthEnabled()
	if skipAuth {
		log.Warn("API key hash not configured: /api/v1 is unauthenticated")
	}
	handler := api.NewAPIWithConfig(api.Deps{
		Store:     svc.Store,
		Evaluator: svc.Dispatcher,
		Recorder:  svc.Recorder,
		Cache:     svc.Rules,
		Backfill:  svc.Queue,
	}, cfg.Server.APIKeyHash, skipAuth)

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting survey API",
			slog.String("addr", srv.Addr),
			slog.Bool("tls", cfg.Server.TLSEnabled),
		)
		var err error
		if cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("survey API failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to stop survey API: %w", err))
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to stop observability server: %w", err))
	}

	log.Info("survey API stopped")
	return runErr
}
