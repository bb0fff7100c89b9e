// Package bootstrap assembles the survey engine from configuration. The API
// server, the backfill worker and the operator CLI share it so they always
// agree on store, cache and engine wiring.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/konote/surveyengine/internal/backfill"
	"github.com/konote/surveyengine/internal/cache"
	"github.com/konote/surveyengine/internal/config"
	"github.com/konote/surveyengine/internal/database"
	"github.com/konote/surveyengine/internal/dispatch"
	"github.com/konote/surveyengine/internal/logger"
	"github.com/konote/surveyengine/internal/observability"
	"github.com/konote/surveyengine/internal/store"
	pgstore "github.com/konote/surveyengine/internal/store/postgres"
	"github.com/konote/surveyengine/internal/store/sqlite"
	"github.com/konote/surveyengine/internal/triggers"
)

// Services is the wired object graph. Redis is nil when it is not configured.
type Services struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      store.Store
	Redis      *redis.Client
	L1         *cache.MemoryCache
	Rules      *cache.RuleCache
	Engine     *triggers.Engine
	Dispatcher *dispatch.Dispatcher
	Recorder   *dispatch.Recorder
	Queue      backfill.Queue
	Checkers   []observability.Checker

	pool *pgxpool.Pool
}

// OpenStore opens the configured backend and returns readiness checkers for it.
// Postgres migrations run only when AutoMigrate is set.
func OpenStore(ctx context.Context, cfg *config.DatabaseConfig) (store.Store, *pgxpool.Pool, []observability.Checker, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, nil, []observability.Checker{sqlite.NewHealthChecker(st)}, nil

	case config.DriverPostgres, "":
		pool, err := database.NewPostgresPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		st := pgstore.New(pool)
		if cfg.AutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("failed to apply migrations: %w", err)
			}
		}
		return st, pool, []observability.Checker{database.NewHealthChecker(pool)}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// New connects every backend and wires the engine. On error, whatever was
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *Services, err error) {
	if log == nil {
		log = slog.Default()
	}
	ctx = logger.WithContext(ctx, log)

	s := &Services{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.Store, s.pool, s.Checkers, err = OpenStore(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if cfg.Redis.IsConfigured() {
		s.Redis, err = cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.Checkers = append(s.Checkers, cache.NewHealthChecker(s.Redis))
	} else {
		log.Warn("redis not configured: rule cache is process-local and backfill runs in-process")
	}

	s.L1, err = cache.NewMemoryCache(cfg.Cache.L1Capacity, cfg.Cache.L1TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule cache: %w", err)
	}
	s.Rules = cache.NewRuleCache(s.Store, s.L1, s.Redis, cache.RuleCacheOptions{
		L2TTL:   cfg.Cache.L2TTL,
		Channel: cfg.Cache.InvalidationChannel,
	}, log)

	loc, err := cfg.Engine.Location()
	if err != nil {
		return nil, err
	}
	s.Engine = triggers.NewEngine(s.Store, s.Store, triggers.Options{
		OverloadCeiling: cfg.Engine.OverloadCeiling,
		Location:        loc,
	}, log)

	s.Dispatcher = dispatch.New(dispatch.Config{SurveysEnabled: cfg.Engine.SurveysEnabled}, s.Rules, s.Store, s.Store, s.Engine, log)
	s.Recorder = dispatch.NewRecorder(s.Store, s.Dispatcher, log)

	if s.Redis != nil {
		s.Queue = backfill.NewRedisQueue(s.Redis)
	} else {
		s.Queue = backfill.NewMemoryQueue()
	}

	return s, nil
}

// SharedQueue reports whether backfill jobs survive this process, i.e. a
// separate worker can pick them up.
func (s *Services) SharedQueue() bool { return s.Redis != nil }

// Worker builds a backfill worker over the wired store, dispatcher and queue.
func (s *Services) Worker() *backfill.Worker {
	return backfill.New(s.Logger, s.Config.Backfill, s.Store, s.Dispatcher, s.Queue)
}

// StartMonitors launches the pool and cache samplers. They stop with ctx.
func (s *Services) StartMonitors(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if s.pool != nil {
		go database.RunPoolMonitor(ctx, s.pool, interval)
	}
	if s.Redis != nil {
		go cache.RunPoolMonitor(ctx, s.Redis, interval)
	}
	if s.L1 != nil {
		go s.L1.RunMetricsCollector(ctx, interval)
	}
}

// Close releases every backend in reverse order of opening.
func (s *Services) Close() error {
	var errs []error
	if s.L1 != nil {
		s.L1.Close()
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
