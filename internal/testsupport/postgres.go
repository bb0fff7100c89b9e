// Package testsupport starts disposable PostgreSQL and Redis containers for
// integration tests and offers Prometheus assertion helpers.
package testsupport

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/konote/surveyengine/internal/config"
	"github.com/konote/surveyengine/internal/database"
	pgstore "github.com/konote/surveyengine/internal/store/postgres"
)

// PostgresContainer is a running PostgreSQL with the schema migrated.
type PostgresContainer struct {
	Container        testcontainers.Container
	DB               *pgxpool.Pool
	Store            *pgstore.Store
	ConnectionString string
}

// Terminate closes the pool and removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	c.DB.Close()
	return c.Container.Terminate(ctx)
}

const (
	postgresImage = "postgres:16-alpine"
	postgresDB    = "surveys_test"
)

// StartPostgresContainer starts a throwaway PostgreSQL and applies the embedded
// store migrations through the same code path as surveyctl migrate.
func StartPostgresContainer(ctx context.Context) (_ *PostgresContainer, err error) {
	ctr, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase(postgresDB),
		postgres.WithUsername("surveys"),
		postgres.WithPassword("surveys"),
		// postgres restarts once after init; wait for the second ready line.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	defer func() {
		if err != nil {
			_ = ctr.Terminate(ctx)
		}
	}()

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, poolConfig(dsn))
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}

	st := pgstore.New(pool)
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate %s: %w", postgresDB, err)
	}

	return &PostgresContainer{Container: ctr, DB: pool, Store: st, ConnectionString: dsn}, nil
}

// poolConfig is a small pool with quick retries, enough for one test package.
func poolConfig(dsn string) *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Driver:          config.DriverPostgres,
		URL:             dsn,
		MaxConns:        8,
		MinConns:        1,
		MaxConnLifetime: 10 * time.Minute,
		MaxConnIdleTime: time.Minute,
		ConnectTimeout:  5 * time.Second,
		PingMaxRetries:  10,
		PingBackoff:     250 * time.Millisecond,
	}
}
