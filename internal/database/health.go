package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker reports PostgreSQL readiness: the server answers and the
// survey schema has been migrated.
type HealthChecker struct {
	pool *pgxpool.Pool
}

func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

func (h *HealthChecker) Name() string { return "postgres" }

func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return errors.New("database pool is nil")
	}
	if err := h.pool.Ping(ctx); err != nil {
		return err
	}

	var migrated bool
	if err := h.pool.QueryRow(ctx, `SELECT to_regclass('survey_assignments') IS NOT NULL`).Scan(&migrated); err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !migrated {
		return errors.New("survey schema not migrated")
	}
	return nil
}
