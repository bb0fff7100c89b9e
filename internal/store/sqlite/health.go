package sqlite

import (
	"context"
	"fmt"
)

// HealthChecker reports database reachability to the readiness probe.
type HealthChecker struct {
	store *Store
}

func NewHealthChecker(s *Store) *HealthChecker {
	return &HealthChecker{store: s}
}

func (h *HealthChecker) Name() string { return "sqlite" }

func (h *HealthChecker) Check(ctx context.Context) error {
	if h.store == nil || h.store.db == nil {
		return fmt.Errorf("sqlite database is not open")
	}
	return h.store.db.PingContext(ctx)
}
