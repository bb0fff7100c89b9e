//go:build integration

package database_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konote/surveyengine/internal/config"
	"github.com/konote/surveyengine/internal/database"
	"github.com/konote/surveyengine/internal/testsupport"
)

func TestPostgres_PoolAndMetrics_Integration(t *testing.T) {
	ctx := context.Background()
	pgCtr, err := testsupport.StartPostgresContainer(ctx)
	require.NoError(t, err)
	defer pgCtr.Terminate(ctx)

	// A small pool makes waiting for a connection easy to provoke.
	pool, err := database.NewPostgresPool(ctx, &config.DatabaseConfig{
		URL:            pgCtr.ConnectionString,
		MaxConns:       2,
		MinConns:       1,
		ConnectTimeout: 5 * time.Second,
		PingMaxRetries: 3,
		PingBackoff:    100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer pool.Close()

	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go database.RunPoolMonitor(monitorCtx, pool, 10*time.Millisecond)

	t.Run("health checker", func(t *testing.T) {
		checker := database.NewHealthChecker(pool)
		assert.Equal(t, "postgres", checker.Name())
		assert.NoError(t, checker.Check(ctx))
	})

	t.Run("pool gauges", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "surveys_database_pool_connections", map[string]string{"state": "max"}) == 2
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("acquire counters", func(t *testing.T) {
		before := testsupport.GetMetricValue(t, "surveys_database_pool_acquire_count_total", nil)

		var wg sync.WaitGroup
		for range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = pool.Exec(ctx, "SELECT pg_sleep(0.05)")
			}()
		}
		wg.Wait()

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "surveys_database_pool_acquire_count_total", nil) >= before+6 &&
				testsupport.GetMetricValue(t, "surveys_database_pool_empty_acquire_count_total", nil) > 0
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := database.NewPostgresPool(ctx, nil)
		assert.Error(t, err)
	})
}
