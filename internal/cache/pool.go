package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/konote/surveyengine/internal/observability"
)

// RunPoolMonitor samples go-redis pool statistics into Prometheus every
// interval until ctx is done. Run it in its own goroutine.
func RunPoolMonitor(ctx context.Context, client *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last redis.PoolStats
	for {
		last = recordPoolStats(client.PoolStats(), last)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// recordPoolStats sets gauges and advances counters by the delta since last.
func recordPoolStats(cur *redis.PoolStats, last redis.PoolStats) redis.PoolStats {
	observability.RedisPoolConnections.WithLabelValues("total").Set(float64(cur.TotalConns))
	observability.RedisPoolConnections.WithLabelValues("idle").Set(float64(cur.IdleConns))
	observability.RedisPoolConnections.WithLabelValues("stale").Set(float64(cur.StaleConns))

	if cur.Hits > last.Hits {
		observability.RedisPoolHits.Add(float64(cur.Hits - last.Hits))
	}
	if cur.Misses > last.Misses {
		observability.RedisPoolMisses.Add(float64(cur.Misses - last.Misses))
	}
	if cur.Timeouts > last.Timeouts {
		observability.RedisPoolTimeouts.Add(float64(cur.Timeouts - last.Timeouts))
	}
	return *cur
}
