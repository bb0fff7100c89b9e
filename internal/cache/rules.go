package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/konote/surveyengine/internal/observability"
	"github.com/konote/surveyengine/internal/triggers"
	"github.com/konote/surveyengine/internal/validation"
)

// Redis keys of the L2 tier.
const (
	// RulesHashKey holds one field per filter key, valued "<generation>|<json>".
	RulesHashKey = "surveys:rules"
	// GenerationKey is incremented by every invalidation.
	GenerationKey = "surveys:rules:generation"
)

// RuleSource loads active rule records. The store satisfies it.
type RuleSource interface {
	ActiveRules(ctx context.Context, filter triggers.RuleFilter) ([]triggers.RuleRecord, error)
}

// RuleCacheOptions configures the L2 tier.
type RuleCacheOptions struct {
	L2TTL   time.Duration
	Channel string
}

// RuleCache serves active rules from L1 (otter), then L2 (Redis), then the store.
// With a nil Redis client it runs L1-only and invalidations stay local.
//
// Redis failures never fail a lookup: the cache falls through to the store.
type RuleCache struct {
	origin     RuleSource
	l1         *MemoryCache
	client     *redis.Client
	opts       RuleCacheOptions
	instanceID string
	logger     *slog.Logger
}

// NewRuleCache wires the tiers. client may be nil.
func NewRuleCache(origin RuleSource, l1 *MemoryCache, client *redis.Client, opts RuleCacheOptions, logger *slog.Logger) *RuleCache {
	validation.AssertDependency(origin, "rule source")
	validation.AssertNotNil(l1, "l1 cache")

	if logger == nil {
		logger = slog.Default()
	}
	if opts.Channel == "" {
		opts.Channel = "surveys:rules:invalidate"
	}

	return &RuleCache{
		origin:     origin,
		l1:         l1,
		client:     client,
		opts:       opts,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// ActiveRules implements the dispatcher's rule source.
func (c *RuleCache) ActiveRules(ctx context.Context, filter triggers.RuleFilter) ([]triggers.RuleRecord, error) {
	key := FilterKey(filter)
	l1Gen := c.l1.Generation()

	if rules, ok := c.l1.Get(key); ok {
		return slices.Clone(rules), nil
	}

	l2Gen, rules, ok := c.readL2(ctx, key)
	if ok {
		c.l1.Set(key, l1Gen, rules)
		return slices.Clone(rules), nil
	}

	rules, err := c.origin.ActiveRules(ctx, filter)
	if err != nil {
		return nil, err
	}

	c.writeL2(ctx, key, l2Gen, rules)
	c.l1.Set(key, l1Gen, rules)
	return slices.Clone(rules), nil
}

// readL2 returns the current generation and, when the stored entry belongs to
// it, the cached rules.
func (c *RuleCache) readL2(ctx context.Context, key string) (int64, []triggers.RuleRecord, bool) {
	if c.client == nil {
		return 0, nil, false
	}

	pipe := c.client.Pipeline()
	genCmd := pipe.Get(ctx, GenerationKey)
	valCmd := pipe.HGet(ctx, RulesHashKey, key)
	_, _ = pipe.Exec(ctx)

	generation, err := genCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.backendError("read", err)
		return 0, nil, false
	}

	raw, err := valCmd.Result()
	if errors.Is(err, redis.Nil) {
		observability.CacheRequests.WithLabelValues("l2", "miss").Inc()
		return generation, nil, false
	}
	if err != nil {
		c.backendError("read", err)
		return generation, nil, false
	}

	entryGen, rules, err := decodeEntry(raw)
	if err != nil {
		c.backendError("decode", err)
		return generation, nil, false
	}
	if entryGen != generation {
		observability.CacheRequests.WithLabelValues("l2", "miss").Inc()
		return generation, nil, false
	}

	observability.CacheRequests.WithLabelValues("l2", "hit").Inc()
	return generation, rules, true
}

// writeL2 stores rules tagged with the generation observed before loading them.
// If an invalidation ran in between, the entry is already stale and readers skip it.
func (c *RuleCache) writeL2(ctx context.Context, key string, generation int64, rules []triggers.RuleRecord) {
	if c.client == nil {
		return
	}

	value, err := encodeEntry(generation, rules)
	if err != nil {
		c.backendError("encode", err)
		return
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, RulesHashKey, key, value)
		if c.opts.L2TTL > 0 {
			pipe.Expire(ctx, RulesHashKey, c.opts.L2TTL)
		}
		return nil
	})
	if err != nil {
		c.backendError("write", err)
	}
}

// Invalidate drops every cached rule list here and, through Redis, everywhere.
func (c *RuleCache) Invalidate(ctx context.Context) error {
	c.l1.Purge()
	observability.CacheInvalidations.WithLabelValues("local").Inc()

	if c.client == nil {
		return nil
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, GenerationKey)
		pipe.Del(ctx, RulesHashKey)
		pipe.Publish(ctx, c.opts.Channel, c.instanceID)
		return nil
	})
	if err != nil {
		c.backendError("invalidate", err)
		return fmt.Errorf("failed to invalidate shared rule cache: %w", err)
	}
	return nil
}

// Listen purges L1 whenever another instance publishes an invalidation. It
// blocks until ctx is done. Without Redis it just waits for ctx.
func (c *RuleCache) Listen(ctx context.Context) error {
	if c.client == nil {
		<-ctx.Done()
		return nil
	}

	sub := c.client.Subscribe(ctx, c.opts.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.opts.Channel, err)
	}
	c.logger.Info("listening for rule invalidations", slog.String("channel", c.opts.Channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == c.instanceID {
				continue
			}
			c.l1.Purge()
			observability.CacheInvalidations.WithLabelValues("pubsub").Inc()
			c.logger.Debug("rule cache purged by remote invalidation", slog.String("origin", msg.Payload))
		}
	}
}

func (c *RuleCache) backendError(op string, err error) {
	observability.CacheErrors.WithLabelValues(op).Inc()
	c.logger.Warn("rule cache backend error", slog.String("operation", op), slog.String("error", err.Error()))
}
