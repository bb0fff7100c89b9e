package config

import (
	"fmt"
	"time"
)

// EngineConfig controls trigger evaluation.
type EngineConfig struct {
	// SurveysEnabled gates every dispatch entry point. When false, no rule is evaluated.
	SurveysEnabled bool `envconfig:"SURVEYS_ENABLED" default:"true"`

	// OverloadCeiling is the number of outstanding assignments at which
	// evaluation stops creating new ones for a participant.
	OverloadCeiling int `envconfig:"OVERLOAD_CEILING" default:"5" validate:"min=1"`

	// TimeZone is the IANA zone assignment due dates are computed in.
	TimeZone string `envconfig:"TIME_ZONE" default:"UTC"`
}

// Validate checks EngineConfig fields that struct tags cannot express.
func (c *EngineConfig) Validate() error {
	if c.OverloadCeiling < 1 {
		return fmt.Errorf("engine overload ceiling must be at least 1, got %d", c.OverloadCeiling)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone. An empty zone means UTC.
func (c *EngineConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid engine time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// CacheConfig sizes the two rule cache tiers.
type CacheConfig struct {
	L1Capacity int           `envconfig:"L1_CAPACITY" default:"1024" validate:"min=1"`
	// L1TTL bounds how long an instance can serve a stale rule set when a
	// rule change's Redis invalidation fails (see
	// surveys_api_post_commit_failures_total{operation="invalidate_rule_cache"}).
	L1TTL      time.Duration `envconfig:"L1_TTL" default:"60s" validate:"gt=0"`
	L2TTL      time.Duration `envconfig:"L2_TTL" default:"10m" validate:"gt=0"`

	// InvalidationChannel is the Redis pub/sub channel carrying rule changes.
	InvalidationChannel string `envconfig:"INVALIDATION_CHANNEL" default:"surveys:rules:invalidate"`
}

// BackfillConfig contains configuration for the include-existing backfill worker.
type BackfillConfig struct {
	Enabled        bool          `envconfig:"ENABLED" default:"true"`
	PopTimeout     time.Duration `envconfig:"POP_TIMEOUT" default:"5s" validate:"gt=0"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`
	BaseRetryDelay time.Duration `envconfig:"BASE_RETRY_DELAY" default:"1s"`
	BatchSize      int           `envconfig:"BATCH_SIZE" default:"200" validate:"min=1"`
}
