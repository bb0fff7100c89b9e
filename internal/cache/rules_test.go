package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konote/surveyengine/internal/cache"
	"github.com/konote/surveyengine/internal/triggers"
)

// countingSource is a RuleSource that counts loads.
type countingSource struct {
	mu    sync.Mutex
	calls int
	rules []triggers.RuleRecord
	err   error
}

func (s *countingSource) ActiveRules(_ context.Context, f triggers.RuleFilter) ([]triggers.RuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []triggers.RuleRecord
	for _, r := range s.rules {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *countingSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newL1(t *testing.T) *cache.MemoryCache {
	t.Helper()
	l1, err := cache.NewMemoryCache(64, time.Minute)
	require.NoError(t, err)
	t.Cleanup(l1.Close)
	return l1
}

func characteristicRule(program uuid.UUID) triggers.RuleRecord {
	return triggers.RuleRecord{
		ID:           uuid.New(),
		SurveyID:     uuid.New(),
		TriggerType:  triggers.TriggerCharacteristic,
		ProgramID:    &program,
		RepeatPolicy: triggers.OncePerParticipant,
		Active:       true,
	}
}

func TestRuleCache_L1Only(t *testing.T) {
	t.Parallel()

	program := uuid.New()
	src := &countingSource{rules: []triggers.RuleRecord{characteristicRule(program)}}
	c := cache.NewRuleCache(src, newL1(t), nil, cache.RuleCacheOptions{}, nil)
	ctx := context.Background()
	filter := triggers.RuleFilter{Types: []triggers.TriggerType{triggers.TriggerCharacteristic}}

	first, err := c.ActiveRules(ctx, filter)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := c.ActiveRules(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.Calls(), "second lookup must be served from L1")

	// A different filter is a different key.
	_, err = c.ActiveRules(ctx, triggers.RuleFilter{ProgramID: &program})
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls())

	require.NoError(t, c.Invalidate(ctx))
	_, err = c.ActiveRules(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, src.Calls(), "invalidation forces a reload")
}

func TestRuleCache_CallerCannotMutateCachedRules(t *testing.T) {
	t.Parallel()

	src := &countingSource{rules: []triggers.RuleRecord{characteristicRule(uuid.New())}}
	c := cache.NewRuleCache(src, newL1(t), nil, cache.RuleCacheOptions{}, nil)
	ctx := context.Background()

	got, err := c.ActiveRules(ctx, triggers.RuleFilter{})
	require.NoError(t, err)
	got[0].Name = "mutated"

	again, err := c.ActiveRules(ctx, triggers.RuleFilter{})
	require.NoError(t, err)
	assert.Empty(t, again[0].Name)
}

func TestRuleCache_OriginErrorIsReturnedAndNotCached(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	src := &countingSource{err: boom}
	c := cache.NewRuleCache(src, newL1(t), nil, cache.RuleCacheOptions{}, nil)
	ctx := context.Background()

	_, err := c.ActiveRules(ctx, triggers.RuleFilter{})
	assert.ErrorIs(t, err, boom)

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()

	_, err = c.ActiveRules(ctx, triggers.RuleFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls())
}

func TestRuleCache_ListenWithoutRedisReturnsOnCancel(t *testing.T) {
	t.Parallel()

	c := cache.NewRuleCache(&countingSource{}, newL1(t), nil, cache.RuleCacheOptions{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestNewRuleCache_PanicsWithoutDependencies(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { cache.NewRuleCache(nil, newL1(t), nil, cache.RuleCacheOptions{}, nil) })
	assert.Panics(t, func() { cache.NewRuleCache(&countingSource{}, nil, nil, cache.RuleCacheOptions{}, nil) })
}
