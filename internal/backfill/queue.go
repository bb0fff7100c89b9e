// Package backfill applies newly activated include-existing rules to
// participants who already satisfy them.
//
// Activation enqueues a Job after the activating transaction commits. A Worker
// pops jobs, lists the rule's current candidates from the store and evaluates
// that single rule for each one. Evaluation goes through the normal
// insert-if-absent path, so a job may be retried or run twice safely.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list holding pending jobs. Producers LPUSH, workers BRPOP.
const QueueKey = "surveys:backfill:queue"

// ErrMalformedJob is returned for queue messages that cannot be decoded.
var ErrMalformedJob = errors.New("malformed backfill message")

// Job asks for one rule to be applied to existing participants.
type Job struct {
	RuleID      uuid.UUID
	RequestedAt time.Time
}

// Encode renders the job as "<rule id>:<requested unix millis>".
func (j Job) Encode() string {
	return j.RuleID.String() + ":" + strconv.FormatInt(j.RequestedAt.UnixMilli(), 10)
}

// DecodeJob parses a message produced by Job.Encode.
func DecodeJob(msg string) (Job, error) {
	id, ms, ok := strings.Cut(msg, ":")
	if !ok {
		return Job{}, fmt.Errorf("%w: %q", ErrMalformedJob, msg)
	}
	ruleID, err := uuid.Parse(id)
	if err != nil {
		return Job{}, fmt.Errorf("%w: rule id: %v", ErrMalformedJob, err)
	}
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Job{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedJob, err)
	}
	return Job{RuleID: ruleID, RequestedAt: time.UnixMilli(millis)}, nil
}

// Queue carries backfill jobs from producers to workers.
type Queue interface {
	Push(ctx context.Context, job Job) error
	// Pop waits up to timeout for a job. ok is false when none arrived.
	Pop(ctx context.Context, timeout time.Duration) (job Job, ok bool, err error)
	Len(ctx context.Context) (int64, error)
}

// RedisQueue is a Queue on a Redis list, shared by every instance.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a RedisQueue on QueueKey.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	if client == nil {
		panic("backfill: redis client cannot be nil")
	}
	return &RedisQueue{client: client, key: QueueKey}
}

func (q *RedisQueue) Push(ctx context.Context, job Job) error {
	if err := q.client.LPush(ctx, q.key, job.Encode()).Err(); err != nil {
		return fmt.Errorf("failed to enqueue backfill job: %w", err)
	}
	return nil
}

// Pop blocks on BRPOP. A malformed message is returned as an error after it
// has been removed from the list, so it is never retried.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to pop backfill job: %w", err)
	}

	// BRPOP returns [key, value]
	job, err := DecodeJob(res[1])
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// MemoryQueue is an in-process Queue for single-node deployments without Redis.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  []Job
	ready chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ready: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Push(_ context.Context, job Job) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if job, ok := q.take(); ok {
			return job, true, nil
		}
		select {
		case <-q.ready:
		case <-timer.C:
			return Job{}, false, nil
		case <-ctx.Done():
			return Job{}, false, ctx.Err()
		}
	}
}

func (q *MemoryQueue) take() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]

	// wake another waiter if more work remains
	if len(q.jobs) > 0 {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return job, true
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}
