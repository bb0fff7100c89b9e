package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/config"
	"github.com/konote/surveyengine/internal/dispatch"
	"github.com/konote/surveyengine/internal/observability"
	"github.com/konote/surveyengine/internal/store"
	"github.com/konote/surveyengine/internal/triggers"
	"github.com/konote/surveyengine/internal/validation"
)

// ErrJobDropped marks a job that no longer applies and must not be retried.
var ErrJobDropped = errors.New("backfill job dropped")

// RuleStore is what the worker reads from the store.
type RuleStore interface {
	GetRule(ctx context.Context, id uuid.UUID) (triggers.RuleRecord, error)
	BackfillCandidates(ctx context.Context, rule triggers.RuleRecord) ([]uuid.UUID, error)
}

// Evaluator runs one rule for one participant. dispatch.Dispatcher satisfies it.
type Evaluator interface {
	EvaluateRule(ctx context.Context, participantID uuid.UUID, rec triggers.RuleRecord) ([]triggers.Assignment, error)
}

// Worker consumes backfill jobs.
type Worker struct {
	logger    *slog.Logger
	config    config.BackfillConfig
	rules     RuleStore
	evaluator Evaluator
	queue     Queue
}

// New creates a Worker. It panics if a collaborator is missing.
func New(logger *slog.Logger, cfg config.BackfillConfig, rules RuleStore, evaluator Evaluator, queue Queue) *Worker {
	if logger == nil {
		logger = slog.Default()
	}

	validation.AssertDependency(rules, "rule store")
	validation.AssertDependency(evaluator, "evaluator")
	validation.AssertDependency(queue, "queue")

	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}

	return &Worker{
		logger:    logger,
		config:    cfg,
		rules:     rules,
		evaluator: evaluator,
		queue:     queue,
	}
}

// Run pops and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting backfill worker",
		slog.Duration("pop_timeout", w.config.PopTimeout),
		slog.Int("max_retries", w.config.MaxRetries),
	)

	for {
		if ctx.Err() != nil {
			w.logger.Info("backfill worker stopping...")
			return nil
		}

		job, ok, err := w.queue.Pop(ctx, w.config.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, ErrMalformedJob) {
				observability.BackfillJobsTotal.WithLabelValues("dropped").Inc()
				w.logger.Warn("dropping malformed backfill message", slog.String("error", err.Error()))
				continue
			}
			w.logger.Error("failed to pop backfill job", slog.String("error", err.Error()))
			sleep(ctx, w.config.BaseRetryDelay)
			continue
		}
		if !ok {
			continue
		}

		w.handle(ctx, job)
	}
}

// RunQueueMonitor samples the queue depth every interval until ctx is cancelled.
func (w *Worker) RunQueueMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := w.queue.Len(ctx)
			if err != nil {
				w.logger.Warn("failed to read backfill queue depth", slog.String("error", err.Error()))
				continue
			}
			observability.BackfillQueueDepth.Set(float64(depth))
		}
	}
}

// handle processes job with exponential backoff between attempts.
func (w *Worker) handle(ctx context.Context, job Job) {
	log := w.logger.With(slog.String("rule_id", job.RuleID.String()))

	for attempt := 0; ; attempt++ {
		created, err := w.Process(ctx, job)
		if err == nil {
			observability.BackfillJobsTotal.WithLabelValues("success").Inc()
			observability.BackfillJobDuration.Observe(time.Since(job.RequestedAt).Seconds())
			log.Info("backfill job completed", slog.Int("assignments_created", created))
			return
		}

		if errors.Is(err, ErrJobDropped) {
			observability.BackfillJobsTotal.WithLabelValues("dropped").Inc()
			log.Info("backfill job dropped", slog.String("reason", err.Error()))
			return
		}

		if attempt >= w.config.MaxRetries || ctx.Err() != nil {
			observability.BackfillJobsTotal.WithLabelValues("fail").Inc()
			log.Error("backfill job failed",
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)
			return
		}

		delay := w.config.BaseRetryDelay * time.Duration(1<<attempt)
		log.Warn("backfill job failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if !sleep(ctx, delay) {
			observability.BackfillJobsTotal.WithLabelValues("fail").Inc()
			return
		}
	}
}

// Process applies the job's rule to every current candidate and returns how
// many assignments it created. A participant whose evaluation fails does not
// stop the others; the first such error is returned once all were tried.
func (w *Worker) Process(ctx context.Context, job Job) (int, error) {
	rec, err := w.rules.GetRule(ctx, job.RuleID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: rule %s no longer exists", ErrJobDropped, job.RuleID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load rule: %w", err)
	}
	if !rec.Active || !rec.IncludeExisting {
		return 0, fmt.Errorf("%w: rule %s is not an active include-existing rule", ErrJobDropped, job.RuleID)
	}
	if _, err := triggers.Compile(rec); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrJobDropped, err)
	}

	candidates, err := w.rules.BackfillCandidates(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("failed to list candidates: %w", err)
	}

	created := 0
	var firstErr error

	for start := 0; start < len(candidates); start += w.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		end := min(start+w.config.BatchSize, len(candidates))
		for _, participantID := range candidates[start:end] {
			assignments, err := w.evaluator.EvaluateRule(ctx, participantID, rec)
			created += len(assignments)
			observability.BackfillAssignmentsCreated.Add(float64(len(assignments)))

			if errors.Is(err, dispatch.ErrDisabled) {
				return created, fmt.Errorf("%w: %v", ErrJobDropped, err)
			}
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("participant %s: %w", participantID, err)
			}
		}

		w.logger.Debug("backfill batch processed",
			slog.String("rule_id", rec.ID.String()),
			slog.Int("processed", end),
			slog.Int("total", len(candidates)),
		)
	}

	return created, firstErr
}

// sleep waits for d or ctx, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
