package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All collectors are registered globally, so a binary exposes zero-valued
// series for subsystems it never runs (e.g. the API shows backfill counters).

// namespace is the prefix of every metric (e.g. surveys_engine_...).
const namespace = "surveys"

// evaluationBuckets covers in-request evaluations, from a cache-hit no-op to a
// full rule pass with several inserts.
var evaluationBuckets = []float64{.001, .0025, .005, .010, .025, .050, .100, .250, .500, 1}

var (
	// -------------------------------------------------------------------------
	// API (HTTP)
	// -------------------------------------------------------------------------

	// APIReqDuration measures the latency of HTTP requests.
	// Metric: surveys_api_http_handling_seconds
	APIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// APIReqTotal counts HTTP requests.
	// Metric: surveys_api_http_requests_total
	APIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "route", "code"})

	// APIPostCommitFailures counts side effects of committed writes that were
	// abandoned after retries. A failed rule cache invalidation leaves peers
	// serving the old rule set until their L1 TTL expires.
	// operation: invalidate_rule_cache, enqueue_backfill
	APIPostCommitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "post_commit_failures_total",
		Help:      "Total post-commit side effects abandoned after retries",
	}, []string{"operation"})

	// -------------------------------------------------------------------------
	// ENGINE
	// -------------------------------------------------------------------------

	// EngineEvaluations counts Evaluate calls by outcome.
	// outcome: evaluated, discharged, no_portal, overloaded, error
	EngineEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Total participant evaluations by outcome",
	}, []string{"outcome"})

	EngineEvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent evaluating one participant against a rule set",
		Buckets:   evaluationBuckets,
	})

	// EngineAssignmentsCreated counts materialized assignments by trigger type.
	EngineAssignmentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "assignments_created_total",
		Help:      "Total assignments created by trigger rules",
	}, []string{"trigger_type"})

	// EngineAssignmentConflicts counts inserts that lost to an existing row.
	// A conflict means another evaluation already satisfied the rule.
	EngineAssignmentConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "assignment_conflicts_total",
		Help:      "Total assignment inserts skipped because an equivalent row exists",
	})

	// EngineRulesSkipped counts rules dropped before evaluation.
	// reason: invalid, survey_inactive
	EngineRulesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "rules_skipped_total",
		Help:      "Total rules skipped before evaluation",
	}, []string{"reason"})

	// -------------------------------------------------------------------------
	// DISPATCH
	// -------------------------------------------------------------------------

	// DispatchTotal counts entry point invocations.
	// entry: access, event, enrolment, backfill; status: ok, disabled, error
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "invocations_total",
		Help:      "Total trigger dispatch invocations",
	}, []string{"entry", "status"})

	// DispatchHookFailures counts post-commit evaluations that returned an error.
	DispatchHookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "post_commit_failures_total",
		Help:      "Total post-commit evaluations that failed",
	})

	// -------------------------------------------------------------------------
	// RULE CACHE
	// -------------------------------------------------------------------------

	// CacheRequests counts rule cache lookups. tier: l1, l2; result: hit, miss
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rule_cache",
		Name:      "requests_total",
		Help:      "Total rule cache lookups by tier and result",
	}, []string{"tier", "result"})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rule_cache",
		Name:      "errors_total",
		Help:      "Total rule cache backend errors",
	}, []string{"operation"})

	// CacheItems tracks the L1 entry count. Otter reports items, not bytes.
	CacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rule_cache",
		Name:      "l1_items_count",
		Help:      "Current number of items in the L1 rule cache",
	})

	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rule_cache",
		Name:      "invalidations_total",
		Help:      "Total rule cache invalidations by origin",
	}, []string{"origin"}) // local, pubsub

	// -------------------------------------------------------------------------
	// BACKFILL (Workers)
	// -------------------------------------------------------------------------

	// BackfillJobDuration measures enqueue-to-finish latency.
	BackfillJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "job_processing_duration_seconds",
		Help:      "End-to-end latency from enqueue to processing finish",
		Buckets:   prometheus.DefBuckets,
	})

	BackfillJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "jobs_total",
		Help:      "Total backfill jobs processed",
	}, []string{"status"}) // success, fail, dropped

	BackfillAssignmentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "assignments_created_total",
		Help:      "Total assignments created for existing participants",
	})

	BackfillQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "queue_depth",
		Help:      "Current number of jobs waiting in the backfill queue",
	})

	// -------------------------------------------------------------------------
	// DATABASE POOL
	// -------------------------------------------------------------------------

	// DBPoolConnections reports pgxpool gauges. state: total, idle, in_use, max
	DBPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Database pool connections by state",
	}, []string{"state"})

	DBPoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Cumulative successful connection acquisitions",
	})

	DBPoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Cumulative time spent acquiring connections",
	})

	DBPoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_empty_acquire_count_total",
		Help:      "Cumulative acquisitions that had to wait for a connection",
	})

	// -------------------------------------------------------------------------
	// REDIS POOL
	// -------------------------------------------------------------------------

	// RedisPoolConnections reports go-redis pool gauges. state: total, idle, stale
	RedisPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_connections",
		Help:      "Redis pool connections by state",
	}, []string{"state"})

	RedisPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_hits_total",
		Help:      "Times a free connection was found in the pool",
	})

	RedisPoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_misses_total",
		Help:      "Times a free connection was not found in the pool",
	})

	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_timeouts_total",
		Help:      "Times a wait for a pool connection timed out",
	})
)
