package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/observability"
	"github.com/konote/surveyengine/internal/validation"
)

// DefaultOverloadCeiling is the outstanding-assignment count at which evaluation stops.
const DefaultOverloadCeiling = 5

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	// OverloadCeiling caps outstanding assignments per participant.
	OverloadCeiling int
	// Location is the zone assignment due dates are computed in. Defaults to UTC.
	Location *time.Location
	// Now replaces the wall clock, mainly in tests.
	Now func() time.Time
}

// Engine evaluates participants against trigger rules.
type Engine struct {
	membership  Membership
	assignments AssignmentStore
	ceiling     int
	loc         *time.Location
	now         func() time.Time
	logger      *slog.Logger
}

// NewEngine creates an Engine. It panics if a collaborator is missing.
// If logger is nil, it defaults to slog.Default().
func NewEngine(membership Membership, assignments AssignmentStore, opts Options, logger *slog.Logger) *Engine {
	validation.AssertDependency(membership, "membership")
	validation.AssertDependency(assignments, "assignment store")

	if logger == nil {
		logger = slog.Default()
	}
	if opts.OverloadCeiling <= 0 {
		opts.OverloadCeiling = DefaultOverloadCeiling
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		membership:  membership,
		assignments: assignments,
		ceiling:     opts.OverloadCeiling,
		loc:         opts.Location,
		now:         opts.Now,
		logger:      logger,
	}
}

// Ceiling returns the configured overload ceiling.
func (e *Engine) Ceiling() int { return e.ceiling }

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// Evaluate runs rules, in order, for participant and returns the assignments it created.
//
// Nothing is evaluated for a discharged participant, for a missing, foreign or
// inactive portal identity, or when the participant already holds the ceiling of
// outstanding assignments. The ceiling is rechecked after every created
// assignment. A storage error stops evaluation; assignments created before it
// are kept and returned alongside the error.
func (e *Engine) Evaluate(ctx context.Context, participant Participant, identity *PortalIdentity, rules []Rule) ([]Assignment, error) {
	start := time.Now()
	defer func() {
		observability.EngineEvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	if participant.Status == ParticipantDischarged {
		observability.EngineEvaluations.WithLabelValues("discharged").Inc()
		return nil, nil
	}

	if identity == nil || identity.ParticipantID != participant.ID || !identity.Active {
		observability.EngineEvaluations.WithLabelValues("no_portal").Inc()
		return nil, nil
	}

	outstanding, err := e.assignments.CountOutstanding(ctx, participant.ID)
	if err != nil {
		observability.EngineEvaluations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to count outstanding assignments: %w", err)
	}
	if outstanding >= e.ceiling {
		observability.EngineEvaluations.WithLabelValues("overloaded").Inc()
		e.logger.Debug("overload guard reached",
			slog.String("participant_id", participant.ID.String()),
			slog.Int("outstanding", outstanding),
		)
		return nil, nil
	}

	now := e.now()
	var created []Assignment

	for _, rule := range rules {
		if outstanding >= e.ceiling {
			break
		}
		if !rule.Active {
			continue
		}

		a, ok, err := e.evaluateRule(ctx, participant.ID, rule, now)
		if err != nil {
			observability.EngineEvaluations.WithLabelValues("error").Inc()
			return created, fmt.Errorf("failed to evaluate rule %s: %w", rule.ID, err)
		}
		if ok {
			created = append(created, a)
			outstanding++
		}
	}

	observability.EngineEvaluations.WithLabelValues("evaluated").Inc()
	return created, nil
}

// evaluateRule runs the scope, repeat-policy and time filters for one rule and
// materializes the assignment when they all pass.
func (e *Engine) evaluateRule(ctx context.Context, participantID uuid.UUID, rule Rule, now time.Time) (Assignment, bool, error) {
	var enrolment *Enrolment
	if programID, scoped := rule.Condition.Program(); scoped {
		latest, err := e.membership.LatestEnrolment(ctx, participantID, programID)
		if err != nil {
			return Assignment{}, false, fmt.Errorf("failed to resolve enrolment: %w", err)
		}
		if latest == nil || latest.Status != EnrolmentEnrolled {
			return Assignment{}, false, nil
		}
		enrolment = latest
	}

	var enrolmentStart *time.Time
	if enrolment != nil {
		enrolmentStart = &enrolment.StartedAt
	}

	history, err := e.assignments.ListForSurvey(ctx, rule.SurveyID, participantID)
	if err != nil {
		return Assignment{}, false, fmt.Errorf("failed to load assignment history: %w", err)
	}
	if !Permits(rule.RepeatPolicy, history, enrolmentStart) {
		return Assignment{}, false, nil
	}

	if tc, ok := rule.Condition.(TimeCondition); ok {
		var lastCompleted *time.Time
		if tc.tracksCompletion(rule.RepeatPolicy) {
			latest, err := e.assignments.LatestCompleted(ctx, rule.SurveyID, participantID)
			if err != nil {
				return Assignment{}, false, fmt.Errorf("failed to load last completion: %w", err)
			}
			if latest != nil {
				lastCompleted = latest.CompletedAt
			}
		}
		if !tc.Due(now, enrolmentStart, lastCompleted) {
			return Assignment{}, false, nil
		}
	}

	return e.materialize(ctx, participantID, rule, enrolment, now)
}

func (e *Engine) materialize(ctx context.Context, participantID uuid.UUID, rule Rule, enrolment *Enrolment, now time.Time) (Assignment, bool, error) {
	status := StatusPending
	if rule.RequiresApproval {
		status = StatusAwaitingApproval
	}

	ruleID := rule.ID
	in := NewAssignment{
		SurveyID:         rule.SurveyID,
		ParticipantID:    participantID,
		Status:           status,
		TriggeringRuleID: &ruleID,
		TriggerReason:    Reason(rule),
		DueDate:          DueDate(now, e.loc, rule.DueInDays),
		OccurrenceKey:    OccurrenceKey(rule.RepeatPolicy, enrolment),
		CreatedAt:        now,
	}

	a, created, err := e.assignments.CreateIfAbsent(ctx, in)
	if err != nil {
		return Assignment{}, false, fmt.Errorf("failed to create assignment: %w", err)
	}
	if !created {
		observability.EngineAssignmentConflicts.Inc()
		e.logger.Debug("assignment already exists",
			slog.String("rule_id", rule.ID.String()),
			slog.String("survey_id", rule.SurveyID.String()),
			slog.String("participant_id", participantID.String()),
		)
		return Assignment{}, false, nil
	}

	observability.EngineAssignmentsCreated.WithLabelValues(string(rule.Type())).Inc()
	e.logger.Info("survey assigned",
		slog.String("assignment_id", a.ID.String()),
		slog.String("rule_id", rule.ID.String()),
		slog.String("survey_id", rule.SurveyID.String()),
		slog.String("participant_id", participantID.String()),
		slog.String("status", string(a.Status)),
	)
	return a, true, nil
}

// Reason renders the audit text stamped on assignments created by rule.
func Reason(rule Rule) string {
	var why string
	switch c := rule.Condition.(type) {
	case EventCondition:
		why = "event recorded"
	case EnrolmentCondition:
		why = "enrolled in program"
	case CharacteristicCondition:
		why = "enrolled in program with this characteristic"
	case TimeCondition:
		since := "enrolment"
		if c.Anchor == AnchorLastCompleted {
			since = "last completion"
		}
		why = fmt.Sprintf("%d days since %s", c.RecurrenceDays, since)
	default:
		why = "rule matched"
	}

	if rule.Name == "" {
		return "Trigger rule: " + why
	}
	return fmt.Sprintf("Trigger rule %q: %s", rule.Name, why)
}
