// Package store defines the persistence contract of the survey engine.
// Backends live in subpackages: postgres (pgx), sqlite (modernc) and memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/triggers"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an assignment cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid assignment transition")

	// ErrDuplicate is returned when an insert collides with an existing id.
	ErrDuplicate = errors.New("already exists")
)

// Store is implemented by every backend.
type Store interface {
	triggers.Membership
	triggers.AssignmentStore

	// Migrate applies pending embedded schema migrations.
	Migrate(ctx context.Context) error

	// WithinTx runs fn in a transaction. Hooks registered with txn.OnCommit
	// inside fn run after commit. A nested call joins the outer transaction.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	Close() error

	CreateParticipant(ctx context.Context, p *triggers.Participant) error
	GetParticipant(ctx context.Context, id uuid.UUID) (triggers.Participant, error)
	SetParticipantStatus(ctx context.Context, id uuid.UUID, status triggers.ParticipantStatus) error

	CreatePortalIdentity(ctx context.Context, pi *triggers.PortalIdentity) error
	// ActiveIdentity returns the participant's active portal identity, or nil.
	ActiveIdentity(ctx context.Context, participantID uuid.UUID) (*triggers.PortalIdentity, error)

	CreateSurvey(ctx context.Context, s *triggers.Survey) error
	// IsActive reports whether the survey exists and is active.
	IsActive(ctx context.Context, surveyID uuid.UUID) (bool, error)

	InsertEvent(ctx context.Context, e *triggers.Event) error
	InsertEnrolment(ctx context.Context, e *triggers.Enrolment) error

	CreateRule(ctx context.Context, r *triggers.RuleRecord) error
	GetRule(ctx context.Context, id uuid.UUID) (triggers.RuleRecord, error)
	ListRules(ctx context.Context) ([]triggers.RuleRecord, error)
	// ActiveRules returns active rules matching filter, oldest first.
	ActiveRules(ctx context.Context, filter triggers.RuleFilter) ([]triggers.RuleRecord, error)
	// SetRuleActive toggles a rule. Activation stamps activated_at with at.
	SetRuleActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) (triggers.RuleRecord, error)

	GetAssignment(ctx context.Context, id uuid.UUID) (triggers.Assignment, error)
	ListForParticipant(ctx context.Context, participantID uuid.UUID) ([]triggers.Assignment, error)
	TransitionAssignment(ctx context.Context, id uuid.UUID, t Transition, at time.Time) (triggers.Assignment, error)

	// BackfillCandidates lists non-discharged participants who currently satisfy
	// the rule's condition: enrolled in its program and, for event rules, with a
	// prior event of its type.
	BackfillCandidates(ctx context.Context, rule triggers.RuleRecord) ([]uuid.UUID, error)
}

// Transition is an assignment lifecycle step driven by the survey workflow.
type Transition string

const (
	TransitionApprove  Transition = "approve"
	TransitionStart    Transition = "start"
	TransitionComplete Transition = "complete"
	TransitionDismiss  Transition = "dismiss"
)

// ParseTransition validates a transition name.
func ParseTransition(s string) (Transition, error) {
	switch t := Transition(s); t {
	case TransitionApprove, TransitionStart, TransitionComplete, TransitionDismiss:
		return t, nil
	default:
		return "", fmt.Errorf("unknown transition %q", s)
	}
}

// From lists the statuses the transition may start from.
func (t Transition) From() []triggers.AssignmentStatus {
	switch t {
	case TransitionApprove:
		return []triggers.AssignmentStatus{triggers.StatusAwaitingApproval}
	case TransitionStart:
		return []triggers.AssignmentStatus{triggers.StatusPending}
	case TransitionComplete:
		return []triggers.AssignmentStatus{triggers.StatusPending, triggers.StatusInProgress}
	case TransitionDismiss:
		return triggers.OutstandingStatuses
	default:
		return nil
	}
}

// Target is the status the transition ends in.
func (t Transition) Target() triggers.AssignmentStatus {
	switch t {
	case TransitionApprove:
		return triggers.StatusPending
	case TransitionStart:
		return triggers.StatusInProgress
	case TransitionComplete:
		return triggers.StatusCompleted
	case TransitionDismiss:
		return triggers.StatusDismissed
	default:
		return ""
	}
}

// Apply moves a to the transition's target status, stamping started_at or
// completed_at with at. It returns ErrInvalidTransition when a's status is not
// an allowed origin.
func (t Transition) Apply(a *triggers.Assignment, at time.Time) error {
	allowed := false
	for _, s := range t.From() {
		if a.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: cannot %s assignment in status %s", ErrInvalidTransition, t, a.Status)
	}

	a.Status = t.Target()
	switch t {
	case TransitionStart:
		a.StartedAt = &at
	case TransitionComplete:
		a.CompletedAt = &at
	}
	return nil
}

// StatusStrings converts statuses for SQL array and IN parameters.
func StatusStrings(statuses []triggers.AssignmentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
