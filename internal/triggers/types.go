// Package triggers decides when a survey should be offered to a participant.
//
// A Rule is a standing policy compiled from a stored RuleRecord. The Engine
// evaluates a participant against an ordered rule set and materializes at most
// one Assignment per matching rule through an insert-if-absent store call, so
// concurrent evaluations of the same participant never produce duplicates.
package triggers

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType selects the dispatch path and the matching logic of a rule.
type TriggerType string

const (
	TriggerEvent          TriggerType = "event"
	TriggerEnrolment      TriggerType = "enrolment"
	TriggerTime           TriggerType = "time"
	TriggerCharacteristic TriggerType = "characteristic"
)

// RepeatPolicy governs whether a new assignment may follow earlier ones.
type RepeatPolicy string

const (
	OncePerParticipant RepeatPolicy = "once_per_participant"
	OncePerEnrolment   RepeatPolicy = "once_per_enrolment"
	Recurring          RepeatPolicy = "recurring"
)

// Anchor is the date a time rule measures elapsed days from.
type Anchor string

const (
	AnchorEnrolmentDate Anchor = "enrolment_date"
	AnchorLastCompleted Anchor = "last_completed"
)

// AssignmentStatus is the lifecycle state of an assignment.
type AssignmentStatus string

const (
	StatusAwaitingApproval AssignmentStatus = "awaiting_approval"
	StatusPending          AssignmentStatus = "pending"
	StatusInProgress       AssignmentStatus = "in_progress"
	StatusCompleted        AssignmentStatus = "completed"
	StatusDismissed        AssignmentStatus = "dismissed"
)

// OutstandingStatuses lists the non-terminal statuses.
var OutstandingStatuses = []AssignmentStatus{StatusAwaitingApproval, StatusPending, StatusInProgress}

// Outstanding reports whether s is non-terminal.
func (s AssignmentStatus) Outstanding() bool {
	switch s {
	case StatusAwaitingApproval, StatusPending, StatusInProgress:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s AssignmentStatus) Valid() bool {
	return s.Outstanding() || s == StatusCompleted || s == StatusDismissed
}

type EnrolmentStatus string

const (
	EnrolmentEnrolled  EnrolmentStatus = "enrolled"
	EnrolmentWithdrawn EnrolmentStatus = "withdrawn"
	EnrolmentCompleted EnrolmentStatus = "completed"
)

type ParticipantStatus string

const (
	ParticipantActive     ParticipantStatus = "active"
	ParticipantDischarged ParticipantStatus = "discharged"
)

type SurveyStatus string

const (
	SurveyDraft  SurveyStatus = "draft"
	SurveyActive SurveyStatus = "active"
	SurveyClosed SurveyStatus = "closed"
)

// Participant is the case-file subject surveys are offered to.
type Participant struct {
	ID        uuid.UUID         `json:"id"`
	Status    ParticipantStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// PortalIdentity is the participant's login to the portal, where assignments are delivered.
type PortalIdentity struct {
	ID            uuid.UUID `json:"id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Active        bool      `json:"active"`
}

// Enrolment is one membership of a participant in a program.
type Enrolment struct {
	ID            uuid.UUID       `json:"id"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	ProgramID     uuid.UUID       `json:"program_id"`
	Status        EnrolmentStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
}

// Event is a recorded occurrence in a participant's file (intake, crisis call, ...).
type Event struct {
	ID            uuid.UUID  `json:"id"`
	ParticipantID uuid.UUID  `json:"participant_id"`
	EventTypeID   uuid.UUID  `json:"event_type_id"`
	ProgramID     *uuid.UUID `json:"program_id,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// Survey is the instrument an assignment points at.
type Survey struct {
	ID     uuid.UUID    `json:"id"`
	Name   string       `json:"name"`
	Status SurveyStatus `json:"status"`
}

// Assignment is one survey offered to one participant.
// TriggeringRuleID is nil for manual assignments.
type Assignment struct {
	ID               uuid.UUID        `json:"id"`
	SurveyID         uuid.UUID        `json:"survey_id"`
	ParticipantID    uuid.UUID        `json:"participant_id"`
	Status           AssignmentStatus `json:"status"`
	TriggeringRuleID *uuid.UUID       `json:"triggering_rule_id,omitempty"`
	TriggerReason    string           `json:"trigger_reason"`
	DueDate          *time.Time       `json:"due_date,omitempty"`
	OccurrenceKey    string           `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// NewAssignment is the input of AssignmentStore.CreateIfAbsent.
type NewAssignment struct {
	SurveyID         uuid.UUID
	ParticipantID    uuid.UUID
	Status           AssignmentStatus
	TriggeringRuleID *uuid.UUID
	TriggerReason    string
	DueDate          *time.Time

	// OccurrenceKey, when set, may exist at most once per (survey, participant)
	// regardless of status. Empty means only the outstanding-uniqueness applies.
	OccurrenceKey string

	// CreatedAt defaults to the store's clock when zero.
	CreatedAt time.Time
}
