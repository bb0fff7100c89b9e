package triggers

import (
	"context"

	"github.com/google/uuid"
)

// Membership answers enrolment questions for the engine.
type Membership interface {
	// LatestEnrolment returns the most recent enrolment of the participant in the
	// program, whatever its status, or nil when there is none.
	LatestEnrolment(ctx context.Context, participantID, programID uuid.UUID) (*Enrolment, error)
}

// AssignmentStore is the engine's only write target.
type AssignmentStore interface {
	// CreateIfAbsent inserts the assignment unless an outstanding assignment of
	// the survey exists for the participant, or the occurrence key was already
	// used. created is false in that case and err is nil.
	CreateIfAbsent(ctx context.Context, in NewAssignment) (a Assignment, created bool, err error)

	// CountOutstanding counts non-terminal assignments across all surveys.
	CountOutstanding(ctx context.Context, participantID uuid.UUID) (int, error)

	// LatestCompleted returns the most recently completed assignment of the survey, or nil.
	LatestCompleted(ctx context.Context, surveyID, participantID uuid.UUID) (*Assignment, error)

	// ListForSurvey returns every assignment of the survey for the participant, oldest first.
	ListForSurvey(ctx context.Context, surveyID, participantID uuid.UUID) ([]Assignment, error)
}
