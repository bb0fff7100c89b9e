package triggers

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type MockMembership struct {
	LatestEnrolmentFunc func(ctx context.Context, participantID, programID uuid.UUID) (*Enrolment, error)
}

func (m *MockMembership) LatestEnrolment(ctx context.Context, participantID, programID uuid.UUID) (*Enrolment, error) {
	if m.LatestEnrolmentFunc == nil {
		return nil, nil
	}
	return m.LatestEnrolmentFunc(ctx, participantID, programID)
}

// MockAssignmentStore records created assignments. Unset funcs fall back to
// answers derived from what was created.
type MockAssignmentStore struct {
	CreateIfAbsentFunc   func(ctx context.Context, in NewAssignment) (Assignment, bool, error)
	CountOutstandingFunc func(ctx context.Context, participantID uuid.UUID) (int, error)
	LatestCompletedFunc  func(ctx context.Context, surveyID, participantID uuid.UUID) (*Assignment, error)
	ListForSurveyFunc    func(ctx context.Context, surveyID, participantID uuid.UUID) ([]Assignment, error)

	mu      sync.Mutex
	Created []NewAssignment
}

func (m *MockAssignmentStore) CreateIfAbsent(ctx context.Context, in NewAssignment) (Assignment, bool, error) {
	if m.CreateIfAbsentFunc != nil {
		a, ok, err := m.CreateIfAbsentFunc(ctx, in)
		if ok {
			m.record(in)
		}
		return a, ok, err
	}
	m.record(in)
	return Assignment{
		ID:               uuid.New(),
		SurveyID:         in.SurveyID,
		ParticipantID:    in.ParticipantID,
		Status:           in.Status,
		TriggeringRuleID: in.TriggeringRuleID,
		TriggerReason:    in.TriggerReason,
		DueDate:          in.DueDate,
		OccurrenceKey:    in.OccurrenceKey,
		CreatedAt:        in.CreatedAt,
	}, true, nil
}

func (m *MockAssignmentStore) record(in NewAssignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Created = append(m.Created, in)
}

func (m *MockAssignmentStore) CountOutstanding(ctx context.Context, participantID uuid.UUID) (int, error) {
	if m.CountOutstandingFunc != nil {
		return m.CountOutstandingFunc(ctx, participantID)
	}
	return 0, nil
}

func (m *MockAssignmentStore) LatestCompleted(ctx context.Context, surveyID, participantID uuid.UUID) (*Assignment, error) {
	if m.LatestCompletedFunc != nil {
		return m.LatestCompletedFunc(ctx, surveyID, participantID)
	}
	return nil, nil
}

func (m *MockAssignmentStore) ListForSurvey(ctx context.Context, surveyID, participantID uuid.UUID) ([]Assignment, error) {
	if m.ListForSurveyFunc != nil {
		return m.ListForSurveyFunc(ctx, surveyID, participantID)
	}
	return nil, nil
}
