package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konote/surveyengine/internal/store"
	"github.com/konote/surveyengine/internal/store/memory"
	"github.com/konote/surveyengine/internal/store/storetest"
	"github.com/konote/surveyengine/internal/triggers"
)

func TestMemoryStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return memory.New(nil)
	})
}

func TestMemoryStore_DefaultsFromClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := memory.New(func() time.Time { return now })
	ctx := context.Background()

	p := triggers.Participant{}
	require.NoError(t, s.CreateParticipant(ctx, &p))
	assert.Equal(t, now, p.CreatedAt)

	sv := triggers.Survey{Name: "Intake", Status: triggers.SurveyActive}
	require.NoError(t, s.CreateSurvey(ctx, &sv))

	a, created, err := s.CreateIfAbsent(ctx, triggers.NewAssignment{
		SurveyID:      sv.ID,
		ParticipantID: p.ID,
		Status:        triggers.StatusPending,
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, now, a.CreatedAt)

	r := triggers.RuleRecord{SurveyID: sv.ID, TriggerType: triggers.TriggerCharacteristic, Active: true}
	require.NoError(t, s.CreateRule(ctx, &r))
	require.NotNil(t, r.ActivatedAt)
	assert.Equal(t, now, *r.ActivatedAt)
}

func TestMemoryStore_CreateRuleRequiresSurvey(t *testing.T) {
	t.Parallel()

	s := memory.New(nil)
	err := s.CreateRule(context.Background(), &triggers.RuleRecord{SurveyID: uuid.New()})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_SurveyStatusAndEnrolmentUpdates(t *testing.T) {
	t.Parallel()

	s := memory.New(nil)
	ctx := context.Background()
	f := storetest.Seed(t, s)

	s.SetSurveyStatus(f.Survey.ID, triggers.SurveyClosed)
	active, err := s.IsActive(ctx, f.Survey.ID)
	require.NoError(t, err)
	assert.False(t, active)

	program := uuid.New()
	e := triggers.Enrolment{ParticipantID: f.Participant.ID, ProgramID: program, StartedAt: storetest.Base}
	require.NoError(t, s.InsertEnrolment(ctx, &e))

	ended := storetest.Base.AddDate(0, 1, 0)
	e.Status = triggers.EnrolmentWithdrawn
	e.EndedAt = &ended
	require.NoError(t, s.UpdateEnrolment(e))

	got, err := s.LatestEnrolment(ctx, f.Participant.ID, program)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, triggers.EnrolmentWithdrawn, got.Status)

	assert.ErrorIs(t, s.UpdateEnrolment(triggers.Enrolment{ID: uuid.New()}), store.ErrNotFound)
}
