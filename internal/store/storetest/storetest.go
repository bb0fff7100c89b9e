// Package storetest is the behavioural contract every store.Store backend must
// pass. Backend test files call Run with a constructor for a fresh store.
//
// Subtests only look at rows they created, so a backend may share one database
// between them.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konote/surveyengine/internal/store"
	"github.com/konote/surveyengine/internal/triggers"
	"github.com/konote/surveyengine/internal/txn"
)

// Base is the reference instant used by the suite. It has no sub-microsecond
// part so every backend round-trips it exactly.
var Base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// Factory returns an empty (or isolated) store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the contract suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Participants", func(t *testing.T) { testParticipants(t, newStore(t)) })
	t.Run("PortalIdentity", func(t *testing.T) { testPortalIdentity(t, newStore(t)) })
	t.Run("Surveys", func(t *testing.T) { testSurveys(t, newStore(t)) })
	t.Run("LatestEnrolment", func(t *testing.T) { testLatestEnrolment(t, newStore(t)) })
	t.Run("Rules", func(t *testing.T) { testRules(t, newStore(t)) })
	t.Run("ActiveRulesFilter", func(t *testing.T) { testActiveRulesFilter(t, newStore(t)) })
	t.Run("CreateIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, newStore(t)) })
	t.Run("CreateIfAbsentConcurrent", func(t *testing.T) { testCreateIfAbsentConcurrent(t, newStore(t)) })
	t.Run("Transitions", func(t *testing.T) { testTransitions(t, newStore(t)) })
	t.Run("LatestCompleted", func(t *testing.T) { testLatestCompleted(t, newStore(t)) })
	t.Run("WithinTx", func(t *testing.T) { testWithinTx(t, newStore(t)) })
	t.Run("BackfillCandidates", func(t *testing.T) { testBackfillCandidates(t, newStore(t)) })
}

// Fixture is a participant with an active portal identity and an active survey.
type Fixture struct {
	Participant triggers.Participant
	Identity    triggers.PortalIdentity
	Survey      triggers.Survey
}

// Seed creates a Fixture in s.
func Seed(t *testing.T, s store.Store) Fixture {
	t.Helper()
	ctx := context.Background()

	f := Fixture{
		Participant: triggers.Participant{Status: triggers.ParticipantActive, CreatedAt: Base},
		Survey:      triggers.Survey{Name: "Wellbeing check-in", Status: triggers.SurveyActive},
	}
	require.NoError(t, s.CreateParticipant(ctx, &f.Participant))
	f.Identity = triggers.PortalIdentity{ParticipantID: f.Participant.ID, Active: true}
	require.NoError(t, s.CreatePortalIdentity(ctx, &f.Identity))
	require.NoError(t, s.CreateSurvey(ctx, &f.Survey))
	return f
}

func newAssignment(f Fixture, status triggers.AssignmentStatus, key string, at time.Time) triggers.NewAssignment {
	return triggers.NewAssignment{
		SurveyID:      f.Survey.ID,
		ParticipantID: f.Participant.ID,
		Status:        status,
		TriggerReason: "test",
		OccurrenceKey: key,
		CreatedAt:     at,
	}
}

func testParticipants(t *testing.T, s store.Store) {
	ctx := context.Background()

	p := triggers.Participant{CreatedAt: Base}
	require.NoError(t, s.CreateParticipant(ctx, &p))
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.Equal(t, triggers.ParticipantActive, p.Status)

	got, err := s.GetParticipant(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.True(t, Base.Equal(got.CreatedAt))

	require.NoError(t, s.SetParticipantStatus(ctx, p.ID, triggers.ParticipantDischarged))
	got, err = s.GetParticipant(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, triggers.ParticipantDischarged, got.Status)

	_, err = s.GetParticipant(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.SetParticipantStatus(ctx, uuid.New(), triggers.ParticipantActive)
	assert.ErrorIs(t, err, store.ErrNotFound)

	dup := triggers.Participant{ID: p.ID}
	assert.ErrorIs(t, s.CreateParticipant(ctx, &dup), store.ErrDuplicate)
}

func testPortalIdentity(t *testing.T, s store.Store) {
	ctx := context.Background()

	p := triggers.Participant{}
	require.NoError(t, s.CreateParticipant(ctx, &p))

	got, err := s.ActiveIdentity(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "no identity yet")

	inactive := triggers.PortalIdentity{ParticipantID: p.ID, Active: false}
	require.NoError(t, s.CreatePortalIdentity(ctx, &inactive))

	got, err = s.ActiveIdentity(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "inactive identity is not returned")

	second := triggers.PortalIdentity{ParticipantID: p.ID, Active: true}
	assert.ErrorIs(t, s.CreatePortalIdentity(ctx, &second), store.ErrDuplicate)

	other := triggers.Participant{}
	require.NoError(t, s.CreateParticipant(ctx, &other))
	active := triggers.PortalIdentity{ParticipantID: other.ID, Active: true}
	require.NoError(t, s.CreatePortalIdentity(ctx, &active))

	got, err = s.ActiveIdentity(ctx, other.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, active.ID, got.ID)
	assert.Equal(t, other.ID, got.ParticipantID)
}

func testSurveys(t *testing.T, s store.Store) {
	ctx := context.Background()

	draft := triggers.Survey{Name: "Draft"}
	require.NoError(t, s.CreateSurvey(ctx, &draft))
	assert.Equal(t, triggers.SurveyDraft, draft.Status)

	active := triggers.Survey{Name: "Active", Status: triggers.SurveyActive}
	require.NoError(t, s.CreateSurvey(ctx, &active))

	tests := []struct {
		name string
		id   uuid.UUID
		want bool
	}{
		{"draft survey", draft.ID, false},
		{"active survey", active.ID, true},
		{"unknown survey", uuid.New(), false},
	}
	for _, tt := range tests {
		got, err := s.IsActive(ctx, tt.id)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func testLatestEnrolment(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := triggers.Participant{}
	require.NoError(t, s.CreateParticipant(ctx, &p))
	program := uuid.New()

	got, err := s.LatestEnrolment(ctx, p.ID, program)
	require.NoError(t, err)
	assert.Nil(t, got)

	ended := Base.AddDate(0, 1, 0)
	first := triggers.Enrolment{
		ParticipantID: p.ID, ProgramID: program, Status: triggers.EnrolmentWithdrawn,
		StartedAt: Base, EndedAt: &ended,
	}
	second := triggers.Enrolment{
		ParticipantID: p.ID, ProgramID: program, Status: triggers.EnrolmentEnrolled,
		StartedAt: Base.AddDate(0, 2, 0),
	}
	elsewhere := triggers.Enrolment{
		ParticipantID: p.ID, ProgramID: uuid.New(), Status: triggers.EnrolmentEnrolled,
		StartedAt: Base.AddDate(0, 3, 0),
	}
	for _, e := range []*triggers.Enrolment{&first, &second, &elsewhere} {
		require.NoError(t, s.InsertEnrolment(ctx, e))
	}

	got, err = s.LatestEnrolment(ctx, p.ID, program)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, triggers.EnrolmentEnrolled, got.Status)
	assert.True(t, second.StartedAt.Equal(got.StartedAt))
	assert.Nil(t, got.EndedAt)
}

func ptr[T any](v T) *T { return &v }

func testRules(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s)
	program := uuid.New()

	rec := triggers.RuleRecord{
		SurveyID:       f.Survey.ID,
		Name:           "30-day follow-up",
		TriggerType:    triggers.TriggerTime,
		ProgramID:      &program,
		RecurrenceDays: ptr(30),
		Anchor:         triggers.AnchorLastCompleted,
		RepeatPolicy:   triggers.Recurring,
		AutoAssign:     true,
		DueInDays:      ptr(7),
		CreatedAt:      Base,
	}
	require.NoError(t, s.CreateRule(ctx, &rec))
	assert.Nil(t, rec.ActivatedAt, "inactive rules are not stamped")

	got, err := s.GetRule(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, triggers.TriggerTime, got.TriggerType)
	require.NotNil(t, got.ProgramID)
	assert.Equal(t, program, *got.ProgramID)
	assert.Nil(t, got.EventTypeID)
	require.NotNil(t, got.RecurrenceDays)
	assert.Equal(t, 30, *got.RecurrenceDays)
	require.NotNil(t, got.DueInDays)
	assert.Equal(t, 7, *got.DueInDays)
	assert.Equal(t, triggers.AnchorLastCompleted, got.Anchor)
	assert.Equal(t, triggers.Recurring, got.RepeatPolicy)
	assert.True(t, got.AutoAssign)
	assert.False(t, got.Active)

	_, err = triggers.Compile(got)
	assert.NoError(t, err, "stored rule must still compile")

	activatedAt := Base.Add(time.Hour)
	got, err = s.SetRuleActive(ctx, rec.ID, true, activatedAt)
	require.NoError(t, err)
	assert.True(t, got.Active)
	require.NotNil(t, got.ActivatedAt)
	assert.True(t, activatedAt.Equal(*got.ActivatedAt))

	// Re-activating an active rule keeps the original stamp.
	got, err = s.SetRuleActive(ctx, rec.ID, true, activatedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, activatedAt.Equal(*got.ActivatedAt))

	got, err = s.SetRuleActive(ctx, rec.ID, false, activatedAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = s.GetRule(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.SetRuleActive(ctx, uuid.New(), true, Base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	all, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.True(t, containsRule(all, rec.ID))
}

func containsRule(rules []triggers.RuleRecord, id uuid.UUID) bool {
	for _, r := range rules {
		if r.ID == id {
			return true
		}
	}
	return false
}

func ruleIDs(rules []triggers.RuleRecord) []uuid.UUID {
	out := make([]uuid.UUID, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	return out
}

func testActiveRulesFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s)
	program := uuid.New()
	eventType := uuid.New()

	mk := func(offset time.Duration, typ triggers.TriggerType, active bool) triggers.RuleRecord {
		r := triggers.RuleRecord{
			SurveyID:     f.Survey.ID,
			TriggerType:  typ,
			ProgramID:    &program,
			RepeatPolicy: triggers.OncePerParticipant,
			AutoAssign:   true,
			Active:       active,
			CreatedAt:    Base.Add(offset),
		}
		switch typ {
		case triggers.TriggerEvent:
			r.EventTypeID = &eventType
		case triggers.TriggerTime:
			r.RecurrenceDays = ptr(30)
			r.Anchor = triggers.AnchorEnrolmentDate
		}
		require.NoError(t, s.CreateRule(ctx, &r))
		return r
	}

	// Created out of order to check oldest-first sorting.
	charLate := mk(3*time.Minute, triggers.TriggerCharacteristic, true)
	timeEarly := mk(1*time.Minute, triggers.TriggerTime, true)
	event := mk(2*time.Minute, triggers.TriggerEvent, true)
	_ = mk(4*time.Minute, triggers.TriggerTime, false)

	tests := []struct {
		name   string
		filter triggers.RuleFilter
		want   []uuid.UUID
	}{
		{
			name:   "time and characteristic in program",
			filter: triggers.RuleFilter{Types: []triggers.TriggerType{triggers.TriggerTime, triggers.TriggerCharacteristic}, ProgramID: &program},
			want:   []uuid.UUID{timeEarly.ID, charLate.ID},
		},
		{
			name:   "event type",
			filter: triggers.RuleFilter{Types: []triggers.TriggerType{triggers.TriggerEvent}, EventTypeID: &eventType},
			want:   []uuid.UUID{event.ID},
		},
		{
			name:   "all active in program",
			filter: triggers.RuleFilter{ProgramID: &program},
			want:   []uuid.UUID{timeEarly.ID, event.ID, charLate.ID},
		},
		{
			name:   "unknown event type",
			filter: triggers.RuleFilter{EventTypeID: ptr(uuid.New())},
			want:   []uuid.UUID{},
		},
	}
	for _, tt := range tests {
		got, err := s.ActiveRules(ctx, tt.filter)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, append([]uuid.UUID{}, ruleIDs(got)...), tt.name)
	}
}

func testCreateIfAbsent(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s)

	due := Base.AddDate(0, 0, 7)
	in := newAssignment(f, triggers.StatusPending, "participant", Base)
	in.DueDate = &due

	first, created, err := s.CreateIfAbsent(ctx, in)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, triggers.StatusPending, first.Status)
	assert.Equal(t, "participant", first.OccurrenceKey)
	require.NotNil(t, first.DueDate)
	assert.True(t, due.Equal(*first.DueDate))
	assert.True(t, Base.Equal(first.CreatedAt))

	// Outstanding duplicate, even with a different key.
	again := newAssignment(f, triggers.StatusPending, "", Base.Add(time.Minute))
	existing, created, err := s.CreateIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, existing.ID)

	_, err = s.TransitionAssignment(ctx, first.ID, store.TransitionComplete, Base.Add(time.Hour))
	require.NoError(t, err)

	// Terminal now, but the occurrence key is spent.
	_, created, err = s.CreateIfAbsent(ctx, newAssignment(f, triggers.StatusPending, "participant", Base.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.False(t, created)

	// No key: only the outstanding rule applies.
	second, created, err := s.CreateIfAbsent(ctx, newAssignment(f, triggers.StatusAwaitingApproval, "", Base.Add(3*time.Hour)))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, triggers.StatusAwaitingApproval, second.Status)
	assert.Empty(t, second.OccurrenceKey)

	n, err := s.CountOutstanding(ctx, f.Participant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := s.ListForSurvey(ctx, f.Survey.ID, f.Participant.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)

	all, err := s.ListForParticipant(ctx, f.Participant.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := s.GetAssignment(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.GetAssignment(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateIfAbsentConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := s.CreateIfAbsent(ctx, newAssignment(f, triggers.StatusPending, "participant", Base))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				created++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, created)

	n, err := s.CountOutstanding(ctx, f.Participant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s)

	a, created, err := s.CreateIfAbsent(ctx, newAssignment(f, triggers.StatusAwaitingApproval, "", Base))
	require.NoError(t, err)
	require.True(t, created)

	_, err = s.TransitionAssignment(ctx, a.ID, store.TransitionStart, Base)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	a, err = s.TransitionAssignment(ctx, a.ID, store.TransitionApprove, Base)
	require.NoError(t, err)
	assert.Equal(t, triggers.StatusPending, a.Status)

	startedAt := Base.Add(time.Minute)
	a, err = s.TransitionAssignment(ctx, a.ID, store.TransitionStart, startedAt)
	require.NoError(t, err)
	assert.Equal(t, triggers.StatusInProgress, a.Status)
	require.NotNil(t, a.StartedAt)
	assert.True(t, startedAt.Equal(*a.StartedAt))

	completedAt := Base.Add(time.Hour)
	a, err = s.TransitionAssignment(ctx, a.ID, store.TransitionComplete, completedAt)
	require.NoError(t, err)
	assert.Equal(t, triggers.StatusCompleted, a.Status)

	stored, err := s.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, completedAt.Equal(*stored.CompletedAt))
	require.NotNil(t, stored.StartedAt)

	_, err = s.TransitionAssignment(ctx, a.ID, store.TransitionDismiss, Base)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.TransitionAssignment(ctx, uuid.New(), store.TransitionDismiss, Base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testLatestCompleted(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s)

	got, err := s.LatestCompleted(ctx, f.Survey.ID, f.Participant.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	var last time.Time
	for i := 0; i < 3; i++ {
		a, created, err := s.CreateIfAbsent(ctx, newAssignment(f, triggers.StatusPending, "", Base.AddDate(0, 0, i*30)))
		require.NoError(t, err)
		require.True(t, created)
		last = Base.AddDate(0, 0, i*30+1)
		_, err = s.TransitionAssignment(ctx, a.ID, store.TransitionComplete, last)
		require.NoError(t, err)
	}

	// A dismissed assignment never counts as a completion.
	d, created, err := s.CreateIfAbsent(ctx, newAssignment(f, triggers.StatusPending, "", Base.AddDate(0, 0, 120)))
	require.NoError(t, err)
	require.True(t, created)
	_, err = s.TransitionAssignment(ctx, d.ID, store.TransitionDismiss, Base.AddDate(0, 0, 121))
	require.NoError(t, err)

	got, err = s.LatestCompleted(ctx, f.Survey.ID, f.Participant.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, last.Equal(*got.CompletedAt))
}

func testWithinTx(t *testing.T, s store.Store) {
	ctx := context.Background()

	var committedHook, rolledBackHook bool
	var committed triggers.Participant
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.CreateParticipant(ctx, &committed))
		txn.OnCommit(ctx, func(context.Context) { committedHook = true })
		assert.False(t, committedHook, "hook must wait for commit")
		return nil
	}))
	assert.True(t, committedHook)
	_, err := s.GetParticipant(ctx, committed.ID)
	require.NoError(t, err)

	boom := errors.New("boom")
	var discarded triggers.Participant
	err = s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.CreateParticipant(ctx, &discarded))
		// Nested calls join the outer transaction.
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error {
			return s.SetParticipantStatus(ctx, committed.ID, triggers.ParticipantDischarged)
		}))
		txn.OnCommit(ctx, func(context.Context) { rolledBackHook = true })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, rolledBackHook, "hook must not run after rollback")

	_, err = s.GetParticipant(ctx, discarded.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	p, err := s.GetParticipant(ctx, committed.ID)
	require.NoError(t, err)
	assert.Equal(t, triggers.ParticipantActive, p.Status, "nested write rolled back with the outer transaction")
}

func testBackfillCandidates(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s)
	program := uuid.New()
	eventType := uuid.New()

	newParticipant := func(status triggers.ParticipantStatus) uuid.UUID {
		p := triggers.Participant{Status: status}
		require.NoError(t, s.CreateParticipant(ctx, &p))
		return p.ID
	}
	enrol := func(id uuid.UUID, status triggers.EnrolmentStatus, at time.Time) {
		require.NoError(t, s.InsertEnrolment(ctx, &triggers.Enrolment{
			ParticipantID: id, ProgramID: program, Status: status, StartedAt: at,
		}))
	}

	enrolled := newParticipant(triggers.ParticipantActive)
	enrol(enrolled, triggers.EnrolmentEnrolled, Base)

	withdrawn := newParticipant(triggers.ParticipantActive)
	enrol(withdrawn, triggers.EnrolmentEnrolled, Base)
	enrol(withdrawn, triggers.EnrolmentWithdrawn, Base.AddDate(0, 1, 0))

	discharged := newParticipant(triggers.ParticipantDischarged)
	enrol(discharged, triggers.EnrolmentEnrolled, Base)

	_ = newParticipant(triggers.ParticipantActive) // never enrolled

	withEvent := enrolled
	require.NoError(t, s.InsertEvent(ctx, &triggers.Event{ParticipantID: withEvent, EventTypeID: eventType, OccurredAt: Base}))

	outsider := newParticipant(triggers.ParticipantActive)
	require.NoError(t, s.InsertEvent(ctx, &triggers.Event{ParticipantID: outsider, EventTypeID: eventType, OccurredAt: Base}))

	t.Run("program scoped", func(t *testing.T) {
		got, err := s.BackfillCandidates(ctx, triggers.RuleRecord{
			SurveyID: f.Survey.ID, TriggerType: triggers.TriggerCharacteristic, ProgramID: &program,
		})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{enrolled}, got)
	})

	t.Run("event rule without program", func(t *testing.T) {
		got, err := s.BackfillCandidates(ctx, triggers.RuleRecord{
			SurveyID: f.Survey.ID, TriggerType: triggers.TriggerEvent, EventTypeID: &eventType,
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{withEvent, outsider}, got)
	})

	t.Run("event rule with program", func(t *testing.T) {
		got, err := s.BackfillCandidates(ctx, triggers.RuleRecord{
			SurveyID: f.Survey.ID, TriggerType: triggers.TriggerEvent, EventTypeID: &eventType, ProgramID: &program,
		})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{withEvent}, got)
	})
}
