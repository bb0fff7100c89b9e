package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konote/surveyengine/internal/dispatch"
	"github.com/konote/surveyengine/internal/store/memory"
	"github.com/konote/surveyengine/internal/testsupport"
	"github.com/konote/surveyengine/internal/triggers"
)

var now = time.Date(2025, 9, 15, 11, 0, 0, 0, time.UTC)

type harness struct {
	ctx         context.Context
	store       *memory.Store
	dispatcher  *dispatch.Dispatcher
	recorder    *dispatch.Recorder
	logs        *bytes.Buffer
	participant triggers.Participant
	identity    *triggers.PortalIdentity
	programID   uuid.UUID
	eventTypeID uuid.UUID
}

type option func(*harnessConfig)

type harnessConfig struct {
	enabled bool
	catalog dispatch.SurveyCatalog
	rules   dispatch.RuleSource
}

func disabled() option { return func(c *harnessConfig) { c.enabled = false } }

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	h := &harness{
		ctx:         context.Background(),
		store:       memory.New(func() time.Time { return now }),
		logs:        &bytes.Buffer{},
		programID:   uuid.New(),
		eventTypeID: uuid.New(),
	}

	cfg := harnessConfig{enabled: true, catalog: h.store, rules: h.store}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(h.logs, nil))
	engine := triggers.NewEngine(h.store, h.store, triggers.Options{Now: func() time.Time { return now }}, logger)
	h.dispatcher = dispatch.New(dispatch.Config{SurveysEnabled: cfg.enabled}, cfg.rules, cfg.catalog, h.store, engine, logger)
	h.recorder = dispatch.NewRecorder(h.store, h.dispatcher, logger)

	h.participant = triggers.Participant{Status: triggers.ParticipantActive}
	require.NoError(t, h.store.CreateParticipant(h.ctx, &h.participant))
	identity := triggers.PortalIdentity{ParticipantID: h.participant.ID, Active: true}
	require.NoError(t, h.store.CreatePortalIdentity(h.ctx, &identity))
	h.identity = &identity
	return h
}

func (h *harness) survey(t *testing.T, status triggers.SurveyStatus) uuid.UUID {
	t.Helper()
	s := triggers.Survey{Name: "survey", Status: status}
	require.NoError(t, h.store.CreateSurvey(h.ctx, &s))
	return s.ID
}

func (h *harness) rule(t *testing.T, rec triggers.RuleRecord) triggers.RuleRecord {
	t.Helper()
	if rec.SurveyID == uuid.Nil {
		rec.SurveyID = h.survey(t, triggers.SurveyActive)
	}
	if rec.RepeatPolicy == "" {
		rec.RepeatPolicy = triggers.OncePerParticipant
	}
	rec.AutoAssign = true
	rec.Active = true
	require.NoError(t, h.store.CreateRule(h.ctx, &rec))
	return rec
}

func (h *harness) enrol(t *testing.T) {
	t.Helper()
	e := triggers.Enrolment{ParticipantID: h.participant.ID, ProgramID: h.programID, StartedAt: now.AddDate(0, -2, 0)}
	require.NoError(t, h.store.InsertEnrolment(h.ctx, &e))
}

// ruleSet creates one active rule of each trigger type against h's program and event type.
func (h *harness) ruleSet(t *testing.T) map[triggers.TriggerType]triggers.RuleRecord {
	t.Helper()
	days := 30
	rules := make(map[triggers.TriggerType]triggers.RuleRecord, 4)
	rules[triggers.TriggerEvent] = h.rule(t, triggers.RuleRecord{TriggerType: triggers.TriggerEvent, EventTypeID: &h.eventTypeID})
	rules[triggers.TriggerEnrolment] = h.rule(t, triggers.RuleRecord{TriggerType: triggers.TriggerEnrolment, ProgramID: &h.programID})
	rules[triggers.TriggerCharacteristic] = h.rule(t, triggers.RuleRecord{TriggerType: triggers.TriggerCharacteristic, ProgramID: &h.programID})
	rules[triggers.TriggerTime] = h.rule(t, triggers.RuleRecord{
		TriggerType: triggers.TriggerTime, ProgramID: &h.programID, RecurrenceDays: &days, Anchor: triggers.AnchorEnrolmentDate,
	})
	return rules
}

func ruleIDs(assignments []triggers.Assignment) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(assignments))
	for _, a := range assignments {
		if a.TriggeringRuleID != nil {
			out = append(out, *a.TriggeringRuleID)
		}
	}
	return out
}

func TestDispatcher_EntryPointsSelectRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		call func(h *harness) ([]triggers.Assignment, error)
		want []triggers.TriggerType
	}{
		{
			name: "access runs time and characteristic rules",
			call: func(h *harness) ([]triggers.Assignment, error) {
				return h.dispatcher.EvaluateOnAccess(h.ctx, h.participant, h.identity)
			},
			want: []triggers.TriggerType{triggers.TriggerCharacteristic, triggers.TriggerTime},
		},
		{
			name: "event runs rules for its type",
			call: func(h *harness) ([]triggers.Assignment, error) {
				return h.dispatcher.EvaluateOnEvent(h.ctx, h.participant, h.identity, triggers.Event{EventTypeID: h.eventTypeID})
			},
			want: []triggers.TriggerType{triggers.TriggerEvent},
		},
		{
			name: "event of another type runs nothing",
			call: func(h *harness) ([]triggers.Assignment, error) {
				return h.dispatcher.EvaluateOnEvent(h.ctx, h.participant, h.identity, triggers.Event{EventTypeID: uuid.New()})
			},
		},
		{
			name: "enrolment runs rules for its program",
			call: func(h *harness) ([]triggers.Assignment, error) {
				return h.dispatcher.EvaluateOnEnrolment(h.ctx, h.participant, h.identity, triggers.Enrolment{ProgramID: h.programID})
			},
			want: []triggers.TriggerType{triggers.TriggerEnrolment},
		},
		{
			name: "enrolment in another program runs nothing",
			call: func(h *harness) ([]triggers.Assignment, error) {
				return h.dispatcher.EvaluateOnEnrolment(h.ctx, h.participant, h.identity, triggers.Enrolment{ProgramID: uuid.New()})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.enrol(t)
			rules := h.ruleSet(t)

			created, err := tt.call(h)
			require.NoError(t, err)

			want := make([]uuid.UUID, 0, len(tt.want))
			for _, typ := range tt.want {
				want = append(want, rules[typ].ID)
			}
			assert.ElementsMatch(t, want, ruleIDs(created))
		})
	}
}

func TestDispatcher_DisabledRunsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, disabled())
	h.enrol(t)
	h.ruleSet(t)

	assert.False(t, h.dispatcher.Enabled())

	created, err := h.dispatcher.EvaluateOnAccess(h.ctx, h.participant, h.identity)
	require.NoError(t, err)
	assert.Empty(t, created)

	created, err = h.dispatcher.EvaluateOnEvent(h.ctx, h.participant, h.identity, triggers.Event{EventTypeID: h.eventTypeID})
	require.NoError(t, err)
	assert.Empty(t, created)

	created, err = h.dispatcher.EvaluateOnEnrolment(h.ctx, h.participant, h.identity, triggers.Enrolment{ProgramID: h.programID})
	require.NoError(t, err)
	assert.Empty(t, created)

	assert.Empty(t, h.dispatcher.SafeEvaluateOnAccess(h.ctx, h.participant.ID))

	_, err = h.dispatcher.EvaluateRule(h.ctx, h.participant.ID, triggers.RuleRecord{})
	assert.ErrorIs(t, err, dispatch.ErrDisabled)

	event := triggers.Event{ParticipantID: h.participant.ID, EventTypeID: h.eventTypeID, OccurredAt: now}
	created, err = h.recorder.RecordEvent(h.ctx, &event)
	require.NoError(t, err)
	assert.Empty(t, created)

	all, err := h.store.ListForParticipant(h.ctx, h.participant.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDispatcher_SkipsInvalidRules(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enrol(t)

	// A characteristic rule without a program cannot compile.
	broken := h.rule(t, triggers.RuleRecord{TriggerType: triggers.TriggerCharacteristic})
	valid := h.rule(t, triggers.RuleRecord{TriggerType: triggers.TriggerCharacteristic, ProgramID: &h.programID})

	created, err := h.dispatcher.EvaluateOnAccess(h.ctx, h.participant, h.identity)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{valid.ID}, ruleIDs(created))

	logs := h.logs.String()
	assert.Contains(t, logs, "level=WARN")
	assert.Contains(t, logs, "skipping invalid trigger rule")
	assert.Contains(t, logs, broken.ID.String())
}

type countingCatalog struct {
	inner dispatch.SurveyCatalog
	calls atomic.Int32
}

func (c *countingCatalog) IsActive(ctx context.Context, surveyID uuid.UUID) (bool, error) {
	c.calls.Add(1)
	return c.inner.IsActive(ctx, surveyID)
}

func TestDispatcher_DropsInactiveSurveysOnce(t *testing.T) {
	t.Parallel()

	catalog := &countingCatalog{}
	h := newHarness(t, func(c *harnessConfig) {
		catalog.inner = c.catalog
		c.catalog = catalog
	})
	h.enrol(t)

	draft := h.survey(t, triggers.SurveyDraft)
	h.rule(t, triggers.RuleRecord{SurveyID: draft, TriggerType: triggers.TriggerCharacteristic, ProgramID: &h.programID})
	h.rule(t, triggers.RuleRecord{SurveyID: draft, TriggerType: triggers.TriggerCharacteristic, ProgramID: &h.programID, RepeatPolicy: triggers.Recurring})
	live := h.rule(t, triggers.RuleRecord{TriggerType: triggers.TriggerCharacteristic, ProgramID: &h.programID})

	created, err := h.dispatcher.EvaluateOnAccess(h.ctx, h.participant, h.identity)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{live.ID}, ruleIDs(created))
	assert.Equal(t, int32(2), catalog.calls.Load())
}

type failingRules struct{ err error }

func (f failingRules) ActiveRules(context.Context, triggers.RuleFilter) ([]triggers.RuleRecord, error) {
	return nil, f.err
}

func TestDispatcher_SafeEvaluateOnAccess(t *testing.T) {
	t.Parallel()

	t.Run("creates assignments", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.enrol(t)
		h.ruleSet(t)

		assert.Len(t, h.dispatcher.SafeEvaluateOnAccess(h.ctx, h.participant.ID), 2)
	})

	t.Run("unknown participant", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		assert.Nil(t, h.dispatcher.SafeEvaluateOnAccess(h.ctx, uuid.New()))
		assert.Contains(t, h.logs.String(), "survey evaluation on access failed")
	})

	t.Run("rule source failure", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("redis and store unreachable")
		h := newHarness(t, func(c *harnessConfig) { c.rules = failingRules{err: boom} })

		assert.Nil(t, h.dispatcher.SafeEvaluateOnAccess(h.ctx, h.participant.ID))
		assert.Contains(t, h.logs.String(), boom.Error())

		_, err := h.dispatcher.EvaluateParticipant(h.ctx, h.participant.ID)
		assert.ErrorIs(t, err, boom)
	})
}

func TestDispatcher_ConcurrentAccessCreatesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enrol(t)
	h.ruleSet(t)

	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.dispatcher.SafeEvaluateOnAccess(h.ctx, h.participant.ID)
		}()
	}
	wg.Wait()

	all, err := h.store.ListForParticipant(h.ctx, h.participant.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDispatcher_EvaluateRule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enrol(t)
	rules := h.ruleSet(t)

	created, err := h.dispatcher.EvaluateRule(h.ctx, h.participant.ID, rules[triggers.TriggerEnrolment])
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{rules[triggers.TriggerEnrolment].ID}, ruleIDs(created))

	again, err := h.dispatcher.EvaluateRule(h.ctx, h.participant.ID, rules[triggers.TriggerEnrolment])
	require.NoError(t, err)
	assert.Empty(t, again)
}

// Metric tests share global counters, so they do not run in parallel.
func TestDispatcher_Metrics(t *testing.T) {
	h := newHarness(t)
	h.enrol(t)
	h.rule(t, triggers.RuleRecord{TriggerType: triggers.TriggerCharacteristic})

	testsupport.AssertMetricDelta(t, "surveys_engine_rules_skipped_total", map[string]string{"reason": "invalid"}, 1, func() {
		_, err := h.dispatcher.EvaluateOnAccess(h.ctx, h.participant, h.identity)
		require.NoError(t, err)
	})

	testsupport.AssertMetricDelta(t, "surveys_dispatch_invocations_total", map[string]string{"entry": "access", "status": "ok"}, 1, func() {
		_, err := h.dispatcher.EvaluateOnAccess(h.ctx, h.participant, h.identity)
		require.NoError(t, err)
	})

	off := newHarness(t, disabled())
	testsupport.AssertMetricDelta(t, "surveys_dispatch_invocations_total", map[string]string{"entry": "event", "status": "disabled"}, 1, func() {
		_, err := off.dispatcher.EvaluateOnEvent(off.ctx, off.participant, off.identity, triggers.Event{})
		require.NoError(t, err)
	})
}
