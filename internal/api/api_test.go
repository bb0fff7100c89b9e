package api_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konote/surveyengine/internal/api"
	"github.com/konote/surveyengine/internal/backfill"
	"github.com/konote/surveyengine/internal/cache"
	"github.com/konote/surveyengine/internal/dispatch"
	"github.com/konote/surveyengine/internal/logger"
	"github.com/konote/surveyengine/internal/store/memory"
	"github.com/konote/surveyengine/internal/testsupport"
	"github.com/konote/surveyengine/internal/triggers"
)

var now = time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)

type testEnv struct {
	ctx       context.Context
	store     *memory.Store
	queue     *backfill.MemoryQueue
	api       *api.API
	programID uuid.UUID
}

func newTestEnv(t *testing.T, enabled bool) *testEnv {
	t.Helper()
	return newTestEnvWithInvalidator(t, enabled, nil)
}

// newTestEnvWithInvalidator routes rule cache invalidation to inv instead of
// the env's rule cache when inv is non-nil.
func newTestEnvWithInvalidator(t *testing.T, enabled bool, inv api.CacheInvalidator) *testEnv {
	t.Helper()

	clock := func() time.Time { return now }
	st := memory.New(clock)
	log := logger.Discard()

	l1, err := cache.NewMemoryCache(64, time.Minute)
	require.NoError(t, err)
	t.Cleanup(l1.Close)
	rules := cache.NewRuleCache(st, l1, nil, cache.RuleCacheOptions{}, log)

	engine := triggers.NewEngine(st, st, triggers.Options{Now: clock}, log)
	dispatcher := dispatch.New(dispatch.Config{SurveysEnabled: enabled}, rules, st, st, engine, log)
	queue := backfill.NewMemoryQueue()
	if inv == nil {
		inv = rules
	}

	e := &testEnv{
		ctx:       context.Background(),
		store:     st,
		queue:     queue,
		programID: uuid.New(),
	}
	e.api = api.NewAPIWithConfig(api.Deps{
		Store:     st,
		Evaluator: dispatcher,
		Recorder:  dispatch.NewRecorder(st, dispatcher, log),
		Cache:     inv,
		Backfill:  queue,
		Now:       clock,
	}, "", true)
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.api.Router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

// participant creates a participant with an active portal identity, enrolled
// in the env's program a month ago.
func (e *testEnv) participant(t *testing.T) uuid.UUID {
	t.Helper()
	p := triggers.Participant{}
	require.NoError(t, e.store.CreateParticipant(e.ctx, &p))
	require.NoError(t, e.store.CreatePortalIdentity(e.ctx, &triggers.PortalIdentity{ParticipantID: p.ID, Active: true}))
	require.NoError(t, e.store.InsertEnrolment(e.ctx, &triggers.Enrolment{
		ParticipantID: p.ID, ProgramID: e.programID, Status: triggers.EnrolmentEnrolled, StartedAt: now.AddDate(0, -1, 0),
	}))
	return p.ID
}

func (e *testEnv) survey(t *testing.T, status triggers.SurveyStatus) uuid.UUID {
	t.Helper()
	s := triggers.Survey{Name: "Wellbeing check-in", Status: status}
	require.NoError(t, e.store.CreateSurvey(e.ctx, &s))
	return s.ID
}

func (e *testEnv) characteristicRule(surveyID uuid.UUID, active, includeExisting bool) map[string]any {
	return map[string]any{
		"survey_id":        surveyID,
		"name":             "program members",
		"trigger_type":     "characteristic",
		"program_id":       e.programID,
		"repeat_policy":    "once_per_participant",
		"include_existing": includeExisting,
		"active":           active,
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[api.ErrorResponse](t, rr).Code
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	rr := e.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestAPI_Authentication(t *testing.T) {
	t.Parallel()

	const key = "s3cret-operator-key"
	sum := sha256.Sum256([]byte(key))

	e := newTestEnv(t, true)
	secured := api.NewAPI(api.Deps{
		Store:     e.store,
		Evaluator: stubEvaluator{},
		Recorder:  stubRecorder{},
		Cache:     stubCache{},
		Backfill:  e.queue,
	}, hex.EncodeToString(sum[:]))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + key, http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer " + key, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			secured.Router.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Code)
		})
	}

	t.Run("health stays public", func(t *testing.T) {
		t.Parallel()

		rr := httptest.NewRecorder()
		secured.Router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

type stubRecorder struct{}

func (stubRecorder) RecordEvent(context.Context, *triggers.Event) ([]triggers.Assignment, error) {
	return nil, nil
}

func (stubRecorder) RecordEnrolment(context.Context, *triggers.Enrolment) ([]triggers.Assignment, error) {
	return nil, nil
}

type stubCache struct{}

func (stubCache) Invalidate(context.Context) error { return nil }

func TestNewAPI_Panics(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	deps := api.Deps{Store: e.store, Evaluator: stubEvaluator{}, Recorder: stubRecorder{}, Cache: stubCache{}, Backfill: e.queue}

	assert.Panics(t, func() { api.NewAPI(deps, "") }, "auth without a key hash")

	missing := deps
	missing.Store = nil
	assert.Panics(t, func() { api.NewAPIWithConfig(missing, "", true) })

	assert.NotPanics(t, func() { api.NewAPIWithConfig(deps, "", true) })
}

type stubEvaluator struct{}

func (stubEvaluator) Enabled() bool { return true }

func (stubEvaluator) EvaluateParticipant(context.Context, uuid.UUID) ([]triggers.Assignment, error) {
	return nil, errors.New("evaluator unavailable")
}

func TestAPI_CreateRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     func(e *testEnv, surveyID uuid.UUID) any
		wantCode int
		wantErr  string
	}{
		{
			name:     "characteristic rule",
			body:     func(e *testEnv, s uuid.UUID) any { return e.characteristicRule(s, false, false) },
			wantCode: http.StatusCreated,
		},
		{
			name:     "malformed json",
			body:     func(*testEnv, uuid.UUID) any { return `{"name": ` },
			wantCode: http.StatusBadRequest,
			wantErr:  "ERR_INVALID_JSON",
		},
		{
			name: "missing survey",
			body: func(e *testEnv, _ uuid.UUID) any {
				return e.characteristicRule(uuid.Nil, false, false)
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "ERR_INVALID_INPUT",
		},
		{
			name: "unknown trigger type",
			body: func(e *testEnv, s uuid.UUID) any {
				body := e.characteristicRule(s, false, false)
				body["trigger_type"] = "weather"
				return body
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "ERR_INVALID_INPUT",
		},
		{
			name: "time rule without recurrence",
			body: func(e *testEnv, s uuid.UUID) any {
				body := e.characteristicRule(s, false, false)
				body["trigger_type"] = "time"
				body["anchor"] = "enrolment_date"
				return body
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "ERR_INVALID_RULE",
		},
		{
			name: "event rule without event type",
			body: func(e *testEnv, s uuid.UUID) any {
				body := e.characteristicRule(s, false, false)
				body["trigger_type"] = "event"
				return body
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "ERR_INVALID_RULE",
		},
		{
			name: "unknown survey",
			body: func(e *testEnv, _ uuid.UUID) any {
				return e.characteristicRule(uuid.New(), false, false)
			},
			wantCode: http.StatusNotFound,
			wantErr:  "ERR_NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t, true)
			surveyID := e.survey(t, triggers.SurveyActive)

			rr := e.do(t, http.MethodPost, "/api/v1/rules", tt.body(e, surveyID))
			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())

			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, errorCode(t, rr))
				return
			}

			rec := decode[triggers.RuleRecord](t, rr)
			assert.NotEqual(t, uuid.Nil, rec.ID)
			assert.True(t, rec.AutoAssign, "auto assign defaults to true")

			stored, err := e.store.GetRule(e.ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, rec.Name, stored.Name)
		})
	}
}

func TestAPI_CreateRule_ReportsFieldDetails(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	body := e.characteristicRule(e.survey(t, triggers.SurveyActive), false, false)
	body["repeat_policy"] = "sometimes"
	body["due_in_days"] = -3

	rr := e.do(t, http.MethodPost, "/api/v1/rules", body)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	resp := decode[api.ErrorResponse](t, rr)
	fields := make([]string, 0, len(resp.Details))
	for _, d := range resp.Details {
		fields = append(fields, d.Field)
	}
	assert.ElementsMatch(t, []string{"repeat_policy", "due_in_days"}, fields)
}

func TestAPI_ListAndGetRules(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	surveyID := e.survey(t, triggers.SurveyActive)

	empty := e.do(t, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, empty.Code)
	assert.JSONEq(t, `{"data":[]}`, empty.Body.String())

	created := decode[triggers.RuleRecord](t, e.do(t, http.MethodPost, "/api/v1/rules", e.characteristicRule(surveyID, false, false)))

	list := decode[api.ListResponse[triggers.RuleRecord]](t, e.do(t, http.MethodGet, "/api/v1/rules", nil))
	require.Len(t, list.Data, 1)
	assert.Equal(t, created.ID, list.Data[0].ID)

	got := e.do(t, http.MethodGet, "/api/v1/rules/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, created.ID, decode[triggers.RuleRecord](t, got).ID)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/rules/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/rules/not-a-uuid", nil).Code)
}

func TestAPI_RuleActivation(t *testing.T) {
	t.Parallel()

	t.Run("include existing rule is queued for backfill once", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, true)
		rec := decode[triggers.RuleRecord](t, e.do(t, http.MethodPost, "/api/v1/rules",
			e.characteristicRule(e.survey(t, triggers.SurveyActive), false, true)))

		path := "/api/v1/rules/" + rec.ID.String()

		rr := e.do(t, http.MethodPost, path+"/activate", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		activated := decode[triggers.RuleRecord](t, rr)
		assert.True(t, activated.Active)
		require.NotNil(t, activated.ActivatedAt)
		assert.True(t, now.Equal(*activated.ActivatedAt))

		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, path+"/activate", nil).Code)

		depth, err := e.queue.Len(e.ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), depth, "re-activating an active rule enqueues nothing")

		job, ok, err := e.queue.Pop(e.ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec.ID, job.RuleID)
	})

	t.Run("rule created active is queued", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, true)
		rr := e.do(t, http.MethodPost, "/api/v1/rules", e.characteristicRule(e.survey(t, triggers.SurveyActive), true, true))
		require.Equal(t, http.StatusCreated, rr.Code)

		depth, err := e.queue.Len(e.ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), depth)
	})

	t.Run("rule without include existing is not queued", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, true)
		rec := decode[triggers.RuleRecord](t, e.do(t, http.MethodPost, "/api/v1/rules",
			e.characteristicRule(e.survey(t, triggers.SurveyActive), false, false)))

		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/rules/"+rec.ID.String()+"/activate", nil).Code)

		depth, err := e.queue.Len(e.ctx)
		require.NoError(t, err)
		assert.Zero(t, depth)
	})

	t.Run("deactivate", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, true)
		rec := decode[triggers.RuleRecord](t, e.do(t, http.MethodPost, "/api/v1/rules",
			e.characteristicRule(e.survey(t, triggers.SurveyActive), true, false)))

		rr := e.do(t, http.MethodPost, "/api/v1/rules/"+rec.ID.String()+"/deactivate", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.False(t, decode[triggers.RuleRecord](t, rr).Active)
	})

	t.Run("unknown rule", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, true)
		rr := e.do(t, http.MethodPost, "/api/v1/rules/"+uuid.NewString()+"/activate", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("stored rule that does not compile", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, true)
		broken := triggers.RuleRecord{
			SurveyID:     e.survey(t, triggers.SurveyActive),
			TriggerType:  triggers.TriggerTime,
			ProgramID:    &e.programID,
			RepeatPolicy: triggers.Recurring,
		}
		require.NoError(t, e.store.CreateRule(e.ctx, &broken))

		rr := e.do(t, http.MethodPost, "/api/v1/rules/"+broken.ID.String()+"/activate", nil)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "ERR_INVALID_RULE", errorCode(t, rr))

		stored, err := e.store.GetRule(e.ctx, broken.ID)
		require.NoError(t, err)
		assert.False(t, stored.Active)
	})
}

func TestAPI_ActivationIsVisibleToTheNextEvaluation(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	p := e.participant(t)
	rec := decode[triggers.RuleRecord](t, e.do(t, http.MethodPost, "/api/v1/rules",
		e.characteristicRule(e.survey(t, triggers.SurveyActive), false, false)))

	evaluate := func() api.EvaluationResponse {
		rr := e.do(t, http.MethodPost, "/api/v1/participants/"+p.String()+"/evaluations", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		return decode[api.EvaluationResponse](t, rr)
	}

	// primes the rule cache with an empty rule list
	assert.Empty(t, evaluate().Created)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/rules/"+rec.ID.String()+"/activate", nil).Code)

	resp := evaluate()
	require.Len(t, resp.Created, 1)
	assert.Equal(t, rec.ID, *resp.Created[0].TriggeringRuleID)
	assert.Equal(t, triggers.StatusPending, resp.Created[0].Status)
}

func TestAPI_EvaluateParticipant(t *testing.T) {
	t.Parallel()

	t.Run("unknown participant", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, true)
		rr := e.do(t, http.MethodPost, "/api/v1/participants/"+uuid.NewString()+"/evaluations", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, true)
		rr := e.do(t, http.MethodPost, "/api/v1/participants/42/evaluations", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "ERR_INVALID_PATH_PARAM", errorCode(t, rr))
	})

	t.Run("surveys disabled", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, false)
		p := e.participant(t)
		rr := e.do(t, http.MethodPost, "/api/v1/participants/"+p.String()+"/evaluations", nil)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"enabled":false,"created":[]}`, rr.Body.String())
	})

	t.Run("evaluator failure", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, true)
		failing := api.NewAPIWithConfig(api.Deps{
			Store: e.store, Evaluator: stubEvaluator{}, Recorder: stubRecorder{}, Cache: stubCache{}, Backfill: e.queue,
		}, "", true)

		rr := httptest.NewRecorder()
		failing.Router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/participants/"+uuid.NewString()+"/evaluations", nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestAPI_RecordEvent(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	p := e.participant(t)
	eventType := uuid.New()

	body := e.characteristicRule(e.survey(t, triggers.SurveyActive), true, false)
	body["trigger_type"] = "event"
	body["event_type_id"] = eventType
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/rules", body).Code)

	t.Run("matching event creates an assignment", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/api/v1/events", map[string]any{
			"participant_id": p,
			"event_type_id":  eventType,
			"program_id":     e.programID,
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		resp := decode[api.EventResponse](t, rr)
		assert.NotEqual(t, uuid.Nil, resp.Event.ID)
		require.Len(t, resp.Created, 1)
		assert.Equal(t, p, resp.Created[0].ParticipantID)
	})

	t.Run("other event type creates nothing", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/api/v1/events", map[string]any{
			"participant_id": p,
			"event_type_id":  uuid.New(),
		})
		require.Equal(t, http.StatusCreated, rr.Code)
		assert.Empty(t, decode[api.EventResponse](t, rr).Created)
	})

	t.Run("unknown participant", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/api/v1/events", map[string]any{
			"participant_id": uuid.New(),
			"event_type_id":  eventType,
		})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("missing event type", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/api/v1/events", map[string]any{"participant_id": p})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "ERR_INVALID_INPUT", errorCode(t, rr))
	})
}

func TestAPI_RecordEnrolment(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	newProgram := uuid.New()

	body := e.characteristicRule(e.survey(t, triggers.SurveyActive), true, false)
	body["trigger_type"] = "enrolment"
	body["program_id"] = newProgram
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/rules", body).Code)

	p := e.participant(t)
	rr := e.do(t, http.MethodPost, "/api/v1/enrolments", map[string]any{
		"participant_id": p,
		"program_id":     newProgram,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	resp := decode[api.EnrolmentResponse](t, rr)
	assert.Equal(t, triggers.EnrolmentEnrolled, resp.Enrolment.Status)
	require.Len(t, resp.Created, 1)

	missing := e.do(t, http.MethodPost, "/api/v1/enrolments", map[string]any{"participant_id": p})
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestAPI_ManualAssignment(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	p := e.participant(t)
	surveyID := e.survey(t, triggers.SurveyActive)
	path := "/api/v1/participants/" + p.String() + "/assignments"

	rr := e.do(t, http.MethodPost, path, map[string]any{"survey_id": surveyID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	created := decode[triggers.Assignment](t, rr)
	assert.Nil(t, created.TriggeringRuleID)
	assert.Equal(t, "Assigned by staff", created.TriggerReason)
	assert.Equal(t, triggers.StatusPending, created.Status)

	again := e.do(t, http.MethodPost, path, map[string]any{"survey_id": surveyID, "reason": "follow-up"})
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "ERR_CONFLICT", errorCode(t, again))

	closed := e.do(t, http.MethodPost, path, map[string]any{"survey_id": e.survey(t, triggers.SurveyClosed)})
	assert.Equal(t, http.StatusConflict, closed.Code)
	assert.Equal(t, "ERR_SURVEY_INACTIVE", errorCode(t, closed))

	unknown := e.do(t, http.MethodPost, "/api/v1/participants/"+uuid.NewString()+"/assignments", map[string]any{"survey_id": surveyID})
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestAPI_ListAssignments(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	p := e.participant(t)
	path := "/api/v1/participants/" + p.String() + "/assignments"

	first := decode[triggers.Assignment](t, e.do(t, http.MethodPost, path, map[string]any{"survey_id": e.survey(t, triggers.SurveyActive)}))
	e.do(t, http.MethodPost, path, map[string]any{"survey_id": e.survey(t, triggers.SurveyActive)})
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/assignments/"+first.ID.String()+"/complete", nil).Code)

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?status=outstanding", 1},
		{"?status=completed", 1},
		{"?status=dismissed", 0},
	}
	for _, tt := range tests {
		rr := e.do(t, http.MethodGet, path+tt.query, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode[api.ListResponse[triggers.Assignment]](t, rr).Data, tt.want, tt.query)
	}

	bad := e.do(t, http.MethodGet, path+"?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, "ERR_INVALID_QUERY_PARAM", errorCode(t, bad))

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/participants/"+uuid.NewString()+"/assignments", nil).Code)
}

func TestAPI_TransitionAssignment(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, true)
	p := e.participant(t)
	assignment := decode[triggers.Assignment](t, e.do(t, http.MethodPost,
		"/api/v1/participants/"+p.String()+"/assignments", map[string]any{"survey_id": e.survey(t, triggers.SurveyActive)}))
	base := "/api/v1/assignments/" + assignment.ID.String()

	// steps run in order against the same assignment
	steps := []struct {
		name       string
		transition string
		wantCode   int
		wantStatus triggers.AssignmentStatus
	}{
		{"approve needs awaiting approval", "approve", http.StatusConflict, ""},
		{"start", "start", http.StatusOK, triggers.StatusInProgress},
		{"start twice", "start", http.StatusConflict, ""},
		{"complete", "complete", http.StatusOK, triggers.StatusCompleted},
		{"dismiss after completion", "dismiss", http.StatusConflict, ""},
		{"unknown transition", "archive", http.StatusNotFound, ""},
	}

	for _, step := range steps {
		rr := e.do(t, http.MethodPost, base+"/"+step.transition, nil)
		require.Equal(t, step.wantCode, rr.Code, step.name)
		if step.wantStatus != "" {
			got := decode[triggers.Assignment](t, rr)
			assert.Equal(t, step.wantStatus, got.Status, step.name)
		}
	}

	final, err := e.store.GetAssignment(e.ctx, assignment.ID)
	require.NoError(t, err)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)

	rr := e.do(t, http.MethodPost, "/api/v1/assignments/"+uuid.NewString()+"/start", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// Metric tests share global counters, so they do not run in parallel.
func TestAPI_Metrics(t *testing.T) {
	e := newTestEnv(t, true)

	labels := map[string]string{"method": "GET", "route": "/health", "code": "200"}
	testsupport.AssertMetricDelta(t, "surveys_api_http_requests_total", labels, 1, func() {
		e.do(t, http.MethodGet, "/health", nil)
	})
	testsupport.AssertHistogramRecorded(t, "surveys_api_http_handling_seconds", map[string]string{"method": "GET", "route": "/health"})

	testsupport.AssertMetricDelta(t, "surveys_api_http_requests_total",
		map[string]string{"method": "GET", "route": "/api/v1/rules/{ruleID}", "code": "404"}, 1, func() {
			e.do(t, http.MethodGet, "/api/v1/rules/"+uuid.NewString(), nil)
		})
}

type unreachableCache struct{ calls atomic.Int32 }

func (c *unreachableCache) Invalidate(context.Context) error {
	c.calls.Add(1)
	return errors.New("dial tcp 10.0.0.7:6379: connect: connection refused")
}

func TestAPI_RuleChangeCountsAbandonedInvalidation(t *testing.T) {
	inv := &unreachableCache{}
	e := newTestEnvWithInvalidator(t, true, inv)

	rr := e.do(t, http.MethodPost, "/api/v1/rules", e.characteristicRule(e.survey(t, triggers.SurveyActive), false, false))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Zero(t, inv.calls.Load(), "an inactive rule changes no cached rule set")
	path := "/api/v1/rules/" + decode[triggers.RuleRecord](t, rr).ID.String()

	labels := map[string]string{"operation": "invalidate_rule_cache"}
	testsupport.AssertMetricDelta(t, "surveys_api_post_commit_failures_total", labels, 1, func() {
		rr = e.do(t, http.MethodPost, path+"/activate", nil)
	})
	assert.Equal(t, http.StatusOK, rr.Code, "the committed activation still succeeds")
	assert.Equal(t, int32(4), inv.calls.Load(), "one attempt plus three retries")

	testsupport.AssertMetricDelta(t, "surveys_api_post_commit_failures_total", labels, 1, func() {
		rr = e.do(t, http.MethodPost, path+"/deactivate", nil)
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	stored, err := e.store.GetRule(e.ctx, decode[triggers.RuleRecord](t, rr).ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}
