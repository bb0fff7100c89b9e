package bootstrap_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konote/surveyengine/internal/backfill"
	"github.com/konote/surveyengine/internal/bootstrap"
	"github.com/konote/surveyengine/internal/config"
	"github.com/konote/surveyengine/internal/logger"
	"github.com/konote/surveyengine/internal/triggers"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:     config.DriverSQLite,
			SQLitePath: filepath.Join(t.TempDir(), "surveys.sqlite"),
		},
		Engine: config.EngineConfig{
			SurveysEnabled:  true,
			OverloadCeiling: 5,
			TimeZone:        "America/Toronto",
		},
		Cache: config.CacheConfig{
			L1Capacity: 16,
			L1TTL:      time.Minute,
			L2TTL:      time.Minute,
		},
		Backfill: config.BackfillConfig{
			Enabled:    true,
			PopTimeout: 10 * time.Millisecond,
			BatchSize:  10,
		},
	}
}

func TestNew_SQLiteWithoutRedis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, err := bootstrap.New(ctx, sqliteConfig(t), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, svc.Close()) })

	assert.Nil(t, svc.Redis)
	assert.False(t, svc.SharedQueue())
	assert.IsType(t, &backfill.MemoryQueue{}, svc.Queue)
	assert.Equal(t, 5, svc.Engine.Ceiling())
	assert.True(t, svc.Dispatcher.Enabled())

	require.Len(t, svc.Checkers, 1)
	assert.Equal(t, "sqlite", svc.Checkers[0].Name())
	assert.NoError(t, svc.Checkers[0].Check(ctx))

	// The wired graph evaluates against the opened database.
	programID := uuid.New()
	participantID := enrolledParticipant(t, svc, programID)
	rec := characteristicRule(t, svc, programID, false)

	created, err := svc.Dispatcher.EvaluateParticipant(ctx, participantID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, rec.SurveyID, created[0].SurveyID)
}

func enrolledParticipant(t *testing.T, svc *bootstrap.Services, programID uuid.UUID) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	p := triggers.Participant{}
	require.NoError(t, svc.Store.CreateParticipant(ctx, &p))
	require.NoError(t, svc.Store.CreatePortalIdentity(ctx, &triggers.PortalIdentity{ParticipantID: p.ID, Active: true}))
	require.NoError(t, svc.Store.InsertEnrolment(ctx, &triggers.Enrolment{
		ParticipantID: p.ID, ProgramID: programID, Status: triggers.EnrolmentEnrolled, StartedAt: time.Now().AddDate(0, -1, 0),
	}))
	return p.ID
}

func characteristicRule(t *testing.T, svc *bootstrap.Services, programID uuid.UUID, includeExisting bool) triggers.RuleRecord {
	t.Helper()
	ctx := context.Background()
	s := triggers.Survey{Name: "Intake", Status: triggers.SurveyActive}
	require.NoError(t, svc.Store.CreateSurvey(ctx, &s))
	rec := triggers.RuleRecord{
		SurveyID:        s.ID,
		Name:            "intake",
		TriggerType:     triggers.TriggerCharacteristic,
		ProgramID:       &programID,
		RepeatPolicy:    triggers.OncePerParticipant,
		AutoAssign:      true,
		IncludeExisting: includeExisting,
		Active:          true,
	}
	require.NoError(t, svc.Store.CreateRule(ctx, &rec))
	return rec
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "unsupported driver",
			mutate:  func(c *config.Config) { c.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "unknown time zone",
			mutate:  func(c *config.Config) { c.Engine.TimeZone = "Mars/Olympus_Mons" },
			wantErr: "invalid engine time zone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := sqliteConfig(t)
			tt.mutate(cfg)

			svc, err := bootstrap.New(context.Background(), cfg, logger.Discard())
			require.Error(t, err)
			assert.Nil(t, svc)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServices_WorkerDrainsInProcessQueue(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := bootstrap.New(ctx, sqliteConfig(t), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, svc.Close()) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Worker().Run(ctx)
	}()

	programID := uuid.New()
	participantID := enrolledParticipant(t, svc, programID)
	rec := characteristicRule(t, svc, programID, true)

	require.NoError(t, svc.Queue.Push(ctx, backfill.Job{RuleID: rec.ID, RequestedAt: time.Now()}))
	require.Eventually(t, func() bool {
		got, err := svc.Store.ListForSurvey(ctx, rec.SurveyID, participantID)
		return err == nil && len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
