package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konote/surveyengine/internal/triggers"
)

func TestTransition_Apply(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		transition Transition
		from       triggers.AssignmentStatus
		want       triggers.AssignmentStatus
		wantErr    bool
	}{
		{"approve awaiting", TransitionApprove, triggers.StatusAwaitingApproval, triggers.StatusPending, false},
		{"approve pending", TransitionApprove, triggers.StatusPending, "", true},
		{"start pending", TransitionStart, triggers.StatusPending, triggers.StatusInProgress, false},
		{"start awaiting", TransitionStart, triggers.StatusAwaitingApproval, "", true},
		{"complete pending", TransitionComplete, triggers.StatusPending, triggers.StatusCompleted, false},
		{"complete in progress", TransitionComplete, triggers.StatusInProgress, triggers.StatusCompleted, false},
		{"complete dismissed", TransitionComplete, triggers.StatusDismissed, "", true},
		{"dismiss awaiting", TransitionDismiss, triggers.StatusAwaitingApproval, triggers.StatusDismissed, false},
		{"dismiss completed", TransitionDismiss, triggers.StatusCompleted, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := triggers.Assignment{Status: tt.from}
			err := tt.transition.Apply(&a, at)

			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, a.Status, "status must not change on failure")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Status)
		})
	}
}

func TestTransition_Timestamps(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := triggers.Assignment{Status: triggers.StatusPending}
	require.NoError(t, TransitionStart.Apply(&a, at))
	require.NotNil(t, a.StartedAt)
	assert.Equal(t, at, *a.StartedAt)
	assert.Nil(t, a.CompletedAt)

	later := at.Add(time.Hour)
	require.NoError(t, TransitionComplete.Apply(&a, later))
	require.NotNil(t, a.CompletedAt)
	assert.Equal(t, later, *a.CompletedAt)
}

func TestParseTransition(t *testing.T) {
	t.Parallel()

	got, err := ParseTransition("complete")
	require.NoError(t, err)
	assert.Equal(t, TransitionComplete, got)

	_, err = ParseTransition("delete")
	assert.Error(t, err)
}
