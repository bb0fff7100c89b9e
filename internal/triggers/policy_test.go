package triggers

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPermits(t *testing.T) {
	t.Parallel()

	enrolled := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	before := enrolled.Add(-24 * time.Hour)
	after := enrolled.Add(24 * time.Hour)

	at := func(status AssignmentStatus, created time.Time) Assignment {
		return Assignment{ID: uuid.New(), Status: status, CreatedAt: created}
	}

	tests := []struct {
		name           string
		policy         RepeatPolicy
		history        []Assignment
		enrolmentStart *time.Time
		want           bool
	}{
		{"once per participant with no history", OncePerParticipant, nil, nil, true},
		{"once per participant after dismissal", OncePerParticipant, []Assignment{at(StatusDismissed, before)}, nil, false},
		{"once per participant after completion", OncePerParticipant, []Assignment{at(StatusCompleted, before)}, &enrolled, false},

		{"once per enrolment with earlier enrolment's assignment", OncePerEnrolment, []Assignment{at(StatusCompleted, before)}, &enrolled, true},
		{"once per enrolment with current enrolment's assignment", OncePerEnrolment, []Assignment{at(StatusCompleted, after)}, &enrolled, false},
		{"once per enrolment created at enrolment start", OncePerEnrolment, []Assignment{at(StatusDismissed, enrolled)}, &enrolled, false},
		{"once per enrolment falls back without enrolment", OncePerEnrolment, []Assignment{at(StatusCompleted, before)}, nil, false},
		{"once per enrolment empty without enrolment", OncePerEnrolment, nil, nil, true},

		{"recurring with nothing", Recurring, nil, nil, true},
		{"recurring after completion", Recurring, []Assignment{at(StatusCompleted, before)}, nil, true},
		{"recurring after dismissal", Recurring, []Assignment{at(StatusDismissed, before)}, nil, true},
		{"recurring while pending", Recurring, []Assignment{at(StatusCompleted, before), at(StatusPending, after)}, nil, false},
		{"recurring while awaiting approval", Recurring, []Assignment{at(StatusAwaitingApproval, after)}, nil, false},
		{"recurring while in progress", Recurring, []Assignment{at(StatusInProgress, after)}, nil, false},

		{"unknown policy denies", "sometimes", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Permits(tt.policy, tt.history, tt.enrolmentStart))
		})
	}
}

func TestOccurrenceKey(t *testing.T) {
	t.Parallel()

	enrolment := &Enrolment{ID: uuid.MustParse("9c6a3e1e-0d7b-4f7e-9d36-8d0f0b3b7a11")}

	assert.Equal(t, "participant", OccurrenceKey(OncePerParticipant, enrolment))
	assert.Equal(t, "enrolment:9c6a3e1e-0d7b-4f7e-9d36-8d0f0b3b7a11", OccurrenceKey(OncePerEnrolment, enrolment))
	assert.Equal(t, "participant", OccurrenceKey(OncePerEnrolment, nil))
	assert.Empty(t, OccurrenceKey(Recurring, enrolment))
}

func TestAssignmentStatus(t *testing.T) {
	t.Parallel()

	for _, s := range OutstandingStatuses {
		assert.True(t, s.Outstanding(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, StatusCompleted.Outstanding())
	assert.False(t, StatusDismissed.Outstanding())
	assert.True(t, StatusCompleted.Valid())
	assert.False(t, AssignmentStatus("archived").Valid())
}
