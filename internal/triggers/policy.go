package triggers

import (
	"time"
)

// Permits reports whether policy allows a new assignment given the participant's
// history for the survey. enrolmentStart is the start of the latest enrolment in
// the rule's program, or nil when none resolves.
func Permits(policy RepeatPolicy, history []Assignment, enrolmentStart *time.Time) bool {
	switch policy {
	case OncePerParticipant:
		return len(history) == 0

	case OncePerEnrolment:
		if enrolmentStart == nil {
			return len(history) == 0
		}
		for _, a := range history {
			if !a.CreatedAt.Before(*enrolmentStart) {
				return false
			}
		}
		return true

	case Recurring:
		for _, a := range history {
			if a.Status.Outstanding() {
				return false
			}
		}
		return true

	default:
		return false
	}
}

// OccurrenceKey returns the key that makes a policy's "at most once" durable.
// The store rejects a second assignment with the same (survey, participant, key)
// whatever the status of the first one.
func OccurrenceKey(policy RepeatPolicy, enrolment *Enrolment) string {
	switch policy {
	case OncePerParticipant:
		return "participant"
	case OncePerEnrolment:
		if enrolment == nil {
			return "participant"
		}
		return "enrolment:" + enrolment.ID.String()
	default:
		return ""
	}
}
