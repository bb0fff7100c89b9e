package triggers

import "time"

// Day is the unit RecurrenceDays is measured in.
const Day = 24 * time.Hour

// Due reports whether the time threshold is met at now.
//
// For AnchorLastCompleted the anchor is the last completion, falling back to the
// enrolment start. For AnchorEnrolmentDate it is the enrolment start, or the
// last completion when one is given and is later, so a recurring survey counts
// from its previous occurrence. With no anchor the rule is not due. The rule is
// due once now - anchor >= RecurrenceDays * 24h; exact equality counts.
func (c TimeCondition) Due(now time.Time, enrolmentStart, lastCompleted *time.Time) bool {
	anchor := enrolmentStart
	switch c.Anchor {
	case AnchorLastCompleted:
		if lastCompleted != nil {
			anchor = lastCompleted
		}
	case AnchorEnrolmentDate:
		if anchor != nil && lastCompleted != nil && lastCompleted.After(*anchor) {
			anchor = lastCompleted
		}
	}
	if anchor == nil {
		return false
	}
	return now.Sub(*anchor) >= time.Duration(c.RecurrenceDays)*Day
}

// tracksCompletion reports whether the last completion of the survey moves the anchor.
func (c TimeCondition) tracksCompletion(policy RepeatPolicy) bool {
	return c.Anchor == AnchorLastCompleted || policy == Recurring
}

// DueDate returns now plus days calendar days in loc, or nil when days is nil.
func DueDate(now time.Time, loc *time.Location, days *int) *time.Time {
	if days == nil {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	due := now.In(loc).AddDate(0, 0, *days)
	return &due
}
