package triggers

import (
	"fmt"

	"github.com/google/uuid"
)

// MaxRecurrenceDays bounds time rules to ten years.
const MaxRecurrenceDays = 3650

// Compile validates rec against its trigger type and returns the typed rule.
// Every failure wraps ErrInvalidRule.
func Compile(rec RuleRecord) (Rule, error) {
	cond, err := compileCondition(rec)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, rec.ID, err)
	}

	switch rec.RepeatPolicy {
	case OncePerParticipant, OncePerEnrolment, Recurring:
	default:
		return Rule{}, fmt.Errorf("%w: rule %s: unknown repeat policy %q", ErrInvalidRule, rec.ID, rec.RepeatPolicy)
	}

	if rec.DueInDays != nil && *rec.DueInDays < 0 {
		return Rule{}, fmt.Errorf("%w: rule %s: due_in_days cannot be negative", ErrInvalidRule, rec.ID)
	}

	if rec.SurveyID == uuid.Nil {
		return Rule{}, fmt.Errorf("%w: rule %s: survey is required", ErrInvalidRule, rec.ID)
	}

	return Rule{
		ID:               rec.ID,
		SurveyID:         rec.SurveyID,
		Name:             rec.Name,
		RepeatPolicy:     rec.RepeatPolicy,
		RequiresApproval: !rec.AutoAssign,
		IncludeExisting:  rec.IncludeExisting,
		DueInDays:        rec.DueInDays,
		Active:           rec.Active,
		ActivatedAt:      rec.ActivatedAt,
		Condition:        cond,
	}, nil
}

func compileCondition(rec RuleRecord) (Condition, error) {
	switch rec.TriggerType {
	case TriggerEvent:
		if rec.EventTypeID == nil {
			return nil, fmt.Errorf("event rule requires an event type")
		}
		return EventCondition{EventTypeID: *rec.EventTypeID, ProgramID: rec.ProgramID}, nil

	case TriggerEnrolment:
		if rec.ProgramID == nil {
			return nil, fmt.Errorf("enrolment rule requires a program")
		}
		return EnrolmentCondition{ProgramID: *rec.ProgramID}, nil

	case TriggerCharacteristic:
		if rec.ProgramID == nil {
			return nil, fmt.Errorf("characteristic rule requires a program")
		}
		return CharacteristicCondition{ProgramID: *rec.ProgramID}, nil

	case TriggerTime:
		if rec.ProgramID == nil {
			return nil, fmt.Errorf("time rule requires a program")
		}
		if rec.RecurrenceDays == nil {
			return nil, fmt.Errorf("time rule requires recurrence_days")
		}
		days := *rec.RecurrenceDays
		if days <= 0 || days > MaxRecurrenceDays {
			return nil, fmt.Errorf("recurrence_days must be between 1 and %d, got %d", MaxRecurrenceDays, days)
		}
		switch rec.Anchor {
		case AnchorEnrolmentDate, AnchorLastCompleted:
		default:
			return nil, fmt.Errorf("unknown anchor %q", rec.Anchor)
		}
		return TimeCondition{ProgramID: *rec.ProgramID, RecurrenceDays: days, Anchor: rec.Anchor}, nil

	default:
		return nil, fmt.Errorf("unknown trigger type %q", rec.TriggerType)
	}
}

// Record flattens r back into its storage shape.
func (r Rule) Record() RuleRecord {
	rec := RuleRecord{
		ID:              r.ID,
		SurveyID:        r.SurveyID,
		Name:            r.Name,
		TriggerType:     r.Type(),
		RepeatPolicy:    r.RepeatPolicy,
		AutoAssign:      !r.RequiresApproval,
		IncludeExisting: r.IncludeExisting,
		DueInDays:       r.DueInDays,
		Active:          r.Active,
		ActivatedAt:     r.ActivatedAt,
	}

	switch c := r.Condition.(type) {
	case EventCondition:
		id := c.EventTypeID
		rec.EventTypeID = &id
		rec.ProgramID = c.ProgramID
	case EnrolmentCondition:
		rec.ProgramID = &c.ProgramID
	case CharacteristicCondition:
		rec.ProgramID = &c.ProgramID
	case TimeCondition:
		days := c.RecurrenceDays
		rec.ProgramID = &c.ProgramID
		rec.RecurrenceDays = &days
		rec.Anchor = c.Anchor
	}

	return rec
}
