package triggers

import (
	"time"

	"github.com/google/uuid"
)

// RuleRecord is the flat storage shape of a trigger rule.
// Which optional fields are meaningful depends on TriggerType; Compile enforces it.
type RuleRecord struct {
	ID              uuid.UUID    `json:"id"`
	SurveyID        uuid.UUID    `json:"survey_id"`
	Name            string       `json:"name"`
	TriggerType     TriggerType  `json:"trigger_type"`
	EventTypeID     *uuid.UUID   `json:"event_type_id,omitempty"`
	ProgramID       *uuid.UUID   `json:"program_id,omitempty"`
	RecurrenceDays  *int         `json:"recurrence_days,omitempty"`
	Anchor          Anchor       `json:"anchor,omitempty"`
	RepeatPolicy    RepeatPolicy `json:"repeat_policy"`
	AutoAssign      bool         `json:"auto_assign"`
	IncludeExisting bool         `json:"include_existing"`
	DueInDays       *int         `json:"due_in_days,omitempty"`
	Active          bool         `json:"active"`
	ActivatedAt     *time.Time   `json:"activated_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Rule is a compiled, type-checked trigger rule.
type Rule struct {
	ID               uuid.UUID
	SurveyID         uuid.UUID
	Name             string
	RepeatPolicy     RepeatPolicy
	RequiresApproval bool
	IncludeExisting  bool
	DueInDays        *int
	Active           bool
	ActivatedAt      *time.Time
	Condition        Condition
}

// Type returns the trigger type of the rule's condition.
func (r Rule) Type() TriggerType {
	return r.Condition.Type()
}

// Condition is the trigger-specific part of a rule. The set of implementations is closed:
// EventCondition, EnrolmentCondition, TimeCondition and CharacteristicCondition.
type Condition interface {
	Type() TriggerType
	// Program returns the program the rule is scoped to, if any.
	Program() (uuid.UUID, bool)
	condition()
}

// EventCondition matches when an event of EventTypeID is recorded.
// ProgramID optionally restricts it to participants enrolled in that program.
type EventCondition struct {
	EventTypeID uuid.UUID
	ProgramID   *uuid.UUID
}

func (EventCondition) Type() TriggerType { return TriggerEvent }

func (c EventCondition) Program() (uuid.UUID, bool) {
	if c.ProgramID == nil {
		return uuid.Nil, false
	}
	return *c.ProgramID, true
}

func (EventCondition) condition() {}

// EnrolmentCondition matches when the participant enrols in ProgramID.
type EnrolmentCondition struct {
	ProgramID uuid.UUID
}

func (EnrolmentCondition) Type() TriggerType            { return TriggerEnrolment }
func (c EnrolmentCondition) Program() (uuid.UUID, bool) { return c.ProgramID, true }
func (EnrolmentCondition) condition()                   {}

// TimeCondition matches once RecurrenceDays whole days (24h each) have elapsed since Anchor.
type TimeCondition struct {
	ProgramID      uuid.UUID
	RecurrenceDays int
	Anchor         Anchor
}

func (TimeCondition) Type() TriggerType            { return TriggerTime }
func (c TimeCondition) Program() (uuid.UUID, bool) { return c.ProgramID, true }
func (TimeCondition) condition()                   {}

// CharacteristicCondition matches every participant currently enrolled in ProgramID.
type CharacteristicCondition struct {
	ProgramID uuid.UUID
}

func (CharacteristicCondition) Type() TriggerType            { return TriggerCharacteristic }
func (c CharacteristicCondition) Program() (uuid.UUID, bool) { return c.ProgramID, true }
func (CharacteristicCondition) condition()                   {}

// RuleFilter selects active rules from a rule source.
// Nil pointer fields do not filter.
type RuleFilter struct {
	Types       []TriggerType
	EventTypeID *uuid.UUID
	ProgramID   *uuid.UUID
}

// Matches reports whether rec passes the filter. Backends without a query
// language (memory, caches) use it directly.
func (f RuleFilter) Matches(rec RuleRecord) bool {
	if !rec.Active {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if rec.TriggerType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EventTypeID != nil && (rec.EventTypeID == nil || *rec.EventTypeID != *f.EventTypeID) {
		return false
	}
	if f.ProgramID != nil && (rec.ProgramID == nil || *rec.ProgramID != *f.ProgramID) {
		return false
	}
	return true
}
