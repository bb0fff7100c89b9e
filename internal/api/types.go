package api

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/triggers"
)

// validate is shared by every request DTO. Field errors report JSON names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkStruct runs tag validation and converts failures into an ErrorResponse.
func checkStruct(req any) *ErrorResponse {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: err.Error()}
	}

	details := make([]ErrorDetail, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		issue := fe.Tag()
		if fe.Param() != "" {
			issue += "=" + fe.Param()
		}
		details = append(details, ErrorDetail{Field: fe.Field(), Issue: issue})
	}
	return &ErrorResponse{
		Code:    "ERR_INVALID_INPUT",
		Message: "Request validation failed",
		Details: details,
	}
}

// requireID reports a missing uuid field, which tag validation cannot see.
func requireID(id uuid.UUID, field string) *ErrorResponse {
	if id != uuid.Nil {
		return nil
	}
	return &ErrorResponse{
		Code:    "ERR_INVALID_INPUT",
		Message: "Request validation failed",
		Details: []ErrorDetail{{Field: field, Issue: "required"}},
	}
}

// CreateRuleRequest is the payload of POST /rules.
type CreateRuleRequest struct {
	SurveyID    uuid.UUID  `json:"survey_id"`
	Name        string     `json:"name" validate:"required,max=255"`
	TriggerType string     `json:"trigger_type" validate:"required,oneof=event enrolment time characteristic"`
	EventTypeID *uuid.UUID `json:"event_type_id,omitempty"`
	ProgramID   *uuid.UUID `json:"program_id,omitempty"`

	// RecurrenceDays and Anchor apply to time rules only.
	RecurrenceDays *int   `json:"recurrence_days,omitempty"`
	Anchor         string `json:"anchor,omitempty" validate:"omitempty,oneof=enrolment_date last_completed"`

	RepeatPolicy string `json:"repeat_policy" validate:"required,oneof=once_per_participant once_per_enrolment recurring"`

	// AutoAssign defaults to true. False routes new assignments to staff approval.
	AutoAssign      *bool `json:"auto_assign,omitempty"`
	IncludeExisting bool  `json:"include_existing"`
	DueInDays       *int  `json:"due_in_days,omitempty" validate:"omitempty,min=0"`
	Active          bool  `json:"active"`
}

// Sanitize trims free text and normalizes enum casing.
func (r *CreateRuleRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	r.TriggerType = strings.ToLower(strings.TrimSpace(r.TriggerType))
	r.Anchor = strings.ToLower(strings.TrimSpace(r.Anchor))
	r.RepeatPolicy = strings.ToLower(strings.TrimSpace(r.RepeatPolicy))
}

func (r *CreateRuleRequest) Validate() *ErrorResponse {
	if errResp := requireID(r.SurveyID, "survey_id"); errResp != nil {
		return errResp
	}
	return checkStruct(r)
}

// Record maps the request to the storage shape under a fresh id.
// Type-specific consistency is checked afterwards by triggers.Compile.
func (r *CreateRuleRequest) Record() triggers.RuleRecord {
	autoAssign := true
	if r.AutoAssign != nil {
		autoAssign = *r.AutoAssign
	}
	return triggers.RuleRecord{
		ID:              uuid.New(),
		SurveyID:        r.SurveyID,
		Name:            r.Name,
		TriggerType:     triggers.TriggerType(r.TriggerType),
		EventTypeID:     r.EventTypeID,
		ProgramID:       r.ProgramID,
		RecurrenceDays:  r.RecurrenceDays,
		Anchor:          triggers.Anchor(r.Anchor),
		RepeatPolicy:    triggers.RepeatPolicy(r.RepeatPolicy),
		AutoAssign:      autoAssign,
		IncludeExisting: r.IncludeExisting,
		DueInDays:       r.DueInDays,
		Active:          r.Active,
	}
}

// RecordEventRequest is the payload of POST /events.
type RecordEventRequest struct {
	ParticipantID uuid.UUID  `json:"participant_id"`
	EventTypeID   uuid.UUID  `json:"event_type_id"`
	ProgramID     *uuid.UUID `json:"program_id,omitempty"`

	// OccurredAt defaults to the time of recording.
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

func (r *RecordEventRequest) Validate() *ErrorResponse {
	if errResp := requireID(r.ParticipantID, "participant_id"); errResp != nil {
		return errResp
	}
	return requireID(r.EventTypeID, "event_type_id")
}

// RecordEnrolmentRequest is the payload of POST /enrolments. The enrolment is
// recorded as active.
type RecordEnrolmentRequest struct {
	ParticipantID uuid.UUID  `json:"participant_id"`
	ProgramID     uuid.UUID  `json:"program_id"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

func (r *RecordEnrolmentRequest) Validate() *ErrorResponse {
	if errResp := requireID(r.ParticipantID, "participant_id"); errResp != nil {
		return errResp
	}
	return requireID(r.ProgramID, "program_id")
}

// ManualAssignmentRequest is the payload of POST /participants/{id}/assignments.
type ManualAssignmentRequest struct {
	SurveyID uuid.UUID  `json:"survey_id"`
	DueDate  *time.Time `json:"due_date,omitempty"`
	Reason   string     `json:"reason,omitempty" validate:"max=255"`
}

func (r *ManualAssignmentRequest) Sanitize() {
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *ManualAssignmentRequest) Validate() *ErrorResponse {
	if errResp := requireID(r.SurveyID, "survey_id"); errResp != nil {
		return errResp
	}
	return checkStruct(r)
}

// EvaluationResponse lists the assignments one evaluation created.
// Enabled is false when surveys are switched off and nothing ran.
type EvaluationResponse struct {
	Enabled bool                  `json:"enabled"`
	Created []triggers.Assignment `json:"created"`
}

// EventResponse is returned by POST /events.
type EventResponse struct {
	Event   triggers.Event        `json:"event"`
	Created []triggers.Assignment `json:"created"`
}

// EnrolmentResponse is returned by POST /enrolments.
type EnrolmentResponse struct {
	Enrolment triggers.Enrolment    `json:"enrolment"`
	Created   []triggers.Assignment `json:"created"`
}

// ListResponse wraps list endpoints.
type ListResponse[T any] struct {
	Data []T `json:"data"`
}

// ErrorResponse represents a structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details lists field-level validation failures.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about a specific field validation failure.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// nonNil keeps empty lists rendering as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
