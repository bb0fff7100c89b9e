package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/konote/surveyengine/internal/logger"
	"github.com/konote/surveyengine/internal/store"
	"github.com/konote/surveyengine/internal/triggers"
)

// handleRecordEvent processes POST /api/v1/events.
//
// The event is stored first. Event rules for its type are evaluated after the
// write commits, and a failure there is logged without failing the request.
func (a *API) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req RecordEventRequest
	if !decodeBody(w, r, log, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	event := triggers.Event{
		ParticipantID: req.ParticipantID,
		EventTypeID:   req.EventTypeID,
		ProgramID:     req.ProgramID,
	}
	if req.OccurredAt != nil {
		event.OccurredAt = *req.OccurredAt
	}

	created, err := a.recorder.RecordEvent(r.Context(), &event)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Participant not found")
		return
	}
	if err != nil {
		log.Error("failed to record event", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to record event")
		return
	}

	log.Info("event recorded",
		slog.String("event_id", event.ID.String()),
		slog.String("participant_id", event.ParticipantID.String()),
		slog.Int("assignments_created", len(created)),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, EventResponse{Event: event, Created: nonNil(created)})
}

// handleRecordEnrolment processes POST /api/v1/enrolments. Enrolment rules for
// the program are evaluated after the write commits.
func (a *API) handleRecordEnrolment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req RecordEnrolmentRequest
	if !decodeBody(w, r, log, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	enrolment := triggers.Enrolment{
		ParticipantID: req.ParticipantID,
		ProgramID:     req.ProgramID,
		Status:        triggers.EnrolmentEnrolled,
	}
	if req.StartedAt != nil {
		enrolment.StartedAt = *req.StartedAt
	}

	created, err := a.recorder.RecordEnrolment(r.Context(), &enrolment)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Participant not found")
		return
	}
	if err != nil {
		log.Error("failed to record enrolment", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to record enrolment")
		return
	}

	log.Info("enrolment recorded",
		slog.String("enrolment_id", enrolment.ID.String()),
		slog.String("participant_id", enrolment.ParticipantID.String()),
		slog.Int("assignments_created", len(created)),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, EnrolmentResponse{Enrolment: enrolment, Created: nonNil(created)})
}
