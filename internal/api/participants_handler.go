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

// manualReason is stamped on staff assignments that carry no reason of their own.
const manualReason = "Assigned by staff"

// handleEvaluateParticipant processes POST /api/v1/participants/{participantID}/evaluations.
//
// It is the page-load evaluation exposed to hosts that render portal or staff
// views elsewhere. Unlike the in-process page hook, a storage failure is
// reported to the caller, which decides whether to ignore it.
func (a *API) handleEvaluateParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "participantID")
	if !ok {
		return
	}
	log := logger.FromContext(r.Context()).With(slog.String("participant_id", id.String()))

	if !a.evaluator.Enabled() {
		render.Status(r, http.StatusOK)
		render.JSON(w, r, EvaluationResponse{Enabled: false, Created: []triggers.Assignment{}})
		return
	}

	created, err := a.evaluator.EvaluateParticipant(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Participant not found")
		return
	}
	if err != nil {
		log.Error("participant evaluation failed",
			slog.Int("created_before_failure", len(created)),
			slog.String("error", err.Error()),
		)
		respondInternal(w, r, "Failed to evaluate participant")
		return
	}

	if len(created) > 0 {
		log.Info("survey assignments created", slog.Int("count", len(created)))
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, EvaluationResponse{Enabled: true, Created: nonNil(created)})
}

// handleListAssignments processes GET /api/v1/participants/{participantID}/assignments.
//
// Query parameters:
//   - status: a lifecycle status, or "outstanding" for every non-terminal one
func (a *API) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, ok := uuidParam(w, r, "participantID")
	if !ok {
		return
	}

	keep := func(triggers.Assignment) bool { return true }
	switch status := r.URL.Query().Get("status"); {
	case status == "":
	case status == "outstanding":
		keep = func(as triggers.Assignment) bool { return as.Status.Outstanding() }
	case triggers.AssignmentStatus(status).Valid():
		keep = func(as triggers.Assignment) bool { return as.Status == triggers.AssignmentStatus(status) }
	default:
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_QUERY_PARAM", "Unknown assignment status '"+status+"'")
		return
	}

	if _, err := a.store.GetParticipant(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Participant not found")
			return
		}
		log.Error("failed to load participant", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to load participant")
		return
	}

	all, err := a.store.ListForParticipant(r.Context(), id)
	if err != nil {
		log.Error("failed to list assignments", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to list assignments")
		return
	}

	out := make([]triggers.Assignment, 0, len(all))
	for _, as := range all {
		if keep(as) {
			out = append(out, as)
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse[triggers.Assignment]{Data: out})
}

// handleAssignManually processes POST /api/v1/participants/{participantID}/assignments.
//
// Staff assignment goes through the same insert-if-absent as the engine, so it
// races safely with concurrent evaluations. It is not subject to the overload
// ceiling and is created pending.
func (a *API) handleAssignManually(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, ok := uuidParam(w, r, "participantID")
	if !ok {
		return
	}

	var req ManualAssignmentRequest
	if !decodeBody(w, r, log, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	if _, err := a.store.GetParticipant(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Participant not found")
			return
		}
		log.Error("failed to load participant", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to load participant")
		return
	}

	active, err := a.store.IsActive(r.Context(), req.SurveyID)
	if err != nil {
		log.Error("failed to check survey", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to check survey")
		return
	}
	if !active {
		respondError(w, r, http.StatusConflict, "ERR_SURVEY_INACTIVE", "Survey does not exist or is not active")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = manualReason
	}

	assignment, created, err := a.store.CreateIfAbsent(r.Context(), triggers.NewAssignment{
		SurveyID:      req.SurveyID,
		ParticipantID: id,
		Status:        triggers.StatusPending,
		TriggerReason: reason,
		DueDate:       req.DueDate,
		CreatedAt:     a.now(),
	})
	if err != nil {
		log.Error("failed to create manual assignment", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to create assignment")
		return
	}
	if !created {
		respondError(w, r, http.StatusConflict, "ERR_CONFLICT", "The participant already has an outstanding assignment of this survey")
		return
	}

	log.Info("manual survey assignment created",
		slog.String("assignment_id", assignment.ID.String()),
		slog.String("participant_id", id.String()),
		slog.String("survey_id", req.SurveyID.String()),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, assignment)
}
