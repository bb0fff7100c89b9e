package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/konote/surveyengine/internal/logger"
	"github.com/konote/surveyengine/internal/store"
)

// handleTransitionAssignment processes
// POST /api/v1/assignments/{assignmentID}/{approve|start|complete|dismiss}.
func (a *API) handleTransitionAssignment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, ok := uuidParam(w, r, "assignmentID")
	if !ok {
		return
	}

	transition, err := store.ParseTransition(chi.URLParam(r, "transition"))
	if err != nil {
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
		return
	}

	updated, err := a.store.TransitionAssignment(r.Context(), id, transition, a.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Assignment not found")
		return
	case errors.Is(err, store.ErrInvalidTransition):
		respondError(w, r, http.StatusConflict, "ERR_INVALID_TRANSITION", err.Error())
		return
	case err != nil:
		log.Error("failed to transition assignment",
			slog.String("assignment_id", id.String()),
			slog.String("transition", string(transition)),
			slog.String("error", err.Error()),
		)
		respondInternal(w, r, "Failed to update assignment")
		return
	}

	log.Info("assignment transitioned",
		slog.String("assignment_id", id.String()),
		slog.String("status", string(updated.Status)),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, updated)
}
