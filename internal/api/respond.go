package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/observability"
)

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Code: code, Message: message})
}

func respondInternal(w http.ResponseWriter, r *http.Request, message string) {
	respondError(w, r, http.StatusInternalServerError, "ERR_INTERNAL", message)
}

// decodeBody decodes a JSON body into dst, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, log *slog.Logger, dst any) bool {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_JSON", "Invalid JSON payload: "+err.Error())
		return false
	}
	return true
}

// uuidParam parses a uuid path parameter, answering 400 on failure.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_PATH_PARAM", "Path parameter '"+name+"' must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// Post-commit side effects, also the operation label of APIPostCommitFailures.
const (
	opInvalidateRuleCache = "invalidate_rule_cache"
	opEnqueueBackfill     = "enqueue_backfill"
)

// retry calls fn up to four times with exponential backoff starting at 100ms.
// It is used for post-commit side effects, whose failure cannot undo the write;
// the final failure is counted in APIPostCommitFailures.
func retry(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	for i := 0; ; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if i == maxRetries || ctx.Err() != nil {
			observability.APIPostCommitFailures.WithLabelValues(op).Inc()
			log.Error("post-commit side effect failed after retries",
				slog.String("operation", op),
				slog.String("error", err.Error()))
			return err
		}

		log.Warn("post-commit side effect failed, retrying...",
			slog.String("operation", op),
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
		case <-time.After(baseDelay * time.Duration(1<<i)):
		}
	}
}
