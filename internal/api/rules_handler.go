package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/konote/surveyengine/internal/backfill"
	"github.com/konote/surveyengine/internal/logger"
	"github.com/konote/surveyengine/internal/store"
	"github.com/konote/surveyengine/internal/triggers"
	"github.com/konote/surveyengine/internal/txn"
)

// handleCreateRule processes POST /api/v1/rules.
//
// The rule is compiled before it is stored, so a configuration error is a 400
// here instead of a skipped rule at evaluation time. A rule created active is
// treated as an activation.
func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateRuleRequest
	if !decodeBody(w, r, log, &req) {
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	rec := req.Record()
	if _, err := triggers.Compile(rec); err != nil {
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_RULE", err.Error())
		return
	}

	err := a.store.WithinTx(r.Context(), func(ctx context.Context) error {
		if err := a.store.CreateRule(ctx, &rec); err != nil {
			return err
		}
		if rec.Active {
			created := rec
			txn.OnCommit(ctx, func(ctx context.Context) {
				a.afterRuleChange(ctx, log, created, true)
			})
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Survey not found")
		return
	}
	if errors.Is(err, store.ErrDuplicate) {
		respondError(w, r, http.StatusConflict, "ERR_CONFLICT", "A rule with this id already exists")
		return
	}
	if err != nil {
		log.Error("failed to create rule", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to create rule")
		return
	}

	log.Info("trigger rule created",
		slog.String("rule_id", rec.ID.String()),
		slog.String("trigger_type", string(rec.TriggerType)),
		slog.Bool("active", rec.Active),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rec)
}

// handleListRules processes GET /api/v1/rules. Inactive rules are included.
func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.store.ListRules(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to list rules", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to list rules")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse[triggers.RuleRecord]{Data: nonNil(rules)})
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ruleID")
	if !ok {
		return
	}

	rec, err := a.store.GetRule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Rule not found")
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to load rule", slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to load rule")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, rec)
}

// handleActivateRule processes POST /api/v1/rules/{ruleID}/activate.
// Activating an already active rule changes nothing and enqueues no backfill.
func (a *API) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	a.setRuleActive(w, r, true)
}

// handleDeactivateRule processes POST /api/v1/rules/{ruleID}/deactivate.
// Existing assignments of the rule are left untouched.
func (a *API) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	a.setRuleActive(w, r, false)
}

var errRuleInvalid = errors.New("rule does not compile")

func (a *API) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	log := logger.FromContext(r.Context())

	id, ok := uuidParam(w, r, "ruleID")
	if !ok {
		return
	}

	var updated triggers.RuleRecord
	var compileErr error

	err := a.store.WithinTx(r.Context(), func(ctx context.Context) error {
		current, err := a.store.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if current.Active == active {
			updated = current
			return nil
		}
		if active {
			if _, compileErr = triggers.Compile(current); compileErr != nil {
				return errRuleInvalid
			}
		}

		updated, err = a.store.SetRuleActive(ctx, id, active, a.now())
		if err != nil {
			return err
		}

		changed := updated
		txn.OnCommit(ctx, func(ctx context.Context) {
			a.afterRuleChange(ctx, log, changed, active)
		})
		return nil
	})
	switch {
	case errors.Is(err, errRuleInvalid):
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_RULE", compileErr.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Rule not found")
		return
	case err != nil:
		log.Error("failed to update rule", slog.String("rule_id", id.String()), slog.String("error", err.Error()))
		respondInternal(w, r, "Failed to update rule")
		return
	}

	log.Info("trigger rule updated", slog.String("rule_id", id.String()), slog.Bool("active", updated.Active))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, updated)
}

// afterRuleChange runs once a rule change has committed: every instance drops
// its cached rule lists, and an activated include-existing rule is queued for
// backfill.
func (a *API) afterRuleChange(ctx context.Context, log *slog.Logger, rec triggers.RuleRecord, activated bool) {
	// Counted and logged by retry; the local L1 is already purged, peers
	// converge within KONOTE_CACHE_L1_TTL.
	_ = retry(ctx, log, opInvalidateRuleCache, a.cache.Invalidate)

	if !activated || !rec.IncludeExisting {
		return
	}

	job := backfill.Job{RuleID: rec.ID, RequestedAt: a.now()}
	err := retry(ctx, log, opEnqueueBackfill, func(ctx context.Context) error {
		return a.backfill.Push(ctx, job)
	})
	if err == nil {
		log.Info("backfill job enqueued", slog.String("rule_id", rec.ID.String()))
	}
}
