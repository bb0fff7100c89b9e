// Package dispatch connects host signals to the trigger engine.
//
// Three entry points select candidate rules: page loads (time and
// characteristic rules), recorded events (event rules of that type) and new
// enrolments (enrolment rules of that program). Each loads active rule records,
// compiles them, drops rules whose survey is not active and hands the rest to
// the engine. Recorder writes events and enrolments and runs the matching
// evaluation after the write commits.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/observability"
	"github.com/konote/surveyengine/internal/triggers"
	"github.com/konote/surveyengine/internal/validation"
)

// Entry point labels used in metrics and logs.
const (
	EntryAccess    = "access"
	EntryEvent     = "event"
	EntryEnrolment = "enrolment"
	EntryBackfill  = "backfill"
)

// ErrDisabled is returned by entry points that must report why nothing ran.
var ErrDisabled = errors.New("surveys are disabled")

// RuleSource loads active rule records. The rule cache and the store satisfy it.
type RuleSource interface {
	ActiveRules(ctx context.Context, filter triggers.RuleFilter) ([]triggers.RuleRecord, error)
}

// SurveyCatalog reports survey availability.
type SurveyCatalog interface {
	IsActive(ctx context.Context, surveyID uuid.UUID) (bool, error)
}

// Directory resolves participants and their portal identity.
type Directory interface {
	GetParticipant(ctx context.Context, id uuid.UUID) (triggers.Participant, error)
	ActiveIdentity(ctx context.Context, participantID uuid.UUID) (*triggers.PortalIdentity, error)
}

// Config holds the dispatch feature toggle.
type Config struct {
	// SurveysEnabled gates every entry point. The engine itself never checks it.
	SurveysEnabled bool
}

// Dispatcher selects candidate rules for a signal and runs the engine.
type Dispatcher struct {
	cfg       Config
	rules     RuleSource
	catalog   SurveyCatalog
	directory Directory
	engine    *triggers.Engine
	logger    *slog.Logger
}

// New creates a Dispatcher. It panics if a collaborator is missing.
func New(cfg Config, rules RuleSource, catalog SurveyCatalog, directory Directory, engine *triggers.Engine, logger *slog.Logger) *Dispatcher {
	validation.AssertDependency(rules, "rule source")
	validation.AssertDependency(catalog, "survey catalog")
	validation.AssertDependency(directory, "participant directory")
	validation.AssertNotNil(engine, "engine")

	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		cfg:       cfg,
		rules:     rules,
		catalog:   catalog,
		directory: directory,
		engine:    engine,
		logger:    logger,
	}
}

// Enabled reports the feature toggle.
func (d *Dispatcher) Enabled() bool { return d.cfg.SurveysEnabled }

// EvaluateOnAccess runs active time and characteristic rules. It is the only
// path that notices a participant has been enrolled long enough.
func (d *Dispatcher) EvaluateOnAccess(ctx context.Context, participant triggers.Participant, identity *triggers.PortalIdentity) ([]triggers.Assignment, error) {
	filter := triggers.RuleFilter{Types: []triggers.TriggerType{triggers.TriggerTime, triggers.TriggerCharacteristic}}
	return d.run(ctx, EntryAccess, participant, identity, filter)
}

// EvaluateOnEvent runs active event rules for the event's type.
func (d *Dispatcher) EvaluateOnEvent(ctx context.Context, participant triggers.Participant, identity *triggers.PortalIdentity, event triggers.Event) ([]triggers.Assignment, error) {
	eventType := event.EventTypeID
	filter := triggers.RuleFilter{Types: []triggers.TriggerType{triggers.TriggerEvent}, EventTypeID: &eventType}
	return d.run(ctx, EntryEvent, participant, identity, filter)
}

// EvaluateOnEnrolment runs active enrolment rules for the enrolled program.
func (d *Dispatcher) EvaluateOnEnrolment(ctx context.Context, participant triggers.Participant, identity *triggers.PortalIdentity, enrolment triggers.Enrolment) ([]triggers.Assignment, error) {
	program := enrolment.ProgramID
	filter := triggers.RuleFilter{Types: []triggers.TriggerType{triggers.TriggerEnrolment}, ProgramID: &program}
	return d.run(ctx, EntryEnrolment, participant, identity, filter)
}

// EvaluateRule runs a single rule for one participant, whatever its trigger
// type. Backfill uses it to apply a newly activated rule to existing participants.
func (d *Dispatcher) EvaluateRule(ctx context.Context, participantID uuid.UUID, rec triggers.RuleRecord) ([]triggers.Assignment, error) {
	if !d.cfg.SurveysEnabled {
		observability.DispatchTotal.WithLabelValues(EntryBackfill, "disabled").Inc()
		return nil, ErrDisabled
	}

	participant, identity, err := d.resolve(ctx, participantID)
	if err != nil {
		observability.DispatchTotal.WithLabelValues(EntryBackfill, "error").Inc()
		return nil, err
	}

	rules, err := d.prepare(ctx, []triggers.RuleRecord{rec})
	if err != nil {
		observability.DispatchTotal.WithLabelValues(EntryBackfill, "error").Inc()
		return nil, err
	}

	created, err := d.engine.Evaluate(ctx, participant, identity, rules)
	if err != nil {
		observability.DispatchTotal.WithLabelValues(EntryBackfill, "error").Inc()
		return created, err
	}
	observability.DispatchTotal.WithLabelValues(EntryBackfill, "ok").Inc()
	return created, nil
}

// EvaluateParticipant resolves the participant and their portal identity, then
// runs EvaluateOnAccess.
func (d *Dispatcher) EvaluateParticipant(ctx context.Context, participantID uuid.UUID) ([]triggers.Assignment, error) {
	if !d.cfg.SurveysEnabled {
		observability.DispatchTotal.WithLabelValues(EntryAccess, "disabled").Inc()
		return nil, nil
	}

	participant, identity, err := d.resolve(ctx, participantID)
	if err != nil {
		observability.DispatchTotal.WithLabelValues(EntryAccess, "error").Inc()
		return nil, err
	}
	return d.EvaluateOnAccess(ctx, participant, identity)
}

// SafeEvaluateOnAccess is the page-load entry point. Failures are logged and
// never reach the caller, so a broken rule or store cannot break the page.
func (d *Dispatcher) SafeEvaluateOnAccess(ctx context.Context, participantID uuid.UUID) []triggers.Assignment {
	created, err := d.EvaluateParticipant(ctx, participantID)
	if err != nil {
		d.logger.Error("survey evaluation on access failed",
			slog.String("participant_id", participantID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return created
}

func (d *Dispatcher) run(ctx context.Context, entry string, participant triggers.Participant, identity *triggers.PortalIdentity, filter triggers.RuleFilter) ([]triggers.Assignment, error) {
	if !d.cfg.SurveysEnabled {
		observability.DispatchTotal.WithLabelValues(entry, "disabled").Inc()
		return nil, nil
	}

	records, err := d.rules.ActiveRules(ctx, filter)
	if err != nil {
		observability.DispatchTotal.WithLabelValues(entry, "error").Inc()
		return nil, fmt.Errorf("failed to load %s rules: %w", entry, err)
	}

	rules, err := d.prepare(ctx, records)
	if err != nil {
		observability.DispatchTotal.WithLabelValues(entry, "error").Inc()
		return nil, err
	}
	if len(rules) == 0 {
		observability.DispatchTotal.WithLabelValues(entry, "ok").Inc()
		return nil, nil
	}

	created, err := d.engine.Evaluate(ctx, participant, identity, rules)
	if err != nil {
		observability.DispatchTotal.WithLabelValues(entry, "error").Inc()
		return created, err
	}

	observability.DispatchTotal.WithLabelValues(entry, "ok").Inc()
	return created, nil
}

// prepare compiles records and keeps the rules whose survey is active.
// Survey status is looked up once per survey.
func (d *Dispatcher) prepare(ctx context.Context, records []triggers.RuleRecord) ([]triggers.Rule, error) {
	active := make(map[uuid.UUID]bool)
	rules := make([]triggers.Rule, 0, len(records))

	for _, rec := range records {
		rule, err := triggers.Compile(rec)
		if err != nil {
			observability.EngineRulesSkipped.WithLabelValues("invalid").Inc()
			d.logger.Warn("skipping invalid trigger rule",
				slog.String("rule_id", rec.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		ok, seen := active[rule.SurveyID]
		if !seen {
			ok, err = d.catalog.IsActive(ctx, rule.SurveyID)
			if err != nil {
				return nil, fmt.Errorf("failed to check survey %s: %w", rule.SurveyID, err)
			}
			active[rule.SurveyID] = ok
		}
		if !ok {
			observability.EngineRulesSkipped.WithLabelValues("survey_inactive").Inc()
			continue
		}

		rules = append(rules, rule)
	}
	return rules, nil
}

// resolve loads the participant and their active portal identity, which may be nil.
func (d *Dispatcher) resolve(ctx context.Context, participantID uuid.UUID) (triggers.Participant, *triggers.PortalIdentity, error) {
	participant, err := d.directory.GetParticipant(ctx, participantID)
	if err != nil {
		return triggers.Participant{}, nil, fmt.Errorf("failed to load participant: %w", err)
	}
	identity, err := d.directory.ActiveIdentity(ctx, participantID)
	if err != nil {
		return triggers.Participant{}, nil, fmt.Errorf("failed to load portal identity: %w", err)
	}
	return participant, identity, nil
}
