package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/observability"
	"github.com/konote/surveyengine/internal/triggers"
	"github.com/konote/surveyengine/internal/txn"
	"github.com/konote/surveyengine/internal/validation"
)

// Writer persists the signals the Recorder dispatches on.
type Writer interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertEvent(ctx context.Context, e *triggers.Event) error
	InsertEnrolment(ctx context.Context, e *triggers.Enrolment) error
}

// Recorder writes events and enrolments and evaluates the matching rules
// strictly after the write commits. A rolled back write evaluates nothing.
type Recorder struct {
	writer     Writer
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewRecorder creates a Recorder. It panics if a collaborator is missing.
func NewRecorder(writer Writer, dispatcher *Dispatcher, logger *slog.Logger) *Recorder {
	validation.AssertDependency(writer, "writer")
	validation.AssertNotNil(dispatcher, "dispatcher")

	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{writer: writer, dispatcher: dispatcher, logger: logger}
}

// RecordEvent stores e and then runs event dispatch for it.
//
// The returned assignments are those created once the write committed. When ctx
// already carries a transaction, evaluation waits for that outer commit and the
// returned slice is empty.
func (r *Recorder) RecordEvent(ctx context.Context, e *triggers.Event) ([]triggers.Assignment, error) {
	var created []triggers.Assignment

	err := r.writer.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.writer.InsertEvent(ctx, e); err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}

		event := *e
		txn.OnCommit(ctx, func(ctx context.Context) {
			created = r.afterCommit(ctx, EntryEvent, event.ParticipantID, func(p triggers.Participant, pi *triggers.PortalIdentity) ([]triggers.Assignment, error) {
				return r.dispatcher.EvaluateOnEvent(ctx, p, pi, event)
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RecordEnrolment stores e and then runs enrolment dispatch for it.
// Transaction handling matches RecordEvent.
func (r *Recorder) RecordEnrolment(ctx context.Context, e *triggers.Enrolment) ([]triggers.Assignment, error) {
	var created []triggers.Assignment

	err := r.writer.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.writer.InsertEnrolment(ctx, e); err != nil {
			return fmt.Errorf("failed to record enrolment: %w", err)
		}

		enrolment := *e
		txn.OnCommit(ctx, func(ctx context.Context) {
			created = r.afterCommit(ctx, EntryEnrolment, enrolment.ParticipantID, func(p triggers.Participant, pi *triggers.PortalIdentity) ([]triggers.Assignment, error) {
				return r.dispatcher.EvaluateOnEnrolment(ctx, p, pi, enrolment)
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// afterCommit runs a post-commit evaluation. The write is already durable, so
// failures are logged and counted instead of returned.
func (r *Recorder) afterCommit(ctx context.Context, entry string, participantID uuid.UUID, evaluate func(triggers.Participant, *triggers.PortalIdentity) ([]triggers.Assignment, error)) []triggers.Assignment {
	if !r.dispatcher.Enabled() {
		observability.DispatchTotal.WithLabelValues(entry, "disabled").Inc()
		return nil
	}

	participant, identity, err := r.dispatcher.resolve(ctx, participantID)
	if err != nil {
		r.hookFailed(entry, participantID, err)
		return nil
	}

	created, err := evaluate(participant, identity)
	if err != nil {
		r.hookFailed(entry, participantID, err)
	}
	return created
}

func (r *Recorder) hookFailed(entry string, participantID uuid.UUID, err error) {
	observability.DispatchHookFailures.Inc()
	r.logger.Error("post-commit survey evaluation failed",
		slog.String("entry", entry),
		slog.String("participant_id", participantID.String()),
		slog.String("error", err.Error()),
	)
}
