package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/store"
	"github.com/konote/surveyengine/internal/triggers"
)

// ---------------------------------------------------------------------------
// Participants & portal identities
// ---------------------------------------------------------------------------

func (s *Store) CreateParticipant(ctx context.Context, p *triggers.Participant) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = triggers.ParticipantActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}

	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO participants (id, status, created_at) VALUES (?, ?, ?)`,
		p.ID, string(p.Status), nanos(p.CreatedAt))
	if err != nil {
		return writeErr("insert participant", err)
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, id uuid.UUID) (triggers.Participant, error) {
	var (
		p       triggers.Participant
		status  string
		created int64
	)
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, status, created_at FROM participants WHERE id = ?`, id,
	).Scan(&p.ID, &status, &created)
	if err != nil {
		return triggers.Participant{}, notFound("participant", id, err)
	}
	p.Status = triggers.ParticipantStatus(status)
	p.CreatedAt = fromNanos(created)
	return p, nil
}

func (s *Store) SetParticipantStatus(ctx context.Context, id uuid.UUID, status triggers.ParticipantStatus) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE participants SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update participant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("participant %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreatePortalIdentity(ctx context.Context, pi *triggers.PortalIdentity) error {
	if pi.ID == uuid.Nil {
		pi.ID = uuid.New()
	}
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO portal_identities (id, participant_id, active) VALUES (?, ?, ?)`,
		pi.ID, pi.ParticipantID, pi.Active)
	if err != nil {
		return writeErr("insert portal identity", err)
	}
	return nil
}

func (s *Store) ActiveIdentity(ctx context.Context, participantID uuid.UUID) (*triggers.PortalIdentity, error) {
	var pi triggers.PortalIdentity
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, participant_id, active FROM portal_identities WHERE participant_id = ? AND active = 1`,
		participantID,
	).Scan(&pi.ID, &pi.ParticipantID, &pi.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load portal identity: %w", err)
	}
	return &pi, nil
}

// ---------------------------------------------------------------------------
// Surveys
// ---------------------------------------------------------------------------

func (s *Store) CreateSurvey(ctx context.Context, sv *triggers.Survey) error {
	if sv.ID == uuid.Nil {
		sv.ID = uuid.New()
	}
	if sv.Status == "" {
		sv.Status = triggers.SurveyDraft
	}
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO surveys (id, name, status) VALUES (?, ?, ?)`,
		sv.ID, sv.Name, string(sv.Status))
	if err != nil {
		return writeErr("insert survey", err)
	}
	return nil
}

func (s *Store) IsActive(ctx context.Context, surveyID uuid.UUID) (bool, error) {
	var status string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT status FROM surveys WHERE id = ?`, surveyID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load survey status: %w", err)
	}
	return triggers.SurveyStatus(status) == triggers.SurveyActive, nil
}

// ---------------------------------------------------------------------------
// Events & enrolments
// ---------------------------------------------------------------------------

func (s *Store) InsertEvent(ctx context.Context, e *triggers.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO events (id, participant_id, event_type_id, program_id, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ParticipantID, e.EventTypeID, e.ProgramID, nanos(e.OccurredAt))
	if err != nil {
		return writeErr("insert event", err)
	}
	return nil
}

func (s *Store) InsertEnrolment(ctx context.Context, e *triggers.Enrolment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = triggers.EnrolmentEnrolled
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now().UTC()
	}
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO enrolments (id, participant_id, program_id, status, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ParticipantID, e.ProgramID, string(e.Status), nanos(e.StartedAt), nullNanos(e.EndedAt))
	if err != nil {
		return writeErr("insert enrolment", err)
	}
	return nil
}

func (s *Store) LatestEnrolment(ctx context.Context, participantID, programID uuid.UUID) (*triggers.Enrolment, error) {
	var (
		e       triggers.Enrolment
		status  string
		started int64
		ended   sql.NullInt64
	)
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, participant_id, program_id, status, started_at, ended_at
		FROM enrolments
		WHERE participant_id = ? AND program_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`,
		participantID, programID,
	).Scan(&e.ID, &e.ParticipantID, &e.ProgramID, &status, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest enrolment: %w", err)
	}
	e.Status = triggers.EnrolmentStatus(status)
	e.StartedAt = fromNanos(started)
	e.EndedAt = timePtr(ended)
	return &e, nil
}

// ---------------------------------------------------------------------------
// Trigger rules
// ---------------------------------------------------------------------------

const ruleColumns = `id, survey_id, name, trigger_type, event_type_id, program_id, recurrence_days, anchor,
	repeat_policy, auto_assign, include_existing, due_in_days, is_active, activated_at, created_at`

func (s *Store) CreateRule(ctx context.Context, r *triggers.RuleRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.Active && r.ActivatedAt == nil {
		at := r.CreatedAt
		r.ActivatedAt = &at
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO survey_trigger_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SurveyID, r.Name, string(r.TriggerType), r.EventTypeID, r.ProgramID,
		nullInt(r.RecurrenceDays), string(r.Anchor), string(r.RepeatPolicy), r.AutoAssign,
		r.IncludeExisting, nullInt(r.DueInDays), r.Active, nullNanos(r.ActivatedAt), nanos(r.CreatedAt))
	if err != nil {
		return writeErr("insert rule", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (triggers.RuleRecord, error) {
	var (
		r                   triggers.RuleRecord
		triggerType, anchor string
		policy              string
		eventType, program  uuid.NullUUID
		recurrence, dueIn   sql.NullInt64
		activatedAt         sql.NullInt64
		createdAt           int64
	)
	if err := row.Scan(&r.ID, &r.SurveyID, &r.Name, &triggerType, &eventType, &program, &recurrence, &anchor,
		&policy, &r.AutoAssign, &r.IncludeExisting, &dueIn, &r.Active, &activatedAt, &createdAt); err != nil {
		return triggers.RuleRecord{}, err
	}

	r.TriggerType = triggers.TriggerType(triggerType)
	r.Anchor = triggers.Anchor(anchor)
	r.RepeatPolicy = triggers.RepeatPolicy(policy)
	if eventType.Valid {
		r.EventTypeID = &eventType.UUID
	}
	if program.Valid {
		r.ProgramID = &program.UUID
	}
	r.RecurrenceDays = intPtr(recurrence)
	r.DueInDays = intPtr(dueIn)
	r.ActivatedAt = timePtr(activatedAt)
	r.CreatedAt = fromNanos(createdAt)
	return r, nil
}

func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (triggers.RuleRecord, error) {
	r, err := scanRule(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM survey_trigger_rules WHERE id = ?`, id))
	if err != nil {
		return triggers.RuleRecord{}, notFound("rule", id, err)
	}
	return r, nil
}

func (s *Store) ListRules(ctx context.Context) ([]triggers.RuleRecord, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM survey_trigger_rules ORDER BY created_at, id`)
}

func (s *Store) ActiveRules(ctx context.Context, filter triggers.RuleFilter) ([]triggers.RuleRecord, error) {
	var (
		where = []string{"is_active = 1"}
		args  []any
	)
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "trigger_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.EventTypeID != nil {
		where = append(where, "event_type_id = ?")
		args = append(args, *filter.EventTypeID)
	}
	if filter.ProgramID != nil {
		where = append(where, "program_id = ?")
		args = append(args, *filter.ProgramID)
	}

	query := `SELECT ` + ruleColumns + ` FROM survey_trigger_rules WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at, id`
	return s.queryRules(ctx, query, args...)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]triggers.RuleRecord, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []triggers.RuleRecord
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *Store) SetRuleActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) (triggers.RuleRecord, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE survey_trigger_rules
		SET activated_at = CASE WHEN ? = 1 AND is_active = 0 THEN ? ELSE activated_at END,
		    is_active = ?
		WHERE id = ?`,
		active, nanos(at), active, id)
	if err != nil {
		return triggers.RuleRecord{}, fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return triggers.RuleRecord{}, fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	return s.GetRule(ctx, id)
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

const assignmentColumns = `id, survey_id, participant_id, status, triggering_rule_id, trigger_reason,
	due_date, occurrence_key, created_at, started_at, completed_at`

func scanAssignment(row rowScanner) (triggers.Assignment, error) {
	var (
		a                       triggers.Assignment
		status                  string
		rule                    uuid.NullUUID
		due, started, completed sql.NullInt64
		occurrence              sql.NullString
		created                 int64
	)
	if err := row.Scan(&a.ID, &a.SurveyID, &a.ParticipantID, &status, &rule, &a.TriggerReason,
		&due, &occurrence, &created, &started, &completed); err != nil {
		return triggers.Assignment{}, err
	}
	a.Status = triggers.AssignmentStatus(status)
	if rule.Valid {
		a.TriggeringRuleID = &rule.UUID
	}
	a.DueDate = timePtr(due)
	a.OccurrenceKey = occurrence.String
	a.CreatedAt = fromNanos(created)
	a.StartedAt = timePtr(started)
	a.CompletedAt = timePtr(completed)
	return a, nil
}

// CreateIfAbsent relies on the two partial unique indexes: ON CONFLICT DO
// NOTHING turns a duplicate into an empty RETURNING set.
func (s *Store) CreateIfAbsent(ctx context.Context, in triggers.NewAssignment) (triggers.Assignment, bool, error) {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	a, err := scanAssignment(s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO survey_assignments (id, survey_id, participant_id, status, triggering_rule_id,
			trigger_reason, due_date, occurrence_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING `+assignmentColumns,
		uuid.New(), in.SurveyID, in.ParticipantID, string(in.Status), in.TriggeringRuleID,
		in.TriggerReason, nullNanos(in.DueDate), nullString(in.OccurrenceKey), nanos(createdAt)))

	switch {
	case err == nil:
		return a, true, nil
	case errors.Is(err, sql.ErrNoRows), isUniqueViolation(err):
		existing, lookupErr := s.conflicting(ctx, in)
		if lookupErr != nil {
			return triggers.Assignment{}, false, lookupErr
		}
		return existing, false, nil
	default:
		return triggers.Assignment{}, false, fmt.Errorf("failed to insert assignment: %w", err)
	}
}

// conflicting returns the row that blocked an insert, or a zero Assignment if it
// is gone already.
func (s *Store) conflicting(ctx context.Context, in triggers.NewAssignment) (triggers.Assignment, error) {
	a, err := scanAssignment(s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM survey_assignments
		WHERE survey_id = ? AND participant_id = ?
		  AND (status IN ('awaiting_approval', 'pending', 'in_progress') OR (occurrence_key IS NOT NULL AND occurrence_key = ?))
		ORDER BY created_at DESC
		LIMIT 1`,
		in.SurveyID, in.ParticipantID, nullString(in.OccurrenceKey)))
	if errors.Is(err, sql.ErrNoRows) {
		return triggers.Assignment{}, nil
	}
	if err != nil {
		return triggers.Assignment{}, fmt.Errorf("failed to load conflicting assignment: %w", err)
	}
	return a, nil
}

func (s *Store) CountOutstanding(ctx context.Context, participantID uuid.UUID) (int, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT count(*) FROM survey_assignments
		WHERE participant_id = ? AND status IN ('awaiting_approval', 'pending', 'in_progress')`,
		participantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding assignments: %w", err)
	}
	return n, nil
}

func (s *Store) LatestCompleted(ctx context.Context, surveyID, participantID uuid.UUID) (*triggers.Assignment, error) {
	a, err := scanAssignment(s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM survey_assignments
		WHERE survey_id = ? AND participant_id = ? AND status = 'completed' AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1`,
		surveyID, participantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest completed assignment: %w", err)
	}
	return &a, nil
}

func (s *Store) ListForSurvey(ctx context.Context, surveyID, participantID uuid.UUID) ([]triggers.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+`
		FROM survey_assignments
		WHERE survey_id = ? AND participant_id = ?
		ORDER BY created_at, id`, surveyID, participantID)
}

func (s *Store) ListForParticipant(ctx context.Context, participantID uuid.UUID) ([]triggers.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+`
		FROM survey_assignments
		WHERE participant_id = ?
		ORDER BY created_at, id`, participantID)
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...any) ([]triggers.Assignment, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []triggers.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *Store) GetAssignment(ctx context.Context, id uuid.UUID) (triggers.Assignment, error) {
	a, err := scanAssignment(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM survey_assignments WHERE id = ?`, id))
	if err != nil {
		return triggers.Assignment{}, notFound("assignment", id, err)
	}
	return a, nil
}

// TransitionAssignment applies t inside a transaction so the status check and
// the update see the same row.
func (s *Store) TransitionAssignment(ctx context.Context, id uuid.UUID, t store.Transition, at time.Time) (triggers.Assignment, error) {
	var out triggers.Assignment
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		if err := t.Apply(&a, at); err != nil {
			return err
		}
		if _, err := s.conn(ctx).ExecContext(ctx, `
			UPDATE survey_assignments SET status = ?, started_at = ?, completed_at = ? WHERE id = ?`,
			string(a.Status), nullNanos(a.StartedAt), nullNanos(a.CompletedAt), id); err != nil {
			return fmt.Errorf("failed to update assignment: %w", err)
		}
		out = a
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Backfill
// ---------------------------------------------------------------------------

func (s *Store) BackfillCandidates(ctx context.Context, rule triggers.RuleRecord) ([]uuid.UUID, error) {
	var (
		where = []string{"p.status <> 'discharged'"}
		args  []any
	)
	if rule.ProgramID != nil {
		where = append(where, `
			(SELECT e.status FROM enrolments e
			 WHERE e.participant_id = p.id AND e.program_id = ?
			 ORDER BY e.started_at DESC, e.id DESC LIMIT 1) = 'enrolled'`)
		args = append(args, *rule.ProgramID)
	}
	if rule.TriggerType == triggers.TriggerEvent {
		if rule.EventTypeID == nil {
			return nil, nil
		}
		where = append(where, `EXISTS (SELECT 1 FROM events ev WHERE ev.participant_id = p.id AND ev.event_type_id = ?)`)
		args = append(args, *rule.EventTypeID)
	}

	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT p.id FROM participants p WHERE `+strings.Join(where, " AND ")+` ORDER BY p.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list backfill candidates: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
