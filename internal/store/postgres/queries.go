package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

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

	_, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO participants (id, status, created_at) VALUES ($1, $2, $3)`,
		p.ID, string(p.Status), p.CreatedAt)
	if err != nil {
		return writeErr("insert participant", err)
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, id uuid.UUID) (triggers.Participant, error) {
	var p triggers.Participant
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, status, created_at FROM participants WHERE id = $1`, id,
	).Scan(&p.ID, &p.Status, &p.CreatedAt)
	if err != nil {
		return triggers.Participant{}, notFound("participant", id, err)
	}
	return p, nil
}

func (s *Store) SetParticipantStatus(ctx context.Context, id uuid.UUID, status triggers.ParticipantStatus) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE participants SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update participant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreatePortalIdentity(ctx context.Context, pi *triggers.PortalIdentity) error {
	if pi.ID == uuid.Nil {
		pi.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO portal_identities (id, participant_id, active) VALUES ($1, $2, $3)`,
		pi.ID, pi.ParticipantID, pi.Active)
	if err != nil {
		return writeErr("insert portal identity", err)
	}
	return nil
}

func (s *Store) ActiveIdentity(ctx context.Context, participantID uuid.UUID) (*triggers.PortalIdentity, error) {
	var pi triggers.PortalIdentity
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, participant_id, active FROM portal_identities WHERE participant_id = $1 AND active`,
		participantID,
	).Scan(&pi.ID, &pi.ParticipantID, &pi.Active)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO surveys (id, name, status) VALUES ($1, $2, $3)`,
		sv.ID, sv.Name, string(sv.Status))
	if err != nil {
		return writeErr("insert survey", err)
	}
	return nil
}

func (s *Store) IsActive(ctx context.Context, surveyID uuid.UUID) (bool, error) {
	var active bool
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM surveys WHERE id = $1 AND status = 'active')`, surveyID,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to load survey status: %w", err)
	}
	return active, nil
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
	_, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO events (id, participant_id, event_type_id, program_id, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.ParticipantID, e.EventTypeID, e.ProgramID, e.OccurredAt)
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
	_, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO enrolments (id, participant_id, program_id, status, started_at, ended_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.ParticipantID, e.ProgramID, string(e.Status), e.StartedAt, e.EndedAt)
	if err != nil {
		return writeErr("insert enrolment", err)
	}
	return nil
}

func (s *Store) LatestEnrolment(ctx context.Context, participantID, programID uuid.UUID) (*triggers.Enrolment, error) {
	var e triggers.Enrolment
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, participant_id, program_id, status, started_at, ended_at
		FROM enrolments
		WHERE participant_id = $1 AND program_id = $2
		ORDER BY started_at DESC, id DESC
		LIMIT 1`,
		participantID, programID,
	).Scan(&e.ID, &e.ParticipantID, &e.ProgramID, &e.Status, &e.StartedAt, &e.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest enrolment: %w", err)
	}
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

	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO survey_trigger_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.SurveyID, r.Name, string(r.TriggerType), r.EventTypeID, r.ProgramID,
		r.RecurrenceDays, string(r.Anchor), string(r.RepeatPolicy), r.AutoAssign,
		r.IncludeExisting, r.DueInDays, r.Active, r.ActivatedAt, r.CreatedAt)
	if err != nil {
		return writeErr("insert rule", err)
	}
	return nil
}

func scanRule(row pgx.Row) (triggers.RuleRecord, error) {
	var r triggers.RuleRecord
	err := row.Scan(&r.ID, &r.SurveyID, &r.Name, &r.TriggerType, &r.EventTypeID, &r.ProgramID,
		&r.RecurrenceDays, &r.Anchor, &r.RepeatPolicy, &r.AutoAssign, &r.IncludeExisting,
		&r.DueInDays, &r.Active, &r.ActivatedAt, &r.CreatedAt)
	return r, err
}

func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (triggers.RuleRecord, error) {
	r, err := scanRule(s.conn(ctx).QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM survey_trigger_rules WHERE id = $1`, id))
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
		where = []string{"is_active"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		where = append(where, "trigger_type = ANY("+arg(types)+")")
	}
	if filter.EventTypeID != nil {
		where = append(where, "event_type_id = "+arg(*filter.EventTypeID))
	}
	if filter.ProgramID != nil {
		where = append(where, "program_id = "+arg(*filter.ProgramID))
	}

	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM survey_trigger_rules WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at, id`, args...)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]triggers.RuleRecord, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
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
	r, err := scanRule(s.conn(ctx).QueryRow(ctx, `
		UPDATE survey_trigger_rules
		SET activated_at = CASE WHEN $1 AND NOT is_active THEN $2 ELSE activated_at END,
		    is_active = $1
		WHERE id = $3
		RETURNING `+ruleColumns,
		active, at, id))
	if err != nil {
		return triggers.RuleRecord{}, notFound("rule", id, err)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

const assignmentColumns = `id, survey_id, participant_id, status, triggering_rule_id, trigger_reason,
	due_date, COALESCE(occurrence_key, ''), created_at, started_at, completed_at`

func scanAssignment(row pgx.Row) (triggers.Assignment, error) {
	var a triggers.Assignment
	err := row.Scan(&a.ID, &a.SurveyID, &a.ParticipantID, &a.Status, &a.TriggeringRuleID, &a.TriggerReason,
		&a.DueDate, &a.OccurrenceKey, &a.CreatedAt, &a.StartedAt, &a.CompletedAt)
	return a, err
}

// CreateIfAbsent inserts with ON CONFLICT DO NOTHING, so a duplicate against
// either partial unique index yields no row instead of an error. A concurrent
// insert that commits first makes this one wait and then skip.
func (s *Store) CreateIfAbsent(ctx context.Context, in triggers.NewAssignment) (triggers.Assignment, bool, error) {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}

	a, err := scanAssignment(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO survey_assignments (id, survey_id, participant_id, status, triggering_rule_id,
			trigger_reason, due_date, occurrence_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
		RETURNING `+assignmentColumns,
		uuid.New(), in.SurveyID, in.ParticipantID, string(in.Status), in.TriggeringRuleID,
		in.TriggerReason, in.DueDate, nullString(in.OccurrenceKey), createdAt))

	switch {
	case err == nil:
		return a, true, nil
	case errors.Is(err, pgx.ErrNoRows), pgCode(err) == codeUniqueViolation:
		existing, lookupErr := s.conflicting(ctx, in)
		if lookupErr != nil {
			return triggers.Assignment{}, false, lookupErr
		}
		return existing, false, nil
	default:
		return triggers.Assignment{}, false, writeErr("insert assignment", err)
	}
}

func (s *Store) conflicting(ctx context.Context, in triggers.NewAssignment) (triggers.Assignment, error) {
	a, err := scanAssignment(s.conn(ctx).QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM survey_assignments
		WHERE survey_id = $1 AND participant_id = $2
		  AND (status = ANY($3) OR occurrence_key = $4)
		ORDER BY created_at DESC
		LIMIT 1`,
		in.SurveyID, in.ParticipantID, store.StatusStrings(triggers.OutstandingStatuses), nullString(in.OccurrenceKey)))
	if errors.Is(err, pgx.ErrNoRows) {
		return triggers.Assignment{}, nil
	}
	if err != nil {
		return triggers.Assignment{}, fmt.Errorf("failed to load conflicting assignment: %w", err)
	}
	return a, nil
}

func (s *Store) CountOutstanding(ctx context.Context, participantID uuid.UUID) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT count(*) FROM survey_assignments WHERE participant_id = $1 AND status = ANY($2)`,
		participantID, store.StatusStrings(triggers.OutstandingStatuses),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding assignments: %w", err)
	}
	return n, nil
}

func (s *Store) LatestCompleted(ctx context.Context, surveyID, participantID uuid.UUID) (*triggers.Assignment, error) {
	a, err := scanAssignment(s.conn(ctx).QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM survey_assignments
		WHERE survey_id = $1 AND participant_id = $2 AND status = 'completed' AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1`,
		surveyID, participantID))
	if errors.Is(err, pgx.ErrNoRows) {
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
		WHERE survey_id = $1 AND participant_id = $2
		ORDER BY created_at, id`, surveyID, participantID)
}

func (s *Store) ListForParticipant(ctx context.Context, participantID uuid.UUID) ([]triggers.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+`
		FROM survey_assignments
		WHERE participant_id = $1
		ORDER BY created_at, id`, participantID)
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...any) ([]triggers.Assignment, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
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
	a, err := scanAssignment(s.conn(ctx).QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM survey_assignments WHERE id = $1`, id))
	if err != nil {
		return triggers.Assignment{}, notFound("assignment", id, err)
	}
	return a, nil
}

// TransitionAssignment locks the row, validates the move and writes it back in
// one transaction.
func (s *Store) TransitionAssignment(ctx context.Context, id uuid.UUID, t store.Transition, at time.Time) (triggers.Assignment, error) {
	var out triggers.Assignment
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		a, err := scanAssignment(s.conn(ctx).QueryRow(ctx,
			`SELECT `+assignmentColumns+` FROM survey_assignments WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound("assignment", id, err)
		}
		if err := t.Apply(&a, at); err != nil {
			return err
		}
		if _, err := s.conn(ctx).Exec(ctx,
			`UPDATE survey_assignments SET status = $1, started_at = $2, completed_at = $3 WHERE id = $4`,
			string(a.Status), a.StartedAt, a.CompletedAt, id); err != nil {
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
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if rule.ProgramID != nil {
		where = append(where, `
			(SELECT e.status FROM enrolments e
			 WHERE e.participant_id = p.id AND e.program_id = `+arg(*rule.ProgramID)+`
			 ORDER BY e.started_at DESC, e.id DESC LIMIT 1) = 'enrolled'`)
	}
	if rule.TriggerType == triggers.TriggerEvent {
		if rule.EventTypeID == nil {
			return nil, nil
		}
		where = append(where, `EXISTS (SELECT 1 FROM events ev WHERE ev.participant_id = p.id AND ev.event_type_id = `+
			arg(*rule.EventTypeID)+`)`)
	}

	rows, err := s.conn(ctx).Query(ctx,
		`SELECT p.id FROM participants p WHERE `+strings.Join(where, " AND ")+` ORDER BY p.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list backfill candidates: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan candidates: %w", err)
	}
	return ids, nil
}
