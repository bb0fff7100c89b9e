// Package memory is an in-process store.Store. It enforces the same uniqueness
// rules as the SQL schemas and is used by tests and local runs without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/store"
	"github.com/konote/surveyengine/internal/triggers"
	"github.com/konote/surveyengine/internal/txn"
)

var _ store.Store = (*Store)(nil)

// Store keeps every table in maps guarded by a single mutex.
type Store struct {
	mu sync.Mutex

	participants map[uuid.UUID]triggers.Participant
	identities   map[uuid.UUID]triggers.PortalIdentity
	surveys      map[uuid.UUID]triggers.Survey
	enrolments   []triggers.Enrolment
	events       []triggers.Event
	rules        map[uuid.UUID]triggers.RuleRecord
	assignments  []triggers.Assignment

	now func() time.Time
}

// New returns an empty store. now stamps created_at; nil means time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		participants: make(map[uuid.UUID]triggers.Participant),
		identities:   make(map[uuid.UUID]triggers.PortalIdentity),
		surveys:      make(map[uuid.UUID]triggers.Survey),
		rules:        make(map[uuid.UUID]triggers.RuleRecord),
		now:          now,
	}
}

func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

type undoKey struct{}

// undoLog records compensations for writes made inside WithinTx.
type undoLog struct {
	mu    sync.Mutex
	steps []func()
}

// WithinTx runs fn and reverts its writes if it fails. Isolation is per
// statement: concurrent callers see each other's writes immediately.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, nested := ctx.Value(undoKey{}).(*undoLog); nested {
		return fn(ctx)
	}

	log := &undoLog{}
	txCtx, scope := txn.Begin(context.WithValue(ctx, undoKey{}, log))

	if err := fn(txCtx); err != nil {
		scope.Rollback()
		s.mu.Lock()
		for i := len(log.steps) - 1; i >= 0; i-- {
			log.steps[i]()
		}
		s.mu.Unlock()
		return err
	}

	scope.Commit(ctx)
	return nil
}

// recordUndo must be called with s.mu held.
func recordUndo(ctx context.Context, step func()) {
	if log, ok := ctx.Value(undoKey{}).(*undoLog); ok {
		log.mu.Lock()
		log.steps = append(log.steps, step)
		log.mu.Unlock()
	}
}

func (s *Store) CreateParticipant(ctx context.Context, p *triggers.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if _, exists := s.participants[p.ID]; exists {
		return fmt.Errorf("participant %s: %w", p.ID, store.ErrDuplicate)
	}
	if p.Status == "" {
		p.Status = triggers.ParticipantActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.participants[p.ID] = *p
	id := p.ID
	recordUndo(ctx, func() { delete(s.participants, id) })
	return nil
}

func (s *Store) GetParticipant(_ context.Context, id uuid.UUID) (triggers.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return triggers.Participant{}, fmt.Errorf("participant %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) SetParticipantStatus(ctx context.Context, id uuid.UUID, status triggers.ParticipantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, store.ErrNotFound)
	}
	prev := p
	p.Status = status
	s.participants[id] = p
	recordUndo(ctx, func() { s.participants[id] = prev })
	return nil
}

func (s *Store) CreatePortalIdentity(ctx context.Context, pi *triggers.PortalIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pi.ID == uuid.Nil {
		pi.ID = uuid.New()
	}
	if _, ok := s.participants[pi.ParticipantID]; !ok {
		return fmt.Errorf("participant %s: %w", pi.ParticipantID, store.ErrNotFound)
	}
	for _, existing := range s.identities {
		if existing.ParticipantID == pi.ParticipantID {
			return fmt.Errorf("portal identity for participant %s: %w", pi.ParticipantID, store.ErrDuplicate)
		}
	}
	s.identities[pi.ID] = *pi
	id := pi.ID
	recordUndo(ctx, func() { delete(s.identities, id) })
	return nil
}

func (s *Store) ActiveIdentity(_ context.Context, participantID uuid.UUID) (*triggers.PortalIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pi := range s.identities {
		if pi.ParticipantID == participantID && pi.Active {
			found := pi
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Store) CreateSurvey(ctx context.Context, sv *triggers.Survey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sv.ID == uuid.Nil {
		sv.ID = uuid.New()
	}
	if _, exists := s.surveys[sv.ID]; exists {
		return fmt.Errorf("survey %s: %w", sv.ID, store.ErrDuplicate)
	}
	if sv.Status == "" {
		sv.Status = triggers.SurveyDraft
	}
	s.surveys[sv.ID] = *sv
	id := sv.ID
	recordUndo(ctx, func() { delete(s.surveys, id) })
	return nil
}

// SetSurveyStatus changes a survey's status. It exists for tests; surveys are
// managed by the host application.
func (s *Store) SetSurveyStatus(id uuid.UUID, status triggers.SurveyStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sv := s.surveys[id]
	sv.Status = status
	s.surveys[id] = sv
}

func (s *Store) IsActive(_ context.Context, surveyID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sv, ok := s.surveys[surveyID]
	return ok && sv.Status == triggers.SurveyActive, nil
}

func (s *Store) InsertEvent(ctx context.Context, e *triggers.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if _, ok := s.participants[e.ParticipantID]; !ok {
		return fmt.Errorf("participant %s: %w", e.ParticipantID, store.ErrNotFound)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	s.events = append(s.events, *e)
	id := e.ID
	recordUndo(ctx, func() {
		s.events = slices.DeleteFunc(s.events, func(x triggers.Event) bool { return x.ID == id })
	})
	return nil
}

func (s *Store) InsertEnrolment(ctx context.Context, e *triggers.Enrolment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if _, ok := s.participants[e.ParticipantID]; !ok {
		return fmt.Errorf("participant %s: %w", e.ParticipantID, store.ErrNotFound)
	}
	if e.Status == "" {
		e.Status = triggers.EnrolmentEnrolled
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	s.enrolments = append(s.enrolments, *e)
	id := e.ID
	recordUndo(ctx, func() {
		s.enrolments = slices.DeleteFunc(s.enrolments, func(x triggers.Enrolment) bool { return x.ID == id })
	})
	return nil
}

// UpdateEnrolment replaces an enrolment row, e.g. to record a withdrawal.
func (s *Store) UpdateEnrolment(e triggers.Enrolment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.enrolments {
		if s.enrolments[i].ID == e.ID {
			s.enrolments[i] = e
			return nil
		}
	}
	return fmt.Errorf("enrolment %s: %w", e.ID, store.ErrNotFound)
}

func (s *Store) LatestEnrolment(_ context.Context, participantID, programID uuid.UUID) (*triggers.Enrolment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestEnrolmentLocked(participantID, programID), nil
}

func (s *Store) latestEnrolmentLocked(participantID, programID uuid.UUID) *triggers.Enrolment {
	var latest *triggers.Enrolment
	for i := range s.enrolments {
		e := s.enrolments[i]
		if e.ParticipantID != participantID || e.ProgramID != programID {
			continue
		}
		if latest == nil || e.StartedAt.After(latest.StartedAt) {
			found := e
			latest = &found
		}
	}
	return latest
}

func (s *Store) CreateRule(ctx context.Context, r *triggers.RuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if _, exists := s.rules[r.ID]; exists {
		return fmt.Errorf("rule %s: %w", r.ID, store.ErrDuplicate)
	}
	if _, ok := s.surveys[r.SurveyID]; !ok {
		return fmt.Errorf("survey %s: %w", r.SurveyID, store.ErrNotFound)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.Active && r.ActivatedAt == nil {
		at := r.CreatedAt
		r.ActivatedAt = &at
	}
	s.rules[r.ID] = *r
	id := r.ID
	recordUndo(ctx, func() { delete(s.rules, id) })
	return nil
}

func (s *Store) GetRule(_ context.Context, id uuid.UUID) (triggers.RuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return triggers.RuleRecord{}, fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListRules(context.Context) ([]triggers.RuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedRulesLocked(func(triggers.RuleRecord) bool { return true }), nil
}

func (s *Store) ActiveRules(_ context.Context, filter triggers.RuleFilter) ([]triggers.RuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedRulesLocked(filter.Matches), nil
}

func (s *Store) sortedRulesLocked(keep func(triggers.RuleRecord) bool) []triggers.RuleRecord {
	out := make([]triggers.RuleRecord, 0, len(s.rules))
	for _, r := range s.rules {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *Store) SetRuleActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) (triggers.RuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return triggers.RuleRecord{}, fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	prev := r
	if active && !r.Active {
		r.ActivatedAt = &at
	}
	r.Active = active
	s.rules[id] = r
	recordUndo(ctx, func() { s.rules[id] = prev })
	return r, nil
}

// CreateIfAbsent checks both uniqueness rules and inserts under one lock,
// matching the single-statement insert of the SQL backends.
func (s *Store) CreateIfAbsent(ctx context.Context, in triggers.NewAssignment) (triggers.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.assignments {
		if a.SurveyID != in.SurveyID || a.ParticipantID != in.ParticipantID {
			continue
		}
		if a.Status.Outstanding() || (in.OccurrenceKey != "" && a.OccurrenceKey == in.OccurrenceKey) {
			return a, false, nil
		}
	}

	a := triggers.Assignment{
		ID:               uuid.New(),
		SurveyID:         in.SurveyID,
		ParticipantID:    in.ParticipantID,
		Status:           in.Status,
		TriggeringRuleID: in.TriggeringRuleID,
		TriggerReason:    in.TriggerReason,
		DueDate:          in.DueDate,
		OccurrenceKey:    in.OccurrenceKey,
		CreatedAt:        in.CreatedAt,
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.assignments = append(s.assignments, a)
	id := a.ID
	recordUndo(ctx, func() {
		s.assignments = slices.DeleteFunc(s.assignments, func(x triggers.Assignment) bool { return x.ID == id })
	})
	return a, true, nil
}

func (s *Store) CountOutstanding(_ context.Context, participantID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.assignments {
		if a.ParticipantID == participantID && a.Status.Outstanding() {
			n++
		}
	}
	return n, nil
}

func (s *Store) LatestCompleted(_ context.Context, surveyID, participantID uuid.UUID) (*triggers.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *triggers.Assignment
	for _, a := range s.assignments {
		if a.SurveyID != surveyID || a.ParticipantID != participantID || a.Status != triggers.StatusCompleted || a.CompletedAt == nil {
			continue
		}
		if latest == nil || a.CompletedAt.After(*latest.CompletedAt) {
			found := a
			latest = &found
		}
	}
	return latest, nil
}

func (s *Store) ListForSurvey(_ context.Context, surveyID, participantID uuid.UUID) ([]triggers.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []triggers.Assignment
	for _, a := range s.assignments {
		if a.SurveyID == surveyID && a.ParticipantID == participantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) ListForParticipant(_ context.Context, participantID uuid.UUID) ([]triggers.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []triggers.Assignment
	for _, a := range s.assignments {
		if a.ParticipantID == participantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) GetAssignment(_ context.Context, id uuid.UUID) (triggers.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.assignments {
		if a.ID == id {
			return a, nil
		}
	}
	return triggers.Assignment{}, fmt.Errorf("assignment %s: %w", id, store.ErrNotFound)
}

func (s *Store) TransitionAssignment(ctx context.Context, id uuid.UUID, t store.Transition, at time.Time) (triggers.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.assignments {
		if s.assignments[i].ID != id {
			continue
		}
		prev := s.assignments[i]
		next := prev
		if err := t.Apply(&next, at); err != nil {
			return triggers.Assignment{}, err
		}
		s.assignments[i] = next
		recordUndo(ctx, func() {
			for j := range s.assignments {
				if s.assignments[j].ID == id {
					s.assignments[j] = prev
				}
			}
		})
		return next, nil
	}
	return triggers.Assignment{}, fmt.Errorf("assignment %s: %w", id, store.ErrNotFound)
}

func (s *Store) BackfillCandidates(_ context.Context, rule triggers.RuleRecord) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []uuid.UUID
	for id, p := range s.participants {
		if p.Status == triggers.ParticipantDischarged {
			continue
		}
		if rule.ProgramID != nil {
			e := s.latestEnrolmentLocked(id, *rule.ProgramID)
			if e == nil || e.Status != triggers.EnrolmentEnrolled {
				continue
			}
		}
		if rule.TriggerType == triggers.TriggerEvent {
			if rule.EventTypeID == nil || !s.hasEventLocked(id, *rule.EventTypeID) {
				continue
			}
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Store) hasEventLocked(participantID, eventTypeID uuid.UUID) bool {
	for _, e := range s.events {
		if e.ParticipantID == participantID && e.EventTypeID == eventTypeID {
			return true
		}
	}
	return false
}
