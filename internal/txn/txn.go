// Package txn carries post-commit hooks alongside a database transaction.
//
// A store opens a Scope when it begins a transaction and attaches it to the
// context it hands to the caller. Code running inside the transaction registers
// work with OnCommit; the store runs it after a successful commit and drops it
// on rollback. Outside a transaction OnCommit runs the hook immediately.
package txn

import (
	"context"
	"sync"
)

// Hook is work deferred until the surrounding transaction commits.
type Hook func(ctx context.Context)

type scopeKey struct{}

// Scope collects the hooks of one transaction.
type Scope struct {
	mu    sync.Mutex
	hooks []Hook
	state scopeState
}

type scopeState int

const (
	scopeOpen scopeState = iota
	scopeCommitted
	scopeRolledBack
)

// Begin returns a context carrying a new Scope. If ctx already carries one, the
// transaction is nested: the outer scope is reused and the returned Scope is nil,
// so only the outermost owner commits or rolls back.
func Begin(ctx context.Context) (context.Context, *Scope) {
	if existing := fromContext(ctx); existing != nil {
		return ctx, nil
	}
	s := &Scope{}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// Active reports whether ctx is inside a transaction scope.
func Active(ctx context.Context) bool {
	return fromContext(ctx) != nil
}

// OnCommit registers hook to run after the transaction in ctx commits.
// Without a transaction, hook runs now.
func OnCommit(ctx context.Context, hook Hook) {
	s := fromContext(ctx)
	if s == nil {
		hook(ctx)
		return
	}
	switch s.add(hook) {
	case scopeOpen, scopeRolledBack:
	case scopeCommitted:
		// registered after commit: the work it guards is already durable
		hook(ctx)
	}
}

// Commit runs the registered hooks in registration order with ctx, which must
// not carry the finished transaction. Calling Commit on a nil Scope is a no-op.
func (s *Scope) Commit(ctx context.Context) {
	if s == nil {
		return
	}
	for _, hook := range s.drain(scopeCommitted) {
		hook(ctx)
	}
}

// Rollback discards the registered hooks. Calling it on a nil Scope is a no-op.
func (s *Scope) Rollback() {
	if s == nil {
		return
	}
	_ = s.drain(scopeRolledBack)
}

// add queues hook while the scope is open and reports the state it found.
func (s *Scope) add(hook Hook) scopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == scopeOpen {
		s.hooks = append(s.hooks, hook)
	}
	return s.state
}

func (s *Scope) drain(final scopeState) []Hook {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scopeOpen {
		return nil
	}
	hooks := s.hooks
	s.hooks = nil
	s.state = final
	return hooks
}

func fromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
