package observability

import "context"

// Checker is a dependency verified by the readiness probe.
// Check must honour ctx, which carries the probe timeout.
type Checker interface {
	// Name identifies the component in the probe report (e.g. "postgres", "redis").
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

func (c CheckerFunc) Name() string { return c.ComponentName }

func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
