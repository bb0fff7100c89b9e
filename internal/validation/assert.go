// Package validation holds fail-fast checks for constructor wiring.
package validation

import "fmt"

// AssertNotNil panics if ptr is nil.
//
//	validation.AssertNotNil(pool, "database pool")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// AssertDependency panics if dep is a nil interface value.
// Collaborators are passed as interfaces, so AssertNotNil cannot see them.
func AssertDependency(dep any, name string) {
	if dep == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// Panics are reserved for wiring mistakes. Runtime failures are returned as errors.
