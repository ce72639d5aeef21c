package store

import "fmt"

// NotFoundError is returned when an id does not resolve to any live entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// AmbiguousError is returned when a short-id partial matches more than one
// live id of the requested kind.
type AmbiguousError struct {
	Kind    string
	Partial string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%q is ambiguous among %s ids: %v", e.Partial, e.Kind, e.Matches)
}

// ValidationError aggregates every failed rule from a single mutation so
// callers (in particular --json CLI output) see the whole picture in one
// report instead of one violation at a time.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return e.Violations[0]
	}
	return fmt.Sprintf("%d validation errors: %v", len(e.Violations), e.Violations)
}

// CycleError is returned when addDependency would introduce a cycle in the
// task -> blockers graph.
type CycleError struct {
	Task    string
	Blocker string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("adding %q as a blocker of %q would create a dependency cycle", e.Blocker, e.Task)
}

// EdgeNotFoundError is returned when removeDependency targets an edge that
// does not exist.
type EdgeNotFoundError struct {
	Task    string
	Blocker string
}

func (e *EdgeNotFoundError) Error() string {
	return fmt.Sprintf("%q is not a blocker of %q", e.Blocker, e.Task)
}
