package scope

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotAcquired is reported by the OK, Valid and NonNil adapters when the
	// wrapped acquisition signals failure without an error of its own.
	ErrNotAcquired = errors.New("resource not acquired")

	// ErrStackClosed means a release step was deferred on a closed Stack.
	ErrStackClosed = errors.New("scope stack is closed")

	// ErrScopeClosed means a Resolver was used after its Plan run returned.
	ErrScopeClosed = errors.New("plan scope is closed")
)

// AcquireError is returned by With when acquisition fails and no failure branch is set.
type AcquireError struct {
	Name string
	Err  error
}

func (e AcquireError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("acquire resource: %v", e.Err)
	}
	return fmt.Sprintf("acquire resource %s: %v", e.Name, e.Err)
}

func (e AcquireError) Unwrap() error {
	return e.Err
}

// ReleaseError wraps an error returned by a release step.
type ReleaseError struct {
	Name string
	Err  error
}

func (e ReleaseError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("release resource: %v", e.Err)
	}
	return fmt.Sprintf("release resource %s: %v", e.Name, e.Err)
}

func (e ReleaseError) Unwrap() error {
	return e.Err
}

// InvalidSpecError reports a NodeSpec that cannot be compiled. Index is its position in the specs.
type InvalidSpecError struct {
	Index int
	ID    ID
	Err   error
}

func (e InvalidSpecError) Error() string {
	return fmt.Sprintf("specs[%d] %s: %v", e.Index, e.ID.String(), e.Err)
}

func (e InvalidSpecError) Unwrap() error {
	return e.Err
}

// DefinitionNotFoundError means no definition is registered for the (kind, driver) of ID.
type DefinitionNotFoundError struct {
	ID     ID
	Kind   string
	Driver string
}

func (e DefinitionNotFoundError) Error() string {
	return fmt.Sprintf("no definition for %s: kind=%q driver=%q", e.ID.String(), e.Kind, e.Driver)
}

// DuplicateNodeError means two specs declare the same ID.
type DuplicateNodeError struct {
	ID     ID
	First  int
	Second int
}

func (e DuplicateNodeError) Error() string {
	return fmt.Sprintf("resource %s declared twice: specs[%d] and specs[%d]", e.ID.String(), e.First, e.Second)
}

// NodeNotFoundError means resolving an ID the plan does not declare.
type NodeNotFoundError struct {
	ID ID
}

func (e NodeNotFoundError) Error() string {
	return fmt.Sprintf("resource %s is not declared in the plan", e.ID.String())
}

// DependencyNotFoundError means Inner nests in a resource the plan does not declare.
type DependencyNotFoundError struct {
	Inner ID
	Outer ID
}

func (e DependencyNotFoundError) Error() string {
	return fmt.Sprintf("resource %s nests in undeclared resource %s", e.Inner.String(), e.Outer.String())
}

// CycleDetectedError means the resources on Path nest in each other, so no scope can be outermost.
// Each element nests in the next; the last repeats the first.
type CycleDetectedError struct {
	Path []ID
}

func (e CycleDetectedError) Error() string {
	var b strings.Builder
	b.WriteString("resources cannot be nested")
	for i, id := range e.Path {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString(" nests in ")
		}
		b.WriteString(id.String())
	}
	return b.String()
}

// TypeMismatchError means ResolveAs[T] got a handle that is not a T.
type TypeMismatchError struct {
	ID       ID
	Expected string
	Actual   string
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("handle of %s is %s, not %s", e.ID.String(), e.Actual, e.Expected)
}
