package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type releaseStep struct {
	name string
	fn   func(ctx context.Context) error
}

// Stack records release steps and runs them last-in first-out,
// the order nested With calls would release in.
// The zero value is ready to use. A Stack is safe for concurrent use.
type Stack struct {
	mu     sync.Mutex
	steps  []releaseStep
	closed bool
}

// Defer records fn to run on Close. It returns ErrStackClosed, without running fn,
// once the stack has been closed.
func (s *Stack) Defer(name string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("defer release step %q: func is nil", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStackClosed
	}
	s.steps = append(s.steps, releaseStep{name: name, fn: fn})
	return nil
}

// Len returns the number of pending release steps.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Close runs every pending release step in reverse order, each exactly once.
// A panicking step does not prevent the remaining steps from running.
// Errors are wrapped in ReleaseError and joined. Closing twice is a no-op.
func (s *Stack) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var errs []error
	unwind(context.WithoutCancel(ctx), steps, &errs)
	return errors.Join(errs...)
}

func (s *Stack) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// unwind nests the remaining steps in defers so a panic keeps unwinding.
func unwind(ctx context.Context, steps []releaseStep, errs *[]error) {
	if len(steps) == 0 {
		return
	}
	last := steps[len(steps)-1]
	defer unwind(ctx, steps[:len(steps)-1], errs)

	done := onRelease(ctx, last.name)
	err := last.fn(ctx)
	done(err)
	if err != nil {
		*errs = append(*errs, ReleaseError{Name: last.name, Err: err})
	}
}

// Enter acquires r and records its release on s.
//
// On failed acquisition nothing is recorded and the failure branch runs if set.
// Enter always reports the failure: it returns the failure branch error, or an
// AcquireError when the branch is absent or returns nil.
func Enter[T any](ctx context.Context, s *Stack, r Resource[T]) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	if s == nil {
		return zero, fmt.Errorf("enter resource %s: stack is nil", r.label())
	}
	if r.Acquire == nil {
		return zero, fmt.Errorf("enter resource %s: acquire func is nil", r.label())
	}
	if s.isClosed() {
		return zero, ErrStackClosed
	}

	v, cause, err := acquire(ctx, r)
	if cause != nil {
		if err == nil {
			err = AcquireError{Name: r.Name, Err: cause}
		}
		return zero, err
	}

	releaseFn := r.releaseFunc()
	if err := s.Defer(r.Name, func(ctx context.Context) error { return releaseFn(ctx, v) }); err != nil {
		// Closed concurrently: do not leak the handle.
		return zero, errors.Join(err, release(ctx, r, v))
	}
	return v, nil
}

// WithStack runs body with a fresh Stack and closes it however body exits.
func WithStack(ctx context.Context, body func(ctx context.Context, s *Stack) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if body == nil {
		return fmt.Errorf("with stack: body func is nil")
	}

	s := &Stack{}
	defer func() {
		if closeErr := s.Close(ctx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()
	return body(ctx, s)
}
