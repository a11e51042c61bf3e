package scope

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Resource declares one scoped resource.
//
// Acquire obtains the handle and must be provided; a nil error means success.
// Release relinquishes a successfully acquired handle. If omitted, io.Closer is used when possible.
// Failure is the optional failure branch. It receives the handle returned by Acquire,
// which may be a sentinel value, and the acquisition error unmodified.
// Name only labels errors and trace events.
type Resource[T any] struct {
	Name    string
	Acquire func(ctx context.Context) (T, error)
	Release func(ctx context.Context, v T) error
	Failure func(ctx context.Context, v T, err error) error
}

// With acquires r, runs body with the handle and releases the handle exactly once.
//
// Release runs however body exits: normal return, error return, panic or
// runtime.Goexit. A panic is re-raised after release. Release errors are
// joined with the body error as ReleaseError.
//
// When acquisition fails, release and body never run. The failure branch runs
// instead and its result is returned; without one, With returns an AcquireError.
// A failed acquisition is never silent: callers that want to carry on past it
// set a Failure that returns nil, or check the error with errors.As.
func With[T any](ctx context.Context, r Resource[T], body func(ctx context.Context, v T) error) error {
	if body == nil {
		return fmt.Errorf("with resource %s: body func is nil", r.label())
	}
	_, err := Value(ctx, r, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, body(ctx, v)
	})
	return err
}

// Value is With for bodies that produce a result.
func Value[T any, R any](ctx context.Context, r Resource[T], body func(ctx context.Context, v T) (R, error)) (out R, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.Acquire == nil {
		return out, fmt.Errorf("with resource %s: acquire func is nil", r.label())
	}
	if body == nil {
		return out, fmt.Errorf("with resource %s: body func is nil", r.label())
	}

	v, cause, err := acquire(ctx, r)
	if cause != nil {
		return out, err
	}
	defer func() {
		if releaseErr := release(ctx, r, v); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	return body(ctx, v)
}

// acquire returns the raw acquisition error as cause and the outcome of the
// failure branch as err. cause is nil iff the handle was acquired.
func acquire[T any](ctx context.Context, r Resource[T]) (v T, cause error, err error) {
	done := onAcquire(ctx, r.Name)
	v, cause = r.Acquire(ctx)
	done(cause)
	if cause == nil {
		return v, nil, nil
	}

	onFailure(ctx, r.Name, cause, r.Failure != nil)
	if r.Failure != nil {
		return v, cause, r.Failure(ctx, v, cause)
	}
	return v, cause, AcquireError{Name: r.Name, Err: cause}
}

// release runs with a context that outlives the body's cancellation.
func release[T any](ctx context.Context, r Resource[T], v T) error {
	ctx = context.WithoutCancel(ctx)
	done := onRelease(ctx, r.Name)
	err := r.releaseFunc()(ctx, v)
	done(err)
	if err != nil {
		return ReleaseError{Name: r.Name, Err: err}
	}
	return nil
}

func (r Resource[T]) releaseFunc() func(ctx context.Context, v T) error {
	if r.Release != nil {
		return r.Release
	}
	return func(_ context.Context, v T) error {
		if closer, ok := any(v).(io.Closer); ok {
			return closer.Close()
		}
		return nil
	}
}

func (r Resource[T]) label() string {
	if r.Name == "" {
		return "<unnamed>"
	}
	return r.Name
}

// OK adapts an acquisition reporting success as a boolean.
// A false result becomes ErrNotAcquired; the returned value is kept for the failure branch.
func OK[T any](fn func(ctx context.Context) (T, bool)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		v, ok := fn(ctx)
		if !ok {
			return v, ErrNotAcquired
		}
		return v, nil
	}
}

// Valid adapts an acquisition that signals failure through a sentinel value.
func Valid[T any](fn func(ctx context.Context) T, valid func(v T) bool) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		v := fn(ctx)
		if !valid(v) {
			return v, ErrNotAcquired
		}
		return v, nil
	}
}

// NonNil adapts an acquisition that returns nil on failure.
func NonNil[T any](fn func(ctx context.Context) *T) func(ctx context.Context) (*T, error) {
	return Valid(fn, func(v *T) bool { return v != nil })
}

// Closer declares a resource released by its Close method.
func Closer[T io.Closer](name string, open func(ctx context.Context) (T, error)) Resource[T] {
	return Resource[T]{
		Name:    name,
		Acquire: open,
		Release: func(_ context.Context, v T) error {
			return v.Close()
		},
	}
}
