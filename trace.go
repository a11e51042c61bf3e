package scope

import (
	"context"
	"time"
)

// Trace holds optional observation hooks. Any field may be nil.
//
// OnAcquire and OnRelease are start hooks returning a done hook, which may also be nil.
type Trace struct {
	OnAcquire func(AcquireStartInfo) func(AcquireDoneInfo)
	OnRelease func(ReleaseStartInfo) func(ReleaseDoneInfo)
	OnFailure func(FailureInfo)
}

type (
	AcquireStartInfo struct {
		Context context.Context
		Name    string
	}
	AcquireDoneInfo struct {
		Latency time.Duration
		Error   error
	}
	ReleaseStartInfo struct {
		Context context.Context
		Name    string
	}
	ReleaseDoneInfo struct {
		Latency time.Duration
		Error   error
	}
	// FailureInfo is reported when acquisition fails. Handled is true when a
	// failure branch was supplied.
	FailureInfo struct {
		Context context.Context
		Name    string
		Error   error
		Handled bool
	}
)

type traceContextKey struct{}

// WithTrace returns a context carrying t. Scopes opened with that context report to t.
func WithTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, traceContextKey{}, t)
}

// ContextTrace returns the Trace carried by ctx, or a zero Trace.
func ContextTrace(ctx context.Context) Trace {
	t, _ := ctx.Value(traceContextKey{}).(Trace)
	return t
}

func onAcquire(ctx context.Context, name string) func(err error) {
	start := time.Now()
	var onDone func(AcquireDoneInfo)
	if fn := ContextTrace(ctx).OnAcquire; fn != nil {
		onDone = fn(AcquireStartInfo{Context: ctx, Name: name})
	}
	return func(err error) {
		if onDone != nil {
			onDone(AcquireDoneInfo{Latency: time.Since(start), Error: err})
		}
	}
}

func onRelease(ctx context.Context, name string) func(err error) {
	start := time.Now()
	var onDone func(ReleaseDoneInfo)
	if fn := ContextTrace(ctx).OnRelease; fn != nil {
		onDone = fn(ReleaseStartInfo{Context: ctx, Name: name})
	}
	return func(err error) {
		if onDone != nil {
			onDone(ReleaseDoneInfo{Latency: time.Since(start), Error: err})
		}
	}
}

func onFailure(ctx context.Context, name string, err error, handled bool) {
	if fn := ContextTrace(ctx).OnFailure; fn != nil {
		fn(FailureInfo{Context: ctx, Name: name, Error: err, Handled: handled})
	}
}
