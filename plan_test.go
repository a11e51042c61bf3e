package scope

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testCloseRecorder struct {
	name string
	log  *callLog
}

func (r *testCloseRecorder) Close() error {
	r.log.add("close " + r.name)
	return nil
}

type nodeOpt struct {
	Name string `json:"name"`
	Dep  string `json:"dep"`
}

func registerRecorderNodes(t *testing.T, reg *Registry, log *callLog) {
	t.Helper()
	require.NoError(t, Register(reg, "node", "dep", Definition[nodeOpt, *testCloseRecorder]{
		Deps: func(o nodeOpt) ([]ID, error) {
			if o.Dep == "" {
				return nil, nil
			}
			return []ID{{Kind: "node", Name: o.Dep}}, nil
		},
		Acquire: func(ctx context.Context, r Resolver, o nodeOpt) (*testCloseRecorder, error) {
			if o.Dep != "" {
				if _, err := ResolveAs[*testCloseRecorder](ctx, r, ID{Kind: "node", Name: o.Dep}); err != nil {
					return nil, err
				}
			}
			log.add("open " + o.Name)
			return &testCloseRecorder{name: o.Name, log: log}, nil
		},
	}))
}

func TestPlanRunAndGraph(t *testing.T) {
	type dbOpt struct {
		DSN string `json:"dsn"`
	}
	type svcOpt struct {
		DB string `json:"db"`
	}
	type dbResource struct {
		dsn string
	}
	type svcResource struct {
		db *dbResource
	}

	reg := NewRegistry()
	var dbAcquireCount int32
	var svcAcquireCount int32
	var dbReleaseCount int32

	require.NoError(t, Register(reg, "db", "mock", Definition[dbOpt, *dbResource]{
		Acquire: func(_ context.Context, _ Resolver, opt dbOpt) (*dbResource, error) {
			atomic.AddInt32(&dbAcquireCount, 1)
			return &dbResource{dsn: opt.DSN}, nil
		},
		Release: func(_ context.Context, _ *dbResource) error {
			atomic.AddInt32(&dbReleaseCount, 1)
			return nil
		},
	}))
	require.NoError(t, Register(reg, "svc", "v1", Definition[svcOpt, *svcResource]{
		Deps: func(opt svcOpt) ([]ID, error) {
			return []ID{{Kind: "db", Name: opt.DB}}, nil
		},
		Acquire: func(ctx context.Context, r Resolver, opt svcOpt) (*svcResource, error) {
			atomic.AddInt32(&svcAcquireCount, 1)
			db, err := ResolveAs[*dbResource](ctx, r, ID{Kind: "db", Name: opt.DB})
			if err != nil {
				return nil, err
			}
			return &svcResource{db: db}, nil
		},
	}))

	p, err := NewPlan(reg, []NodeSpec{
		{Kind: "db", Name: "main", Driver: "mock", Options: mustRawJSON(t, dbOpt{DSN: "dsn://main"})},
		{Kind: "svc", Name: "api", Driver: "v1", Options: mustRawJSON(t, svcOpt{DB: "main"})},
	})
	require.NoError(t, err)

	graph := p.Graph()
	require.Len(t, graph.Nodes, 2)
	require.Len(t, graph.Edges, 1)
	assert.Equal(t, ID{Kind: "svc", Name: "api"}, graph.Edges[0].Inner)
	assert.Equal(t, ID{Kind: "db", Name: "main"}, graph.Edges[0].Outer)
	assert.Equal(t, []ID{{Kind: "db", Name: "main"}, {Kind: "svc", Name: "api"}}, p.AcquireOrder())
	assert.Equal(t, []ID{{Kind: "svc", Name: "api"}, {Kind: "db", Name: "main"}}, p.ReleaseOrder())
	assert.Equal(t, 0, graph.Nodes[0].Depth)
	assert.Equal(t, 2, graph.Nodes[0].Release)
	assert.Equal(t, 1, graph.Nodes[1].Depth)
	assert.Equal(t, 1, graph.Nodes[1].Release)
	assert.Contains(t, graph.DOT(), "digraph scope")
	assert.Contains(t, graph.DOT(), `n1 -> n0 [label="nests in"];`)
	assert.Contains(t, graph.DOT(), `release #2`)
	assert.Contains(t, graph.Mermaid(), "graph TD")
	assert.Contains(t, graph.Mermaid(), "n1 -->|nests in| n0")

	var escaped Resolver
	err = p.Run(context.Background(), func(ctx context.Context, r Resolver) error {
		escaped = r
		svc1, err := ResolveAs[*svcResource](ctx, r, ID{Kind: "svc", Name: "api"})
		require.NoError(t, err)
		assert.Equal(t, "dsn://main", svc1.db.dsn)

		svc2, err := ResolveAs[*svcResource](ctx, r, ID{Kind: "svc", Name: "api"})
		require.NoError(t, err)
		assert.True(t, svc1 == svc2, "handle should be cached for the run")
		assert.Equal(t, int32(0), atomic.LoadInt32(&dbReleaseCount))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&svcAcquireCount))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dbAcquireCount))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dbReleaseCount))

	_, err = escaped.Resolve(context.Background(), ID{Kind: "db", Name: "main"})
	assert.ErrorIs(t, err, ErrScopeClosed)

	// A second run acquires afresh.
	require.NoError(t, p.RunAll(context.Background(), func(context.Context, Resolver) error { return nil }))
	assert.Equal(t, int32(2), atomic.LoadInt32(&dbAcquireCount))
	assert.Equal(t, int32(2), atomic.LoadInt32(&dbReleaseCount))
}

func TestPlanResolveSingleflight(t *testing.T) {
	type opt struct{}
	type singleton struct{}

	reg := NewRegistry()
	var acquireCount int32
	require.NoError(t, Register(reg, "singleton", "mock", Definition[opt, *singleton]{
		Acquire: func(_ context.Context, _ Resolver, _ opt) (*singleton, error) {
			atomic.AddInt32(&acquireCount, 1)
			time.Sleep(30 * time.Millisecond)
			return &singleton{}, nil
		},
	}))

	p, err := NewPlan(reg, []NodeSpec{
		{Kind: "singleton", Name: "s1", Driver: "mock"},
	})
	require.NoError(t, err)

	const n = 32
	results := make([]*singleton, n)
	err = p.Run(context.Background(), func(ctx context.Context, r Resolver) error {
		var wg sync.WaitGroup
		wg.Add(n)
		errCh := make(chan error, n)
		for i := 0; i < n; i++ {
			i := i
			go func() {
				defer wg.Done()
				v, e := ResolveAs[*singleton](ctx, r, ID{Kind: "singleton", Name: "s1"})
				if e != nil {
					errCh <- e
					return
				}
				results[i] = v
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&acquireCount))
	first := results[0]
	for i := 1; i < n; i++ {
		assert.True(t, first == results[i], "all resolves should share one handle")
	}
}

func TestPlanReleaseInnermostFirst(t *testing.T) {
	log := &callLog{}
	reg := NewRegistry()
	registerRecorderNodes(t, reg, log)

	p, err := NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "a", Driver: "dep", Options: mustRawJSON(t, nodeOpt{Name: "a"})},
		{Kind: "node", Name: "b", Driver: "dep", Options: mustRawJSON(t, nodeOpt{Name: "b", Dep: "a"})},
		{Kind: "node", Name: "unused", Driver: "dep", Options: mustRawJSON(t, nodeOpt{Name: "unused"})},
	})
	require.NoError(t, err)

	err = p.Run(context.Background(), func(ctx context.Context, r Resolver) error {
		_, err := r.Resolve(ctx, ID{Kind: "node", Name: "b"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"open a", "open b", "close b", "close a"}, log.list())
}

func TestPlanAcquireFailure(t *testing.T) {
	type opt struct {
		Fail bool `json:"fail"`
	}
	errDial := errors.New("dial failed")
	log := &callLog{}

	reg := NewRegistry()
	require.NoError(t, Register(reg, "conn", "mock", Definition[opt, *testCloseRecorder]{
		Acquire: func(_ context.Context, _ Resolver, o opt) (*testCloseRecorder, error) {
			if o.Fail {
				return nil, errDial
			}
			log.add("open conn")
			return &testCloseRecorder{name: "conn", log: log}, nil
		},
		Failure: func(_ context.Context, out *testCloseRecorder, err error) error {
			assert.Nil(t, out)
			log.add("failure " + err.Error())
			return err
		},
	}))
	registerRecorderNodes(t, reg, log)

	p, err := NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "a", Driver: "dep", Options: mustRawJSON(t, nodeOpt{Name: "a"})},
		{Kind: "conn", Name: "bad", Driver: "mock", Options: mustRawJSON(t, opt{Fail: true})},
	})
	require.NoError(t, err)

	err = p.RunAll(context.Background(), func(context.Context, Resolver) error {
		t.Fatal("body must not run")
		return nil
	})
	require.ErrorIs(t, err, errDial)
	assert.Equal(t, []string{"open a", "failure dial failed", "close a"}, log.list())
}

func TestPlanValidationErrors(t *testing.T) {
	type depOpt struct {
		Dep string `json:"dep"`
	}

	reg := NewRegistry()
	require.NoError(t, Register(reg, "node", "dep", Definition[depOpt, struct{}]{
		Deps: func(opt depOpt) ([]ID, error) {
			if opt.Dep == "" {
				return nil, nil
			}
			return []ID{{Kind: "node", Name: opt.Dep}}, nil
		},
		Acquire: func(_ context.Context, _ Resolver, _ depOpt) (struct{}, error) {
			return struct{}{}, nil
		},
	}))

	_, err := NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "a", Driver: "missing"},
	})
	require.Error(t, err)
	var defErr DefinitionNotFoundError
	assert.True(t, errors.As(err, &defErr))

	_, err = NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "a", Driver: "dep"},
		{Kind: "node", Name: "a", Driver: "dep"},
	})
	require.Error(t, err)
	var dupErr DuplicateNodeError
	assert.True(t, errors.As(err, &dupErr))

	_, err = NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "a", Driver: "dep", Options: mustRawJSON(t, depOpt{Dep: "b"})},
	})
	require.Error(t, err)
	var missingErr DependencyNotFoundError
	assert.True(t, errors.As(err, &missingErr))

	_, err = NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "a", Driver: "dep", Options: mustRawJSON(t, depOpt{Dep: "b"})},
		{Kind: "node", Name: "b", Driver: "dep", Options: mustRawJSON(t, depOpt{Dep: "a"})},
	})
	require.Error(t, err)
	var cycleErr CycleDetectedError
	assert.True(t, errors.As(err, &cycleErr))
	require.Len(t, cycleErr.Path, 3)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[2])
	assert.Contains(t, cycleErr.Error(), "nests in")

	_, err = NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "", Driver: "dep"},
	})
	var specErr InvalidSpecError
	require.True(t, errors.As(err, &specErr))
	assert.Equal(t, 0, specErr.Index)
}

func TestPlanReportsEveryInvalidSpec(t *testing.T) {
	type opt struct {
		Size int `json:"size"`
	}
	reg := NewRegistry()
	require.NoError(t, Register(reg, "node", "plain", Definition[opt, int]{
		Acquire: func(context.Context, Resolver, opt) (int, error) { return 0, nil },
	}))

	_, err := NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "a", Driver: "plain"},
		{Kind: "node", Name: "a", Driver: "plain"},
		{Kind: "node", Name: "b", Driver: "missing"},
		{Kind: "node", Name: "c", Driver: "plain", Options: json.RawMessage(`{"size":"big"}`)},
		{Kind: "node", Name: "d"},
	})
	require.Error(t, err)

	var dupErr DuplicateNodeError
	require.True(t, errors.As(err, &dupErr))
	assert.Equal(t, 0, dupErr.First)
	assert.Equal(t, 1, dupErr.Second)

	var defErr DefinitionNotFoundError
	require.True(t, errors.As(err, &defErr))
	assert.Equal(t, ID{Kind: "node", Name: "b"}, defErr.ID)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	var indexes []int
	for _, e := range joined.Unwrap() {
		var specErr InvalidSpecError
		if errors.As(e, &specErr) {
			indexes = append(indexes, specErr.Index)
		}
	}
	assert.Equal(t, []int{3, 4}, indexes)
}

func TestPlanCycleAcrossUndeclaredResolve(t *testing.T) {
	type opt struct {
		Next string `json:"next"`
	}
	reg := NewRegistry()
	// Resolves its peer without declaring it, so only the runtime guard can catch the loop.
	require.NoError(t, Register(reg, "node", "sneaky", Definition[opt, string]{
		Acquire: func(ctx context.Context, r Resolver, o opt) (string, error) {
			if _, err := r.Resolve(ctx, ID{Kind: "node", Name: o.Next}); err != nil {
				return "", err
			}
			return o.Next, nil
		},
	}))

	p, err := NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "a", Driver: "sneaky", Options: mustRawJSON(t, opt{Next: "b"})},
		{Kind: "node", Name: "b", Driver: "sneaky", Options: mustRawJSON(t, opt{Next: "a"})},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background(), func(ctx context.Context, r Resolver) error {
			_, err := r.Resolve(ctx, ID{Kind: "node", Name: "a"})
			return err
		})
	}()

	select {
	case err := <-done:
		var cycleErr CycleDetectedError
		require.True(t, errors.As(err, &cycleErr))
		assert.Equal(t, []ID{
			{Kind: "node", Name: "a"},
			{Kind: "node", Name: "b"},
			{Kind: "node", Name: "a"},
		}, cycleErr.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("resolve of a self-referencing chain did not return")
	}
}

func TestPlanReleasesOnBodyPanic(t *testing.T) {
	log := &callLog{}
	reg := NewRegistry()
	registerRecorderNodes(t, reg, log)

	p, err := NewPlan(reg, []NodeSpec{
		{Kind: "node", Name: "a", Driver: "dep", Options: mustRawJSON(t, nodeOpt{Name: "a"})},
		{Kind: "node", Name: "b", Driver: "dep", Options: mustRawJSON(t, nodeOpt{Name: "b", Dep: "a"})},
	})
	require.NoError(t, err)

	assert.PanicsWithValue(t, "body", func() {
		_ = p.RunAll(context.Background(), func(context.Context, Resolver) error {
			panic("body")
		})
	})
	assert.Equal(t, []string{"open a", "open b", "close b", "close a"}, log.list())
}

func TestPlanResolveWhileReleasing(t *testing.T) {
	type opt struct{}
	var (
		escaped      Resolver
		lateErr      error
		acquireCount int32
	)
	reg := NewRegistry()
	require.NoError(t, Register(reg, "conn", "mock", Definition[opt, string]{
		Acquire: func(context.Context, Resolver, opt) (string, error) {
			atomic.AddInt32(&acquireCount, 1)
			return "conn", nil
		},
		Release: func(ctx context.Context, _ string) error {
			// Runs while the stack unwinds; the run must already refuse new work.
			_, lateErr = escaped.Resolve(ctx, ID{Kind: "conn", Name: "late"})
			return nil
		},
	}))

	p, err := NewPlan(reg, []NodeSpec{
		{Kind: "conn", Name: "first", Driver: "mock"},
		{Kind: "conn", Name: "late", Driver: "mock"},
	})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), func(ctx context.Context, r Resolver) error {
		escaped = r
		_, err := r.Resolve(ctx, ID{Kind: "conn", Name: "first"})
		return err
	}))
	assert.ErrorIs(t, lateErr, ErrScopeClosed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&acquireCount))

	// A handle cached by the finished run is not handed out either.
	v, err := escaped.Resolve(context.Background(), ID{Kind: "conn", Name: "first"})
	assert.ErrorIs(t, err, ErrScopeClosed)
	assert.Nil(t, v)
}

func TestRegisterValidation(t *testing.T) {
	type opt struct{}
	acquire := func(context.Context, Resolver, opt) (int, error) { return 0, nil }

	reg := NewRegistry()
	assert.Error(t, Register(reg, "", "d", Definition[opt, int]{Acquire: acquire}))
	assert.Error(t, Register(reg, "k", "", Definition[opt, int]{Acquire: acquire}))
	assert.Error(t, Register(reg, "k", "d", Definition[opt, int]{}))
	require.NoError(t, Register(reg, "k", "d", Definition[opt, int]{Acquire: acquire}))
	assert.Error(t, Register(reg, "k", "d", Definition[opt, int]{Acquire: acquire}))
	assert.Panics(t, func() {
		MustRegister(reg, "k", "d", Definition[opt, int]{Acquire: acquire})
	})
}

func TestResolveAsTypeMismatch(t *testing.T) {
	type opt struct{}
	reg := NewRegistry()
	require.NoError(t, Register(reg, "value", "str", Definition[opt, string]{
		Acquire: func(_ context.Context, _ Resolver, _ opt) (string, error) {
			return "ok", nil
		},
	}))
	p, err := NewPlan(reg, []NodeSpec{
		{Kind: "value", Name: "v1", Driver: "str"},
	})
	require.NoError(t, err)

	err = p.Run(context.Background(), func(ctx context.Context, r Resolver) error {
		_, err := ResolveAs[int](ctx, r, ID{Kind: "value", Name: "v1"})
		return err
	})
	require.Error(t, err)
	var typeErr TypeMismatchError
	assert.True(t, errors.As(err, &typeErr))
}

func mustRawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
