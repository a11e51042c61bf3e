package scope

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/singleflight"
)

type compiledNode struct {
	id     ID
	driver string
	opt    any
	deps   []ID
	def    compiledDefinition
}

// Plan is a validated set of resource declarations.
// It provides:
// 1) startup dependency graph compilation and validation
// 2) scoped runs that acquire resources lazily, dependencies first
// 3) release of everything a run acquired, innermost first, when the run ends
//
// A Plan holds no handles itself and may be run any number of times, concurrently.
type Plan struct {
	registry *Registry

	nodes    map[string]*compiledNode
	declared []ID
	order    []ID
	graph    Graph
}

func NewPlan(registry *Registry, specs []NodeSpec) (*Plan, error) {
	if registry == nil {
		return nil, fmt.Errorf("new plan: registry is nil")
	}

	p := &Plan{
		registry: registry,
		nodes:    make(map[string]*compiledNode, len(specs)),
	}
	if err := p.compile(specs); err != nil {
		return nil, err
	}
	return p, nil
}

// Graph returns a compiled dependency graph snapshot for this plan.
func (p *Plan) Graph() Graph {
	return p.graph.clone()
}

// AcquireOrder returns the outermost-to-innermost order RunAll acquires in.
func (p *Plan) AcquireOrder() []ID {
	return append([]ID(nil), p.order...)
}

// ReleaseOrder returns the order a run that acquired everything releases in.
func (p *Plan) ReleaseOrder() []ID {
	return append([]ID(nil), p.graph.ReleaseOrder...)
}

// Run opens a scope and runs body with a Resolver bound to it.
//
// Resources are acquired on first Resolve and cached for the rest of the run.
// When body returns, panics or exits the goroutine, every acquired resource is
// released exactly once in reverse acquisition order. The Resolver must not be
// used after Run returns.
func (p *Plan) Run(ctx context.Context, body func(ctx context.Context, r Resolver) error) error {
	if body == nil {
		return fmt.Errorf("run plan: body func is nil")
	}
	return WithStack(ctx, func(ctx context.Context, s *Stack) error {
		run := p.newRun(s)
		// Sealed before the stack unwinds, so no caller gets a handle being released.
		defer run.seal()
		return body(ctx, run)
	})
}

// RunAll is Run with every declared resource acquired, in AcquireOrder, before body starts.
func (p *Plan) RunAll(ctx context.Context, body func(ctx context.Context, r Resolver) error) error {
	if body == nil {
		return fmt.Errorf("run plan: body func is nil")
	}
	return p.Run(ctx, func(ctx context.Context, r Resolver) error {
		for _, id := range p.order {
			if _, err := r.Resolve(ctx, id); err != nil {
				return fmt.Errorf("resolve %s: %w", id.String(), err)
			}
		}
		return body(ctx, r)
	})
}

type planRun struct {
	plan  *Plan
	stack *Stack

	mu      sync.RWMutex
	handles map[string]any
	sealed  bool

	sf singleflight.Group
}

func (p *Plan) newRun(s *Stack) *planRun {
	return &planRun{
		plan:    p,
		stack:   s,
		handles: make(map[string]any, len(p.nodes)),
	}
}

func (r *planRun) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// cached reads the handle cache and the sealed flag in one critical section.
func (r *planRun) cached(key string) (any, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sealed {
		return nil, false, ErrScopeClosed
	}
	v, ok := r.handles[key]
	return v, ok, nil
}

// Resolve acquires or returns the cached handle for id within this run.
func (r *planRun) Resolve(ctx context.Context, id ID) (any, error) {
	if err := id.validate(); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id.String(), err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	inner, err := enterResolve(ctx, id)
	if err != nil {
		return nil, err
	}
	key := id.String()

	if v, ok, err := r.cached(key); err != nil || ok {
		return v, err
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		if v, ok, err := r.cached(key); err != nil || ok {
			return v, err
		}

		node, ok := r.plan.nodes[key]
		if !ok {
			return nil, NodeNotFoundError{ID: id}
		}

		for _, outer := range node.deps {
			if _, err := r.Resolve(inner, outer); err != nil {
				return nil, fmt.Errorf("resolve %s for %s: %w", outer.String(), key, err)
			}
		}

		handle, err := Enter(inner, r.stack, node.def.resource(id, r, node.opt))
		if err != nil {
			if errors.Is(err, ErrStackClosed) {
				return nil, errors.Join(ErrScopeClosed, err)
			}
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.sealed {
			// Already on the stack; the closing run releases it.
			return nil, ErrScopeClosed
		}
		r.handles[key] = handle
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ResolveAs is a typed wrapper around Resolve.
func ResolveAs[T any](ctx context.Context, r Resolver, id ID) (T, error) {
	v, err := r.Resolve(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	var zero T
	return zero, TypeMismatchError{
		ID:       id,
		Expected: reflect.TypeOf((*T)(nil)).Elem().String(),
		Actual:   fmt.Sprintf("%T", v),
	}
}

// compile validates every spec and reports all problems at once.
// Nesting is only checked once each spec is valid on its own.
func (p *Plan) compile(specs []NodeSpec) error {
	var errs []error
	firstIndex := make(map[string]int, len(specs))
	for i, spec := range specs {
		id := spec.ID()
		invalid := func(err error) {
			errs = append(errs, InvalidSpecError{Index: i, ID: id, Err: err})
		}
		if err := id.validate(); err != nil {
			invalid(err)
			continue
		}
		if spec.Driver == "" {
			invalid(errors.New("driver is empty"))
			continue
		}

		key := id.String()
		if first, exists := firstIndex[key]; exists {
			errs = append(errs, DuplicateNodeError{ID: id, First: first, Second: i})
			continue
		}
		firstIndex[key] = i

		def, ok := p.registry.get(spec.Kind, spec.Driver)
		if !ok {
			errs = append(errs, DefinitionNotFoundError{ID: id, Kind: spec.Kind, Driver: spec.Driver})
			continue
		}
		opt, err := def.decode(spec.Options)
		if err != nil {
			invalid(fmt.Errorf("decode options: %w", err))
			continue
		}
		deps, err := def.deps(opt)
		if err != nil {
			invalid(fmt.Errorf("list deps: %w", err))
			continue
		}
		outers, err := uniqueIDs(deps)
		if err != nil {
			invalid(err)
			continue
		}

		p.nodes[key] = &compiledNode{
			id:     id,
			driver: spec.Driver,
			opt:    opt,
			deps:   outers,
			def:    def,
		}
		p.declared = append(p.declared, id)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, id := range p.declared {
		for _, outer := range p.nodes[id.String()].deps {
			if _, ok := p.nodes[outer.String()]; !ok {
				errs = append(errs, DependencyNotFoundError{Inner: id, Outer: outer})
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	order, err := p.nestingOrder()
	if err != nil {
		return err
	}
	p.order = order
	p.graph = newGraph(p.nodes, p.declared, order)
	return nil
}

func uniqueIDs(ids []ID) ([]ID, error) {
	out := make([]ID, 0, len(ids))
	seen := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		if err := id.validate(); err != nil {
			return nil, fmt.Errorf("dependency %s: %w", id.String(), err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// nestingOrder places every resource after the ones it nests in, peeling off
// resources whose outers are all placed. Ties keep declaration order.
func (p *Plan) nestingOrder() ([]ID, error) {
	waiting := make(map[string]int, len(p.declared))
	inners := make(map[string][]ID, len(p.declared))
	ready := make([]ID, 0, len(p.declared))
	for _, id := range p.declared {
		outers := p.nodes[id.String()].deps
		waiting[id.String()] = len(outers)
		for _, outer := range outers {
			inners[outer.String()] = append(inners[outer.String()], id)
		}
		if len(outers) == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]ID, 0, len(p.declared))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, inner := range inners[id.String()] {
			waiting[inner.String()]--
			if waiting[inner.String()] == 0 {
				ready = append(ready, inner)
			}
		}
	}
	if len(order) == len(p.declared) {
		return order, nil
	}
	return nil, CycleDetectedError{Path: p.cycleAmong(waiting)}
}

// cycleAmong follows unplaced outers from the first unplaced resource.
// Every unplaced resource has an unplaced outer, so the walk must revisit a resource.
func (p *Plan) cycleAmong(waiting map[string]int) []ID {
	var cur ID
	for _, id := range p.declared {
		if waiting[id.String()] > 0 {
			cur = id
			break
		}
	}

	pos := make(map[ID]int)
	var path []ID
	for {
		if at, seen := pos[cur]; seen {
			return append(path[at:], cur)
		}
		pos[cur] = len(path)
		path = append(path, cur)
		for _, outer := range p.nodes[cur.String()].deps {
			if waiting[outer.String()] > 0 {
				cur = outer
				break
			}
		}
	}
}

// resolveTrail is the chain of resources being acquired on the current call path.
type resolveTrail struct {
	id     ID
	parent *resolveTrail
}

type resolveTrailKey struct{}

// enterResolve catches a definition that resolves an undeclared ID leading back to
// a resource still being acquired, which would otherwise wait on itself.
func enterResolve(ctx context.Context, id ID) (context.Context, error) {
	parent, _ := ctx.Value(resolveTrailKey{}).(*resolveTrail)
	for t := parent; t != nil; t = t.parent {
		if t.id != id {
			continue
		}
		var path []ID
		for u := parent; u != t.parent; u = u.parent {
			path = append([]ID{u.id}, path...)
		}
		return nil, CycleDetectedError{Path: append(path, id)}
	}
	return context.WithValue(ctx, resolveTrailKey{}, &resolveTrail{id: id, parent: parent}), nil
}
