package lazyload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

type slotNode struct {
	name    string
	driver  string
	opt     any
	deps    []string
	build   func(ctx context.Context, r Resolver) (Resource, error)
	closeFn func(ctx context.Context, res Resource) error
}

// Holder owns named resource slots plus a diagnostic sink, each constructed
// on first access rather than at construction time and cached thereafter.
// It provides:
// 1) startup dependency graph compilation and validation
// 2) runtime lazy build, caching, and singleflight deduplication
// 3) explicit per-slot injection of pre-built resources
// 4) reverse-topological teardown
type Holder struct {
	params Params
	id     string

	slots map[string]*slotNode
	order []string
	topo  []string
	graph Graph

	mu       sync.RWMutex
	resolved map[string]Resource

	sf singleflight.Group

	logMu    sync.Mutex
	logger   *slog.Logger
	logOut   io.Writer
	logLevel slog.Level
}

type slotDecl struct {
	name     string
	build    BuildFunc
	registry *Registry
	spec     SlotSpec
}

type holderConfig struct {
	decls    []slotDecl
	logger   *slog.Logger
	logOut   io.Writer
	logLevel slog.Level
}

// Option configures a Holder at construction time.
type Option func(*holderConfig)

// WithSlot declares a slot whose default resource is built by the given factory.
func WithSlot(name string, build BuildFunc) Option {
	return func(c *holderConfig) {
		c.decls = append(c.decls, slotDecl{name: name, build: build})
	}
}

// WithSpecs declares slots from declarative specs bound through a Registry.
func WithSpecs(registry *Registry, specs ...SlotSpec) Option {
	return func(c *holderConfig) {
		for _, spec := range specs {
			c.decls = append(c.decls, slotDecl{name: spec.Name, registry: registry, spec: spec})
		}
	}
}

// WithLogger injects a pre-built diagnostic sink, bypassing lazy construction.
func WithLogger(logger *slog.Logger) Option {
	return func(c *holderConfig) { c.logger = logger }
}

// WithLogWriter sets the destination the lazily built sink writes to.
// Defaults to stderr.
func WithLogWriter(w io.Writer) Option {
	return func(c *holderConfig) { c.logOut = w }
}

// WithLogLevel sets the sink's severity threshold. Defaults to info.
func WithLogLevel(level slog.Level) Option {
	return func(c *holderConfig) { c.logLevel = level }
}

// New constructs a Holder with its fixed params and declared slots.
// Construction stores the params verbatim; all fallible resource work is
// deferred to first access. Slot declarations themselves are validated here:
// duplicates, unknown drivers, missing dependencies and cycles are rejected.
func New(params Params, opts ...Option) (*Holder, error) {
	cfg := holderConfig{
		logOut:   os.Stderr,
		logLevel: slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Holder{
		params:   params,
		id:       uuid.NewString(),
		slots:    make(map[string]*slotNode, len(cfg.decls)),
		resolved: make(map[string]Resource, len(cfg.decls)),
		logger:   cfg.logger,
		logOut:   cfg.logOut,
		logLevel: cfg.logLevel,
	}
	if err := h.compile(cfg.decls); err != nil {
		return nil, err
	}
	return h, nil
}

// Params returns the holder's construction-time configuration values.
func (h *Holder) Params() Params { return h.params }

// String implements fmt.Stringer.
func (h *Holder) String() string {
	return fmt.Sprintf("Holder(param1=%q, param2=%d)", h.params.Param1, h.params.Param2)
}

// Slots returns the declared slot names in declaration order.
func (h *Holder) Slots() []string {
	order := make([]string, len(h.order))
	copy(order, h.order)
	return order
}

// Graph returns a compiled dependency graph snapshot for this holder.
func (h *Holder) Graph() Graph {
	return h.graph.clone()
}

// TopoOrder returns a topological order snapshot (dependencies first).
func (h *Holder) TopoOrder() []string {
	order := make([]string, len(h.topo))
	copy(order, h.topo)
	return order
}

// Resolve builds or returns the cached resource for a slot.
// The default resource is constructed at most once per slot; once a slot is
// populated, by lazy access or by Inject, Resolve is a pure read.
func (h *Holder) Resolve(ctx context.Context, name string) (Resource, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	withStack, err := pushResolveStack(ctx, name)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	cached, ok := h.resolved[name]
	h.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := h.sf.Do(name, func() (any, error) {
		h.mu.RLock()
		cachedAgain, ok := h.resolved[name]
		h.mu.RUnlock()
		if ok {
			return cachedAgain, nil
		}

		node, ok := h.slots[name]
		if !ok {
			return nil, SlotNotFoundError{Name: name}
		}

		for _, dep := range node.deps {
			if _, err := h.Resolve(withStack, dep); err != nil {
				return nil, fmt.Errorf("resolve dependency %s for %s: %w", dep, name, err)
			}
		}

		instance, err := node.build(withStack, h)
		if err != nil {
			return nil, fmt.Errorf("build resource %s: %w", name, err)
		}

		h.mu.Lock()
		h.resolved[name] = instance
		h.mu.Unlock()
		h.Logger().Debug("resource slot initialized", slog.String("slot", name))
		return instance, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Resource), nil
}

// Resolved returns a cached resource without triggering a build.
func (h *Holder) Resolved(name string) (Resource, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.resolved[name]
	return v, ok
}

// Inject replaces a slot's cached resource with a pre-built instance,
// bypassing default construction entirely. Only declared slot names are
// accepted; an unknown name is rejected and mutates nothing.
func (h *Holder) Inject(name string, res Resource) error {
	if res == nil {
		return fmt.Errorf("inject resource %s: resource is nil", name)
	}
	if _, ok := h.slots[name]; !ok {
		err := SlotNotFoundError{Name: name}
		h.Logger().Error("inject resource failed", slog.String("slot", name), slog.String("error", err.Error()))
		return err
	}
	h.mu.Lock()
	h.resolved[name] = res
	h.mu.Unlock()
	return nil
}

// Invoke resolves every slot in declaration order and calls each resource's
// Invoke operation, returning the results keyed by slot name.
// Any failure is logged at error severity and returned unchanged;
// no partial result is returned.
func (h *Holder) Invoke(ctx context.Context) (map[string]any, error) {
	results := make(map[string]any, len(h.order))
	for _, name := range h.order {
		res, err := h.Resolve(ctx, name)
		if err != nil {
			h.Logger().Error("invoke dependent resources failed",
				slog.String("slot", name), slog.String("error", err.Error()))
			return nil, err
		}
		out, err := res.Invoke(ctx)
		if err != nil {
			h.Logger().Error("invoke dependent resources failed",
				slog.String("slot", name), slog.String("error", err.Error()))
			return nil, err
		}
		results[name] = out
	}
	h.Logger().Info("invoked all dependent resources")
	return results, nil
}

// ToMap resolves every slot and assembles a mapping containing the holder's
// params plus each resource's own serialized mapping, keyed by slot name.
// Error policy is identical to Invoke: log, then propagate.
func (h *Holder) ToMap(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"param1": h.params.Param1,
		"param2": h.params.Param2,
	}
	for _, name := range h.order {
		res, err := h.Resolve(ctx, name)
		if err != nil {
			h.Logger().Error("serialize holder failed",
				slog.String("slot", name), slog.String("error", err.Error()))
			return nil, err
		}
		m, err := res.ToMap()
		if err != nil {
			h.Logger().Error("serialize holder failed",
				slog.String("slot", name), slog.String("error", err.Error()))
			return nil, err
		}
		out[name] = m
	}
	h.Logger().Info("serialized holder to mapping")
	return out, nil
}

// ResolveSlots resolves slots in batch.
func (h *Holder) ResolveSlots(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := h.Resolve(ctx, name); err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
	}
	return nil
}

// Close shuts down all resolved resources in reverse topological order.
func (h *Holder) Close(ctx context.Context) error {
	return h.closeWithKeys(ctx, nil)
}

// CloseSlots shuts down selected resolved resources in reverse topological order.
func (h *Holder) CloseSlots(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	keys := make(map[string]struct{}, len(names))
	for _, name := range names {
		keys[name] = struct{}{}
	}
	return h.closeWithKeys(ctx, keys)
}

func (h *Holder) closeWithKeys(ctx context.Context, keys map[string]struct{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.RLock()
	built := make(map[string]Resource, len(h.resolved))
	for k, v := range h.resolved {
		if len(keys) > 0 {
			if _, selected := keys[k]; !selected {
				continue
			}
		}
		built[k] = v
	}
	h.mu.RUnlock()

	var errs []error
	closed := make([]string, 0, len(built))
	for i := len(h.topo) - 1; i >= 0; i-- {
		name := h.topo[i]
		instance, ok := built[name]
		if !ok {
			continue
		}
		node := h.slots[name]
		if node == nil {
			continue
		}

		if node.closeFn != nil {
			if err := node.closeFn(ctx, instance); err != nil {
				errs = append(errs, fmt.Errorf("close resource %s: %w", name, err))
			}
			closed = append(closed, name)
			continue
		}
		if closer, ok := instance.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close resource %s: %w", name, err))
			}
		}
		closed = append(closed, name)
	}

	h.mu.Lock()
	if len(keys) == 0 {
		h.resolved = make(map[string]Resource, len(h.slots))
	} else {
		for _, name := range closed {
			delete(h.resolved, name)
		}
	}
	h.mu.Unlock()

	return errors.Join(errs...)
}

func (h *Holder) compile(decls []slotDecl) error {
	order := make([]string, 0, len(decls))
	for _, decl := range decls {
		if decl.name == "" {
			return fmt.Errorf("compile resource slot: name is empty")
		}
		if _, exists := h.slots[decl.name]; exists {
			return DuplicateSlotError{Name: decl.name}
		}

		node := &slotNode{name: decl.name}
		switch {
		case decl.build != nil:
			build := decl.build
			node.build = func(ctx context.Context, r Resolver) (Resource, error) {
				return build(ctx, r)
			}
		case decl.registry != nil:
			if decl.spec.Driver == "" {
				return fmt.Errorf("compile resource slot %s: driver is empty", decl.name)
			}
			def, ok := decl.registry.get(decl.spec.Driver)
			if !ok {
				return DriverNotFoundError{Driver: decl.spec.Driver}
			}
			opt, err := def.decode(decl.spec.Options)
			if err != nil {
				return fmt.Errorf("decode options for %s: %w", decl.name, err)
			}
			deps, err := def.deps(opt)
			if err != nil {
				return fmt.Errorf("list deps for %s: %w", decl.name, err)
			}
			for _, dep := range deps {
				if dep == "" {
					return fmt.Errorf("invalid dependency for %s: name is empty", decl.name)
				}
			}
			node.driver = decl.spec.Driver
			node.opt = opt
			node.deps = append([]string(nil), deps...)
			node.closeFn = def.closeFn
			build := def.build
			node.build = func(ctx context.Context, r Resolver) (Resource, error) {
				return build(ctx, r, opt)
			}
		default:
			return fmt.Errorf("compile resource slot %s: no factory or spec", decl.name)
		}

		h.slots[decl.name] = node
		order = append(order, decl.name)
	}
	h.order = order

	edges := make([]GraphEdge, 0, len(decls))
	for _, name := range order {
		node := h.slots[name]
		for _, dep := range node.deps {
			if _, ok := h.slots[dep]; !ok {
				return DependencyNotFoundError{From: name, To: dep}
			}
			edges = append(edges, GraphEdge{From: name, To: dep})
		}
	}

	topo, err := h.topoSort(order)
	if err != nil {
		return err
	}
	h.topo = topo

	nodes := make([]GraphNode, 0, len(order))
	for _, name := range order {
		nodes = append(nodes, GraphNode{
			Name:   name,
			Driver: h.slots[name].driver,
		})
	}
	h.graph = Graph{
		Nodes:     nodes,
		Edges:     edges,
		TopoOrder: append([]string(nil), topo...),
	}
	return nil
}

func (h *Holder) topoSort(order []string) ([]string, error) {
	const (
		stateNew uint8 = iota
		stateVisiting
		stateDone
	)

	state := make(map[string]uint8, len(order))
	stack := make([]string, 0, len(order))
	stackPos := make(map[string]int, len(order))
	topo := make([]string, 0, len(order))

	var dfs func(name string) error
	dfs = func(name string) error {
		switch state[name] {
		case stateDone:
			return nil
		case stateVisiting:
			// This branch is usually caught in dependency traversal above; keep as a safety net.
			pos := stackPos[name]
			cycle := append([]string(nil), stack[pos:]...)
			cycle = append(cycle, name)
			return CycleDetectedError{Path: cycle}
		}

		state[name] = stateVisiting
		stackPos[name] = len(stack)
		stack = append(stack, name)

		node := h.slots[name]
		for _, dep := range node.deps {
			if state[dep] == stateVisiting {
				pos := stackPos[dep]
				cycle := append([]string(nil), stack[pos:]...)
				cycle = append(cycle, dep)
				return CycleDetectedError{Path: cycle}
			}
			if err := dfs(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		delete(stackPos, name)
		state[name] = stateDone
		topo = append(topo, name)
		return nil
	}

	for _, name := range order {
		if state[name] == stateDone {
			continue
		}
		if err := dfs(name); err != nil {
			return nil, err
		}
	}
	return topo, nil
}

type resolveStackContextKey struct{}

func pushResolveStack(ctx context.Context, current string) (context.Context, error) {
	stack, _ := ctx.Value(resolveStackContextKey{}).([]string)
	for i := range stack {
		if stack[i] == current {
			cycle := append([]string(nil), stack[i:]...)
			cycle = append(cycle, current)
			return nil, CycleDetectedError{Path: cycle}
		}
	}
	next := make([]string, 0, len(stack)+1)
	next = append(next, stack...)
	next = append(next, current)
	return context.WithValue(ctx, resolveStackContextKey{}, next), nil
}
