package reload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-lazyload/lazyload"
)

type snapshotNode struct {
	name string
	hash string
	deps []string
}

// Result describes the slot changes of one reconciliation.
type Result struct {
	Added     []string // Slot exists only in new specs.
	Removed   []string // Slot exists only in old specs.
	Reused    []string // Slot is reused (unchanged and deps not rebuilt).
	Rebuilt   []string // Slot is rebuilt (added/self changed/dependency changed).
	ClosedOld []string // Old resources closed after switch (removed + rebuilt in old holder).
}

// Reconciler keeps the active holder and applies incremental switches on new specs.
//
// Semantics:
// 1. build next holder from new specs
// 2. inject reusable resources into next
// 3. prewarm rebuilt slots before switching
// 4. atomically swap current
// 5. close expired slots from old in reverse-topological order
type Reconciler struct {
	registry *lazyload.Registry
	params   lazyload.Params
	opts     []lazyload.Option

	mu       sync.RWMutex
	current  *lazyload.Holder
	snapshot map[string]snapshotNode
}

// New creates a Reconciler. The extra options are applied to every holder it
// builds, so sink configuration carries across reloads.
func New(registry *lazyload.Registry, params lazyload.Params, initial []lazyload.SlotSpec, opts ...lazyload.Option) (*Reconciler, error) {
	if registry == nil {
		return nil, fmt.Errorf("new reconciler: registry is nil")
	}
	r := &Reconciler{
		registry: registry,
		params:   params,
		opts:     opts,
	}
	if len(initial) == 0 {
		return r, nil
	}
	if _, err := r.Reconcile(context.Background(), initial); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the active holder snapshot.
func (r *Reconciler) Current() *lazyload.Holder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reconcile switches reconciler state to new specs.
func (r *Reconciler) Reconcile(ctx context.Context, specs []lazyload.SlotSpec) (Result, error) {
	holderOpts := append([]lazyload.Option{lazyload.WithSpecs(r.registry, specs...)}, r.opts...)
	next, err := lazyload.New(r.params, holderOpts...)
	if err != nil {
		return Result{}, fmt.Errorf("build next holder: %w", err)
	}
	nextSnapshot, err := buildSnapshot(specs, next.Graph())
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	if r.current == nil {
		r.current = next
		r.snapshot = nextSnapshot
		r.mu.Unlock()
		order := next.TopoOrder()
		return Result{
			Added:   append([]string(nil), order...),
			Rebuilt: append([]string(nil), order...),
		}, nil
	}

	old := r.current
	oldSnapshot := cloneSnapshot(r.snapshot)
	diff := diffSnapshots(oldSnapshot, nextSnapshot, old.TopoOrder(), next.TopoOrder())

	for _, name := range diff.Reused {
		instance, ok := old.Resolved(name)
		if !ok {
			continue
		}
		if err := next.Inject(name, instance); err != nil {
			r.mu.Unlock()
			return Result{}, fmt.Errorf("inject reused resource %s: %w", name, err)
		}
	}

	if err := next.ResolveSlots(ctx, diff.Rebuilt); err != nil {
		r.mu.Unlock()
		_ = next.CloseSlots(context.Background(), diff.Rebuilt)
		return Result{}, fmt.Errorf("prewarm rebuilt resources: %w", err)
	}

	r.current = next
	r.snapshot = nextSnapshot
	r.mu.Unlock()

	closeErr := old.CloseSlots(ctx, diff.ClosedOld)
	if closeErr != nil {
		return diff, fmt.Errorf("switch success but close old failed: %w", closeErr)
	}
	return diff, nil
}

func buildSnapshot(specs []lazyload.SlotSpec, graph lazyload.Graph) (map[string]snapshotNode, error) {
	specByName := make(map[string]lazyload.SlotSpec, len(specs))
	for _, spec := range specs {
		specByName[spec.Name] = spec
	}
	depsByName := make(map[string][]string, len(graph.Nodes))
	for _, edge := range graph.Edges {
		depsByName[edge.From] = append(depsByName[edge.From], edge.To)
	}

	out := make(map[string]snapshotNode, len(graph.Nodes))
	for _, node := range graph.Nodes {
		spec, ok := specByName[node.Name]
		if !ok {
			return nil, fmt.Errorf("build snapshot: missing spec for %s", node.Name)
		}
		deps := append([]string(nil), depsByName[node.Name]...)
		sort.Strings(deps)
		hash, err := hashSpec(spec, deps)
		if err != nil {
			return nil, fmt.Errorf("build snapshot hash for %s: %w", node.Name, err)
		}
		out[node.Name] = snapshotNode{
			name: node.Name,
			hash: hash,
			deps: deps,
		}
	}
	return out, nil
}

func hashSpec(spec lazyload.SlotSpec, deps []string) (string, error) {
	options, err := normalizeJSON(spec.Options)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(spec.Name)
	b.WriteByte('\n')
	b.WriteString(spec.Driver)
	b.WriteByte('\n')
	b.Write(options)
	b.WriteByte('\n')
	for _, dep := range deps {
		b.WriteString(dep)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

func normalizeJSON(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		// Options are not required to be JSON; fall back to raw bytes on decode failure.
		return trimmed, nil
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return normalized, nil
}

func cloneSnapshot(in map[string]snapshotNode) map[string]snapshotNode {
	out := make(map[string]snapshotNode, len(in))
	for k, v := range in {
		out[k] = snapshotNode{
			name: v.name,
			hash: v.hash,
			deps: append([]string(nil), v.deps...),
		}
	}
	return out
}

func diffSnapshots(
	oldSnap map[string]snapshotNode,
	newSnap map[string]snapshotNode,
	oldTopo []string,
	newTopo []string,
) Result {
	addedSet := make(map[string]struct{})
	removedSet := make(map[string]struct{})
	changedSet := make(map[string]struct{})

	for name, newNode := range newSnap {
		oldNode, ok := oldSnap[name]
		if !ok {
			addedSet[name] = struct{}{}
			continue
		}
		if newNode.hash != oldNode.hash {
			changedSet[name] = struct{}{}
		}
	}
	for name := range oldSnap {
		if _, ok := newSnap[name]; !ok {
			removedSet[name] = struct{}{}
		}
	}

	// Propagate dependency changes upward: if a dependency is rebuilt, rebuild this slot too.
	rebuildSet := make(map[string]struct{}, len(newSnap))
	for name := range addedSet {
		rebuildSet[name] = struct{}{}
	}
	for name := range changedSet {
		rebuildSet[name] = struct{}{}
	}
	for _, name := range newTopo {
		if _, already := rebuildSet[name]; already {
			continue
		}
		node := newSnap[name]
		for _, dep := range node.deps {
			if _, changed := rebuildSet[dep]; changed {
				rebuildSet[name] = struct{}{}
				break
			}
		}
	}

	result := Result{
		Added:     make([]string, 0, len(addedSet)),
		Removed:   make([]string, 0, len(removedSet)),
		Reused:    make([]string, 0, len(newSnap)),
		Rebuilt:   make([]string, 0, len(rebuildSet)),
		ClosedOld: make([]string, 0, len(removedSet)+len(rebuildSet)),
	}

	for _, name := range newTopo {
		if _, ok := addedSet[name]; ok {
			result.Added = append(result.Added, name)
		}
		if _, ok := rebuildSet[name]; ok {
			result.Rebuilt = append(result.Rebuilt, name)
		} else {
			result.Reused = append(result.Reused, name)
		}
	}

	for _, name := range oldTopo {
		if _, ok := removedSet[name]; ok {
			result.Removed = append(result.Removed, name)
			result.ClosedOld = append(result.ClosedOld, name)
			continue
		}
		if _, existsInNew := newSnap[name]; !existsInNew {
			continue
		}
		if _, rebuild := rebuildSet[name]; rebuild {
			result.ClosedOld = append(result.ClosedOld, name)
		}
	}

	return result
}
