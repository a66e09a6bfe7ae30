package lazyload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type compiledDefinition struct {
	decode  func(raw json.RawMessage) (any, error)
	deps    func(opt any) ([]string, error)
	build   func(ctx context.Context, r Resolver, opt any) (Resource, error)
	closeFn func(ctx context.Context, res Resource) error
}

// Registry stores registered resource definitions by driver name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]compiledDefinition
}

func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]compiledDefinition),
	}
}

// Register registers one resource definition with generics.
func Register[Opt any](r *Registry, driver string, def Definition[Opt]) error {
	if r == nil {
		return fmt.Errorf("register resource definition: registry is nil")
	}
	if driver == "" {
		return fmt.Errorf("register resource definition: driver is empty")
	}
	if def.Build == nil {
		return fmt.Errorf("register resource definition: build func is nil for %s", driver)
	}

	decodeFn := def.Decode
	if decodeFn == nil {
		decodeFn = defaultDecode[Opt]
	}
	depsFn := def.Deps
	if depsFn == nil {
		depsFn = func(Opt) ([]string, error) { return nil, nil }
	}

	compiled := compiledDefinition{
		decode: func(raw json.RawMessage) (any, error) {
			opt, err := decodeFn(raw)
			if err != nil {
				return nil, err
			}
			return opt, nil
		},
		deps: func(opt any) ([]string, error) {
			typed, ok := opt.(Opt)
			if !ok {
				return nil, fmt.Errorf("deps option type mismatch: want=%T got=%T", *new(Opt), opt)
			}
			return depsFn(typed)
		},
		build: func(ctx context.Context, resolver Resolver, opt any) (Resource, error) {
			typed, ok := opt.(Opt)
			if !ok {
				return nil, fmt.Errorf("build option type mismatch: want=%T got=%T", *new(Opt), opt)
			}
			return def.Build(ctx, resolver, typed)
		},
	}
	if def.Close != nil {
		compiled.closeFn = def.Close
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[driver]; exists {
		return fmt.Errorf("register resource definition: duplicate definition for %s", driver)
	}
	r.defs[driver] = compiled
	return nil
}

// MustRegister panics on registration error; intended for bootstrap code paths.
func MustRegister[Opt any](r *Registry, driver string, def Definition[Opt]) {
	if err := Register(r, driver, def); err != nil {
		panic(err)
	}
}

func (r *Registry) get(driver string) (compiledDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[driver]
	return def, ok
}

func defaultDecode[Opt any](raw json.RawMessage) (Opt, error) {
	var opt Opt
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return opt, nil
	}
	if err := json.Unmarshal(raw, &opt); err != nil {
		return opt, err
	}
	return opt, nil
}
