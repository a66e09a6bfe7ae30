package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	kvpkg "github.com/chenyanchen/kv"
	"github.com/chenyanchen/kv/cachekv"

	"github.com/go-lazyload/lazyload"
)

// ToolFunc is one named operation a ToolRunner can execute.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// ToolsOpt configures the tools driver.
type ToolsOpt struct {
	Default string `json:"default" yaml:"default"`
	MemoTTL string `json:"memoTTL" yaml:"memoTTL"`
}

// ToolRunner executes named tool functions and memoizes their results in an
// in-process LRU. Its Invoke operation runs the configured default tool.
type ToolRunner struct {
	mu          sync.RWMutex
	tools       map[string]ToolFunc
	defaultTool string

	memo kvpkg.KV[string, string]
}

func NewToolRunner(defaultTool string, memoTTL time.Duration) (*ToolRunner, error) {
	if memoTTL <= 0 {
		memoTTL = time.Minute
	}
	memo, err := cachekv.NewLRU[string, string](256, nil, memoTTL)
	if err != nil {
		return nil, fmt.Errorf("new tool runner: %w", err)
	}
	r := &ToolRunner{
		tools:       make(map[string]ToolFunc),
		defaultTool: defaultTool,
		memo:        memo,
	}
	// Built-in tool so a freshly declared runner is invocable.
	r.tools["echo"] = func(_ context.Context, args map[string]any) (any, error) {
		if len(args) == 0 {
			return "echo", nil
		}
		return args, nil
	}
	return r, nil
}

// RegisterTool adds a named tool. Duplicate names are rejected.
func (r *ToolRunner) RegisterTool(name string, fn ToolFunc) error {
	if name == "" {
		return errors.New("register tool: name is empty")
	}
	if fn == nil {
		return fmt.Errorf("register tool %s: func is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register tool %s: duplicate tool", name)
	}
	r.tools[name] = fn
	return nil
}

// Run executes a tool by name, serving repeated calls with identical
// arguments from the memo cache while the entry is fresh.
func (r *ToolRunner) Run(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run tool: unknown tool %q", name)
	}

	key, err := memoKey(name, args)
	if err != nil {
		return nil, err
	}
	if cached, err := r.memo.Get(ctx, key); err == nil {
		var out any
		if err := json.Unmarshal([]byte(cached), &out); err == nil {
			return out, nil
		}
	} else if !errors.Is(err, kvpkg.ErrNotFound) {
		return nil, err
	}

	out, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(out); err == nil {
		_ = r.memo.Set(ctx, key, string(payload))
	}
	return out, nil
}

// Invoke runs the default tool with no arguments.
func (r *ToolRunner) Invoke(ctx context.Context) (any, error) {
	name := r.defaultTool
	if name == "" {
		name = "echo"
	}
	return r.Run(ctx, name, nil)
}

// ToMap lists the registered tools and the default.
func (r *ToolRunner) ToMap() (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{
		"kind":    "tools",
		"tools":   names,
		"default": r.defaultTool,
	}, nil
}

func memoKey(name string, args map[string]any) (string, error) {
	if len(args) == 0 {
		return name, nil
	}
	// json.Marshal sorts map keys, so the key is canonical.
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("memo key for %s: %w", name, err)
	}
	return name + "\x00" + string(payload), nil
}

// RegisterTools registers the "tools" driver.
func RegisterTools(reg *lazyload.Registry) error {
	return lazyload.Register(reg, "tools", lazyload.Definition[ToolsOpt]{
		Build: func(_ context.Context, _ lazyload.Resolver, opt ToolsOpt) (lazyload.Resource, error) {
			ttl := time.Duration(0)
			if opt.MemoTTL != "" {
				parsed, err := time.ParseDuration(opt.MemoTTL)
				if err != nil {
					return nil, fmt.Errorf("tools driver: parse memoTTL: %w", err)
				}
				ttl = parsed
			}
			return NewToolRunner(opt.Default, ttl)
		},
	})
}
