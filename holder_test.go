package lazyload

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
)

type stubResource struct {
	invokeResult any
	invokeErr    error
	mapResult    map[string]any
	mapErr       error

	closeName  string
	closeOrder *[]string
	closeMu    *sync.Mutex
}

func (r *stubResource) Invoke(_ context.Context) (any, error) {
	return r.invokeResult, r.invokeErr
}

func (r *stubResource) ToMap() (map[string]any, error) {
	return r.mapResult, r.mapErr
}

func (r *stubResource) Close() error {
	if r.closeOrder == nil {
		return nil
	}
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	*r.closeOrder = append(*r.closeOrder, r.closeName)
	return nil
}

func stubFactory(res *stubResource, buildCount *int32) BuildFunc {
	return func(_ context.Context, _ Resolver) (Resource, error) {
		atomic.AddInt32(buildCount, 1)
		return res, nil
	}
}

func TestHolderLazyResolveIdempotent(t *testing.T) {
	var buildCount int32
	res := &stubResource{invokeResult: "one"}
	h, err := New(Params{Param1: "example_value", Param2: 42},
		WithSlot("dependent_class1", stubFactory(res, &buildCount)))
	require.NoError(t, err)

	_, ok := h.Resolved("dependent_class1")
	assert.False(t, ok, "slot should be unresolved before first access")

	ctx := context.Background()
	first, err := h.Resolve(ctx, "dependent_class1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := h.Resolve(ctx, "dependent_class1")
		require.NoError(t, err)
		assert.True(t, first == again, "resolved resource should be a cached singleton")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&buildCount))
}

func TestHolderInjectOverridesAndSticky(t *testing.T) {
	var buildCount int32
	built := &stubResource{invokeResult: "default"}
	h, err := New(Params{Param1: "p", Param2: 1},
		WithSlot("dependent_class1", stubFactory(built, &buildCount)))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = h.Resolve(ctx, "dependent_class1")
	require.NoError(t, err)

	replacement := &stubResource{invokeResult: "injected"}
	require.NoError(t, h.Inject("dependent_class1", replacement))

	got, err := h.Resolve(ctx, "dependent_class1")
	require.NoError(t, err)
	assert.True(t, got == Resource(replacement), "injected resource should override the cached one")
	assert.Equal(t, int32(1), atomic.LoadInt32(&buildCount), "injection must not trigger default construction")
}

func TestHolderInjectUnknownSlot(t *testing.T) {
	var buildCount int32
	res := &stubResource{}
	h, err := New(Params{Param1: "p", Param2: 1},
		WithSlot("dependent_class1", stubFactory(res, &buildCount)))
	require.NoError(t, err)

	err = h.Inject("not_a_slot", &stubResource{})
	require.Error(t, err)
	var notFound SlotNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "not_a_slot", notFound.Name)

	_, ok := h.Resolved("dependent_class1")
	assert.False(t, ok, "failed injection must not mutate slot state")
	assert.Equal(t, int32(0), atomic.LoadInt32(&buildCount))
}

func TestHolderInvoke(t *testing.T) {
	var c1, c2 int32
	h, err := New(Params{Param1: "example_value", Param2: 42},
		WithSlot("dependent_class1", stubFactory(&stubResource{invokeResult: "result1"}, &c1)),
		WithSlot("dependent_class2", stubFactory(&stubResource{invokeResult: "result2"}, &c2)))
	require.NoError(t, err)

	out, err := h.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"dependent_class1": "result1",
		"dependent_class2": "result2",
	}, out)
}

func TestHolderInvokeFailurePropagation(t *testing.T) {
	boom := errors.New("dependent operation failed")
	var c1, c2 int32
	h, err := New(Params{Param1: "p", Param2: 1},
		WithSlot("dependent_class1", stubFactory(&stubResource{invokeErr: boom}, &c1)),
		WithSlot("dependent_class2", stubFactory(&stubResource{invokeResult: "ok"}, &c2)))
	require.NoError(t, err)

	out, err := h.Invoke(context.Background())
	require.Error(t, err)
	assert.Nil(t, out, "no partial result on failure")
	assert.Equal(t, boom, err, "failure must propagate unchanged")
}

func TestHolderToMapComposition(t *testing.T) {
	var c1, c2 int32
	nested1 := map[string]any{"dependent_class1_data": "value"}
	nested2 := map[string]any{"dependent_class2_data": "value"}
	h, err := New(Params{Param1: "example_value", Param2: 42},
		WithSlot("dependent_class1", stubFactory(&stubResource{mapResult: nested1}, &c1)),
		WithSlot("dependent_class2", stubFactory(&stubResource{mapResult: nested2}, &c2)))
	require.NoError(t, err)

	out, err := h.ToMap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"param1":           "example_value",
		"param2":           42,
		"dependent_class1": nested1,
		"dependent_class2": nested2,
	}, out)
}

func TestHolderToMapFailurePropagation(t *testing.T) {
	boom := errors.New("serialize failed")
	var c1 int32
	h, err := New(Params{Param1: "p", Param2: 1},
		WithSlot("dependent_class1", stubFactory(&stubResource{mapErr: boom}, &c1)))
	require.NoError(t, err)

	out, err := h.ToMap(context.Background())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, boom, err)
}

func TestHolderCompileErrors(t *testing.T) {
	type depOpt struct {
		Dep string `json:"dep"`
	}

	reg := NewRegistry()
	require.NoError(t, Register(reg, "dep", Definition[depOpt]{
		Deps: func(opt depOpt) ([]string, error) {
			if opt.Dep == "" {
				return nil, nil
			}
			return []string{opt.Dep}, nil
		},
		Build: func(_ context.Context, _ Resolver, _ depOpt) (Resource, error) {
			return &stubResource{}, nil
		},
	}))

	_, err := New(Params{}, WithSpecs(reg, SlotSpec{Name: "a", Driver: "missing"}))
	require.Error(t, err)
	var defErr DriverNotFoundError
	assert.True(t, errors.As(err, &defErr))

	_, err = New(Params{}, WithSpecs(reg,
		SlotSpec{Name: "a", Driver: "dep", Options: mustRawJSON(t, depOpt{Dep: "b"})}))
	require.Error(t, err)
	var missingErr DependencyNotFoundError
	assert.True(t, errors.As(err, &missingErr))

	_, err = New(Params{}, WithSpecs(reg,
		SlotSpec{Name: "a", Driver: "dep", Options: mustRawJSON(t, depOpt{Dep: "b"})},
		SlotSpec{Name: "b", Driver: "dep", Options: mustRawJSON(t, depOpt{Dep: "a"})}))
	require.Error(t, err)
	var cycleErr CycleDetectedError
	assert.True(t, errors.As(err, &cycleErr))
	assert.GreaterOrEqual(t, len(cycleErr.Path), 2)

	_, err = New(Params{},
		WithSpecs(reg, SlotSpec{Name: "a", Driver: "dep"}, SlotSpec{Name: "a", Driver: "dep"}))
	require.Error(t, err)
	var dupErr DuplicateSlotError
	assert.True(t, errors.As(err, &dupErr))
}

func TestHolderResolveSingleflight(t *testing.T) {
	var buildCount int32
	h, err := New(Params{}, WithSlot("singleton", func(_ context.Context, _ Resolver) (Resource, error) {
		atomic.AddInt32(&buildCount, 1)
		time.Sleep(30 * time.Millisecond)
		return &stubResource{}, nil
	}))
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]Resource, n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			v, e := h.Resolve(context.Background(), "singleton")
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
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&buildCount))
	first := results[0]
	for i := 1; i < n; i++ {
		assert.True(t, first == results[i], "all resolves should share one instance")
	}
}

func TestHolderCloseReverseTopo(t *testing.T) {
	type opt struct {
		Name string `json:"name"`
		Dep  string `json:"dep"`
	}

	order := make([]string, 0, 2)
	var mu sync.Mutex

	reg := NewRegistry()
	require.NoError(t, Register(reg, "node", Definition[opt]{
		Deps: func(o opt) ([]string, error) {
			if o.Dep == "" {
				return nil, nil
			}
			return []string{o.Dep}, nil
		},
		Build: func(ctx context.Context, r Resolver, o opt) (Resource, error) {
			if o.Dep != "" {
				if _, err := r.Resolve(ctx, o.Dep); err != nil {
					return nil, err
				}
			}
			return &stubResource{closeName: o.Name, closeOrder: &order, closeMu: &mu}, nil
		},
	}))

	h, err := New(Params{}, WithSpecs(reg,
		SlotSpec{Name: "a", Driver: "node", Options: mustRawJSON(t, opt{Name: "a"})},
		SlotSpec{Name: "b", Driver: "node", Options: mustRawJSON(t, opt{Name: "b", Dep: "a"})}))
	require.NoError(t, err)

	_, err = h.Resolve(context.Background(), "b")
	require.NoError(t, err)

	require.NoError(t, h.Close(context.Background()))
	assert.Equal(t, []string{"b", "a"}, order)

	_, ok := h.Resolved("b")
	assert.False(t, ok, "close should clear the resolved cache")
}

func TestHolderFactoryCycleDetected(t *testing.T) {
	h, err := New(Params{},
		WithSlot("a", func(ctx context.Context, r Resolver) (Resource, error) {
			if _, err := r.Resolve(ctx, "b"); err != nil {
				return nil, err
			}
			return &stubResource{}, nil
		}),
		WithSlot("b", func(ctx context.Context, r Resolver) (Resource, error) {
			if _, err := r.Resolve(ctx, "a"); err != nil {
				return nil, err
			}
			return &stubResource{}, nil
		}))
	require.NoError(t, err)

	_, err = h.Resolve(context.Background(), "a")
	require.Error(t, err)
	var cycleErr CycleDetectedError
	assert.True(t, errors.As(err, &cycleErr))
}

func TestHolderGraph(t *testing.T) {
	type opt struct {
		Dep string `json:"dep"`
	}

	reg := NewRegistry()
	require.NoError(t, Register(reg, "node", Definition[opt]{
		Deps: func(o opt) ([]string, error) {
			if o.Dep == "" {
				return nil, nil
			}
			return []string{o.Dep}, nil
		},
		Build: func(_ context.Context, _ Resolver, _ opt) (Resource, error) {
			return &stubResource{}, nil
		},
	}))

	h, err := New(Params{}, WithSpecs(reg,
		SlotSpec{Name: "store", Driver: "node"},
		SlotSpec{Name: "svc", Driver: "node", Options: mustRawJSON(t, opt{Dep: "store"})}))
	require.NoError(t, err)

	graph := h.Graph()
	require.Len(t, graph.Nodes, 2)
	require.Len(t, graph.Edges, 1)
	assert.Equal(t, "svc", graph.Edges[0].From)
	assert.Equal(t, "store", graph.Edges[0].To)
	assert.Contains(t, graph.DOT(), "digraph lazyload")
	assert.Contains(t, graph.Mermaid(), "graph TD")
	assert.Equal(t, []string{"store", "svc"}, h.TopoOrder())
}

func TestResolveAsTypeMismatch(t *testing.T) {
	var c int32
	h, err := New(Params{}, WithSlot("s", stubFactory(&stubResource{}, &c)))
	require.NoError(t, err)

	_, err = ResolveAs[*stubResource](context.Background(), h, "s")
	require.NoError(t, err)

	type otherResource struct{ stubResource }
	_, err = ResolveAs[*otherResource](context.Background(), h, "s")
	require.Error(t, err)
	var typeErr TypeMismatchError
	assert.True(t, errors.As(err, &typeErr))
}

func TestHolderString(t *testing.T) {
	h, err := New(Params{Param1: "example_value", Param2: 42})
	require.NoError(t, err)
	assert.Equal(t, `Holder(param1="example_value", param2=42)`, h.String())
	assert.Equal(t, Params{Param1: "example_value", Param2: 42}, h.Params())
}

func mustRawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
