package lazyload

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Params are the holder's fixed configuration values.
// They are stored verbatim at construction and never mutated.
type Params struct {
	Param1 string `json:"param1" yaml:"param1"`
	Param2 int    `json:"param2" yaml:"param2"`
}

// Resource is the capability set a dependent resource must provide:
// one invocable operation and a serialize-to-mapping operation.
type Resource interface {
	Invoke(ctx context.Context) (any, error)
	ToMap() (map[string]any, error)
}

// Resolver provides runtime slot resolution to factories, so a resource
// under construction can reach its sibling slots.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Resource, error)
}

// BuildFunc constructs the default resource for a slot.
type BuildFunc func(ctx context.Context, r Resolver) (Resource, error)

// SlotSpec is the declarative form of one resource slot.
// Any config layer that can map into this struct can drive a Holder.
type SlotSpec struct {
	Name    string          `json:"name" yaml:"name"`
	Driver  string          `json:"driver" yaml:"driver"`
	Options json.RawMessage `json:"options,omitempty" yaml:"options,omitempty"`
}

// Definition describes the build lifecycle of one driver.
//
// Decode converts raw options into Opt. Defaults to JSON decoding.
// Deps declares slot dependencies for startup graph validation.
// Build constructs the resource and must be provided.
// Close is an optional shutdown hook. If omitted, io.Closer is used when possible.
type Definition[Opt any] struct {
	Decode func(raw json.RawMessage) (Opt, error)
	Deps   func(opt Opt) ([]string, error)
	Build  func(ctx context.Context, r Resolver, opt Opt) (Resource, error)
	Close  func(ctx context.Context, res Resource) error
}

// ResolveAs is a typed wrapper around Resolver.Resolve.
func ResolveAs[T Resource](ctx context.Context, r Resolver, name string) (T, error) {
	var zero T
	v, err := r.Resolve(ctx, name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, TypeMismatchError{
			Name:     name,
			Expected: reflect.TypeOf((*T)(nil)).Elem().String(),
			Actual:   fmt.Sprintf("%T", v),
		}
	}
	return typed, nil
}
