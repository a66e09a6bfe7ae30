package lazyload

import (
	"fmt"
	"strings"
)

// DriverNotFoundError means a slot spec names a driver that is not registered.
type DriverNotFoundError struct {
	Driver string
}

func (e DriverNotFoundError) Error() string {
	return fmt.Sprintf("resource driver not found: %q", e.Driver)
}

// DuplicateSlotError means the same slot name is declared more than once.
type DuplicateSlotError struct {
	Name string
}

func (e DuplicateSlotError) Error() string {
	return fmt.Sprintf("duplicate resource slot: %q", e.Name)
}

// SlotNotFoundError means resolving or injecting into a slot that is not declared.
type SlotNotFoundError struct {
	Name string
}

func (e SlotNotFoundError) Error() string {
	return fmt.Sprintf("unknown resource slot: %q", e.Name)
}

// DependencyNotFoundError means a declared slot dependency does not exist.
type DependencyNotFoundError struct {
	From string
	To   string
}

func (e DependencyNotFoundError) Error() string {
	return fmt.Sprintf("resource dependency not found: %s -> %s", e.From, e.To)
}

// CycleDetectedError means there is a dependency cycle between slots.
type CycleDetectedError struct {
	Path []string
}

func (e CycleDetectedError) Error() string {
	if len(e.Path) == 0 {
		return "resource dependency cycle detected"
	}
	return "resource dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

// TypeMismatchError means ResolveAs[T] failed to cast the resolved resource to T.
type TypeMismatchError struct {
	Name     string
	Expected string
	Actual   string
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("resource type mismatch for %s: expected=%s actual=%s",
		e.Name, e.Expected, e.Actual)
}

// FieldViolation is one schema check failure for a single field.
type FieldViolation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v FieldViolation) String() string {
	return v.Field + ": " + v.Reason
}

// ValidationError means an untyped mapping failed schema checks.
// It carries every field-level violation; the record is rejected as a whole.
type ValidationError struct {
	Schema     string
	Violations []FieldViolation
}

func (e ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("invalid data for %s", e.Schema)
	}
	parts := make([]string, len(e.Violations))
	for i := range e.Violations {
		parts[i] = e.Violations[i].String()
	}
	return fmt.Sprintf("invalid data for %s: %s", e.Schema, strings.Join(parts, "; "))
}
