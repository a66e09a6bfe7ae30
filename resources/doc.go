// Package resources bundles ready-made lazyload.Resource implementations:
// a PostgreSQL-backed result store, a Redis-backed JSON cache, a tool runner
// with memoized results, and a layered record store composing the three.
// Each ships with a registry driver so slots can be declared from specs.
package resources
