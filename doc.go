// Package lazyload provides a holder for lazily constructed dependent resources.
//
// It offers:
// - named resource slots, built on first access and cached afterwards
// - explicit injection to replace a slot with a pre-built instance
// - a lazily constructed diagnostic sink with a fixed line format
// - declarative slot specs bound through a generic driver Registry
// - startup dependency validation (missing drivers/dependencies, cycles)
// - schema validation of untyped mappings into immutable Records
// - reverse-topological teardown of resolved resources
package lazyload
