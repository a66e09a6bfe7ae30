// Package reload provides experimental incremental holder refresh.
//
// A Reconciler keeps the active holder and, given new slot specs, builds the
// next holder, reuses unchanged resolved resources, prewarms rebuilt ones
// before switching, and closes expired resources from the old holder.
package reload
