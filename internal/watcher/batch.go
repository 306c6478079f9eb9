// Package watcher turns raw OS filesystem events into coalesced,
// classified change batches (spec.md §4.6).
package watcher

import (
	"fmt"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/canonicalpath"
)

// Batch is one debounced group of filesystem events, classified into
// added/modified/removed. A single rename manifests as one Removed entry
// (the old path) and one Added entry (the new path) in the same batch.
// Invariant: Added and Removed never share a path.
type Batch struct {
	Added    map[string]canonicalpath.Path
	Modified map[string]canonicalpath.Path
	Removed  map[string]canonicalpath.Path
}

// NewBatch returns an empty Batch.
func NewBatch() Batch {
	return Batch{
		Added:    map[string]canonicalpath.Path{},
		Modified: map[string]canonicalpath.Path{},
		Removed:  map[string]canonicalpath.Path{},
	}
}

// IsEmpty reports whether the batch carries no changes at all.
func (b Batch) IsEmpty() bool {
	return len(b.Added) == 0 && len(b.Modified) == 0 && len(b.Removed) == 0
}

// Merge folds other into b with last-writer-wins semantics per path: a path
// reclassified in other overrides its prior classification in b, matching
// the reconciler's "pending = pending ∪ new" rule in spec.md §4.7.
func (b Batch) Merge(other Batch) Batch {
	out := NewBatch()
	for k, v := range b.Added {
		out.Added[k] = v
	}
	for k, v := range b.Modified {
		out.Modified[k] = v
	}
	for k, v := range b.Removed {
		out.Removed[k] = v
	}
	for k, v := range other.Added {
		delete(out.Modified, k)
		delete(out.Removed, k)
		out.Added[k] = v
	}
	for k, v := range other.Modified {
		delete(out.Added, k)
		delete(out.Removed, k)
		out.Modified[k] = v
	}
	for k, v := range other.Removed {
		delete(out.Added, k)
		delete(out.Modified, k)
		out.Removed[k] = v
	}
	return out
}

func (b Batch) String() string {
	return fmt.Sprintf("Batch{added=%d modified=%d removed=%d}", len(b.Added), len(b.Modified), len(b.Removed))
}
