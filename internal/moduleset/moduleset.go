// Package moduleset tracks the canonical set of source paths the REPL has
// currently loaded.
package moduleset

import (
	"fmt"
	"sort"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/canonicalpath"
)

// Set is a set of canonicalpath.Path, keyed by canonical form. It invariantly
// corresponds 1:1 with the modules the REPL has loaded at the most recent
// quiescent point; it is mutated only by the reconciler after observing a
// successful add or remove.
type Set struct {
	paths map[string]canonicalpath.Path
}

// New returns an empty Set.
func New() *Set {
	return &Set{paths: make(map[string]canonicalpath.Path)}
}

// Insert canonicalizes raw and adds it to the set, returning the canonical
// path. Fails if raw cannot be resolved on disk.
func (s *Set) Insert(raw string) (canonicalpath.Path, error) {
	p, err := canonicalpath.New(raw)
	if err != nil {
		return canonicalpath.Path{}, fmt.Errorf("insert into module set: %w", err)
	}
	s.paths[p.Canon()] = p
	return p, nil
}

// InsertCanonical adds an already-canonicalized path directly, without
// touching the filesystem. Used when the reconciler already holds a
// canonicalpath.Path from a ChangeBatch.
func (s *Set) InsertCanonical(p canonicalpath.Path) {
	s.paths[p.Canon()] = p
}

// Remove deletes raw from the set, canonicalizing it first if possible. If
// the file has since vanished, it falls back to matching any existing
// member whose original path equals raw, per spec.md §4.4.
func (s *Set) Remove(raw string) (was bool) {
	if p, err := canonicalpath.New(raw); err == nil {
		if _, ok := s.paths[p.Canon()]; ok {
			delete(s.paths, p.Canon())
			return true
		}
	}
	for canon, p := range s.paths {
		if p.Original() == raw {
			delete(s.paths, canon)
			return true
		}
	}
	return false
}

// RemoveCanonical removes an already-canonicalized path.
func (s *Set) RemoveCanonical(p canonicalpath.Path) (was bool) {
	if _, ok := s.paths[p.Canon()]; ok {
		delete(s.paths, p.Canon())
		return true
	}
	return false
}

// Contains reports whether raw, canonicalized, is a member. If raw cannot be
// canonicalized (e.g. it no longer exists), it falls back to an
// original-path equivalence check, mirroring Remove.
func (s *Set) Contains(raw string) bool {
	if p, err := canonicalpath.New(raw); err == nil {
		_, ok := s.paths[p.Canon()]
		return ok
	}
	for _, p := range s.paths {
		if p.Original() == raw {
			return true
		}
	}
	return false
}

// ContainsCanonical reports membership by canonical path directly.
func (s *Set) ContainsCanonical(p canonicalpath.Path) bool {
	_, ok := s.paths[p.Canon()]
	return ok
}

// Len returns the number of loaded modules.
func (s *Set) Len() int {
	return len(s.paths)
}

// Clear empties the set, e.g. before a restart replays every path with
// fresh :add commands.
func (s *Set) Clear() {
	s.paths = make(map[string]canonicalpath.Path)
}

// Paths returns every member, sorted by canonical path for deterministic
// iteration (used when replaying :add commands after a restart).
func (s *Set) Paths() []canonicalpath.Path {
	out := make([]canonicalpath.Path, 0, len(s.paths))
	for _, p := range s.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return canonicalpath.Less(out[i], out[j]) })
	return out
}
