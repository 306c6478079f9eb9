// Package canonicalpath provides a filesystem path wrapper that compares,
// hashes, and orders by its resolved form while still displaying the path a
// user actually typed.
package canonicalpath

import (
	"fmt"
	"path/filepath"
)

// Path is a filesystem path that has been resolved to an absolute,
// symlink-free form, carried alongside its original form for display.
// Equality, ordering, and map keys use the canonical form; String uses the
// original. Zero value is not valid; construct with New.
type Path struct {
	canon    string
	original string
}

// New canonicalizes p and returns the resulting Path. p may be relative; the
// canonical form is always absolute and symlink-free.
func New(p string) (Path, error) {
	canon, err := filepath.EvalSymlinks(p)
	if err != nil {
		return Path{}, fmt.Errorf("canonicalize %q: %w", p, err)
	}
	abs, err := filepath.Abs(canon)
	if err != nil {
		return Path{}, fmt.Errorf("canonicalize %q: %w", p, err)
	}
	return Path{canon: abs, original: p}, nil
}

// Canon returns the canonical (absolute, symlink-resolved) form, suitable as
// a map key or for ordering.
func (p Path) Canon() string {
	return p.canon
}

// Original returns the path as it was first given to New.
func (p Path) Original() string {
	return p.original
}

// String implements fmt.Stringer, displaying the original path.
func (p Path) String() string {
	return p.original
}

// Ext returns the file extension, including the leading dot, of the original
// path (e.g. ".hs").
func (p Path) Ext() string {
	return filepath.Ext(p.original)
}

// Base returns the final path element of the original path.
func (p Path) Base() string {
	return filepath.Base(p.original)
}

// Equal reports whether two paths canonicalize to the same location.
func (p Path) Equal(other Path) bool {
	return p.canon == other.canon
}

// Less orders paths by their canonical form, for use in sort.Slice and the
// diagnostic presentation order in spec.md §3.
func Less(a, b Path) bool {
	return a.canon < b.canon
}
