package canonicalpath

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewAndDisplay(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Module.hs")
	if err := os.WriteFile(file, []byte("module Module where\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rel := "." + string(filepath.Separator) + filepath.Base(file)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	p, err := New(rel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.String() != rel {
		t.Errorf("String() = %q, want %q", p.String(), rel)
	}
	if p.Canon() == rel {
		t.Errorf("Canon() should differ from the relative original, got %q", p.Canon())
	}
	if !filepath.IsAbs(p.Canon()) {
		t.Errorf("Canon() = %q, want absolute", p.Canon())
	}
}

func TestEqualAndLess(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.hs")
	b := filepath.Join(dir, "b.hs")
	for _, f := range []string{a, b} {
		if err := os.WriteFile(f, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	pa, err := New(a)
	if err != nil {
		t.Fatal(err)
	}
	pb, err := New(b)
	if err != nil {
		t.Fatal(err)
	}
	pa2, err := New(a)
	if err != nil {
		t.Fatal(err)
	}

	if !pa.Equal(pa2) {
		t.Error("expected pa == pa2")
	}
	if pa.Equal(pb) {
		t.Error("expected pa != pb")
	}
	if !Less(pa, pb) && !Less(pb, pa) {
		t.Error("expected a strict order between distinct paths")
	}
}

func TestNewMissingPath(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "does-not-exist.hs")); err == nil {
		t.Error("expected error canonicalizing a missing path")
	}
}
