package core

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestResolve_StrictlySorted(t *testing.T) {
	tmpDir := t.TempDir()

	// Files created in non-alphabetical order.
	files := []string{"zebra.txt", "apple.txt", "mango.txt", "banana.txt"}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("content-"+name), 0644); err != nil {
			t.Fatalf("failed to write file %s: %v", name, err)
		}
	}

	resolver := NewInputResolver(tmpDir)
	got, err := resolver.Resolve([]string{"*.txt"}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := []string{"apple.txt", "banana.txt", "mango.txt", "zebra.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestResolve_LiteralPathsNeedNotExist(t *testing.T) {
	resolver := NewInputResolver(t.TempDir())
	got, err := resolver.Resolve([]string{"gen/./out.txt", "gen/out.txt"}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"gen/out.txt"}) {
		t.Fatalf("got %v", got)
	}
}

func TestResolve_GlobMatchesDeclaredOutputs(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "src", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "src", "pkg", "a.c"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	resolver := NewInputResolver(tmpDir)
	got, err := resolver.Resolve([]string{"src/**/*.c"}, []string{"src/gen/b.c", "src/gen/b.h"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"src/gen/b.c", "src/pkg/a.c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestResolve_SkipsDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "d.txt"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "f.txt"), []byte("f"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := NewInputResolver(tmpDir).Resolve([]string{"*.txt"}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"f.txt"}) {
		t.Fatalf("got %v", got)
	}
}

func TestResolve_RejectsEscapingPattern(t *testing.T) {
	if _, err := NewInputResolver(t.TempDir()).Resolve([]string{"../*.txt"}, nil); err == nil {
		t.Fatal("expected error for pattern escaping the workspace")
	}
}

func TestResolve_GlobSkipsExcludedDirs(t *testing.T) {
	tmpDir := t.TempDir()
	for _, p := range []string{"conf/app.json", ".state/runs/1/manifest.json", ".statefile.json", "cache/ac/x.json"} {
		full := filepath.Join(tmpDir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	resolver := NewInputResolver(tmpDir, ".state", "cache")
	got, err := resolver.Resolve([]string{"**/*.json", "cache/ac/x.json"}, []string{"cache/gen.json"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// Literal paths are kept even under an excluded directory.
	want := []string{".statefile.json", "cache/ac/x.json", "conf/app.json"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
