package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindCubitToml_WalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(root, "cubit.toml")
	if err := os.WriteFile(manifest, []byte("[device]\narch = \"sm_35\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	found, ok, err := findCubitToml(nested)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("manifest not discovered from nested dir")
	}
	if found != manifest {
		t.Fatalf("found %q, want %q", found, manifest)
	}
}

func TestLoadProjectManifest_ParsesSections(t *testing.T) {
	root := t.TempDir()
	content := `
[cache]
dir = ".cubit-cache"

[compiler]
path = "/opt/cuda/bin/nvcc"
keep_temp = true
suppress_warnings = true

[device]
arch = "5.0"
`
	if err := os.WriteFile(filepath.Join(root, "cubit.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, ok, err := loadProjectManifest(root)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("manifest not found")
	}
	if m.Config.Cache.Dir != ".cubit-cache" {
		t.Fatalf("cache.dir = %q", m.Config.Cache.Dir)
	}
	if m.Config.Compiler.Path != "/opt/cuda/bin/nvcc" || !m.Config.Compiler.KeepTemp || !m.Config.Compiler.SuppressWarnings {
		t.Fatalf("compiler section mismatch: %+v", m.Config.Compiler)
	}
	if m.Config.Device.Arch != "5.0" {
		t.Fatalf("device.arch = %q", m.Config.Device.Arch)
	}
	if m.Root != root {
		t.Fatalf("root = %q, want %q", m.Root, root)
	}
}

func TestLoadProjectManifest_AbsentIsNotAnError(t *testing.T) {
	// The search walks up past the temp dir, so only assert that nothing
	// inside the fresh tree is discovered; an unrelated manifest higher up
	// the real filesystem is not this test's business.
	dir := t.TempDir()
	path, ok, err := findCubitToml(dir)
	if err != nil {
		t.Fatal(err)
	}
	if ok && strings.HasPrefix(path, dir+string(filepath.Separator)) {
		t.Fatalf("no manifest should be found inside an empty tree, got %q", path)
	}
}
