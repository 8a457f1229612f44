package tree

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/afero"
)

func TestScanOsFs(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"Meshes/a.nif", "Scripts/b.pex", "top.esp"} {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
	}
	if err := os.Symlink(filepath.Join(root, "top.esp"), filepath.Join(root, "link.esp")); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "dangling")); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	entries, err := Scan(afero.NewOsFs(), root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	expected := []ScanEntry{
		{Path: "Meshes", Dir: true},
		{Path: "Meshes/a.nif"},
		{Path: "Scripts", Dir: true},
		{Path: "Scripts/b.pex"},
		{Path: "link.esp"},
		{Path: "top.esp"},
	}
	if !reflect.DeepEqual(entries, expected) {
		t.Errorf("Unexpected scan result:\n got: %v\nwant: %v", entries, expected)
	}
}

func TestScanMissingRoot(t *testing.T) {
	if _, err := Scan(afero.NewOsFs(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected an error for a missing root")
	}
}
