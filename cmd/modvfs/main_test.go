package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"modvfs/internal/mount"
	"modvfs/internal/tree"
)

func TestParsePair(t *testing.T) {
	tests := []struct {
		in, name, path string
	}{
		{"SkyUI|/mods/SkyUI", "SkyUI", "/mods/SkyUI"},
		{"/mods/USSEP/", "USSEP", "/mods/USSEP/"},
		{"Odd|Name|/mods/x", "Odd", "Name|/mods/x"},
	}
	for _, tt := range tests {
		name, path := parsePair(tt.in)
		if name != tt.name || path != tt.path {
			t.Errorf("parsePair(%q) = %q, %q", tt.in, name, path)
		}
	}
}

func TestReadModList(t *testing.T) {
	list := filepath.Join(t.TempDir(), "modlist.txt")
	content := "# load order\n/mods/A\n\n  B|/mods/B  \n"
	if err := os.WriteFile(list, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write mod list: %v", err)
	}

	mods, err := readModList(list)
	if err != nil {
		t.Fatalf("readModList failed: %v", err)
	}
	want := []tree.Mod{{Name: "A", Path: "/mods/A"}, {Name: "B", Path: "/mods/B"}}
	if !reflect.DeepEqual(mods, want) {
		t.Errorf("readModList = %+v, want %+v", mods, want)
	}

	if _, err := readModList(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected an error for a missing list")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]mount.Mode{
		"":          mount.ModeAuto,
		"auto":      mount.ModeAuto,
		"direct":    mount.ModeDirect,
		"delegated": mount.ModeDelegated,
	} {
		got, err := parseMode(in)
		if err != nil || got != want {
			t.Errorf("parseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := parseMode("sandbox"); err == nil {
		t.Error("Expected an error for an unknown mode")
	}
}
