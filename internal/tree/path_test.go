package tree

import "testing"

func TestClean(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "simple path", input: "Data.esm", expected: "Data.esm"},
		{name: "leading slash is dropped", input: "/meshes/a.nif", expected: "meshes/a.nif"},
		{name: "dot path gets cleaned", input: "./textures/../meshes", expected: "meshes"},
		{name: "root", input: "/", expected: ""},
		{name: "empty", input: "", expected: ""},
		{name: "trailing slash", input: "meshes/", expected: "meshes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.input); got != tt.expected {
				t.Errorf("Expected path %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestFoldAndSplit(t *testing.T) {
	if got := Fold("/Textures/Armor/Iron.DDS"); got != "textures/armor/iron.dds" {
		t.Errorf("Fold returned %q", got)
	}

	dir, base := Split("Textures/Armor/Iron.dds")
	if dir != "Textures/Armor" || base != "Iron.dds" {
		t.Errorf("Split returned %q, %q", dir, base)
	}

	dir, base = Split("plugin.dat")
	if dir != "" || base != "plugin.dat" {
		t.Errorf("Split of top-level returned %q, %q", dir, base)
	}
}

func TestIsWithin(t *testing.T) {
	if !IsWithin("Meshes/Armor/x.nif", "meshes") {
		t.Error("Expected case-insensitive containment")
	}
	if IsWithin("MeshesExtra/x.nif", "meshes") {
		t.Error("Prefix match must respect component boundaries")
	}
	if !IsWithin("anything", "") {
		t.Error("Everything lies within the root")
	}
}
