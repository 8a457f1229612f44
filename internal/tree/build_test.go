package tree

import (
	"reflect"
	"sync"
	"testing"

	"github.com/spf13/afero"
)

func writeFiles(t *testing.T, fsys afero.Fs, files map[string]string) {
	t.Helper()
	for p, content := range files {
		if err := afero.WriteFile(fsys, p, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", p, err)
		}
	}
}

func setupLayers(t *testing.T) (afero.Fs, []ScanEntry, Layout) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{
		"/game/Data/Skyrim.esm":            "base",
		"/game/Data/Textures/Sky.dds":       "base-sky",
		"/game/Data/Meshes/armor/iron.nif":  "base-iron",
		"/mods/A/plugin.dat":                "A",
		"/mods/A/textures/sky.dds":          "A-sky",
		"/mods/B/plugin.dat":                "B",
		"/mods/B/Meshes/Armor/steel.nif":    "B-steel",
		"/profile/overwrite/prefs.ini":      "overwrite",
		"/profile/overwrite/plugin.dat":     "overwrite-plugin",
		"/profile/VFS_staging/new/file.txt": "staged",
		"/outside/loadorder.txt":            "injected",
	})

	base, err := Scan(fsys, "/game/Data")
	if err != nil {
		t.Fatalf("Failed to scan base: %v", err)
	}

	layout := Layout{
		Mods: []Mod{
			{Name: "A", Path: "/mods/A"},
			{Name: "B", Path: "/mods/B"},
		},
		OverwriteDir: "/profile/overwrite",
		StagingDir:   "/profile/VFS_staging",
		Injections: []Injection{
			{Path: "plugins/loadorder.txt", Source: "/outside/loadorder.txt"},
			{Path: "Skyrim.esm", Source: "/outside/loadorder.txt"},
		},
	}
	return fsys, base, layout
}

func mustLookup(t *testing.T, tr *Tree, p string) *Entry {
	t.Helper()
	e, _, ok := tr.Lookup(p)
	if !ok {
		t.Fatalf("Expected %q to resolve", p)
	}
	return e
}

func TestBuildPriority(t *testing.T) {
	fsys, base, layout := setupLayers(t)
	tr, stale, err := NewBuilder(fsys, base).Build(layout, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("Expected no stale whiteouts, got %v", stale)
	}

	t.Run("OverwriteOutranksMods", func(t *testing.T) {
		e := mustLookup(t, tr, "plugin.dat")
		if e.Source.Layer != LayerOverwrite {
			t.Errorf("Expected overwrite source, got %v", e.Source)
		}
		if e.Lower.Layer != LayerMod || e.Lower.Origin != "B" {
			t.Errorf("Expected shadowed source from mod B, got %v", e.Lower)
		}
	})

	t.Run("LaterModWins", func(t *testing.T) {
		layout := layout
		layout.OverwriteDir = ""
		tr, _, err := NewBuilder(fsys, base).Build(layout, nil)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		e := mustLookup(t, tr, "plugin.dat")
		if e.Source.Origin != "B" || e.Source.Path != "/mods/B/plugin.dat" {
			t.Errorf("Expected mod B to win, got %v", e.Source)
		}
	})

	t.Run("CaseInsensitiveMerge", func(t *testing.T) {
		e, presented, ok := tr.Lookup("TEXTURES/SKY.DDS")
		if !ok {
			t.Fatal("Expected case-insensitive lookup to succeed")
		}
		if e.Source.Origin != "A" {
			t.Errorf("Expected mod A to win, got %v", e.Source)
		}
		if presented != "textures/sky.dds" {
			t.Errorf("Expected casing from the winning layer, got %q", presented)
		}

		meshes := mustLookup(t, tr, "meshes/armor")
		names := []string{}
		for _, c := range meshes.Children() {
			names = append(names, c.Name)
		}
		if !reflect.DeepEqual(names, []string{"iron.nif", "steel.nif"}) {
			t.Errorf("Expected merged children, got %v", names)
		}
	})

	t.Run("StagingAndInjections", func(t *testing.T) {
		if e := mustLookup(t, tr, "new/file.txt"); e.Source.Layer != LayerStaging {
			t.Errorf("Expected staging source, got %v", e.Source)
		}
		e := mustLookup(t, tr, "Skyrim.esm")
		if e.Source.Layer != LayerInjected {
			t.Errorf("Expected injection to override base, got %v", e.Source)
		}
		dir := mustLookup(t, tr, "plugins")
		if !dir.Dir || dir.Source.Layer != LayerVirtual {
			t.Errorf("Expected synthesized parent directory, got %+v", dir)
		}
	})

	t.Run("BaseUsesRelativePath", func(t *testing.T) {
		e := mustLookup(t, tr, "meshes/armor/iron.nif")
		if e.Source.Layer != LayerBase || e.Source.Path != "Meshes/armor/iron.nif" {
			t.Errorf("Unexpected base source %v", e.Source)
		}
	})
}

func TestBuildDeterministic(t *testing.T) {
	fsys, base, layout := setupLayers(t)
	b := NewBuilder(fsys, base)

	first, _, err := b.Build(layout, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, _, err := b.Build(layout, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if !reflect.DeepEqual(first.Entries(), second.Entries()) {
		t.Error("Expected identical resolution from identical inputs")
	}
	if first.Version() == second.Version() {
		t.Error("Expected distinct snapshot versions")
	}
}

func TestBuildDuplicateModsIgnored(t *testing.T) {
	fsys, base, layout := setupLayers(t)
	layout.OverwriteDir = ""
	layout.Mods = append(layout.Mods, Mod{Name: "A-again", Path: "/mods/A/"})

	tr, _, err := NewBuilder(fsys, base).Build(layout, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if e := mustLookup(t, tr, "plugin.dat"); e.Source.Origin != "B" {
		t.Errorf("Expected first occurrence of mod A to keep its rank, got %v", e.Source)
	}
}

func TestBuildMissingModSkipped(t *testing.T) {
	fsys, base, layout := setupLayers(t)
	layout.Mods = append(layout.Mods, Mod{Name: "gone", Path: "/mods/gone"})

	if _, _, err := NewBuilder(fsys, base).Build(layout, nil); err != nil {
		t.Errorf("Expected missing mod to be skipped, got %v", err)
	}
}

func TestWhiteouts(t *testing.T) {
	fsys, base, layout := setupLayers(t)
	b := NewBuilder(fsys, base)

	whiteouts := Whiteouts{
		"meshes/armor/iron.nif": {Layer: LayerBase, Path: "Meshes/armor/iron.nif"},
		"plugin.dat":            {Layer: LayerMod, Rank: 1, Origin: "B", Path: "/mods/B/plugin.dat"},
		"textures/sky.dds":      {Layer: LayerBase, Path: "Textures/Sky.dds"},
	}

	tr, stale, err := b.Build(layout, whiteouts)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if _, _, ok := tr.Lookup("meshes/armor/iron.nif"); ok {
		t.Error("Expected whiteout to hide base file")
	}
	if e := mustLookup(t, tr, "plugin.dat"); !e.Lower.IsZero() {
		t.Errorf("Expected hidden lower source to be cleared, got %v", e.Lower)
	}
	if !reflect.DeepEqual(stale, []string{"textures/sky.dds"}) {
		t.Errorf("Expected whiteout for a source no longer winning to be stale, got %v", stale)
	}
}

func TestTreeMutationsCopyOnWrite(t *testing.T) {
	fsys, base, layout := setupLayers(t)
	old, _, err := NewBuilder(fsys, base).Build(layout, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	before := old.Entries()

	staged := Source{Layer: LayerStaging, Path: "/profile/VFS_staging/Meshes/armor/iron.nif"}
	orig := mustLookup(t, old, "meshes/armor/iron.nif")
	next, err := old.Put("meshes/armor/iron.nif", orig.WithSource(staged, orig.Source))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	next, err = next.Move("new/file.txt", "Meshes/renamed.txt", nil)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	next, err = next.Delete("skyrim.esm")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if !reflect.DeepEqual(before, old.Entries()) {
		t.Error("Mutations must not change the original snapshot")
	}
	if e := mustLookup(t, next, "meshes/armor/iron.nif"); e.Source != staged {
		t.Errorf("Expected staged source in new snapshot, got %v", e.Source)
	}
	if _, presented, ok := next.Lookup("meshes/RENAMED.txt"); !ok || presented != "Meshes/renamed.txt" {
		t.Errorf("Expected moved entry, got %q (found=%v)", presented, ok)
	}
	if _, _, ok := next.Lookup("new/file.txt"); ok {
		t.Error("Expected move source to be gone")
	}

	if _, err := next.Put("missing/dir/file", NewFile("file", staged, Source{})); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for missing parent, got %v", err)
	}
	if _, err := next.Put("skyrim.esm/x", NewFile("x", staged, Source{})); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for deleted parent, got %v", err)
	}
	if _, err := next.Delete(""); err != ErrRoot {
		t.Errorf("Expected ErrRoot, got %v", err)
	}
}

func TestConcurrentReadersDuringSwap(t *testing.T) {
	fsys, base, layout := setupLayers(t)
	b := NewBuilder(fsys, base)
	first, _, err := b.Build(layout, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, _, ok := first.Lookup("Textures/Sky.dds"); !ok {
					t.Error("Old snapshot lost an entry")
					return
				}
			}
		}()
	}

	layout.Mods = nil
	for i := 0; i < 10; i++ {
		if _, _, err := b.Build(layout, nil); err != nil {
			t.Errorf("Build failed: %v", err)
		}
	}
	wg.Wait()
}
