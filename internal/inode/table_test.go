package inode

import (
	"sync"
	"testing"
)

func TestLookupReusesIdentifier(t *testing.T) {
	tbl := NewTable()

	a := tbl.Lookup("meshes/a.nif")
	b := tbl.Lookup("meshes/a.nif")
	if a != b {
		t.Errorf("Expected repeated lookups to return %v, got %v", a, b)
	}
	if a.ID == RootID {
		t.Error("Allocated identifier must not collide with the root")
	}

	other := tbl.Lookup("meshes/b.nif")
	if other.ID == a.ID {
		t.Error("Distinct paths must get distinct identifiers")
	}

	if p, ok := tbl.Path(a); !ok || p != "meshes/a.nif" {
		t.Errorf("Path(%v) = %q, %v", a, p, ok)
	}
}

func TestForgetEvicts(t *testing.T) {
	tbl := NewTable()
	ref := tbl.Lookup("plugin.dat")
	tbl.Acquire(ref.ID)

	tbl.Forget(ref.ID)
	if _, ok := tbl.Path(ref); !ok {
		t.Fatal("Open handle must keep the identifier alive")
	}

	tbl.Release(ref.ID)
	if _, ok := tbl.Path(ref); ok {
		t.Error("Expected identifier to be evicted once unreferenced")
	}
	if _, ok := tbl.Peek("plugin.dat"); ok {
		t.Error("Expected path mapping to be evicted")
	}

	again := tbl.Lookup("plugin.dat")
	if again.ID == ref.ID {
		t.Error("Identifiers must never be reused")
	}

	tbl.Forget(RootID)
	if _, ok := tbl.Path(tbl.Root()); !ok {
		t.Error("Root must never be evicted")
	}
}

func TestRenamePreservesIdentity(t *testing.T) {
	tbl := NewTable()
	dir := tbl.Lookup("textures")
	file := tbl.Lookup("textures/sky.dds")
	victim := tbl.Lookup("archive/sky.dds")

	tbl.Rename("textures/sky.dds", "archive/sky.dds")

	if p, ok := tbl.Path(file); !ok || p != "archive/sky.dds" {
		t.Errorf("Expected renamed identifier to follow the file, got %q, %v", p, ok)
	}
	if _, ok := tbl.Path(victim); ok {
		t.Error("Expected overwritten destination identifier to be invalidated")
	}
	if id, _ := tbl.Peek("archive/sky.dds"); id != file.ID {
		t.Errorf("Expected destination to map to %d, got %d", file.ID, id)
	}

	tbl.Rename("textures", "tex2")
	if p, ok := tbl.Path(dir); !ok || p != "tex2" {
		t.Errorf("Expected directory rename, got %q, %v", p, ok)
	}
}

func TestRenameMovesDescendants(t *testing.T) {
	tbl := NewTable()
	child := tbl.Lookup("new/sub/file.txt")
	sibling := tbl.Lookup("newer/file.txt")

	tbl.Rename("new", "old")
	if p, _ := tbl.Path(child); p != "old/sub/file.txt" {
		t.Errorf("Expected descendant path to follow, got %q", p)
	}
	if p, _ := tbl.Path(sibling); p != "newer/file.txt" {
		t.Errorf("Sibling with shared prefix must not move, got %q", p)
	}
}

func TestRemoveAndCreate(t *testing.T) {
	tbl := NewTable()
	old := tbl.Lookup("save.ess")
	tbl.Acquire(old.ID)

	tbl.Remove("save.ess")
	if _, ok := tbl.Path(old); ok {
		t.Error("Removed path must not resolve")
	}

	fresh := tbl.Create("save.ess")
	if fresh.ID == old.ID {
		t.Error("Create must allocate a new identifier")
	}
	if fresh.Gen == old.Gen {
		t.Error("Expected a new generation after invalidation")
	}

	tbl.Release(old.ID)
	if id, ok := tbl.Peek("save.ess"); !ok || id != fresh.ID {
		t.Errorf("Releasing the old identifier must not unmap the new one, got %d, %v", id, ok)
	}
}

func TestConcurrentLookups(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	refs := make([]Ref, 16)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i] = tbl.Lookup("shared.bsa")
		}(i)
	}
	wg.Wait()

	for _, r := range refs[1:] {
		if r != refs[0] {
			t.Fatalf("Expected one identifier for concurrent lookups, got %v and %v", refs[0], r)
		}
	}
	if tbl.Len() != 2 {
		t.Errorf("Expected root plus one record, got %d", tbl.Len())
	}
}
