// Package inode assigns the identifiers the mount exposes to the kernel and
// keeps them attached to their logical file across renames.
package inode

import (
	"strings"
	"sync"
)

// RootID is the identifier of the mount root. It is never evicted.
const RootID uint64 = 1

// Ref names an issued identifier together with the generation it was issued
// in. A Ref stays resolvable until the path is unlinked or replaced, even if
// the path itself changes.
type Ref struct {
	ID  uint64
	Gen uint64
}

type record struct {
	path    string // folded virtual path
	gen     uint64
	lookups uint64
	opens   uint64
	stale   bool
}

// Table is a bidirectional map between identifiers and folded virtual paths.
// Identifiers are never reused; each invalidation advances the generation so
// an outstanding Ref to a replaced path cannot be confused with its successor.
type Table struct {
	mu      sync.Mutex
	next    uint64
	gen     uint64
	byPath  map[string]uint64
	records map[uint64]*record
}

// NewTable returns a table holding only the root.
func NewTable() *Table {
	t := &Table{
		next:    RootID + 1,
		gen:     1,
		byPath:  map[string]uint64{"": RootID},
		records: map[uint64]*record{RootID: {path: "", gen: 1, lookups: 1}},
	}
	return t
}

// Root returns the root reference.
func (t *Table) Root() Ref {
	return Ref{ID: RootID, Gen: 1}
}

// Lookup returns the identifier for path, allocating one on first use, and
// takes a lookup reference on it.
func (t *Table) Lookup(path string) Ref {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byPath[path]; ok {
		r := t.records[id]
		r.lookups++
		return Ref{ID: id, Gen: r.gen}
	}
	return t.allocLocked(path)
}

// Create allocates a fresh identifier for a newly created path, invalidating
// any identifier the path previously had.
func (t *Table) Create(path string) Ref {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byPath[path]; ok {
		t.invalidateLocked(id)
	}
	return t.allocLocked(path)
}

func (t *Table) allocLocked(path string) Ref {
	id := t.next
	t.next++
	t.records[id] = &record{path: path, gen: t.gen, lookups: 1}
	t.byPath[path] = id
	return Ref{ID: id, Gen: t.gen}
}

// Peek returns the identifier for path without taking a reference.
func (t *Table) Peek(path string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byPath[path]
	return id, ok
}

// Path resolves a reference to its current folded path. It fails for
// unknown identifiers, generation mismatches and unlinked paths.
func (t *Table) Path(ref Ref) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[ref.ID]
	if !ok || r.stale || r.gen != ref.Gen {
		return "", false
	}
	return r.path, true
}

// Acquire records an open handle on id.
func (t *Table) Acquire(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		r.opens++
	}
}

// Release drops an open handle on id, evicting it once nothing refers to it.
func (t *Table) Release(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok && r.opens > 0 {
		r.opens--
		t.maybeEvictLocked(id, r)
	}
}

// Forget drops every lookup reference the kernel held on id.
func (t *Table) Forget(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok && id != RootID {
		r.lookups = 0
		t.maybeEvictLocked(id, r)
	}
}

func (t *Table) maybeEvictLocked(id uint64, r *record) {
	if id == RootID || r.lookups > 0 || r.opens > 0 {
		return
	}
	delete(t.records, id)
	if cur, ok := t.byPath[r.path]; ok && cur == id {
		delete(t.byPath, r.path)
	}
}

// Remove unlinks path and everything beneath it. Records stay alive while
// referenced but no longer resolve.
func (t *Table) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range t.subtreeLocked(path) {
		t.invalidateLocked(id)
	}
}

// Rename moves the identifiers of from and its descendants to to, keeping
// their identity. Identifiers previously at to are invalidated.
func (t *Table) Rename(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if from == to {
		return
	}
	for _, id := range t.subtreeLocked(to) {
		t.invalidateLocked(id)
	}

	moved := t.subtreeLocked(from)
	for _, id := range moved {
		delete(t.byPath, t.records[id].path)
	}
	for _, id := range moved {
		r := t.records[id]
		r.path = to + strings.TrimPrefix(r.path, from)
		t.byPath[r.path] = id
	}
}

func (t *Table) invalidateLocked(id uint64) {
	r, ok := t.records[id]
	if !ok || id == RootID {
		return
	}
	if cur, ok := t.byPath[r.path]; ok && cur == id {
		delete(t.byPath, r.path)
	}
	r.stale = true
	t.gen++
	t.maybeEvictLocked(id, r)
}

func (t *Table) subtreeLocked(path string) []uint64 {
	var ids []uint64
	prefix := path + "/"
	for p, id := range t.byPath {
		if p == path || strings.HasPrefix(p, prefix) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of live records, including the root.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
