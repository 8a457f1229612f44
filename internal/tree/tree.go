// Package tree models the merged virtual directory: the layers that can back
// a path, the immutable snapshot built from them, and the scanner and builder
// that produce it.
package tree

import (
	"errors"
	"sort"
	"sync/atomic"
)

var (
	// ErrNotFound indicates a path is absent from the snapshot
	ErrNotFound = errors.New("no such entry")

	// ErrNotDir indicates a path component is not a directory
	ErrNotDir = errors.New("not a directory")

	// ErrRoot indicates an attempt to replace or remove the root
	ErrRoot = errors.New("operation not permitted on root")
)

// Layer identifies where an entry's bytes physically come from.
type Layer int

const (
	// LayerNone marks an absent source.
	LayerNone Layer = iota
	// LayerBase is the original game data directory, reached through a held fd.
	LayerBase
	// LayerMod is a mod directory; Rank orders mods.
	LayerMod
	// LayerOverwrite is the persistent writable area.
	LayerOverwrite
	// LayerStaging is the per-mount scratch area receiving all writes.
	LayerStaging
	// LayerInjected is an explicit single-file override.
	LayerInjected
	// LayerVirtual is a directory synthesized to hold injected files.
	LayerVirtual
)

var layerNames = map[Layer]string{
	LayerNone:      "none",
	LayerBase:      "base",
	LayerMod:       "mod",
	LayerOverwrite: "overwrite",
	LayerStaging:   "staging",
	LayerInjected:  "injected",
	LayerVirtual:   "virtual",
}

func (l Layer) String() string {
	return layerNames[l]
}

// Writable reports whether entries of this layer may be modified in place.
func (l Layer) Writable() bool {
	return l == LayerOverwrite || l == LayerStaging
}

// ReadOnly reports whether the layer is a physical read-only source that
// must be hidden with a whiteout rather than deleted.
func (l Layer) ReadOnly() bool {
	return l == LayerBase || l == LayerMod || l == LayerInjected
}

// Source is the resolved backing of a virtual path. Path is relative to the
// base directory handle for LayerBase and absolute otherwise.
type Source struct {
	Layer  Layer
	Rank   int
	Origin string
	Path   string
}

// IsZero reports whether s is the absent source.
func (s Source) IsZero() bool {
	return s.Layer == LayerNone
}

// Entry is one node of a snapshot. Entries reachable from a published Tree
// are never mutated.
type Entry struct {
	Name   string
	Dir    bool
	Source Source
	// Lower is the highest-priority read-only source shadowed by a writable
	// Source, if any.
	Lower Source

	children map[string]*Entry
}

// Child returns the child with the given name, compared case-insensitively.
func (e *Entry) Child(name string) (*Entry, bool) {
	c, ok := e.children[Fold(name)]
	return c, ok
}

// Len returns the number of children.
func (e *Entry) Len() int {
	return len(e.children)
}

// Children returns the entry's children ordered by folded name.
func (e *Entry) Children() []*Entry {
	keys := make([]string, 0, len(e.children))
	for k := range e.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, e.children[k])
	}
	return out
}

// WithSource returns a copy of e backed by src, sharing e's children.
func (e *Entry) WithSource(src, lower Source) *Entry {
	c := *e
	c.Source = src
	c.Lower = lower
	return &c
}

// NewFile returns a file entry.
func NewFile(name string, src, lower Source) *Entry {
	return &Entry{Name: name, Source: src, Lower: lower}
}

// NewDir returns an empty directory entry.
func NewDir(name string, src, lower Source) *Entry {
	return &Entry{Name: name, Dir: true, Source: src, Lower: lower, children: map[string]*Entry{}}
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.children != nil {
		c.children = make(map[string]*Entry, len(e.children)+1)
		for k, v := range e.children {
			c.children[k] = v
		}
	}
	return &c
}

var versions atomic.Uint64

// Tree is an immutable snapshot of the merged namespace. Mutating methods
// return a new Tree that shares every untouched entry with the receiver.
type Tree struct {
	root    *Entry
	version uint64
}

func newTree(root *Entry) *Tree {
	return &Tree{root: root, version: versions.Add(1)}
}

// Version is unique per snapshot and increases with every new snapshot.
func (t *Tree) Version() uint64 {
	return t.version
}

// Root returns the root directory entry.
func (t *Tree) Root() *Entry {
	return t.root
}

// Lookup resolves p and also returns its presented path, built from the
// casing each component has in this snapshot.
func (t *Tree) Lookup(p string) (*Entry, string, bool) {
	cur := t.root
	presented := ""
	for _, part := range components(p) {
		if !cur.Dir {
			return nil, "", false
		}
		child, ok := cur.children[Fold(part)]
		if !ok {
			return nil, "", false
		}
		presented = Join(presented, child.Name)
		cur = child
	}
	return cur, presented, true
}

// Put stores e at p, replacing whatever was there. The parent must exist.
func (t *Tree) Put(p string, e *Entry) (*Tree, error) {
	dir, name := Split(p)
	if name == "" {
		return nil, ErrRoot
	}
	return t.update(dir, func(parent *Entry) error {
		parent.children[Fold(name)] = e
		return nil
	})
}

// Delete removes p and its subtree.
func (t *Tree) Delete(p string) (*Tree, error) {
	dir, name := Split(p)
	if name == "" {
		return nil, ErrRoot
	}
	return t.update(dir, func(parent *Entry) error {
		key := Fold(name)
		if _, ok := parent.children[key]; !ok {
			return ErrNotFound
		}
		delete(parent.children, key)
		return nil
	})
}

// Move relocates the subtree at from to to, renaming its top entry to the
// final component of to. e replaces the moved entry when non-nil.
func (t *Tree) Move(from, to string, e *Entry) (*Tree, error) {
	src, _, ok := t.Lookup(from)
	if !ok {
		return nil, ErrNotFound
	}
	if e == nil {
		e = src
	}
	moved := *e
	_, moved.Name = Split(to)

	next, err := t.Delete(from)
	if err != nil {
		return nil, err
	}
	return next.Put(to, &moved)
}

// update clones the chain from the root to dir and lets fn modify the cloned
// directory's children.
func (t *Tree) update(dir string, fn func(parent *Entry) error) (*Tree, error) {
	root := t.root.clone()
	cur := root
	for _, part := range components(dir) {
		key := Fold(part)
		child, ok := cur.children[key]
		if !ok {
			return nil, ErrNotFound
		}
		if !child.Dir {
			return nil, ErrNotDir
		}
		child = child.clone()
		cur.children[key] = child
		cur = child
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	return newTree(root), nil
}

// Resolved is a flattened view of one entry, used for comparisons and dumps.
type Resolved struct {
	Path   string
	Dir    bool
	Source Source
	Lower  Source
}

// Entries lists every entry except the root in depth-first, folded-name order.
func (t *Tree) Entries() []Resolved {
	var out []Resolved
	var walk func(prefix string, e *Entry)
	walk = func(prefix string, e *Entry) {
		for _, c := range e.Children() {
			p := Join(prefix, c.Name)
			out = append(out, Resolved{Path: p, Dir: c.Dir, Source: c.Source, Lower: c.Lower})
			if c.Dir {
				walk(p, c)
			}
		}
	}
	walk("", t.root)
	return out
}

// Walk calls fn for every entry beneath p (p itself included), depth first.
func (t *Tree) Walk(p string, fn func(path string, e *Entry) error) error {
	start, presented, ok := t.Lookup(p)
	if !ok {
		return ErrNotFound
	}
	var walk func(prefix string, e *Entry) error
	walk = func(prefix string, e *Entry) error {
		if err := fn(prefix, e); err != nil {
			return err
		}
		for _, c := range e.Children() {
			if err := walk(Join(prefix, c.Name), c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(presented, start)
}
