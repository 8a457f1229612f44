package tree

import (
	"os"
	"path/filepath"
	"sort"

	"modvfs/internal/logging"

	"github.com/spf13/afero"
)

var (
	buildLogger = logging.GetLogger().WithPrefix("build")
)

// Mod is one mod directory. Later mods in a list override earlier ones.
type Mod struct {
	Name string
	Path string
}

// Injection places the physical file Source at virtual path Path, overriding
// every layer.
type Injection struct {
	Path   string
	Source string
}

// Layout is everything besides the cached base scan that feeds a build.
type Layout struct {
	Mods         []Mod
	OverwriteDir string
	StagingDir   string
	Injections   []Injection
}

// Whiteouts maps a folded virtual path to the read-only source it hides.
type Whiteouts map[string]Source

// Clone returns an independent copy.
func (w Whiteouts) Clone() Whiteouts {
	c := make(Whiteouts, len(w))
	for k, v := range w {
		c[k] = v
	}
	return c
}

// Builder merges the cached base listing with the layers of a Layout.
type Builder struct {
	fs   afero.Fs
	base []ScanEntry
}

// NewBuilder returns a builder over a base listing captured before mounting.
func NewBuilder(fsys afero.Fs, base []ScanEntry) *Builder {
	return &Builder{fs: fsys, base: base}
}

// Build produces a snapshot. Layers are applied in increasing priority: base,
// mods in list order, overwrite, staging, injections. Whiteouts are applied
// last; the folded paths of whiteouts whose hidden source is no longer
// proposed are returned so the caller can forget them.
func (b *Builder) Build(layout Layout, whiteouts Whiteouts) (*Tree, []string, error) {
	root := NewDir("", Source{Layer: LayerBase}, Source{})

	for _, e := range b.base {
		insert(root, e.Path, e.Dir, Source{Layer: LayerBase, Path: e.Path})
	}

	seen := make(map[string]bool, len(layout.Mods))
	for rank, mod := range layout.Mods {
		clean := filepath.Clean(mod.Path)
		if seen[clean] {
			buildLogger.Debug("Ignoring duplicate mod %q (%s)", mod.Name, clean)
			continue
		}
		seen[clean] = true

		entries, err := Scan(b.fs, clean)
		if err != nil {
			buildLogger.Warn("Skipping mod %q: %v", mod.Name, err)
			continue
		}
		for _, e := range entries {
			insert(root, e.Path, e.Dir, Source{
				Layer:  LayerMod,
				Rank:   rank,
				Origin: mod.Name,
				Path:   filepath.Join(clean, filepath.FromSlash(e.Path)),
			})
		}
	}

	if err := b.overlayDir(root, layout.OverwriteDir, LayerOverwrite); err != nil {
		return nil, nil, err
	}
	if err := b.overlayDir(root, layout.StagingDir, LayerStaging); err != nil {
		return nil, nil, err
	}

	for _, inj := range layout.Injections {
		p := Clean(inj.Path)
		if p == "" {
			buildLogger.Warn("Ignoring injection with empty path (%s)", inj.Source)
			continue
		}
		insert(root, p, false, Source{Layer: LayerInjected, Path: inj.Source})
	}

	stale := applyWhiteouts(root, whiteouts)

	t := newTree(root)
	buildLogger.Debug("Built tree v%d: %d mods, %d injections, %d whiteouts (%d stale)",
		t.version, len(layout.Mods), len(layout.Injections), len(whiteouts), len(stale))
	return t, stale, nil
}

func (b *Builder) overlayDir(root *Entry, dir string, layer Layer) error {
	if dir == "" {
		return nil
	}
	if _, err := b.fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	entries, err := Scan(b.fs, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		insert(root, e.Path, e.Dir, Source{Layer: layer, Path: filepath.Join(dir, filepath.FromSlash(e.Path))})
	}
	return nil
}

// insert places a source at rel during a build, before the tree is shared.
func insert(root *Entry, rel string, dir bool, src Source) {
	parts := components(rel)
	if len(parts) == 0 {
		return
	}

	cur := root
	for _, part := range parts[:len(parts)-1] {
		key := Fold(part)
		child, ok := cur.children[key]
		if !ok || !child.Dir {
			child = NewDir(part, Source{Layer: LayerVirtual}, Source{})
			cur.children[key] = child
		}
		cur = child
	}

	name := parts[len(parts)-1]
	key := Fold(name)
	next := &Entry{Name: name, Dir: dir, Source: src}
	if existing, ok := cur.children[key]; ok {
		if existing.Dir && dir {
			next.children = existing.children
		}
		next.Lower = shadowed(existing, src)
	}
	if dir && next.children == nil {
		next.children = map[string]*Entry{}
	}
	cur.children[key] = next
}

// shadowed picks the read-only source that remains beneath src once src
// replaces existing.
func shadowed(existing *Entry, src Source) Source {
	if !src.Layer.Writable() {
		return Source{}
	}
	if existing.Source.Layer.ReadOnly() {
		return existing.Source
	}
	return existing.Lower
}

func applyWhiteouts(root *Entry, whiteouts Whiteouts) []string {
	keys := make([]string, 0, len(whiteouts))
	for k := range whiteouts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var stale []string
	for _, key := range keys {
		hidden := whiteouts[key]
		dir, name := Split(key)

		parent, ok := lookupMutable(root, dir)
		if !ok {
			stale = append(stale, key)
			continue
		}
		child, ok := parent.children[Fold(name)]
		switch {
		case !ok:
			stale = append(stale, key)
		case child.Source == hidden:
			delete(parent.children, Fold(name))
		case child.Lower == hidden:
			child.Lower = Source{}
		default:
			stale = append(stale, key)
		}
	}
	return stale
}

func lookupMutable(root *Entry, p string) (*Entry, bool) {
	cur := root
	for _, part := range components(p) {
		child, ok := cur.children[Fold(part)]
		if !ok || !child.Dir {
			return nil, false
		}
		cur = child
	}
	return cur, true
}
