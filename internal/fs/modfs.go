package fs

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"modvfs/internal/inode"
	"modvfs/internal/logging"
	"modvfs/internal/overwrite"
	"modvfs/internal/tree"

	fusefs "bazil.org/fuse/fs"
	"github.com/spf13/afero"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("vfs")
)

// entryValid is how long the kernel may cache lookups and attributes.
const entryValid = time.Second

// Config describes one merged filesystem.
type Config struct {
	// DataDir is the original data directory. It is scanned and held open
	// before mounting.
	DataDir string
	// Layout lists mods, the overwrite directory and injections. The staging
	// directory is always derived from the overwrite directory.
	Layout tree.Layout
	// Host serves every non-base access. Defaults to the OS filesystem.
	Host afero.Fs
	// Owner overrides the presented uid/gid. Defaults to DefaultOwner().
	Owner *Owner
}

// ModFS is the live mount context: the current tree snapshot, the inode
// table, the overwrite manager and the held base directory.
type ModFS struct {
	host    afero.Fs
	base    *BaseDir
	builder *tree.Builder
	inodes  *inode.Table
	owner   Owner
	started time.Time

	snap      atomic.Pointer[tree.Tree]
	overwrite atomic.Pointer[overwrite.Manager]

	// stagingMu is held shared by every mutation touching staging and
	// exclusively by flush. It is always taken before mu.
	stagingMu sync.RWMutex

	// mu serializes snapshot replacement and guards layout and whiteouts.
	mu        sync.Mutex
	layout    tree.Layout
	whiteouts tree.Whiteouts

	nodesMu sync.Mutex
	nodes   map[uint64]fusefs.Node

	closed atomic.Bool
}

// New scans the data directory, flushes staging left behind by an earlier
// session and builds the initial tree.
func New(cfg Config) (*ModFS, error) {
	vfsLogger.Info("Creating merged filesystem over %s", cfg.DataDir)

	if cfg.Layout.OverwriteDir == "" {
		return nil, NewFSError("mount", cfg.DataDir, errors.New("overwrite directory not set"))
	}

	host := cfg.Host
	if host == nil {
		host = afero.NewOsFs()
	}
	owner := DefaultOwner()
	if cfg.Owner != nil {
		owner = *cfg.Owner
	}

	entries, err := tree.Scan(host, cfg.DataDir)
	if err != nil {
		return nil, NewFSError("scan", cfg.DataDir, err)
	}

	base, err := OpenBaseDir(cfg.DataDir)
	if err != nil {
		return nil, NewFSError("open", cfg.DataDir, err)
	}

	mgr, err := overwrite.New(host, overwrite.StagingDirFor(cfg.Layout.OverwriteDir), cfg.Layout.OverwriteDir)
	if err != nil {
		base.Close()
		return nil, err
	}
	if err := mgr.Flush(); err != nil {
		vfsLogger.Warn("Leftover staging could not be fully flushed: %v", err)
	}

	vfs := &ModFS{
		host:      host,
		base:      base,
		builder:   tree.NewBuilder(host, entries),
		inodes:    inode.NewTable(),
		owner:     owner,
		started:   time.Now(),
		whiteouts: tree.Whiteouts{},
		nodes:     map[uint64]fusefs.Node{},
	}
	vfs.overwrite.Store(mgr)

	vfs.mu.Lock()
	err = vfs.rebuildLocked(cfg.Layout)
	vfs.mu.Unlock()
	if err != nil {
		base.Close()
		return nil, err
	}

	vfsLogger.Info("Merged filesystem ready: %d base entries, %d mods", len(entries), len(cfg.Layout.Mods))
	vfsLogger.Debug("UID: %d, GID: %d", owner.Uid, owner.Gid)
	return vfs, nil
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (vfs *ModFS) Root() (fusefs.Node, error) {
	vfsLogger.Trace("Getting root directory node")
	return vfs.node(vfs.inodes.Root(), true), nil
}

// Snapshot returns the current tree.
func (vfs *ModFS) Snapshot() *tree.Tree {
	return vfs.snap.Load()
}

// Layout returns the layout of the current tree.
func (vfs *ModFS) Layout() tree.Layout {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	return vfs.layout
}

// Overwrite returns the current overwrite manager.
func (vfs *ModFS) Overwrite() *overwrite.Manager {
	return vfs.overwrite.Load()
}

// Rebuild replaces the tree with one built from layout. A changed overwrite
// directory first flushes staging into the old one.
func (vfs *ModFS) Rebuild(layout tree.Layout) error {
	vfsLogger.Info("Rebuilding tree (%d mods, %d injections)", len(layout.Mods), len(layout.Injections))

	if layout.OverwriteDir == "" {
		layout.OverwriteDir = vfs.Overwrite().OverwriteDir()
	}

	var flushErr error
	if layout.OverwriteDir != vfs.Overwrite().OverwriteDir() {
		vfs.stagingMu.Lock()
		defer vfs.stagingMu.Unlock()

		flushErr = vfs.Overwrite().Flush()
		mgr, err := overwrite.New(vfs.host, overwrite.StagingDirFor(layout.OverwriteDir), layout.OverwriteDir)
		if err != nil {
			return NewFSError(OpRebuild, layout.OverwriteDir, err)
		}
		vfs.overwrite.Store(mgr)
	}

	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	if err := vfs.rebuildLocked(layout); err != nil {
		return err
	}
	return flushErr
}

// FlushLive migrates staging into overwrite, starts a fresh staging
// directory and rebuilds so the flushed content is served from overwrite.
// Files that failed to migrate stay staged and keep being served.
func (vfs *ModFS) FlushLive() error {
	vfsLogger.Info("Flushing staging into overwrite")

	vfs.stagingMu.Lock()
	defer vfs.stagingMu.Unlock()

	old := vfs.Overwrite()
	flushErr := old.Flush()

	mgr, err := overwrite.New(vfs.host, old.StagingDir(), old.OverwriteDir())
	if err != nil {
		return NewFSError(OpFlush, old.StagingDir(), errors.Join(flushErr, err))
	}
	vfs.overwrite.Store(mgr)

	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	if err := vfs.rebuildLocked(vfs.layout); err != nil {
		return errors.Join(flushErr, err)
	}
	if flushErr != nil {
		return NewFSError(OpFlush, old.StagingDir(), flushErr)
	}
	return nil
}

// rebuildLocked builds and publishes a tree for layout. vfs.mu must be held.
func (vfs *ModFS) rebuildLocked(layout tree.Layout) error {
	layout.StagingDir = vfs.Overwrite().StagingDir()
	layout.OverwriteDir = vfs.Overwrite().OverwriteDir()

	t, stale, err := vfs.builder.Build(layout, vfs.whiteouts)
	if err != nil {
		return NewFSError(OpRebuild, "", err)
	}
	for _, key := range stale {
		vfsLogger.Debug("Dropping whiteout for %q: hidden source no longer proposed", key)
		delete(vfs.whiteouts, key)
	}

	prev := vfs.snap.Swap(t)
	vfs.layout = layout
	if prev != nil {
		vfsLogger.Debug("Replaced tree v%d with v%d", prev.Version(), t.Version())
	}
	return nil
}

// update applies fn to the current snapshot and publishes the result.
func (vfs *ModFS) update(fn func(t *tree.Tree, whiteouts tree.Whiteouts) (*tree.Tree, error)) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	next, err := fn(vfs.snap.Load(), vfs.whiteouts)
	if err != nil {
		return err
	}
	vfs.snap.Store(next)
	return nil
}

// Close runs the final flush and releases the base directory. The mount
// must already be gone.
func (vfs *ModFS) Close() error {
	if !vfs.closed.CompareAndSwap(false, true) {
		return nil
	}
	vfsLogger.Info("Closing merged filesystem")

	vfs.stagingMu.Lock()
	flushErr := vfs.Overwrite().Flush()
	vfs.stagingMu.Unlock()
	if flushErr != nil {
		vfsLogger.Error("Final flush incomplete, files remain in staging: %v", flushErr)
	}

	if err := vfs.base.Close(); err != nil {
		return errors.Join(flushErr, err)
	}
	return flushErr
}

// node returns the cached node for ref, creating one of the requested kind.
// A single node per identifier keeps kernel forgets and table references in
// step.
func (vfs *ModFS) node(ref inode.Ref, dir bool) fusefs.Node {
	vfs.nodesMu.Lock()
	defer vfs.nodesMu.Unlock()

	if n, ok := vfs.nodes[ref.ID]; ok {
		switch n := n.(type) {
		case *Dir:
			if dir && n.ref == ref {
				return n
			}
		case *File:
			if !dir && n.ref == ref {
				return n
			}
		}
	}

	var n fusefs.Node
	if dir {
		n = &Dir{fs: vfs, ref: ref}
	} else {
		n = &File{fs: vfs, ref: ref}
	}
	vfs.nodes[ref.ID] = n
	return n
}

func (vfs *ModFS) forget(id uint64) {
	vfs.nodesMu.Lock()
	delete(vfs.nodes, id)
	vfs.nodesMu.Unlock()
	vfs.inodes.Forget(id)
}

// lookupNode returns the node for the entry at presented, replacing an
// identifier whose node kind no longer matches the entry.
func (vfs *ModFS) lookupNode(presented string, e *tree.Entry) fusefs.Node {
	key := tree.Fold(presented)
	ref := vfs.inodes.Lookup(key)

	vfs.nodesMu.Lock()
	cached, ok := vfs.nodes[ref.ID]
	vfs.nodesMu.Unlock()
	if ok {
		_, isDir := cached.(*Dir)
		if isDir != e.Dir {
			vfsLogger.Debug("%q changed kind, issuing a new identifier", presented)
			ref = vfs.inodes.Create(key)
		}
	}
	return vfs.node(ref, e.Dir)
}

// resolve returns the current path and entry for ref.
func (vfs *ModFS) resolve(ref inode.Ref) (string, *tree.Entry, error) {
	key, ok := vfs.inodes.Path(ref)
	if !ok {
		return "", nil, ErrStale
	}
	e, presented, ok := vfs.snap.Load().Lookup(key)
	if !ok {
		return "", nil, ErrPathNotFound
	}
	return presented, e, nil
}

// resolveStable resolves ref and passes the entry to fn. A staging source is
// resolved again under stagingMu, so a live flush moving it is either not
// started or already published when fn runs.
func (vfs *ModFS) resolveStable(ref inode.Ref, fn func(p string, e *tree.Entry) error) (string, error) {
	p, e, err := vfs.resolve(ref)
	if err != nil {
		return p, err
	}
	if e.Source.Layer == tree.LayerStaging {
		vfs.stagingMu.RLock()
		defer vfs.stagingMu.RUnlock()
		if p, e, err = vfs.resolve(ref); err != nil {
			return p, err
		}
	}
	return p, fn(p, e)
}

// openSource opens the physical source of src read-only.
func (vfs *ModFS) openSource(src tree.Source) (afero.File, error) {
	if src.Layer == tree.LayerBase {
		return vfs.base.Open(src.Path)
	}
	if src.Layer == tree.LayerVirtual {
		return nil, ErrIsDir
	}
	return vfs.host.Open(src.Path)
}

// statSource stats the physical source of src.
// Virtual directories have no physical source and yield nil.
func (vfs *ModFS) statSource(src tree.Source) (os.FileInfo, error) {
	switch src.Layer {
	case tree.LayerBase:
		return vfs.base.Stat(src.Path)
	case tree.LayerVirtual, tree.LayerNone:
		return nil, nil
	default:
		return vfs.host.Stat(src.Path)
	}
}

// hiddenSource returns the read-only source a removal of e must whiteout,
// or the zero Source when nothing would resurface.
func hiddenSource(e *tree.Entry) tree.Source {
	if e.Source.Layer.Writable() {
		return e.Lower
	}
	return e.Source
}

// lowerOf returns the read-only source e shadows once a writable copy takes
// its place.
func lowerOf(e *tree.Entry) tree.Source {
	if e == nil {
		return tree.Source{}
	}
	if e.Source.Layer.ReadOnly() {
		return e.Source
	}
	return e.Lower
}

// copyUp stages e's content so it can be modified, and publishes the staged
// entry. Overwrite files are staged too; overwrite only changes on flush.
// Callers hold stagingMu shared.
func (vfs *ModFS) copyUp(presented string, e *tree.Entry) (string, error) {
	if e.Source.Layer == tree.LayerStaging {
		return e.Source.Path, nil
	}

	staged, err := vfs.Overwrite().CopyUp(presented, func() (afero.File, error) {
		return vfs.openSource(e.Source)
	})
	if err != nil {
		return "", err
	}

	src := tree.Source{Layer: tree.LayerStaging, Path: staged}
	err = vfs.update(func(t *tree.Tree, _ tree.Whiteouts) (*tree.Tree, error) {
		cur, _, ok := t.Lookup(presented)
		if !ok {
			return nil, ErrPathNotFound
		}
		if cur.Source == src {
			return t, nil
		}
		return t.Put(presented, cur.WithSource(src, lowerOf(cur)))
	})
	if err != nil {
		return "", err
	}
	vfsLogger.Debug("Copied up %q from %v", presented, e.Source.Layer)
	return staged, nil
}

func (vfs *ModFS) String() string {
	return fmt.Sprintf("modfs(%s)", vfs.base.Path())
}
