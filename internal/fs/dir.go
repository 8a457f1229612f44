package fs

import (
	"context"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"modvfs/internal/inode"
	"modvfs/internal/logging"
	"modvfs/internal/tree"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir is a directory of the merged tree. It holds an identifier rather than a
// path so it follows renames.
type Dir struct {
	fs  *ModFS
	ref inode.Ref
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	p, err := d.fs.resolveStable(d.ref, func(p string, e *tree.Entry) error {
		dirLogger.Trace("Getting attributes for directory: %q (%v)", p, e.Source.Layer)

		info, err := d.fs.statSource(e.Source)
		if err != nil {
			dirLogger.Debug("Stat of %q failed, using synthetic attributes: %v", p, err)
			info = nil
		}
		d.fs.fillAttr(a, d.ref.ID, info, true)
		return nil
	})
	if err != nil {
		return fail(OpGetattr, p, err)
	}
	return nil
}

// Lookup implements the NodeRequestLookuper interface, finding a child node.
func (d *Dir) Lookup(_ context.Context, req *fuse.LookupRequest, resp *fuse.LookupResponse) (fusefs.Node, error) {
	dirPath, e, err := d.fs.resolve(d.ref)
	if err != nil {
		return nil, fail(OpLookup, req.Name, err)
	}
	dirLogger.Debug("Looking up %q in directory %q", req.Name, dirPath)

	if !e.Dir {
		return nil, fuse.Errno(syscall.ENOTDIR)
	}
	child, ok := e.Child(req.Name)
	if !ok {
		dirLogger.Trace("Path not found: %q", tree.Join(dirPath, req.Name))
		return nil, fuse.ENOENT
	}

	p := tree.Join(dirPath, child.Name)
	dirLogger.Trace("Resolved %q to %v %s", p, child.Source.Layer, child.Source.Path)
	resp.EntryValid = entryValid
	return d.fs.lookupNode(p, child), nil
}

// ReadDirAll implements the HandleReadDirAller interface, listing the merged
// directory contents.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	p, e, err := d.fs.resolve(d.ref)
	if err != nil {
		return nil, fail(OpReadDir, p, err)
	}
	dirLogger.Debug("Reading directory contents: %q", p)

	children := e.Children()
	entries := make([]fuse.Dirent, 0, len(children)+2)
	entries = append(entries,
		fuse.Dirent{Inode: d.ref.ID, Name: ".", Type: fuse.DT_Dir},
		fuse.Dirent{Name: "..", Type: fuse.DT_Dir},
	)

	for _, c := range children {
		de := fuse.Dirent{Name: c.Name, Type: fuse.DT_File}
		if c.Dir {
			de.Type = fuse.DT_Dir
		}
		// Zero lets the server assign a dynamic number for entries the
		// kernel has not looked up yet.
		if id, ok := d.fs.inodes.Peek(tree.Fold(tree.Join(p, c.Name))); ok {
			de.Inode = id
		}
		entries = append(entries, de)
	}

	dirLogger.Debug("Directory %q contains %d entries", p, len(children))
	return entries, nil
}

// Create implements the NodeCreater interface, creating a new file in staging.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	dirPath, e, err := d.fs.resolve(d.ref)
	if err != nil {
		return nil, nil, fail(OpCreate, req.Name, err)
	}
	p := tree.Join(dirPath, req.Name)
	dirLogger.Info("Creating file %q", p)

	if _, exists := e.Child(req.Name); exists {
		return nil, nil, fail(OpCreate, p, ErrAlreadyExists)
	}

	d.fs.stagingMu.RLock()
	defer d.fs.stagingMu.RUnlock()

	perm := req.Mode.Perm() &^ req.Umask.Perm()
	f, physical, err := d.fs.Overwrite().Create(p, hostFlags(req.Flags)|os.O_TRUNC, perm)
	if err != nil {
		return nil, nil, fail(OpCreate, p, err)
	}

	err = d.fs.update(func(t *tree.Tree, _ tree.Whiteouts) (*tree.Tree, error) {
		return t.Put(p, tree.NewFile(req.Name, tree.Source{Layer: tree.LayerStaging, Path: physical}, tree.Source{}))
	})
	if err != nil {
		f.Close()
		d.fs.Overwrite().Remove(p)
		return nil, nil, fail(OpCreate, p, err)
	}

	ref := d.fs.inodes.Create(tree.Fold(p))
	node := d.fs.node(ref, false)
	d.fs.inodes.Acquire(ref.ID)

	resp.EntryValid = entryValid
	resp.Flags |= fuse.OpenDirectIO

	fh := &FileHandle{
		fs:       d.fs,
		ref:      ref,
		file:     f,
		path:     p,
		writable: !req.Flags.IsReadOnly(),
	}
	if file, ok := node.(*File); ok {
		fh.node = file
		file.track(fh)
	}

	dirLogger.Debug("Created %q as %s (inode %d)", p, physical, ref.ID)
	return node, fh, nil
}

// Mkdir implements the NodeMkdirer interface, creating a directory in staging.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	dirPath, e, err := d.fs.resolve(d.ref)
	if err != nil {
		return nil, fail(OpMkdir, req.Name, err)
	}
	p := tree.Join(dirPath, req.Name)
	dirLogger.Info("Creating new directory %q", p)

	if _, exists := e.Child(req.Name); exists {
		return nil, fail(OpMkdir, p, ErrAlreadyExists)
	}

	d.fs.stagingMu.RLock()
	defer d.fs.stagingMu.RUnlock()

	physical, err := d.fs.Overwrite().Mkdir(p, req.Mode.Perm()&^req.Umask.Perm())
	if err != nil {
		return nil, fail(OpMkdir, p, err)
	}

	err = d.fs.update(func(t *tree.Tree, _ tree.Whiteouts) (*tree.Tree, error) {
		return t.Put(p, tree.NewDir(req.Name, tree.Source{Layer: tree.LayerStaging, Path: physical}, tree.Source{}))
	})
	if err != nil {
		return nil, fail(OpMkdir, p, err)
	}

	ref := d.fs.inodes.Create(tree.Fold(p))
	dirLogger.Debug("Created directory %q (inode %d)", p, ref.ID)
	return d.fs.node(ref, true), nil
}

// Remove implements the NodeRemover interface for both unlink and rmdir.
// Writable copies are deleted; read-only sources are hidden by a whiteout.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	dirPath, e, err := d.fs.resolve(d.ref)
	if err != nil {
		return fail(OpRemove, req.Name, err)
	}
	child, ok := e.Child(req.Name)
	if !ok {
		return fuse.ENOENT
	}
	p := tree.Join(dirPath, child.Name)
	dirLogger.Info("Removing %q (isDir=%v)", p, req.Dir)

	switch {
	case req.Dir && !child.Dir:
		return fuse.Errno(syscall.ENOTDIR)
	case !req.Dir && child.Dir:
		return fuse.Errno(syscall.EISDIR)
	case child.Dir && child.Len() > 0:
		dirLogger.Warn("Directory not empty: %q", p)
		return fail(OpRemove, p, ErrDirectoryNotEmpty)
	}

	d.fs.stagingMu.RLock()
	defer d.fs.stagingMu.RUnlock()

	if child.Source.Layer.Writable() {
		if err := d.fs.Overwrite().Remove(p); err != nil {
			return fail(OpRemove, p, err)
		}
	}

	hidden := hiddenSource(child)
	err = d.fs.update(func(t *tree.Tree, whiteouts tree.Whiteouts) (*tree.Tree, error) {
		next, err := t.Delete(p)
		if err != nil {
			return nil, err
		}
		if !hidden.IsZero() {
			dirLogger.Debug("Hiding %v source of %q", hidden.Layer, p)
			whiteouts[tree.Fold(p)] = hidden
		}
		return next, nil
	})
	if err != nil {
		return fail(OpRemove, p, err)
	}

	d.fs.inodes.Remove(tree.Fold(p))
	dirLogger.Info("Successfully removed %q", p)
	return nil
}

// Rename implements the NodeRenamer interface. Files are copied up first
// when needed; directories move only when their whole subtree is writable.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		dirLogger.Error("Target is not a valid directory type")
		return fuse.Errno(syscall.EINVAL)
	}

	srcDirPath, srcDir, err := d.fs.resolve(d.ref)
	if err != nil {
		return fail(OpRename, req.OldName, err)
	}
	dstDirPath, dstDir, err := d.fs.resolve(target.ref)
	if err != nil {
		return fail(OpRename, req.NewName, err)
	}

	child, ok := srcDir.Child(req.OldName)
	if !ok {
		return fuse.ENOENT
	}
	from := tree.Join(srcDirPath, child.Name)
	to := tree.Join(dstDirPath, req.NewName)
	sameKey := tree.Fold(from) == tree.Fold(to)
	dirLogger.Info("Renaming %q to %q", from, to)

	if !sameKey && tree.IsWithin(to, from) {
		return fuse.Errno(syscall.EINVAL)
	}

	existing, exists := dstDir.Child(req.NewName)
	if exists && !sameKey {
		switch {
		case existing.Dir && !child.Dir:
			return fuse.Errno(syscall.EISDIR)
		case !existing.Dir && child.Dir:
			return fuse.Errno(syscall.ENOTDIR)
		case existing.Dir && existing.Len() > 0:
			return fail(OpRename, to, ErrDirectoryNotEmpty)
		}
	}

	if child.Dir {
		err = d.fs.renameDir(from, to)
	} else {
		var destLower tree.Source
		switch {
		case sameKey:
			destLower = lowerOf(child)
		case exists:
			destLower = lowerOf(existing)
		}
		err = d.fs.renameFile(from, to, req.NewName, child, destLower, sameKey)
	}
	if err != nil {
		return fail(OpRename, from, err)
	}

	d.fs.inodes.Rename(tree.Fold(from), tree.Fold(to))
	dirLogger.Info("Successfully renamed %q to %q", from, to)
	return nil
}

func (vfs *ModFS) renameFile(from, to, name string, e *tree.Entry, destLower tree.Source, sameKey bool) error {
	vfs.stagingMu.RLock()
	defer vfs.stagingMu.RUnlock()

	physical, err := vfs.copyUp(from, e)
	if err != nil {
		return err
	}
	moved, err := vfs.Overwrite().Move(physical, to)
	if err != nil {
		return err
	}

	var hidden tree.Source
	if !sameKey {
		hidden = hiddenSource(e)
		// An overwrite copy left under a staged one would resurface.
		if err := vfs.Overwrite().Remove(from); err != nil {
			dirLogger.Warn("Could not remove leftover copy of %q: %v", from, err)
		}
	}

	return vfs.update(func(t *tree.Tree, whiteouts tree.Whiteouts) (*tree.Tree, error) {
		next, err := t.Delete(from)
		if err != nil {
			return nil, err
		}
		next, err = next.Put(to, tree.NewFile(name, tree.Source{Layer: tree.LayerStaging, Path: moved}, destLower))
		if err != nil {
			return nil, err
		}
		if !hidden.IsZero() {
			whiteouts[tree.Fold(from)] = hidden
		}
		return next, nil
	})
}

// renameDir moves a directory whose entries all live in writable layers,
// then rebuilds so every moved entry points at its new physical path.
func (vfs *ModFS) renameDir(from, to string) error {
	type item struct {
		rel string
		e   *tree.Entry
	}
	var items []item
	err := vfs.snap.Load().Walk(from, func(p string, e *tree.Entry) error {
		if !e.Source.Layer.Writable() || !e.Lower.IsZero() {
			dirLogger.Debug("Cannot move %q in place: %v source", p, e.Source.Layer)
			return ErrCrossLayer
		}
		items = append(items, item{rel: strings.TrimPrefix(p, from), e: e})
		return nil
	})
	if err != nil {
		return err
	}

	vfs.stagingMu.RLock()
	defer vfs.stagingMu.RUnlock()

	mgr := vfs.Overwrite()
	for _, it := range items {
		dst := to + it.rel
		if it.e.Dir {
			_, err = mgr.Mkdir(dst, 0755)
		} else {
			_, err = mgr.Move(it.e.Source.Path, dst)
		}
		if err != nil {
			return err
		}
	}

	// Deepest first so each directory is empty when removed.
	sort.Slice(items, func(i, j int) bool { return items[i].rel > items[j].rel })
	for _, it := range items {
		if it.e.Dir {
			if err := mgr.Remove(from + it.rel); err != nil {
				dirLogger.Warn("Could not remove old directory %q: %v", from+it.rel, err)
			}
		}
	}

	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	return vfs.rebuildLocked(vfs.layout)
}

// Setattr implements the NodeSetattrer interface. Only directories in a
// writable layer take mode and time changes; others ignore them.
func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	p, e, err := d.fs.resolve(d.ref)
	if err != nil {
		return fail(OpSetattr, p, err)
	}
	dirLogger.Debug("Setting attributes for directory %q: %v", p, req.Valid)

	if e.Source.Layer.Writable() {
		if err := d.fs.applyAttrs(e.Source.Path, req); err != nil {
			return fail(OpSetattr, p, err)
		}
	} else {
		dirLogger.Trace("Ignoring setattr on %v directory %q", e.Source.Layer, p)
	}
	return d.Attr(ctx, &resp.Attr)
}

// Forget implements the NodeForgetter interface.
func (d *Dir) Forget() {
	dirLogger.Trace("Forgetting directory inode %d", d.ref.ID)
	if d.ref.ID != inode.RootID {
		d.fs.forget(d.ref.ID)
	}
}

// applyAttrs applies mode and time changes from req to physical.
func (vfs *ModFS) applyAttrs(physical string, req *fuse.SetattrRequest) error {
	if req.Valid.Mode() {
		if err := vfs.host.Chmod(physical, req.Mode.Perm()); err != nil {
			return err
		}
	}
	if req.Valid.Mtime() || req.Valid.Atime() {
		now := time.Now()
		mtime := now
		if req.Valid.Mtime() && !req.Valid.MtimeNow() {
			mtime = req.Mtime
		} else if !req.Valid.Mtime() {
			if info, err := vfs.host.Stat(physical); err == nil {
				mtime = info.ModTime()
			}
		}
		atime := mtime
		if req.Valid.Atime() && !req.Valid.AtimeNow() {
			atime = req.Atime
		} else if req.Valid.AtimeNow() {
			atime = now
		}
		if err := vfs.host.Chtimes(physical, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

// fillAttr reports info with the presented owner. A nil info describes a
// synthesized directory.
func (vfs *ModFS) fillAttr(a *fuse.Attr, id uint64, info os.FileInfo, dir bool) {
	a.Valid = entryValid
	a.Inode = id
	a.Uid = vfs.owner.Uid
	a.Gid = vfs.owner.Gid
	a.BlockSize = 4096

	if info == nil {
		a.Mode = os.ModeDir | 0755
		a.Nlink = 2
		a.Mtime = vfs.started
		a.Atime = vfs.started
		a.Ctime = vfs.started
		return
	}

	a.Mode = info.Mode().Perm()
	a.Nlink = 1
	if dir {
		a.Mode |= os.ModeDir
		a.Nlink = 2
	} else {
		a.Size = safeInt64ToUint64(info.Size())
		a.Blocks = safeInt64ToUint64((info.Size() + 511) / 512)
	}
	a.Mtime = info.ModTime()
	a.Atime = info.ModTime() // access times are not tracked
	a.Ctime = info.ModTime()
}

// hostFlags converts kernel open flags to flags for the staged file.
// O_APPEND is dropped: the kernel supplies explicit offsets.
func hostFlags(flags fuse.OpenFlags) int {
	out := int(flags & fuse.OpenAccessModeMask)
	if flags&fuse.OpenTruncate != 0 {
		out |= os.O_TRUNC
	}
	return out
}
