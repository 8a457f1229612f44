package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"modvfs/internal/inode"
	"modvfs/internal/logging"
	"modvfs/internal/tree"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/spf13/afero"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File is a regular file of the merged tree.
type File struct {
	fs  *ModFS
	ref inode.Ref

	// open tracks live handles so an unlinked file still answers getattr.
	openMu sync.Mutex
	open   map[*FileHandle]struct{}
}

// Attr implements the Node interface, returning the file's attributes.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	p, err := f.fs.resolveStable(f.ref, func(p string, e *tree.Entry) error {
		fileLogger.Trace("Getting attributes for file: %q (source: %v %q)", p, e.Source.Layer, e.Source.Path)

		info, err := f.fs.statSource(e.Source)
		if err != nil {
			if os.IsNotExist(err) {
				fileLogger.Warn("Source file not found: %q", e.Source.Path)
			}
			return err
		}
		f.fs.fillAttr(a, f.ref.ID, info, e.Dir)
		return nil
	})
	if errors.Is(err, ErrStale) {
		if info, ok := f.openInfo(); ok {
			fileLogger.Trace("Inode %d is unlinked, using an open handle", f.ref.ID)
			f.fs.fillAttr(a, f.ref.ID, info, false)
			a.Nlink = 0
			return nil
		}
	}
	if err != nil {
		return fail(OpGetattr, p, err)
	}

	fileLogger.Trace("File attributes: mode=%v, size=%d, mtime=%v", a.Mode, a.Size, a.Mtime)
	return nil
}

// openInfo stats the file behind any live handle.
func (f *File) openInfo() (os.FileInfo, bool) {
	f.openMu.Lock()
	defer f.openMu.Unlock()
	for fh := range f.open {
		if info, err := fh.file.Stat(); err == nil {
			return info, true
		}
	}
	return nil, false
}

func (f *File) track(fh *FileHandle) {
	f.openMu.Lock()
	defer f.openMu.Unlock()
	if f.open == nil {
		f.open = map[*FileHandle]struct{}{}
	}
	f.open[fh] = struct{}{}
}

func (f *File) untrack(fh *FileHandle) {
	f.openMu.Lock()
	defer f.openMu.Unlock()
	delete(f.open, fh)
}

// Open implements the NodeOpener interface. Write access copies the source
// into staging first unless it is staged already.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	writable := !req.Flags.IsReadOnly()

	var file afero.File
	p, err := f.fs.resolveStable(f.ref, func(p string, e *tree.Entry) error {
		fileLogger.Debug("Opening file %q with flags %v", p, req.Flags)
		if e.Dir {
			return ErrIsDir
		}
		var err error
		if !writable {
			file, err = f.fs.openSource(e.Source)
		}
		return err
	})
	if err == nil && writable {
		p, file, err = f.openWritable(req.Flags)
	}
	if err != nil {
		fileLogger.Error("Failed to open file %q: %v", p, err)
		return nil, fail(OpOpen, p, err)
	}

	f.fs.inodes.Acquire(f.ref.ID)
	resp.Flags |= fuse.OpenDirectIO

	fh := &FileHandle{
		fs:       f.fs,
		node:     f,
		ref:      f.ref,
		file:     file,
		path:     p,
		writable: writable,
	}
	f.track(fh)

	fileLogger.Debug("Successfully opened file %q (writable=%v)", p, writable)
	return fh, nil
}

// openWritable resolves and copies up under stagingMu so a live flush cannot
// move the staged file in between.
func (f *File) openWritable(flags fuse.OpenFlags) (string, afero.File, error) {
	f.fs.stagingMu.RLock()
	defer f.fs.stagingMu.RUnlock()

	p, e, err := f.fs.resolve(f.ref)
	if err != nil {
		return p, nil, err
	}
	physical, err := f.fs.copyUp(p, e)
	if err != nil {
		return p, nil, err
	}
	file, err := f.fs.host.OpenFile(physical, hostFlags(flags), 0)
	return p, file, err
}

// Setattr implements the NodeSetattrer interface. Any change to a source
// that is not staged yet is applied to a staged copy.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() || req.Valid.Mode() || req.Valid.Mtime() || req.Valid.Atime() {
		if p, err := f.setattr(req); err != nil {
			return fail(OpSetattr, p, err)
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

func (f *File) setattr(req *fuse.SetattrRequest) (string, error) {
	f.fs.stagingMu.RLock()
	defer f.fs.stagingMu.RUnlock()

	p, e, err := f.fs.resolve(f.ref)
	if err != nil {
		return p, err
	}
	fileLogger.Debug("Setting attributes for file %q: %v", p, req.Valid)

	physical, err := f.fs.copyUp(p, e)
	if err != nil {
		return p, err
	}

	if req.Valid.Size() {
		fileLogger.Debug("Truncating %q to %d bytes", p, req.Size)
		file, err := f.fs.host.OpenFile(physical, os.O_WRONLY, 0)
		if err != nil {
			return p, err
		}
		err = file.Truncate(int64(req.Size))
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return p, err
		}
	}
	return p, f.fs.applyAttrs(physical, req)
}

// Fsync implements the NodeFsyncer interface. Handles write straight
// through to the staged file.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	fileLogger.Trace("Fsync on inode %d", f.ref.ID)
	return nil
}

// Forget implements the NodeForgetter interface.
func (f *File) Forget() {
	fileLogger.Trace("Forgetting file inode %d", f.ref.ID)
	f.fs.forget(f.ref.ID)
}

// FileHandle is an open file. It keeps the physical file it was opened on,
// so it survives tree rebuilds.
type FileHandle struct {
	fs       *ModFS
	node     *File
	ref      inode.Ref
	file     afero.File
	path     string // For logging purposes
	writable bool
	mu       sync.RWMutex
	released bool
}

// Read implements the HandleReader interface, reading data from the file.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh.mu.RLock()
	defer fh.mu.RUnlock()

	fileLogger.Trace("Reading %d bytes from file %q at offset %d", req.Size, fh.path, req.Offset)

	resp.Data = make([]byte, req.Size)
	n, err := fh.file.ReadAt(resp.Data, req.Offset)
	if err != nil && err != io.EOF {
		fileLogger.Error("Failed to read from file: %v", err)
		return fail(OpRead, fh.path, err)
	}

	resp.Data = resp.Data[:n]
	fileLogger.Trace("Successfully read %d bytes", n)
	return nil
}

// Write implements the HandleWriter interface. Only handles on staged or
// newly created files are writable.
func (fh *FileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fh.mu.RLock()
	defer fh.mu.RUnlock()

	if !fh.writable {
		return fail(OpWrite, fh.path, ErrNotWritable)
	}
	fileLogger.Trace("Writing %d bytes to file %q at offset %d", len(req.Data), fh.path, req.Offset)

	n, err := fh.file.WriteAt(req.Data, req.Offset)
	resp.Size = n
	if err != nil {
		fileLogger.Error("Failed to write to file: %v", err)
		return fail(OpWrite, fh.path, err)
	}
	return nil
}

// Flush implements the HandleFlusher interface.
func (fh *FileHandle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	fileLogger.Trace("Flush on %q", fh.path)
	return nil
}

// Release implements the HandleReleaser interface, closing the file handle.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.released {
		return nil
	}
	fh.released = true

	fileLogger.Debug("Closing file %q", fh.path)
	err := fh.file.Close()
	if fh.node != nil {
		fh.node.untrack(fh)
	}
	fh.fs.inodes.Release(fh.ref.ID)
	return err
}
