package fs

import (
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"modvfs/internal/logging"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"
)

var (
	baseLogger = logging.GetLogger().WithPrefix("base")
)

const baseStatCacheSize = 4096

// BaseDir is a directory handle on the original data directory. It is opened
// before the mount shadows the path and resolves every base-layer access
// relative to the handle.
type BaseDir struct {
	path  string
	mu    sync.RWMutex
	fd    int
	stats *lru.Cache[string, os.FileInfo]
}

// OpenBaseDir opens dir and holds it until Close.
func OpenBaseDir(dir string) (*BaseDir, error) {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: dir, Err: err}
	}
	stats, err := lru.New[string, os.FileInfo](baseStatCacheSize)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	baseLogger.Debug("Holding base directory %s as fd %d", dir, fd)
	return &BaseDir{path: dir, fd: fd, stats: stats}, nil
}

// Path returns the directory the handle was opened on.
func (b *BaseDir) Path() string {
	return b.path
}

func relOrDot(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}

// Open opens rel read-only through the held handle.
func (b *BaseDir) Open(rel string) (*os.File, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.fd < 0 {
		return nil, os.ErrClosed
	}

	fd, err := unix.Openat(b.fd, relOrDot(rel), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: rel, Err: err}
	}
	return os.NewFile(uintptr(fd), path.Join(b.path, rel)), nil
}

// Stat stats rel through the held handle. Base content is read-only for the
// whole session, so results are cached.
func (b *BaseDir) Stat(rel string) (os.FileInfo, error) {
	if info, ok := b.stats.Get(rel); ok {
		return info, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.fd < 0 {
		return nil, os.ErrClosed
	}

	var st unix.Stat_t
	if err := unix.Fstatat(b.fd, relOrDot(rel), &st, 0); err != nil {
		return nil, &os.PathError{Op: "fstatat", Path: rel, Err: err}
	}
	info := newStatInfo(path.Base(relOrDot(rel)), &st)
	b.stats.Add(rel, info)
	return info, nil
}

// Close releases the handle.
func (b *BaseDir) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	b.stats.Purge()
	if err != nil {
		return fmt.Errorf("close base directory %s: %w", b.path, err)
	}
	baseLogger.Debug("Released base directory %s", b.path)
	return nil
}

// statInfo adapts a raw stat result to os.FileInfo.
type statInfo struct {
	name  string
	size  int64
	mode  os.FileMode
	mtime time.Time
	sys   unix.Stat_t
}

func newStatInfo(name string, st *unix.Stat_t) *statInfo {
	mode := os.FileMode(st.Mode & 0777)
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	}
	return &statInfo{
		name:  name,
		size:  st.Size,
		mode:  mode,
		mtime: time.Unix(int64(st.Mtim.Sec), int64(st.Mtim.Nsec)),
		sys:   *st,
	}
}

func (s *statInfo) Name() string       { return s.name }
func (s *statInfo) Size() int64        { return s.size }
func (s *statInfo) Mode() os.FileMode  { return s.mode }
func (s *statInfo) ModTime() time.Time { return s.mtime }
func (s *statInfo) IsDir() bool        { return s.mode.IsDir() }
func (s *statInfo) Sys() interface{}   { return &s.sys }
