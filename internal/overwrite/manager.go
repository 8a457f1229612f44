// Package overwrite owns the writable side of the mount: the per-mount
// staging directory that receives every mutation and the persistent
// overwrite directory that staged content migrates into on flush.
package overwrite

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modvfs/internal/logging"
	"modvfs/internal/tree"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

var (
	logger = logging.GetLogger().WithPrefix("overwrite")

	// ErrOutsideWritable is returned when asked to modify a path outside the
	// staging and overwrite directories.
	ErrOutsideWritable = errors.New("path is not in a writable layer")
)

const (
	// StagingDirName is the staging directory's name, created next to the
	// overwrite directory.
	StagingDirName = "VFS_staging"

	partialSuffix = ".partial"
)

// StagingDirFor returns the staging directory used with overwriteDir.
func StagingDirFor(overwriteDir string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(overwriteDir)), StagingDirName)
}

// Opener opens the physical source of a copy-up.
type Opener func() (afero.File, error)

// Manager redirects mutations into staging and migrates staging into
// overwrite.
type Manager struct {
	fs        afero.Fs
	staging   string
	partial   string
	overwrite string
	copies    singleflight.Group
}

// New prepares both directories and returns a manager for them. Partial
// copy-ups left by an earlier process are discarded.
func New(fsys afero.Fs, staging, overwrite string) (*Manager, error) {
	m := &Manager{
		fs:        fsys,
		staging:   filepath.Clean(staging),
		partial:   filepath.Clean(staging) + partialSuffix,
		overwrite: filepath.Clean(overwrite),
	}

	for _, dir := range []string{m.staging, m.overwrite} {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := fsys.RemoveAll(m.partial); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", m.partial, err)
	}
	if err := fsys.MkdirAll(m.partial, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", m.partial, err)
	}

	logger.Debug("Staging %s, overwrite %s", m.staging, m.overwrite)
	return m, nil
}

// StagingDir returns the staging directory.
func (m *Manager) StagingDir() string {
	return m.staging
}

// OverwriteDir returns the overwrite directory.
func (m *Manager) OverwriteDir() string {
	return m.overwrite
}

// Owns reports whether physical lies inside staging or overwrite.
func (m *Manager) Owns(physical string) bool {
	return within(physical, m.staging) || within(physical, m.overwrite)
}

// StagedPath maps a virtual path to its location in staging, reusing the
// casing of directories that already exist there.
func (m *Manager) StagedPath(rel string) string {
	return resolveCase(m.fs, m.staging, rel)
}

// CopyUp makes a staged copy of the file at rel and returns its path.
// Concurrent callers for the same path share one copy; a path that is
// already staged is returned as is.
func (m *Manager) CopyUp(rel string, open Opener) (string, error) {
	v, err, shared := m.copies.Do(tree.Fold(rel), func() (interface{}, error) {
		dst := m.StagedPath(rel)
		if info, err := m.fs.Stat(dst); err == nil && !info.IsDir() {
			return dst, nil
		}
		if err := m.copyUp(open, dst); err != nil {
			return "", err
		}
		return dst, nil
	})
	if err != nil {
		return "", fmt.Errorf("copy-up of %s: %w", rel, err)
	}
	if shared {
		logger.Trace("Copy-up of %q shared with a concurrent caller", rel)
	}
	return v.(string), nil
}

func (m *Manager) copyUp(open Opener, dst string) error {
	in, err := open()
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := m.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(m.fs, m.partial, "copyup-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer m.fs.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := m.fs.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return err
	}
	if err := m.fs.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		logger.Debug("Could not preserve mtime on %s: %v", dst, err)
	}
	if err := moveFile(m.fs, tmpName, dst); err != nil {
		return err
	}

	logger.Debug("Copied up %s (%d bytes)", dst, info.Size())
	return nil
}

// Create creates a new file in staging and returns it with its path.
func (m *Manager) Create(rel string, flag int, perm os.FileMode) (afero.File, string, error) {
	dst := m.StagedPath(rel)
	if err := m.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, "", err
	}
	f, err := m.fs.OpenFile(dst, flag|os.O_CREATE, perm)
	if err != nil {
		return nil, "", err
	}
	return f, dst, nil
}

// Mkdir creates a directory in staging. A directory already staged at rel
// is not an error.
func (m *Manager) Mkdir(rel string, perm os.FileMode) (string, error) {
	dst := m.StagedPath(rel)
	if err := m.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	if err := m.fs.Mkdir(dst, perm); err != nil {
		if info, statErr := m.fs.Stat(dst); statErr == nil && info.IsDir() {
			return dst, nil
		}
		return "", err
	}
	return dst, nil
}

// Remove deletes the file or empty directory at rel from both staging and
// overwrite. Areas where rel does not exist are ignored.
func (m *Manager) Remove(rel string) error {
	for _, root := range []string{m.staging, m.overwrite} {
		p := resolveCase(m.fs, root, rel)
		if err := m.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Move relocates a staged or overwrite file to rel inside staging.
func (m *Manager) Move(physical, rel string) (string, error) {
	if !m.Owns(physical) {
		return "", ErrOutsideWritable
	}
	dst := m.StagedPath(rel)
	if err := m.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	if err := moveFile(m.fs, physical, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Flush migrates everything in staging into overwrite. Each file is renamed
// into place, falling back to copy-then-delete. Files that fail stay in
// staging; the joined failures are returned. Staging exists and holds only
// the failed files afterwards.
func (m *Manager) Flush() error {
	var dirs, files []string
	err := afero.Walk(m.fs, m.staging, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == m.staging && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if p == m.staging {
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk staging: %w", err)
	}

	var errs []error
	for _, dir := range dirs {
		dst := resolveCase(m.fs, m.overwrite, m.rel(dir))
		if err := m.fs.MkdirAll(dst, 0755); err != nil {
			errs = append(errs, fmt.Errorf("mkdir %s: %w", dst, err))
		}
	}

	moved := 0
	for _, src := range files {
		dst := resolveCase(m.fs, m.overwrite, m.rel(src))
		if err := m.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			errs = append(errs, fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err))
			continue
		}
		if err := moveFile(m.fs, src, dst); err != nil {
			errs = append(errs, err)
			continue
		}
		moved++
	}

	// Deepest first so parents are empty by the time they are visited.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		if err := m.fs.Remove(dir); err != nil {
			logger.Trace("Keeping non-empty staging directory %s", dir)
		}
	}
	if err := m.fs.MkdirAll(m.staging, 0755); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		logger.Error("Flush moved %d of %d files; %d failures kept in staging", moved, len(files), len(errs))
		return errors.Join(errs...)
	}
	logger.Info("Flushed %d files from staging into %s", moved, m.overwrite)
	return nil
}

func (m *Manager) rel(p string) string {
	rel, err := filepath.Rel(m.staging, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

// moveFile renames src to dst, falling back to copy-then-delete when the
// rename fails (for example across devices). src is only removed after a
// complete copy.
func moveFile(fsys afero.Fs, src, dst string) error {
	renameErr := fsys.Rename(src, dst)
	if renameErr == nil {
		return nil
	}
	logger.Debug("Rename %s -> %s failed (%v), copying", src, dst, renameErr)

	if err := copyFile(fsys, src, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	if err := fsys.Remove(src); err != nil {
		return fmt.Errorf("remove %s after copy: %w", src, err)
	}
	return nil
}

func copyFile(fsys afero.Fs, src, dst string) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return fsys.Chtimes(dst, info.ModTime(), info.ModTime())
}

// resolveCase joins rel onto root, matching each component against existing
// entries case-insensitively so differently cased writes land in one place.
func resolveCase(fsys afero.Fs, root, rel string) string {
	cur := root
	parts := strings.Split(tree.Clean(rel), "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		candidate := filepath.Join(cur, part)
		if _, err := fsys.Stat(candidate); err == nil {
			cur = candidate
			continue
		}

		infos, err := afero.ReadDir(fsys, cur)
		if err != nil {
			// Parent does not exist yet: nothing further can match.
			return filepath.Join(append([]string{cur}, parts[i:]...)...)
		}
		match := part
		for _, info := range infos {
			if strings.EqualFold(info.Name(), part) {
				match = info.Name()
				break
			}
		}
		cur = filepath.Join(cur, match)
	}
	return cur
}

func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
