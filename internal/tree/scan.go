package tree

import (
	"fmt"
	"os"
	"path/filepath"

	"modvfs/internal/logging"

	"github.com/spf13/afero"
)

var (
	scanLogger = logging.GetLogger().WithPrefix("scan")
)

// ScanEntry is one path found under a scanned root.
type ScanEntry struct {
	Path string // relative, slash separated, on-disk casing
	Dir  bool
}

// Scan enumerates root recursively in lexical order. Regular files and
// directories are reported; symlinks count as what they point to, except that
// directory symlinks are not descended into. An unreadable root is an error;
// unreadable subdirectories are skipped.
func Scan(fsys afero.Fs, root string) ([]ScanEntry, error) {
	var entries []ScanEntry

	err := afero.Walk(fsys, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			scanLogger.Warn("Skipping unreadable path %q: %v", p, err)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == root {
			if !info.IsDir() {
				return fmt.Errorf("scan root %s is not a directory", root)
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink != 0 {
			target, statErr := fsys.Stat(p)
			if statErr != nil {
				scanLogger.Debug("Skipping dangling symlink %q", p)
				return nil
			}
			info = target
		}

		switch {
		case info.IsDir():
			entries = append(entries, ScanEntry{Path: rel, Dir: true})
		case info.Mode().IsRegular():
			entries = append(entries, ScanEntry{Path: rel})
		default:
			scanLogger.Trace("Ignoring special file %q (%v)", p, info.Mode())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	scanLogger.Debug("Scanned %d entries under %s", len(entries), root)
	return entries, nil
}
