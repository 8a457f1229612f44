// Package config reads and writes the helper configuration file: newline
// delimited key=value records describing one mount.
//
//	mount_point=/games/Skyrim/Data
//	game_dir=/games/Skyrim
//	data_dir_name=Data
//	overwrite_dir=/profiles/default/overwrite
//	mod=SkyUI|/mods/SkyUI
//	extra_file=plugins.txt|/profiles/default/plugins.txt
//
// Blank lines and lines starting with # are ignored. Records without '=' and
// mod or extra_file values without '|' are skipped.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"modvfs/internal/logging"
	"modvfs/internal/tree"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var (
	logger = logging.GetLogger().WithPrefix("config")

	// ErrMountPointNotSet is returned by Validate when mount_point is missing.
	ErrMountPointNotSet = errors.New("mount_point not set in config")
)

// Record keys.
const (
	KeyMountPoint   = "mount_point"
	KeyGameDir      = "game_dir"
	KeyDataDirName  = "data_dir_name"
	KeyOverwriteDir = "overwrite_dir"
	KeyMod          = "mod"
	KeyExtraFile    = "extra_file"
)

// File is the decoded configuration.
type File struct {
	MountPoint   string
	GameDir      string
	DataDirName  string
	OverwriteDir string
	Mods         []tree.Mod
	ExtraFiles   []tree.Injection
}

// Validate checks the records a helper cannot run without.
func (f *File) Validate() error {
	if f.MountPoint == "" {
		return ErrMountPointNotSet
	}
	return nil
}

// Parse decodes a configuration. It only fails when r does.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSuffix(sc.Text(), "\r")
		if text == "" || text[0] == '#' {
			continue
		}

		key, val, ok := strings.Cut(text, "=")
		if !ok {
			logger.Debug("Skipping line %d: no '='", line)
			continue
		}

		switch key {
		case KeyMountPoint:
			f.MountPoint = val
		case KeyGameDir:
			f.GameDir = val
		case KeyDataDirName:
			f.DataDirName = val
		case KeyOverwriteDir:
			f.OverwriteDir = val
		case KeyMod:
			name, path, ok := strings.Cut(val, "|")
			if !ok {
				logger.Debug("Skipping line %d: malformed mod %q", line, val)
				continue
			}
			f.Mods = append(f.Mods, tree.Mod{Name: name, Path: path})
		case KeyExtraFile:
			rel, src, ok := strings.Cut(val, "|")
			if !ok {
				logger.Debug("Skipping line %d: malformed extra_file %q", line, val)
				continue
			}
			f.ExtraFiles = append(f.ExtraFiles, tree.Injection{Path: rel, Source: src})
		default:
			logger.Trace("Ignoring unknown key %q on line %d", key, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return f, nil
}

// Read loads and parses the file at path.
func Read(fsys afero.Fs, path string) (*File, error) {
	r, err := fsys.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	defer r.Close()

	f, err := Parse(r)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	logger.Debug("Read %s: %d mods, %d extra files", path, len(f.Mods), len(f.ExtraFiles))
	return f, nil
}

// Encode writes f in record form. Values that cannot round-trip are
// rejected.
func (f *File) Encode(w io.Writer) error {
	var buf bytes.Buffer
	put := func(key, val string) error {
		if strings.ContainsAny(val, "\r\n") {
			return errors.Errorf("%s value %q contains a line break", key, val)
		}
		fmt.Fprintf(&buf, "%s=%s\n", key, val)
		return nil
	}
	pair := func(key, left, right string) error {
		if strings.Contains(left, "|") {
			return errors.Errorf("%s name %q contains '|'", key, left)
		}
		return put(key, left+"|"+right)
	}

	for _, kv := range [][2]string{
		{KeyMountPoint, f.MountPoint},
		{KeyGameDir, f.GameDir},
		{KeyDataDirName, f.DataDirName},
		{KeyOverwriteDir, f.OverwriteDir},
	} {
		if err := put(kv[0], kv[1]); err != nil {
			return err
		}
	}
	for _, m := range f.Mods {
		if err := pair(KeyMod, m.Name, m.Path); err != nil {
			return err
		}
	}
	for _, x := range f.ExtraFiles {
		if err := pair(KeyExtraFile, x.Path, x.Source); err != nil {
			return err
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// Write replaces the file at path atomically, creating its directory.
func Write(fsys afero.Fs, path string, f *File) error {
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		return err
	}

	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "create config directory for %s", path)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fsys, tmp, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "write config %s", tmp)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		fsys.Remove(tmp)
		return errors.Wrapf(err, "replace config %s", path)
	}

	logger.Debug("Wrote %s: %d mods, %d extra files", path, len(f.Mods), len(f.ExtraFiles))
	return nil
}

// DataHome returns $XDG_DATA_HOME, falling back to ~/.local/share.
func DataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(home, ".local", "share")
}

// DefaultPath is where the controller writes the helper configuration.
func DefaultPath() string {
	return filepath.Join(DataHome(), "fluorine", "vfs.cfg")
}

// DefaultHelperPath is where the helper binary is installed.
func DefaultHelperPath() string {
	return filepath.Join(DataHome(), "fluorine", "bin", "mo2-vfs-helper")
}

// DefaultSessionPath is where the session record is kept.
func DefaultSessionPath() string {
	return filepath.Join(DataHome(), "fluorine", "vfs-session.json")
}
