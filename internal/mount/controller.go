// Package mount controls the lifecycle of the merged data directory mount:
// stale mount cleanup, in-process or helper-backed mounting, rebuilds,
// flushes and escalating unmount.
package mount

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modvfs/internal/config"
	"modvfs/internal/fs"
	"modvfs/internal/logging"
	"modvfs/internal/overwrite"
	"modvfs/internal/state"
	"modvfs/internal/tree"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var (
	logger = logging.GetLogger().WithPrefix("mount")
)

// Mode selects how the filesystem is served.
type Mode string

const (
	// ModeAuto delegates inside a Flatpak sandbox and mounts directly
	// otherwise.
	ModeAuto      Mode = ""
	ModeDirect    Mode = state.ModeDirect
	ModeDelegated Mode = state.ModeDelegated
)

// Config describes the controller's environment.
type Config struct {
	Mode Mode

	// HelperPath is the helper binary. Defaults to config.DefaultHelperPath().
	HelperPath string
	// ConfigPath is where the helper config is written. Defaults to
	// config.DefaultPath().
	ConfigPath string
	// SessionPath holds the crash recovery record. Defaults to
	// config.DefaultSessionPath().
	SessionPath string

	// Owner overrides the presented uid/gid of direct mounts.
	Owner *fs.Owner

	// Unmounter defaults to NewUnmounter().
	Unmounter *Unmounter

	// Fs is used for config files and leftover staging. Defaults to the OS
	// filesystem.
	Fs afero.Fs
}

func (c *Config) fs() afero.Fs {
	if c.Fs == nil {
		return afero.NewOsFs()
	}
	return c.Fs
}

func (c *Config) sandboxed() bool {
	return c.Unmounter.Sandboxed
}

// Options are the collaborator inputs of one mount.
type Options struct {
	// DataDir is mounted over. Defaults to GameDir/DataDirName.
	DataDir      string
	GameDir      string
	DataDirName  string
	OverwriteDir string
	// Mods in priority order, later entries winning.
	Mods       []tree.Mod
	ExtraFiles []tree.Injection
}

func (o Options) dataDir() string {
	if o.DataDir != "" {
		return filepath.Clean(o.DataDir)
	}
	return filepath.Join(o.GameDir, o.DataDirName)
}

// Layout returns the build layout for these options.
func (o Options) Layout() tree.Layout {
	return tree.Layout{
		Mods:         o.Mods,
		OverwriteDir: o.OverwriteDir,
		Injections:   o.ExtraFiles,
	}
}

func (o Options) configFile(mountPoint string) config.File {
	return config.File{
		MountPoint:   mountPoint,
		GameDir:      o.GameDir,
		DataDirName:  o.DataDirName,
		OverwriteDir: o.OverwriteDir,
		Mods:         o.Mods,
		ExtraFiles:   o.ExtraFiles,
	}
}

// OptionsFromConfig converts a helper config file. The helper mounts over
// mount_point directly.
func OptionsFromConfig(f *config.File) Options {
	return Options{
		DataDir:      f.MountPoint,
		GameDir:      f.GameDir,
		DataDirName:  f.DataDirName,
		OverwriteDir: f.OverwriteDir,
		Mods:         NormalizeMods(f.Mods, f.OverwriteDir),
		ExtraFiles:   f.ExtraFiles,
	}
}

// NormalizeMods drops mods whose cleaned path repeats an earlier entry or
// lies inside the overwrite directory, and names unnamed mods after their
// directory.
func NormalizeMods(mods []tree.Mod, overwriteDir string) []tree.Mod {
	over := ""
	if overwriteDir != "" {
		over = filepath.Clean(overwriteDir)
	}

	seen := make(map[string]bool, len(mods))
	out := make([]tree.Mod, 0, len(mods))
	for _, m := range mods {
		p := filepath.Clean(m.Path)
		if over != "" && (p == over || strings.HasPrefix(p, over+string(filepath.Separator))) {
			logger.Debug("Dropping mod %q inside the overwrite directory", m.Name)
			continue
		}
		if seen[p] {
			logger.Debug("Dropping duplicate mod %q (%s)", m.Name, p)
			continue
		}
		seen[p] = true

		name := m.Name
		if name == "" {
			name = filepath.Base(p)
		}
		out = append(out, tree.Mod{Name: name, Path: p})
	}
	return out
}

type backendFactory func(mode Mode, dataDir string, opts Options) (Backend, error)

// Controller owns at most one mount.
type Controller struct {
	cfg      Config
	sessions *state.Manager

	mu         sync.Mutex
	backend    Backend
	mountPoint string
	opts       Options

	newBackend backendFactory
}

// NewController applies defaults to cfg and opens the session record.
func NewController(cfg Config) (*Controller, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = config.DefaultHelperPath()
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = config.DefaultPath()
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = config.DefaultSessionPath()
	}
	if cfg.Unmounter == nil {
		cfg.Unmounter = NewUnmounter()
	}
	if cfg.Mode == ModeAuto {
		cfg.Mode = ModeDirect
		if cfg.Unmounter.Sandboxed {
			cfg.Mode = ModeDelegated
		}
	}

	sessions, err := state.NewManager(cfg.SessionPath)
	if err != nil {
		return nil, err
	}

	c := &Controller{cfg: cfg, sessions: sessions}
	c.newBackend = c.startBackend
	return c, nil
}

func (c *Controller) startBackend(mode Mode, dataDir string, opts Options) (Backend, error) {
	if mode == ModeDelegated {
		return mountDelegated(&c.cfg, dataDir, opts)
	}
	return MountDirect(dataDir, opts, c.cfg.Owner, c.cfg.Unmounter)
}

// Mode returns the mode mounts use.
func (c *Controller) Mode() Mode {
	return c.cfg.Mode
}

// IsMounted reports whether the controller holds a mount.
func (c *Controller) IsMounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend != nil
}

// MountPoint returns the active mount point, or "" when unmounted.
func (c *Controller) MountPoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mountPoint
}

// Mount mounts the merged view over the data directory. An existing mount
// is unmounted first.
func (c *Controller) Mount(opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend != nil {
		logger.Info("Remounting %s", c.mountPoint)
		if err := c.unmountLocked(); err != nil {
			logger.Warn("Unmount before remount: %v", err)
		}
	}

	dataDir := opts.dataDir()
	if opts.OverwriteDir == "" {
		return mountError("mount", dataDir, errors.New("overwrite directory not set"))
	}
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		return mountError("mount", dataDir, ErrDataDirMissing)
	}
	opts.Mods = NormalizeMods(opts.Mods, opts.OverwriteDir)

	if err := c.recover(dataDir); err != nil {
		return mountError("recover", dataDir, err)
	}
	if err := c.cfg.Unmounter.CleanupStale(dataDir); err != nil {
		logger.Warn("Stale mount cleanup: %v", err)
	}

	logger.Info("Mounting %s (%s, %d mods)", dataDir, c.cfg.Mode, len(opts.Mods))
	backend, err := c.newBackend(c.cfg.Mode, dataDir, opts)
	if err != nil {
		return mountError("mount", dataDir, err)
	}

	c.backend = backend
	c.mountPoint = dataDir
	c.opts = opts
	SetCrashMountPoint(dataDir)

	err = c.sessions.Save(&state.Session{
		MountPoint:   dataDir,
		PID:          os.Getpid(),
		HelperPID:    backend.HelperPID(),
		Mode:         backend.Mode(),
		StagingDir:   overwrite.StagingDirFor(opts.OverwriteDir),
		OverwriteDir: filepath.Clean(opts.OverwriteDir),
		Started:      time.Now(),
	})
	if err != nil {
		logger.Warn("Failed to record session: %v", err)
	}

	logger.Info("Mounted %s", dataDir)
	return nil
}

// recover cleans up after a session whose process died: its mount point is
// unmounted and its leftover staging is flushed.
func (c *Controller) recover(dataDir string) error {
	rec, err := c.sessions.Load()
	if err != nil {
		logger.Warn("Ignoring unreadable session record: %v", err)
		return c.sessions.Clear()
	}
	if rec == nil {
		return nil
	}
	if rec.PID != os.Getpid() && rec.Alive() {
		if filepath.Clean(rec.MountPoint) == dataDir {
			return errors.Wrapf(ErrAlreadyMounted, "pid %d", rec.PID)
		}
		logger.Debug("Session of live pid %d left alone", rec.PID)
		return nil
	}

	logger.Warn("Recovering session of pid %d on %s", rec.PID, rec.MountPoint)
	if rec.MountPoint != "" {
		if err := c.cfg.Unmounter.CleanupStale(rec.MountPoint); err != nil {
			logger.Error("Could not clean up %s: %v", rec.MountPoint, err)
		}
	}
	if rec.StagingDir != "" && rec.OverwriteDir != "" {
		if ok, _ := afero.DirExists(c.cfg.fs(), rec.StagingDir); ok {
			mgr, err := overwrite.New(c.cfg.fs(), rec.StagingDir, rec.OverwriteDir)
			if err == nil {
				err = mgr.Flush()
			}
			if err != nil {
				logger.Error("Leftover staging in %s: %v", rec.StagingDir, err)
			}
		}
	}
	return c.sessions.Clear()
}

// Update mounts when unmounted and rebuilds otherwise.
func (c *Controller) Update(opts Options) error {
	if !c.IsMounted() {
		return c.Mount(opts)
	}
	return c.Rebuild(opts.Mods, opts.OverwriteDir, opts.DataDirName)
}

// Rebuild swaps in a tree built from a new mod list. It does nothing when
// unmounted.
func (c *Controller) Rebuild(mods []tree.Mod, overwriteDir, dataDirName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend == nil {
		logger.Debug("Rebuild ignored: not mounted")
		return nil
	}

	opts := c.opts
	if overwriteDir != "" {
		opts.OverwriteDir = overwriteDir
	}
	if dataDirName != "" {
		opts.DataDirName = dataDirName
	}
	opts.Mods = NormalizeMods(mods, opts.OverwriteDir)

	if err := c.backend.Rebuild(opts); err != nil {
		return errors.Wrap(err, "rebuild")
	}
	c.opts = opts
	logger.Info("Rebuilt %s with %d mods", c.mountPoint, len(opts.Mods))
	return nil
}

// FlushLive moves staged files into the overwrite directory while mounted.
func (c *Controller) FlushLive() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend == nil {
		return nil
	}
	if err := c.backend.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	logger.Debug("Live flush of %s complete", c.mountPoint)
	return nil
}

// Unmount detaches the mount, flushes staging and forgets the session.
// Residual mount table entries are cleaned up and logged but not returned.
func (c *Controller) Unmount() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unmountLocked()
}

func (c *Controller) unmountLocked() error {
	if c.backend == nil {
		return nil
	}
	mp := c.mountPoint
	logger.Info("Unmounting %s", mp)

	err := c.backend.Unmount()
	if err != nil {
		logger.Error("Unmount of %s: %v", mp, err)
	}

	if c.cfg.Unmounter.Probe(mp) {
		logger.Warn("%s still mounted after unmount", mp)
		if uerr := c.cfg.Unmounter.Unmount(mp); uerr != nil {
			logger.Error("Residual mount at %s: %v", mp, uerr)
		}
	}

	c.backend = nil
	c.mountPoint = ""
	SetCrashMountPoint("")
	if cerr := c.sessions.Clear(); cerr != nil {
		logger.Warn("Failed to clear session record: %v", cerr)
	}

	if err != nil {
		return errors.Wrap(err, "unmount")
	}
	logger.Info("Unmounted %s", mp)
	return nil
}
