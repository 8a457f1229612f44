package mount

import (
	"time"

	"modvfs/internal/config"
	"modvfs/internal/fs"
	"modvfs/internal/helper"
	"modvfs/internal/state"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// drainTimeout bounds the wait for the server loop after the kernel
// detached the mount.
const drainTimeout = 5 * time.Second

// Backend is one live mount. The controller selects the implementation at
// mount time and drives every later operation through it.
type Backend interface {
	// Mode is state.ModeDirect or state.ModeDelegated.
	Mode() string
	// HelperPID is the helper's pid, or 0 for an in-process mount.
	HelperPID() int
	Rebuild(opts Options) error
	Flush() error
	// Unmount detaches the mount and runs the final flush.
	Unmount() error
}

// directBackend serves the filesystem from this process.
type directBackend struct {
	session   *fs.Session
	unmounter *Unmounter
}

// MountDirect builds the filesystem over dataDir and serves it from this
// process. u escalates when the kernel refuses a graceful unmount.
func MountDirect(dataDir string, opts Options, owner *fs.Owner, u *Unmounter) (Backend, error) {
	vfs, err := fs.New(fs.Config{
		DataDir: dataDir,
		Layout:  opts.Layout(),
		Owner:   owner,
	})
	if err != nil {
		return nil, err
	}

	session, err := fs.Mount(vfs, dataDir)
	if err != nil {
		vfs.Close()
		return nil, err
	}
	return &directBackend{session: session, unmounter: u}, nil
}

func (b *directBackend) Mode() string   { return state.ModeDirect }
func (b *directBackend) HelperPID() int { return 0 }

func (b *directBackend) Rebuild(opts Options) error {
	return b.session.FS().Rebuild(opts.Layout())
}

func (b *directBackend) Flush() error {
	return b.session.FS().FlushLive()
}

func (b *directBackend) Unmount() error {
	mp := b.session.MountPoint()
	if err := b.session.Unmount(); err != nil {
		logger.Warn("Graceful unmount of %s failed: %v", mp, err)
		if err := b.unmounter.Unmount(mp); err != nil {
			logger.Error("Escalated unmount failed: %v", err)
		}
	}

	select {
	case <-b.session.Done():
	case <-time.After(drainTimeout):
		b.session.Abort()
	}
	return b.session.Close()
}

// delegatedBackend drives a helper process through the line protocol.
type delegatedBackend struct {
	client     *helper.Client
	fsys       afero.Fs
	configPath string
	file       config.File
}

// startHelper is replaced in tests.
var startHelper = helper.Start

func mountDelegated(cfg *Config, dataDir string, opts Options) (Backend, error) {
	fsys := cfg.fs()
	if ok, _ := afero.Exists(fsys, cfg.HelperPath); !ok {
		return nil, errors.Wrapf(helper.ErrHelperNotFound, "%s", cfg.HelperPath)
	}

	b := &delegatedBackend{
		fsys:       fsys,
		configPath: cfg.ConfigPath,
		file:       opts.configFile(dataDir),
	}
	if err := config.Write(fsys, b.configPath, &b.file); err != nil {
		return nil, err
	}

	argv := []string{cfg.HelperPath, cfg.ConfigPath}
	if cfg.sandboxed() {
		argv = append([]string{"flatpak-spawn", "--host"}, argv...)
	}
	client, err := startHelper(argv)
	if err != nil {
		return nil, err
	}
	if err := client.Handshake(); err != nil {
		client.Kill()
		return nil, err
	}

	b.client = client
	return b, nil
}

func (b *delegatedBackend) Mode() string   { return state.ModeDelegated }
func (b *delegatedBackend) HelperPID() int { return b.client.PID() }

// Rebuild rewrites the config file; the helper rereads it on rebuild.
func (b *delegatedBackend) Rebuild(opts Options) error {
	b.file = opts.configFile(b.file.MountPoint)
	if err := config.Write(b.fsys, b.configPath, &b.file); err != nil {
		return err
	}
	return b.client.Send(helper.CmdRebuild)
}

func (b *delegatedBackend) Flush() error {
	return b.client.Send(helper.CmdFlush)
}

func (b *delegatedBackend) Unmount() error {
	return b.client.Quit()
}
