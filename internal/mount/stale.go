package mount

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CommandTimeout bounds every external unmount command.
const CommandTimeout = 3 * time.Second

var flatpakInfoPath = "/.flatpak-info"

var (
	sandboxOnce sync.Once
	sandboxed   bool
)

// Sandboxed reports whether the process runs inside a Flatpak sandbox,
// where FUSE mounts must be made on the host by the helper.
func Sandboxed() bool {
	sandboxOnce.Do(func() {
		_, err := os.Stat(flatpakInfoPath)
		sandboxed = err == nil
	})
	return sandboxed
}

// IsMountPoint reports whether path appears in the mount table.
func IsMountPoint(path string) (bool, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(filepath.Clean(path)))
	if err != nil {
		return false, errors.Wrap(err, "read mount table")
	}
	return len(mounts) > 0, nil
}

// MountedOrStale reports whether path is in the mount table or is a dead
// FUSE mount. A dead mount may be listed under a different path, so a stat
// failing with ENOTCONN counts too.
func MountedOrStale(path string) bool {
	if ok, err := IsMountPoint(path); err != nil {
		logger.Debug("Mount table probe failed: %v", err)
	} else if ok {
		return true
	}

	var st unix.Stat_t
	err := unix.Stat(path, &st)
	return errors.Is(err, unix.ENOTCONN)
}

// Runner runs an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, discarding their output.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Run()
}

// Unmounter detaches mounts with escalating strategies: a graceful
// fusermount, then umount, lazy umount and lazy fusermount.
type Unmounter struct {
	Runner    Runner
	Sandboxed bool
	// Probe reports whether a path still needs unmounting.
	Probe func(path string) bool
}

// NewUnmounter returns an Unmounter using the real command runner and
// mount table.
func NewUnmounter() *Unmounter {
	return &Unmounter{Runner: ExecRunner{}, Sandboxed: Sandboxed(), Probe: MountedOrStale}
}

type unmountStep struct {
	name string
	args []string
}

// run tries one command locally and, inside the sandbox, on the host.
func (u *Unmounter) run(step unmountStep) bool {
	try := func(name string, args ...string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
		defer cancel()
		err := u.Runner.Run(ctx, name, args...)
		logger.Trace("%s %v: %v", name, args, err)
		return err == nil
	}

	if try(step.name, step.args...) {
		return true
	}
	if !u.Sandboxed {
		return false
	}
	return try("flatpak-spawn", append([]string{"--host", step.name}, step.args...)...)
}

// Unmount detaches path. It returns ErrUnmountFailed when the path is still
// mounted afterwards.
func (u *Unmounter) Unmount(path string) error {
	clean := filepath.Clean(path)

	for _, step := range []unmountStep{
		{"fusermount3", []string{"-u", clean}},
		{"fusermount", []string{"-u", clean}},
	} {
		if u.run(step) {
			logger.Info("Unmounted %s with %s", clean, step.name)
			return nil
		}
	}

	logger.Warn("Graceful unmount of %s failed, forcing", clean)
	for _, step := range []unmountStep{
		{"umount", []string{clean}},
		{"umount", []string{"-l", clean}},
		{"fusermount3", []string{"-uz", clean}},
		{"fusermount", []string{"-uz", clean}},
	} {
		u.run(step)
		if !u.Probe(clean) {
			logger.Info("Mount at %s cleaned up (%s %v)", clean, step.name, step.args)
			return nil
		}
	}

	logger.Error("Failed to clean up mount at %s", clean)
	return errors.Wrapf(ErrUnmountFailed, "%s", clean)
}

// CleanupStale unmounts path if it is mounted or a dead FUSE mount.
func (u *Unmounter) CleanupStale(path string) error {
	if !u.Probe(path) {
		return nil
	}
	logger.Warn("Stale FUSE mount detected at %s, attempting cleanup", path)
	return u.Unmount(path)
}
