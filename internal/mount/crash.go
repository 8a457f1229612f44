package mount

import (
	"context"
	"os/exec"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// crashMountPoint is the only process-wide mount state. It exists for signal
// and panic paths that must unmount without reaching the controller.
var crashMountPoint atomic.Pointer[string]

// SetCrashMountPoint records the active mount point. An empty path clears
// the record.
func SetCrashMountPoint(path string) {
	if path == "" {
		crashMountPoint.Store(nil)
		return
	}
	crashMountPoint.Store(&path)
}

// CrashMountPoint returns the recorded mount point.
func CrashMountPoint() (string, bool) {
	p := crashMountPoint.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// EmergencyUnmount lazily detaches the recorded mount point. It takes no
// locks and skips the final flush; staged files are flushed on next mount.
func EmergencyUnmount() error {
	path, ok := CrashMountPoint()
	if !ok {
		return nil
	}
	logger.Warn("Emergency unmount of %s", path)

	if err := unix.Unmount(path, unix.MNT_DETACH); err == nil {
		SetCrashMountPoint("")
		return nil
	}
	for _, name := range []string{"fusermount3", "fusermount"} {
		ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
		err := exec.CommandContext(ctx, name, "-uz", path).Run()
		cancel()
		if err == nil {
			SetCrashMountPoint("")
			return nil
		}
	}
	return errors.Wrapf(ErrUnmountFailed, "emergency unmount %s", path)
}
