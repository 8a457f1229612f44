package mount

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMountFailed is the cause of every failed Mount.
	ErrMountFailed = errors.New("mount failed")

	// ErrUnmountFailed is returned when a mount point stays mounted after
	// every unmount strategy.
	ErrUnmountFailed = errors.New("unmount failed")

	// ErrDataDirMissing means the directory to mount over does not exist.
	ErrDataDirMissing = errors.New("game data directory does not exist")

	// ErrAlreadyMounted means a live process already owns the mount point.
	ErrAlreadyMounted = errors.New("mount point is owned by another process")
)

// MountError describes a failed setup step.
type MountError struct {
	Op   string
	Path string
	Err  error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// Is matches ErrMountFailed for every MountError.
func (e *MountError) Is(target error) bool {
	return target == ErrMountFailed
}

func mountError(op, path string, err error) error {
	return &MountError{Op: op, Path: path, Err: err}
}

// Cause lets errors.Cause reach the underlying failure.
func (e *MountError) Cause() error {
	return e.Err
}
