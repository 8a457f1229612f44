// Package state provides the persistent session record used to recover from
// a crashed mount.
package state

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// CurrentVersion is written into every record.
const CurrentVersion = 1

// Mount modes recorded in a session.
const (
	ModeDirect    = "direct"
	ModeDelegated = "delegated"
)

// Session describes an active mount.
type Session struct {
	// Mount point the filesystem is mounted on
	MountPoint string `json:"mount_point"`

	// Process that owns the mount, and the helper serving it in delegated mode
	PID       int `json:"pid"`
	HelperPID int `json:"helper_pid,omitempty"`

	Mode         string    `json:"mode"`
	StagingDir   string    `json:"staging_dir"`
	OverwriteDir string    `json:"overwrite_dir"`
	Started      time.Time `json:"started"`

	// Version for future compatibility
	Version int `json:"version"`
}

// Alive reports whether the process that owns the session still runs.
func (s *Session) Alive() bool {
	return processAlive(s.PID)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
