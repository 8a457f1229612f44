package fs

import (
	"fmt"
	"os"
	"sync"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

// Session is a ModFS served on a mount point.
type Session struct {
	vfs        *ModFS
	conn       *fuse.Conn
	mountPoint string
	done       chan struct{}
	serveErr   error
	closeOnce  sync.Once
	closeErr   error
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Mount mounts vfs on mountPoint and serves it until unmounted.
func Mount(vfs *ModFS, mountPoint string) (*Session, error) {
	vfsLogger.Info("Mounting merged filesystem")
	vfsLogger.Debug("Mount point: %s", mountPoint)
	vfsLogger.Debug("UID: %d, GID: %d", vfs.owner.Uid, vfs.owner.Gid)

	mountOpts := []fuse.MountOption{
		fuse.FSName("modvfs"),
		fuse.Subtype("modvfs"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
		fuse.AllowNonEmptyMount(),
	}

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return nil, fmt.Errorf("mount failed: %w", err)
	}

	s := &Session{
		vfs:        vfs,
		conn:       c,
		mountPoint: mountPoint,
		done:       make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := fusefs.Serve(c, vfs); err != nil {
			vfsLogger.Error("FUSE server error: %v", err)
			s.serveErr = err
		}
		vfsLogger.Debug("FUSE server for %s stopped", mountPoint)
	}()

	// Wait for mount to be ready
	if err := waitForMount(mountPoint); err != nil {
		fuse.Unmount(mountPoint)
		c.Close()
		vfsLogger.Error("Mount point not ready: %v", err)
		return nil, fmt.Errorf("mount point failed to initialize: %w", err)
	}

	vfsLogger.Info("Filesystem mounted successfully on %s", mountPoint)
	return s, nil
}

// FS returns the served filesystem.
func (s *Session) FS() *ModFS {
	return s.vfs
}

// MountPoint returns where the session is mounted.
func (s *Session) MountPoint() string {
	return s.mountPoint
}

// Done is closed once the server loop has drained and returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Unmount asks the kernel to detach the mount. The server loop exits once
// the detach completes.
func (s *Session) Unmount() error {
	vfsLogger.Info("Unmounting filesystem from: %s", s.mountPoint)
	if err := fuse.Unmount(s.mountPoint); err != nil {
		vfsLogger.Error("Unmount failed: %v", err)
		return err
	}
	vfsLogger.Info("Unmount completed successfully")
	return nil
}

// Abort closes the FUSE device so a server loop stuck on a lazily detached
// mount returns.
func (s *Session) Abort() error {
	vfsLogger.Warn("Aborting FUSE connection for %s", s.mountPoint)
	return s.conn.Close()
}

// Close waits for the server loop to drain, then runs the final flush and
// releases the base directory. The mount must have been detached already,
// by Unmount or an external unmount.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		<-s.done
		if err := s.conn.Close(); err != nil {
			vfsLogger.Debug("Closing FUSE connection: %v", err)
		}
		s.closeErr = s.vfs.Close()
		if s.closeErr == nil {
			s.closeErr = s.serveErr
		}
	})
	return s.closeErr
}
