// Package fs provides the merged mod filesystem served over FUSE.
//
// This file contains error types and error handling utilities.
package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"modvfs/internal/logging"
	"modvfs/internal/overwrite"
	"modvfs/internal/tree"

	"bazil.org/fuse"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")

	// ErrPathNotFound indicates a virtual path doesn't exist
	ErrPathNotFound = errors.New("virtual path not found")

	// ErrStale indicates a node whose identifier no longer names a path
	ErrStale = errors.New("stale file handle")


	// ErrDirectoryNotEmpty indicates attempt to remove non-empty directory
	ErrDirectoryNotEmpty = errors.New("directory not empty")

	// ErrAlreadyExists indicates path already exists
	ErrAlreadyExists = errors.New("path already exists")

	// ErrIsDir indicates a file operation on a directory
	ErrIsDir = errors.New("is a directory")

	// ErrCrossLayer indicates a directory rename that would have to move
	// read-only content
	ErrCrossLayer = errors.New("rename crosses read-only layers")

	// ErrNotWritable indicates a write through a handle opened read-only
	ErrNotWritable = errors.New("handle not open for writing")
)

// Error wraps filesystem errors with context about the operation and
// affected path to provide more detailed error information.
type Error struct {
	Op   string // Operation that failed (e.g., "lookup", "readdir")
	Path string // Affected virtual path
	Err  error  // Underlying error
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// ToFuseError converts an error to the FUSE error code reported to the
// kernel. Errno values from the host pass through unchanged.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}

	var fsErr *Error
	if errors.As(err, &fsErr) {
		errLogger.Trace("Converting FSError to FUSE error: %v", fsErr)
	}

	var errno syscall.Errno
	switch {
	case errors.Is(err, ErrPathNotFound), errors.Is(err, tree.ErrNotFound):
		return fuse.ENOENT
	case errors.Is(err, ErrStale):
		return fuse.Errno(syscall.ESTALE)
	case errors.Is(err, overwrite.ErrOutsideWritable):
		return fuse.Errno(syscall.EROFS)
	case errors.Is(err, ErrDirectoryNotEmpty):
		return fuse.Errno(syscall.ENOTEMPTY)
	case errors.Is(err, ErrAlreadyExists):
		return fuse.EEXIST
	case errors.Is(err, ErrIsDir):
		return fuse.Errno(syscall.EISDIR)
	case errors.Is(err, tree.ErrNotDir):
		return fuse.Errno(syscall.ENOTDIR)
	case errors.Is(err, ErrCrossLayer):
		return fuse.Errno(syscall.EXDEV)
	case errors.Is(err, ErrNotWritable):
		return fuse.Errno(syscall.EBADF)
	case errors.Is(err, tree.ErrRoot):
		return fuse.EPERM
	case errors.As(err, &errno):
		return fuse.Errno(errno)
	case errors.Is(err, os.ErrNotExist):
		return fuse.ENOENT
	case errors.Is(err, os.ErrExist):
		return fuse.EEXIST
	case errors.Is(err, os.ErrPermission):
		return fuse.Errno(syscall.EACCES)
	default:
		errLogger.Debug("Unknown error type, returning EIO: %v", err)
		return fuse.EIO
	}
}

// NewFSError creates a new FSError with the given operation, path, and underlying error
func NewFSError(op string, path string, err error) *Error {
	fsErr := &Error{
		Op:   op,
		Path: path,
		Err:  err,
	}
	errLogger.Debug("Created new FSError: %v", fsErr)
	return fsErr
}

// fail logs err against op and path and returns its FUSE translation.
func fail(op, path string, err error) error {
	return ToFuseError(NewFSError(op, path, err))
}

// Common operation names for consistent logging and error reporting
const (
	OpLookup  = "lookup"  // Looking up a path
	OpReadDir = "readdir" // Reading directory contents
	OpOpen    = "open"    // Opening a file
	OpRead    = "read"    // Reading from a file
	OpWrite   = "write"   // Writing to a file
	OpCreate  = "create"  // Creating a new file
	OpMkdir   = "mkdir"   // Creating a new directory
	OpRemove  = "remove"  // Removing a file or directory
	OpRename  = "rename"  // Renaming/moving a file or directory
	OpSetattr = "setattr" // Setting file attributes
	OpGetattr = "getattr" // Getting file attributes
	OpFlush   = "flush"   // Migrating staging into overwrite
	OpRebuild = "rebuild" // Replacing the tree snapshot
)
