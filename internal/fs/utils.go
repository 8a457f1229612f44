package fs

import (
	"os"
	"strconv"
)

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// Owner is the uid/gid presented for every entry of the mount.
type Owner struct {
	Uid uint32
	Gid uint32
}

// DefaultOwner returns the current process owner, overridden by the PUID and
// PGID environment variables when set.
func DefaultOwner() Owner {
	o := Owner{
		Uid: safeIntToUint32(os.Getuid()),
		Gid: safeIntToUint32(os.Getgid()),
	}

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			o.Uid = uint32(puid)
			vfsLogger.Debug("Using PUID from environment: %d", o.Uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			o.Gid = uint32(pgid)
			vfsLogger.Debug("Using PGID from environment: %d", o.Gid)
		}
	}
	return o
}
