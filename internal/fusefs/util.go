package fusefs

import (
	"context"
	"errors"
	"io/fs"

	"bazil.org/fuse"
	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/archive"
	"golang.org/x/sys/unix"
)

// toFuseErr maps the errors of the virtual filesystem to the errnos
// returned to the kernel.
func toFuseErr(err error) error {
	switch {
	case errors.Is(err, adapter.ErrNotExist), errors.Is(err, fs.ErrNotExist):
		return fuse.ToErrno(unix.ENOENT)

	case errors.Is(err, adapter.ErrNotDirectory):
		return fuse.ToErrno(unix.ENOTDIR)

	case errors.Is(err, adapter.ErrNotFile):
		return fuse.ToErrno(unix.EISDIR)

	case errors.Is(err, adapter.ErrReadOnly):
		return fuse.ToErrno(unix.EROFS)

	case errors.Is(err, fs.ErrPermission):
		return fuse.ToErrno(unix.EACCES)

	case errors.Is(err, archive.ErrCorrupt):
		return fuse.ToErrno(unix.EINVAL)

	case errors.Is(err, context.Canceled):
		return fuse.ToErrno(unix.EINTR)

	default:
		return fuse.ToErrno(unix.EIO)
	}
}
