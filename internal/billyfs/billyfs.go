// Package billyfs presents a [vfs.VFS] as a go-billy filesystem, so that
// consumers of billy (e.g. git and NFS servers) can read mounted archives.
package billyfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/vfs"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
)

var (
	_ billy.Filesystem = (*Filesystem)(nil)
	_ billy.Capable    = (*Filesystem)(nil)
	_ billy.File       = (*File)(nil)
	_ os.FileInfo      = (*fileInfo)(nil)
)

// Filesystem is a [billy.Filesystem] over a [vfs.VFS]. It is read-only,
// with the exception of Remove, which is passed on to the mounted stores.
type Filesystem struct {
	vfs *vfs.VFS
}

// New returns a pointer to a new [Filesystem] over v.
func New(v *vfs.VFS) *Filesystem {
	return &Filesystem{vfs: v}
}

// toPathError converts the errors of the virtual filesystem into the
// [os.PathError] values which consumers of billy check for.
func toPathError(op, name string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, adapter.ErrNotExist), errors.Is(err, os.ErrNotExist):
		err = os.ErrNotExist
	case errors.Is(err, adapter.ErrReadOnly):
		err = billy.ErrReadOnly
	}

	return &os.PathError{Op: op, Path: name, Err: err}
}

func (b *Filesystem) Create(filename string) (billy.File, error) {
	return nil, toPathError("create", filename, billy.ErrReadOnly)
}

func (b *Filesystem) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

// OpenFile opens a file for reading. Files which cannot be seeked
// (e.g. compressed archive entries) are loaded into memory.
func (b *Filesystem) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, toPathError("open", filename, billy.ErrReadOnly)
	}

	ctx := context.Background()
	f := b.vfs.Resolve(filename)

	rc, err := f.Open(ctx)
	if err != nil {
		return nil, toPathError("open", filename, err)
	}

	if rs, ok := rc.(readSeekCloser); ok {
		return &File{name: filename, r: rs}, nil
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, toPathError("read", filename, err)
	}

	return &File{name: filename, r: nopCloser{bytes.NewReader(data)}}, nil
}

func (b *Filesystem) Stat(filename string) (os.FileInfo, error) {
	fi, err := b.vfs.Resolve(filename).Stat(context.Background())
	if err != nil {
		return nil, toPathError("stat", filename, err)
	}

	return &fileInfo{fi}, nil
}

func (b *Filesystem) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *Filesystem) Rename(oldpath, _ string) error {
	return toPathError("rename", oldpath, billy.ErrReadOnly)
}

// Remove deletes a file from the store it is mounted from.
func (b *Filesystem) Remove(filename string) error {
	ok, err := b.vfs.Resolve(filename).Delete(context.Background())
	if err != nil {
		return toPathError("remove", filename, err)
	}
	if !ok {
		return toPathError("remove", filename, os.ErrNotExist)
	}

	return nil
}

func (b *Filesystem) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *Filesystem) TempFile(dir, _ string) (billy.File, error) {
	return nil, toPathError("tempfile", dir, billy.ErrReadOnly)
}

// ReadDir returns the entries of a directory, sorted by name.
// Entries which vanish while listing are left out.
func (b *Filesystem) ReadDir(dirname string) ([]os.FileInfo, error) {
	ctx := context.Background()

	children, err := b.vfs.Resolve(dirname).Children(ctx)
	if err != nil {
		return nil, toPathError("readdir", dirname, err)
	}

	result := make([]os.FileInfo, 0, len(children))
	for _, c := range children {
		fi, err := c.Stat(ctx)
		if err != nil {
			continue
		}
		result = append(result, &fileInfo{fi})
	}

	return result, nil
}

func (b *Filesystem) MkdirAll(filename string, _ os.FileMode) error {
	return toPathError("mkdir", filename, billy.ErrReadOnly)
}

func (b *Filesystem) Symlink(_, link string) error {
	return toPathError("symlink", link, billy.ErrNotSupported)
}

func (b *Filesystem) Readlink(link string) (string, error) {
	return "", toPathError("readlink", link, billy.ErrNotSupported)
}

// Chroot returns a [billy.Filesystem] confined to path.
func (b *Filesystem) Chroot(path string) (billy.Filesystem, error) {
	return chroot.New(b, b.Join(b.Root(), path)), nil
}

func (b *Filesystem) Root() string {
	return "/"
}

func (b *Filesystem) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

type readSeekCloser interface {
	io.ReadSeekCloser
	io.ReaderAt
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

// File is an open file of a [Filesystem].
type File struct {
	name string
	r    readSeekCloser
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Read(p []byte) (int, error) {
	return f.r.Read(p) //nolint:wrapcheck
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.r.ReadAt(p, off) //nolint:wrapcheck
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	return f.r.Seek(offset, whence) //nolint:wrapcheck
}

func (f *File) Close() error {
	if err := f.r.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", f.name, err)
	}

	return nil
}

func (f *File) Write(_ []byte) (int, error) {
	return 0, toPathError("write", f.name, billy.ErrReadOnly)
}

func (f *File) Truncate(_ int64) error {
	return toPathError("truncate", f.name, billy.ErrReadOnly)
}

func (f *File) Lock() error   { return nil }
func (f *File) Unlock() error { return nil }

// fileInfo is an [os.FileInfo] of an [adapter.FileInfo].
type fileInfo struct {
	fi *adapter.FileInfo
}

func (i *fileInfo) Name() string       { return i.fi.Name }
func (i *fileInfo) Size() int64        { return i.fi.Size }
func (i *fileInfo) Mode() os.FileMode  { return i.fi.Mode() }
func (i *fileInfo) ModTime() time.Time { return i.fi.ModTime }
func (i *fileInfo) IsDir() bool        { return i.fi.IsDir }
func (i *fileInfo) Sys() any           { return nil }
