package vfs

import (
	"context"
	"io"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/vpath"
)

var _ adapter.FileSystem = tree{}

// tree presents the whole [VFS] as one [adapter.FileSystem],
// with paths being the components from the root of the [VFS].
type tree struct {
	vfs *VFS
}

// FileSystem returns an [adapter.FileSystem] over the whole [VFS].
// It reports the kind of the root binding and closing it is a no-op.
func (v *VFS) FileSystem() adapter.FileSystem {
	return tree{vfs: v}
}

func (t tree) file(path []string) *File {
	return &File{vfs: t.vfs, node: vpath.Root().Join(path...)}
}

func (t tree) Kind() adapter.Kind {
	return t.vfs.table.Root().FileSystem().Kind()
}

func (t tree) Stat(ctx context.Context, path []string) (*adapter.FileInfo, error) {
	return t.file(path).Stat(ctx)
}

func (t tree) Open(ctx context.Context, path []string) (io.ReadCloser, error) {
	return t.file(path).Open(ctx)
}

func (t tree) LocalFile(ctx context.Context, path []string) (string, error) {
	return t.file(path).LocalFile(ctx)
}

func (t tree) List(ctx context.Context, path []string) ([]string, error) {
	return t.file(path).List(ctx)
}

func (t tree) Delete(ctx context.Context, path []string) (bool, error) {
	return t.file(path).Delete(ctx)
}

func (t tree) ReadOnly() bool {
	return t.vfs.table.Root().FileSystem().ReadOnly()
}

func (tree) Close() error {
	return nil
}
