package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/mount"
	"github.com/desertwitch/zipvfs/internal/vpath"
)

// File is a position within the [VFS], which need not exist.
// Every operation resolves the position anew against the current mounts.
type File struct {
	vfs  *VFS
	node *vpath.Node
}

// Node returns the [vpath.Node] of the [File].
func (f *File) Node() *vpath.Node {
	return f.node
}

// Path returns the absolute, slash-separated path of the [File].
func (f *File) Path() string {
	return f.node.String()
}

// Name returns the last path segment (empty for the root).
func (f *File) Name() string {
	return f.node.Name()
}

// Parent returns the parent [File], the root being its own parent.
func (f *File) Parent() *File {
	if f.node.IsRoot() {
		return f
	}

	return &File{vfs: f.vfs, node: f.node.Parent()}
}

// Child returns the [File] of name beneath f.
func (f *File) Child(name string) *File {
	return &File{vfs: f.vfs, node: f.node.Join(vpath.Parse(name).Components()...)}
}

// Binding returns the [mount.Binding] the [File] currently resolves to.
func (f *File) Binding() *mount.Binding {
	return f.vfs.table.Resolve(f.node)
}

// Stat returns the [adapter.FileInfo] of the [File]. Positions which only
// exist as ancestors of mount points are reported as directories.
func (f *File) Stat(ctx context.Context) (*adapter.FileInfo, error) {
	b, rel := f.vfs.table.ResolvePath(f.node)

	fi, err := b.FileSystem().Stat(ctx, rel)
	if err != nil {
		if errors.Is(err, adapter.ErrNotExist) && f.vfs.table.HasSubmountsBelow(f.node) {
			return &adapter.FileInfo{Name: f.node.Name(), IsDir: true}, nil
		}

		return nil, fmt.Errorf("failed to stat %q: %w", f.node, err)
	}

	out := *fi
	out.Name = f.node.Name()

	return &out, nil
}

// Exists reports whether the [File] exists.
func (f *File) Exists(ctx context.Context) bool {
	_, err := f.Stat(ctx)

	return err == nil
}

// IsDir reports whether the [File] is a directory (or nested archive).
func (f *File) IsDir(ctx context.Context) bool {
	fi, err := f.Stat(ctx)

	return err == nil && fi.IsDir
}

// Open returns a reader of the content of the [File].
func (f *File) Open(ctx context.Context) (io.ReadCloser, error) {
	b, rel := f.vfs.table.ResolvePath(f.node)

	rc, err := b.FileSystem().Open(ctx, rel)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", f.node, err)
	}

	return rc, nil
}

// ReadFile returns the whole content of the [File].
func (f *File) ReadFile(ctx context.Context) ([]byte, error) {
	rc, err := f.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", f.node, err)
	}

	return buf.Bytes(), nil
}

// LocalFile returns a path on the local disk holding the content of the [File].
func (f *File) LocalFile(ctx context.Context) (string, error) {
	b, rel := f.vfs.table.ResolvePath(f.node)

	p, err := b.FileSystem().LocalFile(ctx, rel)
	if err != nil {
		return "", fmt.Errorf("failed to get local file of %q: %w", f.node, err)
	}

	return p, nil
}

// Delete removes the [File] from its filesystem. Mount points are
// never removed, they have to be unmounted through their handle.
func (f *File) Delete(ctx context.Context) (bool, error) {
	b, rel := f.vfs.table.ResolvePath(f.node)
	if len(rel) == 0 {
		return false, fmt.Errorf("%w: %q is a mount point", adapter.ErrReadOnly, f.node)
	}

	ok, err := b.FileSystem().Delete(ctx, rel)
	if err != nil {
		return false, fmt.Errorf("failed to delete %q: %w", f.node, err)
	}

	return ok, nil
}

// List returns the sorted names within the directory of the [File],
// merged with the names of mount points (and their ancestors) beneath it.
func (f *File) List(ctx context.Context) ([]string, error) {
	t := f.vfs.table
	b, rel := t.ResolvePath(f.node)

	names, err := b.FileSystem().List(ctx, rel)
	if err != nil {
		if !errors.Is(err, adapter.ErrNotExist) || !t.HasSubmountsBelow(f.node) {
			return nil, fmt.Errorf("failed to list %q: %w", f.node, err)
		}
		names = nil
	}

	subs := t.ListSubmounts(f.node)
	inter := t.IntermediateNames(f.node)
	if len(subs) == 0 && len(inter) == 0 {
		return names, nil
	}

	merged := make([]string, 0, len(names)+len(subs)+len(inter))
	merged = append(merged, names...)
	merged = append(merged, subs...)
	merged = append(merged, inter...)
	slices.Sort(merged)

	return slices.Compact(merged), nil
}

// Children returns the [File] of every name returned by [File.List].
func (f *File) Children(ctx context.Context) ([]*File, error) {
	names, err := f.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*File, 0, len(names))
	for _, name := range names {
		out = append(out, &File{vfs: f.vfs, node: f.node.Child(name)})
	}

	return out, nil
}

// OpenEntryStream returns an [adapter.EntryStream] over the recursive
// contents of the directory of the [File], crossing into mount points.
func (f *File) OpenEntryStream(ctx context.Context) (*adapter.EntryStream, error) {
	s, err := adapter.NewEntryStream(ctx, tree{vfs: f.vfs}, f.node.Components())
	if err != nil {
		return nil, fmt.Errorf("failed to open stream of %q: %w", f.node, err)
	}

	return s, nil
}

// OpenZipStream returns the recursive contents of the directory of
// the [File] rendered as the bytes of a zip archive.
func (f *File) OpenZipStream(ctx context.Context) (io.ReadCloser, error) {
	s, err := f.OpenEntryStream(ctx)
	if err != nil {
		return nil, err
	}

	return adapter.ZipStream(s), nil
}
