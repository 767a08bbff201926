package fusefs

import (
	"context"
	"os"
	"slices"
	"strings"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/vfs"
)

var (
	_ fs.Node               = (*dirNode)(nil)
	_ fs.NodeOpener         = (*dirNode)(nil)
	_ fs.HandleReadDirAller = (*dirNode)(nil)
	_ fs.NodeStringLookuper = (*dirNode)(nil)
)

// dirNode is a directory of the virtual filesystem, be it a real
// directory, one within an archive, a nested archive or a mount point.
type dirNode struct {
	fsys  *FS       // Pointer to our filesystem.
	inode uint64    // Inode within our filesystem.
	file  *vfs.File // Position within the virtual filesystem.
	mtime time.Time // Modified time of the directory.
}

func (d *dirNode) Attr(_ context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | dirBasePerm
	a.Inode = d.inode

	a.Atime = d.mtime
	a.Ctime = d.mtime
	a.Mtime = d.mtime

	return nil
}

func (d *dirNode) Open(_ context.Context, _ *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !d.fsys.Options.StrictCache {
		resp.Flags |= fuse.OpenKeepCache | fuse.OpenCacheDir
	}

	return d, nil
}

func (d *dirNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	d.fsys.Metrics.TotalReadDirs.Add(1)

	children, err := d.file.Children(ctx)
	if err != nil {
		d.fsys.rbuf.Printf("%q->ReadDirAll: %v\n", d.file.Path(), err)

		return nil, d.fsys.countError(toFuseErr(err))
	}

	resp := make([]fuse.Dirent, 0, len(children))

	for _, c := range children {
		fi, err := c.Stat(ctx)
		if err != nil {
			d.fsys.rbuf.Printf("Skipped: %q->ReadDirAll: %q: %v\n", d.file.Path(), c.Name(), err)

			continue
		}

		typ := fuse.DT_File
		if fi.IsDir {
			typ = fuse.DT_Dir
		}

		resp = append(resp, fuse.Dirent{
			Name:  c.Name(),
			Type:  typ,
			Inode: fs.GenerateDynamicInode(d.inode, c.Name()),
		})
	}

	slices.SortFunc(resp, func(a, b fuse.Dirent) int {
		if a.Type == b.Type {
			return strings.Compare(a.Name, b.Name)
		}
		if a.Type == fuse.DT_Dir {
			return -1
		}

		return 1
	})

	return resp, nil
}

func (d *dirNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	d.fsys.Metrics.TotalLookups.Add(1)

	child := d.file.Child(name)

	fi, err := child.Stat(ctx)
	if err != nil {
		return nil, d.fsys.countError(toFuseErr(err))
	}

	return d.fsys.newNode(d.inode, child, fi), nil
}

// newNode returns the [fs.Node] of a child of the directory of parent.
func (fsys *FS) newNode(parent uint64, f *vfs.File, fi *adapter.FileInfo) fs.Node {
	inode := fs.GenerateDynamicInode(parent, f.Name())

	mtime := fi.ModTime
	if mtime.IsZero() { // Synthetic ancestors of mount points.
		mtime = fsys.mtime
	}

	if fi.IsDir {
		return &dirNode{
			fsys:  fsys,
			inode: inode,
			file:  f,
			mtime: mtime,
		}
	}

	base := &fileBaseNode{
		fsys:  fsys,
		inode: inode,
		file:  f,
		size:  uint64(fi.Size), //nolint:gosec
		mtime: mtime,
	}

	if base.size <= fsys.Options.StreamingThreshold.Load() {
		return &inMemoryFileNode{base}
	}

	return &streamFileNode{base}
}
