package fusefs

import (
	"context"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/desertwitch/zipvfs/internal/vfs"
)

var _ fs.Node = (*fileBaseNode)(nil)

// fileBaseNode is a file of the virtual filesystem, be it a real file
// or an entry within a (nested) archive. Its contents are read on demand.
//
// To be embedded into either [inMemoryFileNode] or [streamFileNode],
// depending on which [Options.StreamingThreshold] was set at lookup time.
type fileBaseNode struct {
	fsys  *FS       // Pointer to our filesystem.
	inode uint64    // Inode within our filesystem.
	file  *vfs.File // Position within the virtual filesystem.
	size  uint64    // Size of the file at lookup time.
	mtime time.Time // Modified time of the file.
}

func (f *fileBaseNode) Attr(_ context.Context, a *fuse.Attr) error {
	a.Mode = fileBasePerm
	a.Inode = f.inode

	a.Size = f.size

	a.Atime = f.mtime
	a.Ctime = f.mtime
	a.Mtime = f.mtime

	return nil
}

var (
	_ fs.Node            = (*inMemoryFileNode)(nil)
	_ fs.NodeOpener      = (*inMemoryFileNode)(nil)
	_ fs.HandleReadAller = (*inMemoryFileNode)(nil)
)

// inMemoryFileNode is a [fileBaseNode] that implements only the
// [fs.HandleReadAller] for reading the entire file contents into memory.
type inMemoryFileNode struct {
	*fileBaseNode
}

func (f *inMemoryFileNode) Open(_ context.Context, _ *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !f.fsys.Options.StrictCache {
		resp.Flags |= fuse.OpenKeepCache
	}

	return f, nil
}

func (f *inMemoryFileNode) ReadAll(ctx context.Context) ([]byte, error) {
	f.fsys.Metrics.TotalReads.Add(1)

	data, err := f.file.ReadFile(ctx)
	if err != nil {
		f.fsys.rbuf.Printf("Error: %q->ReadAll: %v\n", f.file.Path(), err)

		return nil, f.fsys.countError(toFuseErr(err))
	}
	f.fsys.Metrics.TotalReadBytes.Add(int64(len(data)))

	return data, nil
}

var (
	_ fs.Node           = (*streamFileNode)(nil)
	_ fs.NodeOpener     = (*streamFileNode)(nil)
	_ fs.Handle         = (*streamFileHandle)(nil)
	_ fs.HandleReader   = (*streamFileHandle)(nil)
	_ fs.HandleReleaser = (*streamFileHandle)(nil)
)

// streamFileNode is a [fileBaseNode] that streams the kernel requested
// bytes from the file. Each open yields its own [streamFileHandle].
type streamFileNode struct {
	*fileBaseNode
}

func (f *streamFileNode) Open(_ context.Context, _ *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !f.fsys.Options.StrictCache {
		resp.Flags |= fuse.OpenKeepCache
	}

	return &streamFileHandle{streamHandle: &streamHandle{node: f}}, nil
}

// streamFileHandle is an open [streamFileNode].
type streamFileHandle struct {
	*streamHandle
}

func (h *streamFileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fsys := h.node.fsys
	fsys.Metrics.TotalReads.Add(1)

	bufPtr, ok := fsys.bufpool.Get().(*[]byte)
	if !ok || len(*bufPtr) < req.Size {
		b := make([]byte, max(req.Size, fsys.Options.PoolBufferSize))
		bufPtr = &b
	}
	defer fsys.bufpool.Put(bufPtr)

	n, err := h.readAt(ctx, (*bufPtr)[:req.Size], req.Offset)
	if err != nil {
		fsys.rbuf.Printf("Error: %q->Read: %v\n", h.node.file.Path(), err)

		return fsys.countError(toFuseErr(err))
	}

	resp.Data = append(resp.Data[:0], (*bufPtr)[:n]...)
	fsys.Metrics.TotalReadBytes.Add(int64(n))

	return nil
}

func (h *streamFileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	if err := h.close(); err != nil {
		h.node.fsys.rbuf.Printf("Error: %q->Release: %v\n", h.node.file.Path(), err)
	}

	return nil
}
