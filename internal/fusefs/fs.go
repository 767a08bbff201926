// Package fusefs implements the read-only FUSE frontend of the filesystem.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/desertwitch/zipvfs/internal/logging"
	"github.com/desertwitch/zipvfs/internal/vfs"
)

const (
	fileBasePerm = 0o444 // RO
	dirBasePerm  = 0o555 // RO

	defaultPoolBufferSize     = 128 * 1024       // 128KiB
	defaultStreamingThreshold = 10 * 1024 * 1024 // 10MiB
)

var (
	_ fs.FS               = (*FS)(nil)
	_ fs.FSInodeGenerator = (*FS)(nil)

	errMissingArgument = errors.New("missing argument")
)

// Options contains all settings for the operation of the frontend.
// All non-atomic fields can no longer be modified at runtime (once mounted).
type Options struct {
	// PoolBufferSize is the buffer size for the file read buffer pool.
	PoolBufferSize int

	// StrictCache disables the kernel caching of directories and files.
	StrictCache bool

	// StreamingThreshold when files are no longer fully loaded into RAM,
	// but rather streamed in chunks (amount as requested by the kernel).
	StreamingThreshold atomic.Uint64
}

// DefaultOptions returns a pointer to [Options] with the default values.
func DefaultOptions() *Options {
	opts := &Options{
		PoolBufferSize: defaultPoolBufferSize,
	}
	opts.StreamingThreshold.Store(defaultStreamingThreshold)

	return opts
}

// Metrics contains all metrics which are collected within the frontend.
type Metrics struct {
	// TotalLookups is the amount of served lookups.
	TotalLookups atomic.Int64

	// TotalReadDirs is the amount of served directory listings.
	TotalReadDirs atomic.Int64

	// TotalReads is the amount of served file reads.
	TotalReads atomic.Int64

	// TotalReadBytes is the amount of bytes served by file reads.
	TotalReadBytes atomic.Int64

	// TotalReopenedEntries is the amount of reopened files (rewinds).
	TotalReopenedEntries atomic.Int64

	// Errors is the amount of errors returned to the kernel.
	Errors atomic.Int64
}

// FS is the FUSE frontend over a [vfs.VFS].
type FS struct {
	vfs *vfs.VFS

	Options *Options
	Metrics *Metrics

	bufpool sync.Pool
	rbuf    *logging.RingBuffer
	mtime   time.Time
}

// NewFS returns a pointer to a new [FS] over v.
func NewFS(v *vfs.VFS, opts *Options, rbuf *logging.RingBuffer) (*FS, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: need a filesystem", errMissingArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need a ring buffer", errMissingArgument)
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	fsys := &FS{
		vfs:     v,
		Options: opts,
		Metrics: &Metrics{},
		rbuf:    rbuf,
		mtime:   time.Now(),
	}
	fsys.bufpool = sync.Pool{
		New: func() any {
			b := make([]byte, opts.PoolBufferSize)

			return &b
		},
	}

	return fsys, nil
}

// Root returns the entry-point [fs.Node] of the filesystem.
func (fsys *FS) Root() (fs.Node, error) {
	return &dirNode{
		fsys:  fsys,
		inode: 1,
		file:  fsys.vfs.Resolve("/"),
		mtime: fsys.mtime,
	}, nil
}

// GenerateInode implements [fs.FSInodeGenerator] to prevent dynamic
// inode generation by the fallback method inside of the FUSE library.
//
// [FS] handles inodes internally, so dynamic inode generation within the
// FUSE library (being the fallback on encountering zero inodes) is a core
// violation of this very design principle. Calls to this method will panic,
// revealing where internal inode handling does not produce the valid inode.
func (fsys *FS) GenerateInode(_ uint64, _ string) uint64 {
	panic("unhandled zero inode triggered an illegal dynamic generation")
}

// countError counts an error which is returned to the kernel.
func (fsys *FS) countError(err error) error {
	if err != nil {
		fsys.Metrics.Errors.Add(1)
	}

	return err
}

// WalkFunc gets called on each visited [fs.Node] as part of a [FS.Walk].
// Do note that as the root directory is synthetic, the [fuse.Dirent] will be nil.
type WalkFunc func(path string, dirent *fuse.Dirent, node fs.Node, attr fuse.Attr) error

// Walk constructs and walks the [FS] in-memory, calling walkFn on each visited [fs.Node].
func (fsys *FS) Walk(ctx context.Context, walkFn WalkFunc) error {
	root, err := fsys.Root()
	if err != nil {
		return fmt.Errorf("failed to get fs root: %w", err)
	}

	return fsys.walkNode(ctx, "/", nil, root, walkFn)
}

// walkNode handles walking of a [fs.Node] within the [FS].
func (fsys *FS) walkNode(ctx context.Context, path string, dirent *fuse.Dirent, node fs.Node, walkFn WalkFunc) error {
	var attr fuse.Attr

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	if err := node.Attr(ctx, &attr); err != nil {
		return fmt.Errorf("attr error at %q: %w", path, err)
	}

	if err := walkFn(path, dirent, node, attr); err != nil {
		return fmt.Errorf("walkfn error at %q: %w", path, err)
	}

	if readDirNode, ok := node.(fs.HandleReadDirAller); ok {
		dirents, err := readDirNode.ReadDirAll(ctx)
		if err != nil {
			return fmt.Errorf("readdirall error at %q: %w", path, err)
		}

		if lookupNode, ok := node.(fs.NodeStringLookuper); ok {
			for _, de := range dirents {
				childPath := path
				if path != "/" {
					childPath += "/"
				}
				childPath += de.Name

				childNode, err := lookupNode.Lookup(ctx, de.Name)
				if err != nil {
					return fmt.Errorf("lookup error for %q at %q: %w", de.Name, path, err)
				}

				if err := fsys.walkNode(ctx, childPath, &de, childNode, walkFn); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// MountOptions are the settings for mounting the [FS] into the OS.
type MountOptions struct {
	// AllowOther permits other users to access the mount.
	AllowOther bool

	// Ready is called once the mount is established (if set).
	Ready func()
}

// Mount mounts the [FS] at mountDir and serves it until it is unmounted
// (or ctx is done, which unmounts it). The returned error is the one of
// serving the filesystem.
func Mount(ctx context.Context, fsys *FS, mountDir string, mopts MountOptions) error {
	options := []fuse.MountOption{
		fuse.ReadOnly(),
		fuse.FSName("zipvfs"),
		fuse.Subtype("zipvfs"),
	}
	if mopts.AllowOther {
		options = append(options, fuse.AllowOther())
	}

	c, err := fuse.Mount(mountDir, options...)
	if err != nil {
		return fmt.Errorf("fs mount error: %w", err)
	}
	defer c.Close()

	if mopts.Ready != nil {
		mopts.Ready()
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			if err := fuse.Unmount(mountDir); err != nil {
				fsys.rbuf.Printf("Unmount error: %v\n", err)
			}
		case <-done:
		}
	}()

	if err := fs.Serve(c, fsys); err != nil {
		return fmt.Errorf("fs serve error: %w", err)
	}

	return nil
}
