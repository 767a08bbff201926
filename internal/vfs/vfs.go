// Package vfs implements the virtual filesystem facade, composing the
// mount table, archive filesystems, scratch space and the reaper.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/adapter/realfs"
	"github.com/desertwitch/zipvfs/internal/archive"
	"github.com/desertwitch/zipvfs/internal/mount"
	"github.com/desertwitch/zipvfs/internal/reaper"
	"github.com/desertwitch/zipvfs/internal/scratch"
	"github.com/desertwitch/zipvfs/internal/vpath"
	log "github.com/sirupsen/logrus"
)

// Options contains all settings for the operation of the [VFS].
type Options struct {
	// RootDir is the directory of the OS filesystem bound at the root.
	RootDir string

	// RootReadOnly refuses modifications through the root binding.
	RootReadOnly bool

	// ScratchBase is the directory to create the scratch root in
	// (the OS temporary directory if empty).
	ScratchBase string

	// SweepStale removes scratch roots of exited processes on start.
	SweepStale bool

	// LeakDetection warns about (and closes) unreachable open
	// mount handles and archives, with their allocation stack.
	LeakDetection bool

	// Reaper are the settings of the reclamation of idle handles.
	Reaper reaper.Options

	// Archive are the settings shared by all mounted archives. The reaper,
	// scratch space and metrics of the [VFS] are filled in where unset.
	Archive *archive.Options
}

// DefaultOptions returns [Options] with the default values.
func DefaultOptions() *Options {
	return &Options{
		RootDir:      "/",
		RootReadOnly: true,
		SweepStale:   true,
		Reaper:       reaper.DefaultOptions(),
		Archive:      archive.DefaultOptions(),
	}
}

// VFS is a tree of mounted filesystems, addressed by slash-separated
// paths. Paths not covered by any mount resolve to the root binding.
type VFS struct {
	table   *mount.Table
	reaper  *reaper.Reaper
	scratch *scratch.Dir
	archive *archive.Options
	closed  atomic.Bool
}

// New returns a pointer to a new [VFS], with default [Options] if opts
// is nil. You must call Close() once all work is complete.
func New(opts *Options) (*VFS, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	if opts.SweepStale {
		if n := scratch.SweepStale(opts.ScratchBase); n > 0 {
			log.Infof("[VFS] Removed %d stale scratch roots", n)
		}
	}

	rp := reaper.New(opts.Reaper)

	sd, err := scratch.New(opts.ScratchBase, rp)
	if err != nil {
		_ = rp.Close()

		return nil, fmt.Errorf("failed to create scratch space: %w", err)
	}

	aopts := opts.Archive
	if aopts == nil {
		aopts = archive.DefaultOptions()
	}
	if aopts.Reaper == nil {
		aopts.Reaper = rp
	}
	if aopts.Scratch == nil {
		aopts.Scratch = sd
	}
	if aopts.Metrics == nil {
		aopts.Metrics = &archive.Metrics{}
	}
	if aopts.Suffixes == nil {
		aopts.Suffixes = archive.Suffixes
	}
	aopts.LeakDetection = aopts.LeakDetection || opts.LeakDetection

	rootDir := opts.RootDir
	if rootDir == "" {
		rootDir = "/"
	}

	table := mount.NewTable(realfs.New(rootDir, opts.RootReadOnly))
	table.LeakDetection = opts.LeakDetection

	log.Debugf("[VFS] Created filesystem over %q (scratch: %q)", rootDir, sd.Root())

	return &VFS{
		table:   table,
		reaper:  rp,
		scratch: sd,
		archive: aopts,
	}, nil
}

// Table returns the [mount.Table] of the [VFS].
func (v *VFS) Table() *mount.Table {
	return v.table
}

// Reaper returns the [reaper.Reaper] of the [VFS].
func (v *VFS) Reaper() *reaper.Reaper {
	return v.reaper
}

// Scratch returns the [scratch.Dir] of the [VFS].
func (v *VFS) Scratch() *scratch.Dir {
	return v.scratch
}

// ArchiveOptions returns the [archive.Options] shared by all mounted archives.
// The atomic fields can be changed at runtime.
func (v *VFS) ArchiveOptions() *archive.Options {
	return v.archive
}

// Mount anchors fsys at point. The returned [mount.Handle] unmounts
// it and closes fsys, which then belongs to the mount.
func (v *VFS) Mount(point string, fsys adapter.FileSystem) (*mount.Handle, error) {
	if v.closed.Load() {
		return nil, adapter.ErrClosed
	}

	h, err := v.table.MountOwned(vpath.Parse(point), fsys, fsys.Close)
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s filesystem: %w", fsys.Kind(), err)
	}

	return h, nil
}

// MountArchive opens src as an [archive.Archive] and mounts it at point.
// Archives given as stream are written into a scratch directory first,
// which is removed again once the returned [mount.Handle] is closed.
func (v *VFS) MountArchive(ctx context.Context, src archive.Source, point string) (*mount.Handle, error) {
	node, err := v.mountPoint(point)
	if err != nil {
		return nil, err
	}

	dir, err := v.scratch.CreateUniqueDirectory(src.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate scratch: %w", err)
	}
	deleteDir := func() error {
		if !v.scratch.DeleteRecursively(dir) {
			log.Debugf("[VFS] Scratch %q not removed right away", dir)
		}

		return nil
	}

	fileSrc, err := src.Materialize(dir)
	if err != nil {
		return nil, errors.Join(err, deleteDir())
	}

	arc, err := archive.Open(ctx, fileSrc, v.archive)
	if err != nil {
		return nil, errors.Join(err, deleteDir())
	}

	h, err := v.table.MountOwned(node, arc, func() error {
		return errors.Join(arc.Close(), deleteDir())
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to mount %q: %w", src.Name(), err), arc.Close(), deleteDir())
	}

	log.Debugf("[VFS] Mounted archive %q at %q", src.Name(), node)

	return h, nil
}

// MountExpandedArchive extracts all of src into a scratch directory up
// front and mounts that directory read-only at point. Nested archives are
// expanded into directories. The directory is removed again once the
// returned [mount.Handle] is closed.
func (v *VFS) MountExpandedArchive(ctx context.Context, src archive.Source, point string) (*mount.Handle, error) {
	node, err := v.mountPoint(point)
	if err != nil {
		return nil, err
	}

	dir, err := v.scratch.CreateUniqueDirectory(src.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate scratch: %w", err)
	}
	deleteDir := func() error {
		if !v.scratch.DeleteRecursively(dir) {
			log.Debugf("[VFS] Scratch %q not removed right away", dir)
		}

		return nil
	}

	if err := v.expand(ctx, src, dir); err != nil {
		return nil, errors.Join(err, deleteDir())
	}

	fsys := realfs.New(dir, true)

	h, err := v.table.MountOwned(node, fsys, func() error {
		return errors.Join(fsys.Close(), deleteDir())
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to mount %q: %w", src.Name(), err), fsys.Close(), deleteDir())
	}

	log.Debugf("[VFS] Mounted expanded archive %q at %q", src.Name(), node)

	return h, nil
}

func (v *VFS) expand(ctx context.Context, src archive.Source, dst string) error {
	arc, err := archive.Open(ctx, src, v.archive)
	if err != nil {
		return err //nolint:wrapcheck
	}

	err = arc.ExtractTo(ctx, nil, dst)

	return errors.Join(err, arc.Close())
}

func (v *VFS) mountPoint(point string) (*vpath.Node, error) {
	if v.closed.Load() {
		return nil, adapter.ErrClosed
	}

	node := vpath.Parse(point)
	if node.IsRoot() {
		return nil, mount.ErrMountRoot
	}

	return node, nil
}

// Resolve returns the [File] at path, which need not exist.
func (v *VFS) Resolve(path string) *File {
	return &File{vfs: v, node: vpath.Parse(path)}
}

// Stat returns the [adapter.FileInfo] of path.
func (v *VFS) Stat(ctx context.Context, path string) (*adapter.FileInfo, error) {
	return v.Resolve(path).Stat(ctx)
}

// Children returns the entries of the directory at path,
// including the mount points beneath it.
func (v *VFS) Children(ctx context.Context, path string) ([]*File, error) {
	return v.Resolve(path).Children(ctx)
}

// Open returns a reader of the content of the file at path.
func (v *VFS) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return v.Resolve(path).Open(ctx)
}

// ReadFile returns the whole content of the file at path.
func (v *VFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return v.Resolve(path).ReadFile(ctx)
}

// MountInfo describes a current mount of the [VFS].
type MountInfo struct {
	Point    string
	Kind     adapter.Kind
	ReadOnly bool
	Source   string // Archive name, or the directory of an OS filesystem.
}

// Mounts returns all current mounts sorted by their mount point,
// starting with the root binding.
func (v *VFS) Mounts() []MountInfo {
	bindings := v.table.Bindings()
	out := make([]MountInfo, 0, len(bindings))

	for _, b := range bindings {
		fsys := b.FileSystem()
		mi := MountInfo{
			Point:    b.MountPoint().String(),
			Kind:     fsys.Kind(),
			ReadOnly: fsys.ReadOnly(),
		}

		switch f := fsys.(type) {
		case *archive.Archive:
			mi.Source = f.Source().Path()
			if mi.Source == "" {
				mi.Source = f.Name()
			}
		case *realfs.FS:
			mi.Source = f.Root()
		}

		out = append(out, mi)
	}

	return out
}

// Close unmounts all filesystems (deepest first) and releases all resources,
// each being attempted regardless of earlier failures. Handles of mounts
// become no-ops. Only the first call has any effect.
func (v *VFS) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	if err := v.table.UnmountAll(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unmount: %w", err))
	}
	if err := v.table.Root().FileSystem().Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close root: %w", err))
	}
	if err := v.scratch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close scratch: %w", err))
	}
	if err := v.reaper.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close reaper: %w", err))
	}

	log.Debug("[VFS] Closed filesystem")

	return errors.Join(errs...)
}
