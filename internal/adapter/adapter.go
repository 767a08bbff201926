// Package adapter implements the capability interface of the backing stores.
package adapter

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"time"
)

var (
	// ErrNotExist is returned when a path has no corresponding entry.
	ErrNotExist = errors.New("no such file or directory")

	// ErrNotFile is returned when a directory is opened as a plain file.
	ErrNotFile = errors.New("not a file")

	// ErrNotDirectory is returned when a file is listed as a directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrReadOnly is returned on modifications of a read-only store.
	ErrReadOnly = errors.New("read-only filesystem")

	// ErrClosed is returned on any operation after Close().
	ErrClosed = errors.New("filesystem is closed")

	// ErrNoLocalFile is returned when content cannot be presented as a local file.
	ErrNoLocalFile = errors.New("no local file available")
)

// Kind is the closed set of backing store variants.
type Kind int

const (
	KindReal Kind = iota
	KindMemory
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindReal:
		return "real"
	case KindMemory:
		return "memory"
	case KindArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// FileInfo describes an entry of a [FileSystem].
type FileInfo struct {
	Name    string    // Last path component (empty for the root).
	Size    int64     // Size of the content (zero for directories).
	ModTime time.Time // Last modification time.
	IsDir   bool      // Directories include nested archives.
	Nested  bool      // Directory is backed by a nested archive.
}

// Mode returns a read-only [fs.FileMode] for the entry.
func (fi *FileInfo) Mode() fs.FileMode {
	if fi.IsDir {
		return fs.ModeDir | 0o555 //nolint:mnd
	}

	return 0o444 //nolint:mnd
}

// FileSystem is a backing store anchored at a mount point.
//
// All paths are sequences of already normalized components relative to
// the mount point, the empty sequence being the root of the store itself.
type FileSystem interface {
	// Kind returns the variant of the backing store.
	Kind() Kind

	// Stat returns the [FileInfo] of a path or [ErrNotExist].
	Stat(ctx context.Context, path []string) (*FileInfo, error)

	// Open returns a reader of the content of a file.
	// Directories return [ErrNotFile], missing entries [ErrNotExist].
	Open(ctx context.Context, path []string) (io.ReadCloser, error)

	// LocalFile returns a path on the local disk holding the content of a path.
	// Stores which cannot present the content as such return [ErrNoLocalFile].
	LocalFile(ctx context.Context, path []string) (string, error)

	// List returns the sorted names contained within a directory.
	List(ctx context.Context, path []string) ([]string, error)

	// Delete removes a path, returning false if there was nothing to remove.
	Delete(ctx context.Context, path []string) (bool, error)

	// ReadOnly reports whether the store refuses any modifications.
	ReadOnly() bool

	// Close releases all resources held by the store.
	Close() error
}

// Exists reports whether a path exists within the [FileSystem].
func Exists(ctx context.Context, fsys FileSystem, path []string) bool {
	_, err := fsys.Stat(ctx, path)

	return err == nil
}

// IsDir reports whether a path is a directory within the [FileSystem].
func IsDir(ctx context.Context, fsys FileSystem, path []string) bool {
	fi, err := fsys.Stat(ctx, path)

	return err == nil && fi.IsDir
}

// Size returns the size of a path, or zero if it cannot be determined.
func Size(ctx context.Context, fsys FileSystem, path []string) int64 {
	fi, err := fsys.Stat(ctx, path)
	if err != nil {
		return 0
	}

	return fi.Size
}

// ModTime returns the modification time of a path, or the zero time.
func ModTime(ctx context.Context, fsys FileSystem, path []string) time.Time {
	fi, err := fsys.Stat(ctx, path)
	if err != nil {
		return time.Time{}
	}

	return fi.ModTime
}

// JoinPath returns the slash-separated form of path components.
func JoinPath(path []string) string {
	return strings.Join(path, "/")
}
