// Package realfs implements a pass-through backing store of the OS filesystem.
package realfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/desertwitch/zipvfs/internal/adapter"
)

var _ adapter.FileSystem = (*FS)(nil)

// FS exposes a directory of the OS filesystem.
type FS struct {
	root     string
	readOnly bool
	closed   atomic.Bool
}

// New returns a pointer to a new [FS] rooted at dir.
func New(dir string, readOnly bool) *FS {
	return &FS{root: filepath.Clean(dir), readOnly: readOnly}
}

// Root returns the directory the [FS] is rooted at.
func (r *FS) Root() string {
	return r.root
}

func (r *FS) resolve(path []string) (string, error) {
	if r.closed.Load() {
		return "", adapter.ErrClosed
	}

	return filepath.Join(append([]string{r.root}, path...)...), nil
}

func toAdapterErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", adapter.ErrNotExist, err)
	}

	return err
}

func (r *FS) Kind() adapter.Kind {
	return adapter.KindReal
}

func (r *FS) Stat(_ context.Context, path []string) (*adapter.FileInfo, error) {
	p, err := r.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, toAdapterErr(err)
	}

	fi := &adapter.FileInfo{
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
	if len(path) > 0 {
		fi.Name = path[len(path)-1]
	}
	if !info.IsDir() {
		fi.Size = info.Size()
	}

	return fi, nil
}

func (r *FS) Open(_ context.Context, path []string) (io.ReadCloser, error) {
	p, err := r.resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, toAdapterErr(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, toAdapterErr(err)
	}
	if info.IsDir() {
		f.Close()

		return nil, fmt.Errorf("%w: %q", adapter.ErrNotFile, p)
	}

	return f, nil
}

func (r *FS) LocalFile(_ context.Context, path []string) (string, error) {
	p, err := r.resolve(path)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(p); err != nil {
		return "", toAdapterErr(err)
	}

	return p, nil
}

func (r *FS) List(_ context.Context, path []string) ([]string, error) {
	p, err := r.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, toAdapterErr(err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %q", adapter.ErrNotDirectory, p)
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, toAdapterErr(err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)

	return names, nil
}

func (r *FS) Delete(_ context.Context, path []string) (bool, error) {
	if r.readOnly {
		return false, adapter.ErrReadOnly
	}
	if len(path) == 0 {
		return false, fmt.Errorf("%w: cannot delete the root", adapter.ErrReadOnly)
	}

	p, err := r.resolve(path)
	if err != nil {
		return false, err
	}

	if _, err := os.Lstat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, toAdapterErr(err)
	}

	if err := os.RemoveAll(p); err != nil {
		return false, toAdapterErr(err)
	}

	return true, nil
}

func (r *FS) ReadOnly() bool {
	return r.readOnly
}

func (r *FS) Close() error {
	r.closed.Store(true)

	return nil
}
