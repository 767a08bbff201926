// Package memfs implements an in-memory backing store.
package memfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertwitch/zipvfs/internal/adapter"
)

var _ adapter.FileSystem = (*FS)(nil)

type node struct {
	name     string
	dir      bool
	data     []byte
	mtime    time.Time
	children map[string]*node
}

// FS is an in-memory tree of directories and files.
// Written contents are owned by the [FS] and returned as copies.
type FS struct {
	mu       sync.RWMutex
	root     *node
	readOnly atomic.Bool
	closed   atomic.Bool
}

// New returns a pointer to a new, empty [FS].
func New() *FS {
	return &FS{
		root: &node{dir: true, mtime: time.Now(), children: map[string]*node{}},
	}
}

func split(p string) []string {
	var comps []string
	for c := range strings.SplitSeq(p, "/") {
		if c != "" && c != "." {
			comps = append(comps, c)
		}
	}

	return comps
}

// SetReadOnly switches the [FS] between read-only and writeable.
func (m *FS) SetReadOnly(v bool) {
	m.readOnly.Store(v)
}

// MkdirAll creates a directory along with any missing parents.
func (m *FS) MkdirAll(p string) error {
	if m.readOnly.Load() {
		return adapter.ErrReadOnly
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.mkdirAll(split(p))

	return err
}

func (m *FS) mkdirAll(comps []string) (*node, error) {
	n := m.root
	for i, c := range comps {
		child, ok := n.children[c]
		if !ok {
			child = &node{name: c, dir: true, mtime: time.Now(), children: map[string]*node{}}
			n.children[c] = child
		} else if !child.dir {
			return nil, fmt.Errorf("%w: %q", adapter.ErrNotDirectory, adapter.JoinPath(comps[:i+1]))
		}
		n = child
	}

	return n, nil
}

// WriteFile creates or replaces a file along with any missing parents.
func (m *FS) WriteFile(p string, data []byte) error {
	if m.readOnly.Load() {
		return adapter.ErrReadOnly
	}

	comps := split(p)
	if len(comps) == 0 {
		return fmt.Errorf("%w: cannot write the root", adapter.ErrNotFile)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent, err := m.mkdirAll(comps[:len(comps)-1])
	if err != nil {
		return err
	}

	name := comps[len(comps)-1]
	if existing, ok := parent.children[name]; ok && existing.dir {
		return fmt.Errorf("%w: %q", adapter.ErrNotFile, p)
	}

	parent.children[name] = &node{
		name:  name,
		data:  bytes.Clone(data),
		mtime: time.Now(),
	}

	return nil
}

func (m *FS) lookup(path []string) (*node, error) {
	if m.closed.Load() {
		return nil, adapter.ErrClosed
	}

	n := m.root
	for _, c := range path {
		if !n.dir {
			return nil, fmt.Errorf("%w: %q", adapter.ErrNotExist, adapter.JoinPath(path))
		}
		child, ok := n.children[c]
		if !ok {
			return nil, fmt.Errorf("%w: %q", adapter.ErrNotExist, adapter.JoinPath(path))
		}
		n = child
	}

	return n, nil
}

func (m *FS) Kind() adapter.Kind {
	return adapter.KindMemory
}

func (m *FS) Stat(_ context.Context, path []string) (*adapter.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, err := m.lookup(path)
	if err != nil {
		return nil, err
	}

	return &adapter.FileInfo{
		Name:    n.name,
		Size:    int64(len(n.data)),
		ModTime: n.mtime,
		IsDir:   n.dir,
	}, nil
}

func (m *FS) Open(_ context.Context, path []string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, err := m.lookup(path)
	if err != nil {
		return nil, err
	}
	if n.dir {
		return nil, fmt.Errorf("%w: %q", adapter.ErrNotFile, adapter.JoinPath(path))
	}

	// Replaced, never mutated in place, so the slice is safe to share.
	return io.NopCloser(bytes.NewReader(n.data)), nil
}

func (m *FS) LocalFile(_ context.Context, path []string) (string, error) {
	return "", fmt.Errorf("%w: %q is held in memory", adapter.ErrNoLocalFile, adapter.JoinPath(path))
}

func (m *FS) List(_ context.Context, path []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, err := m.lookup(path)
	if err != nil {
		return nil, err
	}
	if !n.dir {
		return nil, fmt.Errorf("%w: %q", adapter.ErrNotDirectory, adapter.JoinPath(path))
	}

	return slices.Sorted(maps.Keys(n.children)), nil
}

func (m *FS) Delete(_ context.Context, path []string) (bool, error) {
	if m.readOnly.Load() {
		return false, adapter.ErrReadOnly
	}
	if len(path) == 0 {
		return false, fmt.Errorf("%w: cannot delete the root", adapter.ErrReadOnly)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent, err := m.lookup(path[:len(path)-1])
	if err != nil || !parent.dir {
		return false, nil //nolint:nilerr
	}

	name := path[len(path)-1]
	if _, ok := parent.children[name]; !ok {
		return false, nil
	}
	delete(parent.children, name)

	return true, nil
}

func (m *FS) ReadOnly() bool {
	return m.readOnly.Load()
}

func (m *FS) Close() error {
	m.closed.Store(true)

	return nil
}
