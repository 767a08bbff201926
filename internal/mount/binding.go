package mount

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/vpath"
)

// Binding anchors a [adapter.FileSystem] at a mount point.
type Binding struct {
	fsys     adapter.FileSystem
	point    *vpath.Node
	release  func() error
	stack    []byte // Allocation context (only with leak detection).
	closed   atomic.Bool
	released atomic.Bool
}

// FileSystem returns the [adapter.FileSystem] of the [Binding].
func (b *Binding) FileSystem() adapter.FileSystem {
	return b.fsys
}

// MountPoint returns the node the [Binding] is anchored at.
func (b *Binding) MountPoint() *vpath.Node {
	return b.point
}

// Closed reports whether the [Binding] was unmounted.
func (b *Binding) Closed() bool {
	return b.closed.Load()
}

// children is the immutable set of bindings beneath one parent node.
// A new set is built for every change, so that readers holding a
// previous set keep observing a consistent snapshot of it.
type children struct {
	single *Binding
	many   map[string]*Binding
	names  []string // Sorted, shared with callers, never modified.
}

func newChildren(b *Binding) *children {
	return &children{
		single: b,
		names:  []string{b.point.Name()},
	}
}

func (c *children) get(name string) *Binding {
	if c.single != nil {
		if c.single.point.Name() == name {
			return c.single
		}

		return nil
	}

	return c.many[name]
}

func (c *children) len() int {
	if c.single != nil {
		return 1
	}

	return len(c.many)
}

func (c *children) all() map[string]*Binding {
	if c.single != nil {
		return map[string]*Binding{c.single.point.Name(): c.single}
	}

	return maps.Clone(c.many)
}

// with returns a new set including b, or [ErrAlreadyMounted].
func (c *children) with(b *Binding) (*children, error) {
	name := b.point.Name()
	if c.get(name) != nil {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyMounted, b.point)
	}

	m := c.all()
	m[name] = b

	return &children{
		many:  m,
		names: slices.Sorted(maps.Keys(m)),
	}, nil
}

// without returns a new set excluding the binding of name.
// It returns nil when the resulting set would be empty.
func (c *children) without(name string) *children {
	m := c.all()
	delete(m, name)

	switch len(m) {
	case 0:
		return nil
	case 1:
		for _, b := range m {
			return newChildren(b)
		}
	}

	return &children{
		many:  m,
		names: slices.Sorted(maps.Keys(m)),
	}
}
