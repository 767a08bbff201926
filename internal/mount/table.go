// Package mount implements the concurrent registry of mount points.
package mount

import (
	"errors"
	"fmt"
	"maps"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/vpath"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyMounted is returned when a mount point is already occupied.
	ErrAlreadyMounted = errors.New("already mounted at this path")

	// ErrMountRoot is returned when mounting at the root of the tree.
	ErrMountRoot = errors.New("cannot mount at the root")

	noSubmounts = []string{}
)

// Table maps parent nodes to the bindings anchored directly beneath them.
//
// Lookups never block: every change installs a whole new child set into the
// outer map with an atomic insert or compare-and-swap, retrying the complete
// read-modify-install cycle when another writer got there first. The root
// always resolves to the binding given to [NewTable], which is permanent.
type Table struct {
	root    *Binding
	parents sync.Map // map[string]*children, keyed by [vpath.Node.Key]
	count   atomic.Int64

	// LeakDetection records the allocation stack of each mount and
	// force-unmounts handles which become unreachable while still open.
	LeakDetection bool
}

// NewTable returns a pointer to a new [Table] with rootFS bound at the root.
func NewTable(rootFS adapter.FileSystem) *Table {
	return &Table{
		root: &Binding{fsys: rootFS, point: vpath.Root()},
	}
}

// Root returns the permanent [Binding] of the root.
func (t *Table) Root() *Binding {
	return t.root
}

// Len returns the amount of current mounts (excluding the root).
func (t *Table) Len() int {
	return int(t.count.Load())
}

// Mount anchors fsys at point. The returned [Handle] removes exactly this
// binding when closed. Mounting at an occupied point returns [ErrAlreadyMounted].
func (t *Table) Mount(point *vpath.Node, fsys adapter.FileSystem) (*Handle, error) {
	return t.MountOwned(point, fsys, nil)
}

// MountOwned is [Table.Mount], with release being called once after
// the binding was removed, tying the lifetime of any owned resources
// (e.g. the filesystem itself) to the returned [Handle].
func (t *Table) MountOwned(point *vpath.Node, fsys adapter.FileSystem, release func() error) (*Handle, error) {
	if point.IsRoot() {
		return nil, ErrMountRoot
	}

	b := &Binding{
		fsys:    fsys,
		point:   point,
		release: release,
	}
	if t.LeakDetection {
		b.stack = debug.Stack()
	}

	key := point.Parent().Key()

	for {
		cur, loaded := t.parents.LoadOrStore(key, newChildren(b))
		if !loaded {
			break
		}

		old := cur.(*children) //nolint:forcetypeassert
		next, err := old.with(b)
		if err != nil {
			return nil, err
		}

		if t.parents.CompareAndSwap(key, old, next) {
			break
		}
	}
	t.count.Add(1)

	log.Tracef("[MOUNT] Mounted %s filesystem at %q", fsys.Kind(), point)

	h := &Handle{table: t, binding: b}
	if t.LeakDetection {
		h.cleanup = runtime.AddCleanup(h, leaked, leak{table: t, binding: b})
		h.tracked = true
	}

	return h, nil
}

// unmount removes b if it is still the occupant of its mount point.
// It reports whether this call was the one which removed it.
func (t *Table) unmount(b *Binding) bool {
	key := b.point.Parent().Key()
	name := b.point.Name()

	for {
		cur, ok := t.parents.Load(key)
		if !ok {
			return false
		}

		old := cur.(*children) //nolint:forcetypeassert
		if old.get(name) != b {
			return false
		}

		if next := old.without(name); next == nil {
			if t.parents.CompareAndDelete(key, old) {
				break
			}
		} else if t.parents.CompareAndSwap(key, old, next) {
			break
		}
	}
	t.count.Add(-1)
	b.closed.Store(true)

	log.Tracef("[MOUNT] Unmounted %s filesystem from %q", b.fsys.Kind(), b.point)

	return true
}

// Resolve returns the [Binding] of the nearest mount point at or above node.
// It walks the parent chain up to the root, which is always bound.
func (t *Table) Resolve(node *vpath.Node) *Binding {
	for n := node; !n.IsRoot(); n = n.Parent() {
		cur, ok := t.parents.Load(n.Parent().Key())
		if !ok {
			continue
		}

		if b := cur.(*children).get(n.Name()); b != nil { //nolint:forcetypeassert
			return b
		}
	}

	return t.root
}

// ResolvePath is [Table.Resolve], also returning the components
// of node relative to the mount point of the returned [Binding].
func (t *Table) ResolvePath(node *vpath.Node) (*Binding, []string) {
	b := t.Resolve(node)
	rel, _ := node.RelativeTo(b.point)

	return b, rel
}

// ListSubmounts returns the sorted names of the mount points directly
// beneath node. The returned slice is shared and must not be modified.
func (t *Table) ListSubmounts(node *vpath.Node) []string {
	cur, ok := t.parents.Load(node.Key())
	if !ok {
		return noSubmounts
	}

	return cur.(*children).names //nolint:forcetypeassert
}

// HasSubmountsBelow reports whether any mount point lies beneath node.
func (t *Table) HasSubmountsBelow(node *vpath.Node) bool {
	found := false

	t.parents.Range(func(_, v any) bool {
		for _, b := range v.(*children).all() { //nolint:forcetypeassert
			if b.point.Depth() > node.Depth() && b.point.HasPrefix(node) {
				found = true

				return false
			}
		}

		return true
	})

	return found
}

// Bindings returns all current bindings sorted by their mount point,
// starting with the root [Binding].
func (t *Table) Bindings() []*Binding {
	var out []*Binding

	t.parents.Range(func(_, v any) bool {
		for _, b := range v.(*children).all() { //nolint:forcetypeassert
			out = append(out, b)
		}

		return true
	})

	slices.SortFunc(out, func(a, b *Binding) int {
		return strings.Compare(a.point.String(), b.point.String())
	})

	return append([]*Binding{t.root}, out...)
}

// IntermediateNames returns the sorted names of the directories directly
// beneath node which lead to deeper mount points, without being mount
// points themselves.
func (t *Table) IntermediateNames(node *vpath.Node) []string {
	set := make(map[string]struct{})

	t.parents.Range(func(_, v any) bool {
		for _, b := range v.(*children).all() { //nolint:forcetypeassert
			if b.point.Depth() > node.Depth()+1 && b.point.HasPrefix(node) {
				rel, _ := b.point.RelativeTo(node)
				set[rel[0]] = struct{}{}
			}
		}

		return true
	})

	return slices.Sorted(maps.Keys(set))
}

// UnmountAll removes all bindings (except the root) deepest first and
// releases their owned resources. Handles of these bindings are no-ops
// afterwards. Every binding is attempted, returning all errors joined.
func (t *Table) UnmountAll() error {
	var errs []error

	all := t.Bindings()[1:]
	slices.SortStableFunc(all, func(a, b *Binding) int {
		return b.point.Depth() - a.point.Depth()
	})

	for _, b := range all {
		if err := t.release(b); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Handle is the result of a mount, unmounting its [Binding] when closed.
type Handle struct {
	table   *Table
	binding *Binding
	closed  atomic.Bool
	cleanup runtime.Cleanup
	tracked bool
}

// Binding returns the [Binding] created by the mount.
func (h *Handle) Binding() *Binding {
	return h.binding
}

// Close removes the [Binding] and releases owned resources.
// Only the first call has any effect, later calls return nil.
// A [Binding] which was replaced in the meantime is left untouched.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.tracked {
		h.cleanup.Stop()
	}

	return h.table.release(h.binding)
}

// release unmounts b and releases its owned resources at most once,
// whichever of handle, leak cleanup or [Table.UnmountAll] comes first.
func (t *Table) release(b *Binding) error {
	t.unmount(b)

	if !b.released.CompareAndSwap(false, true) {
		return nil
	}

	if b.release != nil {
		if err := b.release(); err != nil {
			return fmt.Errorf("failed to release %q: %w", b.point, err)
		}
	}

	return nil
}

type leak struct {
	table   *Table
	binding *Binding
}

// leaked runs when an open [Handle] became unreachable.
func leaked(l leak) {
	log.Warnf("[MOUNT] Leaked mount handle for %q (force-unmounting), mounted at:\n%s",
		l.binding.point, l.binding.stack)

	if err := l.table.release(l.binding); err != nil {
		log.Warnf("[MOUNT] Error releasing leaked mount %q: %v", l.binding.point, err)
	}
}
