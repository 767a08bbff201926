// Package vpath implements the immutable nodes of the virtual path tree.
package vpath

import (
	"hash/maphash"
	"strings"
	"sync"
)

// Separator is the separator of the joined virtual path strings.
const Separator = "/"

var (
	seed = maphash.MakeSeed()
	root = &Node{}
)

// Node is an immutable position in the virtual path tree, identified by
// its name and the chain of its parents. A node without parent is the root.
//
// Equality is by value: two distinct [Node] instances for the same path
// are [Node.Equal] and share the same [Node.Key]. The hash is computed once
// at construction, the joined path string is memoized on first use.
type Node struct {
	name   string
	parent *Node
	depth  int
	hash   uint64

	pathOnce sync.Once
	path     string
}

// Root returns the root node of the virtual path tree.
func Root() *Node {
	return root
}

// Parse returns the node for a slash-separated path. Empty and "." segments
// are dropped, ".." segments move to the parent (clamped at the root).
func Parse(p string) *Node {
	n := root
	for seg := range strings.SplitSeq(p, Separator) {
		switch seg {
		case "", ".":
			continue
		case "..":
			if n.parent != nil {
				n = n.parent
			}
		default:
			n = n.Child(seg)
		}
	}

	return n
}

// Join returns the node reached by descending from n along names.
// The names are taken as-is and must already be normalized.
func (n *Node) Join(names ...string) *Node {
	for _, name := range names {
		n = n.Child(name)
	}

	return n
}

// Child returns a new node for name beneath n.
func (n *Node) Child(name string) *Node {
	var h maphash.Hash
	h.SetSeed(seed)

	var buf [8]byte
	for i := range buf {
		buf[i] = byte(n.hash >> (8 * i))
	}
	h.Write(buf[:])
	h.WriteString(name)

	return &Node{
		name:   name,
		parent: n,
		depth:  n.depth + 1,
		hash:   h.Sum64(),
	}
}

// Name returns the last path segment (empty for the root).
func (n *Node) Name() string {
	return n.name
}

// Parent returns the parent node, or nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// IsRoot reports whether n has no parent.
func (n *Node) IsRoot() bool {
	return n.parent == nil
}

// Depth is the number of segments between the root and n.
func (n *Node) Depth() int {
	return n.depth
}

// Hash returns the precomputed hash of the full parent chain.
func (n *Node) Hash() uint64 {
	return n.hash
}

// String returns the absolute, slash-separated path of n.
func (n *Node) String() string {
	n.pathOnce.Do(func() {
		if n.parent == nil {
			n.path = Separator

			return
		}
		if n.parent.parent == nil {
			n.path = Separator + n.name

			return
		}
		n.path = n.parent.String() + Separator + n.name
	})

	return n.path
}

// Key returns a comparable value identifying the path of n,
// usable as a map key across distinct instances of the same path.
func (n *Node) Key() string {
	return n.String()
}

// Equal reports whether n and o represent the same path.
func (n *Node) Equal(o *Node) bool {
	for n != o {
		if n == nil || o == nil {
			return false
		}
		if n.hash != o.hash || n.depth != o.depth || n.name != o.name {
			return false
		}
		n, o = n.parent, o.parent
	}

	return true
}

// Components returns the segments from the root down to n.
func (n *Node) Components() []string {
	comps := make([]string, n.depth)
	for c := n; c.parent != nil; c = c.parent {
		comps[c.depth-1] = c.name
	}

	return comps
}

// HasPrefix reports whether ancestor is n itself or one of its parents.
func (n *Node) HasPrefix(ancestor *Node) bool {
	if ancestor.depth > n.depth {
		return false
	}

	c := n
	for c.depth > ancestor.depth {
		c = c.parent
	}

	return c.Equal(ancestor)
}

// RelativeTo returns the segments leading from ancestor down to n.
// The boolean is false if ancestor is not a prefix of n.
func (n *Node) RelativeTo(ancestor *Node) ([]string, bool) {
	if !n.HasPrefix(ancestor) {
		return nil, false
	}

	rel := make([]string, n.depth-ancestor.depth)
	for c := n; c.depth > ancestor.depth; c = c.parent {
		rel[c.depth-ancestor.depth-1] = c.name
	}

	return rel, true
}
