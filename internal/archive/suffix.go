package archive

import (
	"slices"
	"strings"
	"sync/atomic"
)

var defaultSuffixes = []string{".zip", ".jar", ".ear", ".war", ".rar", ".sar", ".har", ".aop"}

// Suffixes is the process-wide registry of nested archive suffixes.
var Suffixes = NewSuffixRegistry(defaultSuffixes...)

// SuffixRegistry is a set of file name suffixes identifying archives.
//
// It can be modified at any time, changes become visible to
// archives at the next materialization of a directory index.
type SuffixRegistry struct {
	set atomic.Pointer[[]string]
}

// NewSuffixRegistry returns a pointer to a new [SuffixRegistry].
func NewSuffixRegistry(suffixes ...string) *SuffixRegistry {
	r := &SuffixRegistry{}
	r.Replace(suffixes...)

	return r
}

// normalizeSuffix returns the lowercase form of a suffix with a leading dot.
func normalizeSuffix(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "." {
		return ""
	}
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}

	return s
}

func normalizeSuffixes(suffixes []string) []string {
	out := make([]string, 0, len(suffixes))

	for _, s := range suffixes {
		if s = normalizeSuffix(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)

	return slices.Compact(out)
}

func (r *SuffixRegistry) update(fn func(cur []string) []string) {
	for {
		old := r.set.Load()

		var cur []string
		if old != nil {
			cur = *old
		}

		next := normalizeSuffixes(fn(slices.Clone(cur)))
		if r.set.CompareAndSwap(old, &next) {
			return
		}
	}
}

// List returns the sorted suffixes of the registry.
func (r *SuffixRegistry) List() []string {
	if p := r.set.Load(); p != nil {
		return slices.Clone(*p)
	}

	return []string{}
}

// Add adds suffixes to the registry.
func (r *SuffixRegistry) Add(suffixes ...string) {
	r.update(func(cur []string) []string {
		return append(cur, suffixes...)
	})
}

// Remove removes suffixes from the registry.
func (r *SuffixRegistry) Remove(suffixes ...string) {
	remove := normalizeSuffixes(suffixes)

	r.update(func(cur []string) []string {
		return slices.DeleteFunc(cur, func(s string) bool {
			_, found := slices.BinarySearch(remove, s)

			return found
		})
	})
}

// Replace replaces all suffixes of the registry.
func (r *SuffixRegistry) Replace(suffixes ...string) {
	r.update(func([]string) []string {
		return slices.Clone(suffixes)
	})
}

// Clear removes all suffixes, so no nested archives are detected.
func (r *SuffixRegistry) Clear() {
	r.Replace()
}

// Reset restores the default suffixes.
func (r *SuffixRegistry) Reset() {
	r.Replace(defaultSuffixes...)
}

// Match reports whether a file name carries one of the suffixes.
// The comparison is case-insensitive, a bare suffix does not match.
func (r *SuffixRegistry) Match(name string) bool {
	p := r.set.Load()
	if p == nil {
		return false
	}

	name = strings.ToLower(name)
	for _, s := range *p {
		if len(name) > len(s) && strings.HasSuffix(name, s) {
			return true
		}
	}

	return false
}
