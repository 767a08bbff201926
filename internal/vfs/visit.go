package vfs

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/vpath"
	gitignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// SkipDir can be returned by a [VisitFunc]. For a directory its contents are
// skipped, for a file the remaining entries of the containing directory.
var SkipDir = fs.SkipDir //nolint:errname

// VisitFunc is called for every visited [File]. Returning an error other
// than [SkipDir] stops the visit and is returned by it.
type VisitFunc func(f *File, fi *adapter.FileInfo) error

// VisitOptions controls which entries a visit reaches.
type VisitOptions struct {
	// IncludeRoot also visits the starting point itself.
	IncludeRoot bool

	// LeavesOnly visits files (and not directories).
	LeavesOnly bool

	// Recurse decides per directory whether to descend into it (all if nil).
	Recurse func(f *File, fi *adapter.FileInfo) bool

	// IgnoreErrors skips entries which fail to stat or list,
	// instead of stopping the visit.
	IgnoreErrors bool

	// IncludeHidden also visits entries whose name begins with a dot.
	IncludeHidden bool

	// Exclude are patterns in gitignore syntax, matched against the
	// paths relative to the starting point. Excluded directories
	// are not descended into.
	Exclude []string
}

// Visit walks the tree at path depth-first in lexical order, see [File.Visit].
func (v *VFS) Visit(ctx context.Context, path string, fn VisitFunc, opts VisitOptions) error {
	return v.Resolve(path).Visit(ctx, fn, opts)
}

// Visit walks the tree below the [File] depth-first in lexical order,
// calling fn for every entry matching opts. Mount points are crossed.
func (f *File) Visit(ctx context.Context, fn VisitFunc, opts VisitOptions) error {
	fi, err := f.Stat(ctx)
	if err != nil {
		return err
	}

	w := &walker{fn: fn, opts: opts, root: f.node}
	if len(opts.Exclude) > 0 {
		w.exclude = gitignore.CompileIgnoreLines(opts.Exclude...)
	}

	if !fi.IsDir {
		if !opts.IncludeRoot {
			return nil
		}

		return skipped(fn(f, fi))
	}

	if opts.IncludeRoot && !opts.LeavesOnly {
		if err := fn(f, fi); err != nil {
			return skipped(err)
		}
	}

	return w.walk(ctx, f)
}

func skipped(err error) error {
	if errors.Is(err, SkipDir) {
		return nil
	}

	return err
}

type walker struct {
	fn      VisitFunc
	opts    VisitOptions
	root    *vpath.Node
	exclude *gitignore.GitIgnore
}

func (w *walker) excluded(f *File, fi *adapter.FileInfo) bool {
	if w.exclude == nil {
		return false
	}

	rel, _ := f.node.RelativeTo(w.root)
	p := strings.Join(rel, "/")
	if fi.IsDir {
		p += "/"
	}

	return w.exclude.MatchesPath(p)
}

func (w *walker) walk(ctx context.Context, dir *File) error {
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck
	}

	children, err := dir.Children(ctx)
	if err != nil {
		if w.opts.IgnoreErrors {
			log.Debugf("[VFS] Skipping unlistable %q: %v", dir.node, err)

			return nil
		}

		return err
	}

	for _, c := range children {
		if !w.opts.IncludeHidden && strings.HasPrefix(c.Name(), ".") {
			continue
		}

		fi, err := c.Stat(ctx)
		if err != nil {
			if w.opts.IgnoreErrors {
				log.Debugf("[VFS] Skipping unreadable %q: %v", c.node, err)

				continue
			}

			return err
		}

		if w.excluded(c, fi) {
			continue
		}

		if !fi.IsDir {
			if err := w.fn(c, fi); err != nil {
				return skipped(err)
			}

			continue
		}

		if !w.opts.LeavesOnly {
			if err := w.fn(c, fi); err != nil {
				if errors.Is(err, SkipDir) {
					continue
				}

				return err
			}
		}

		if w.opts.Recurse != nil && !w.opts.Recurse(c, fi) {
			continue
		}

		if err := w.walk(ctx, c); err != nil {
			return err
		}
	}

	return nil
}
