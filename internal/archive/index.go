package archive

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
)

type entryKind int

const (
	kindDir entryKind = iota
	kindFile
	kindNested
)

// entry is a node of an [index], addressed relative to the archive root.
//
// The structural fields are immutable once the index is built,
// all lazily materialized content is guarded by mu (compute-once).
type entry struct {
	ix       *index
	name     string
	path     string
	kind     entryKind
	file     *zip.File // nil for synthesized directories
	size     int64
	mtime    time.Time
	children *btree.Map[string, *entry]

	mu      sync.Mutex
	nested  atomic.Pointer[index]
	data    atomic.Pointer[[]byte]
	local   atomic.Pointer[string]
	signers atomic.Pointer[[]Signer]
}

func (e *entry) info() *adapter.FileInfo {
	fi := &adapter.FileInfo{
		Name:    e.name,
		ModTime: e.mtime,
		IsDir:   e.kind != kindFile,
		Nested:  e.kind == kindNested,
	}
	if e.kind == kindFile {
		fi.Size = e.size
	}

	return fi
}

// index is the directory tree of one archive, nested archives have their own.
// It is immutable once built, modifications of the archive build a new one.
type index struct {
	gen  *generation
	back backing
	zr   *zip.Reader
	name string
	root *entry

	sigMu      sync.Mutex
	signatures atomic.Pointer[signatureTable]
}

func newDirEntry(ix *index, name, path string, mtime time.Time) *entry {
	return &entry{
		ix:       ix,
		name:     name,
		path:     path,
		kind:     kindDir,
		mtime:    mtime,
		children: &btree.Map[string, *entry]{},
	}
}

// splitEntryName splits the name of an archive entry into its components.
// Unsafe names (absolute or escaping the archive root) are reported as such.
func splitEntryName(name string) ([]string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return nil, false
	}

	comps := make([]string, 0, strings.Count(name, "/")+1)
	for _, c := range strings.Split(name, "/") {
		switch c {
		case "", ".":
			continue
		case "..":
			return nil, false
		default:
			comps = append(comps, c)
		}
	}

	return comps, true
}

type indexedFile struct {
	f     *zip.File
	comps []string
	isDir bool
}

// buildIndex reads the central directory of an archive into a new [index].
//
// The entries are processed ordered by depth, so that explicit directories
// precede their contents, missing directories are synthesized on demand.
// On duplicate entries, the first occurrence within the archive is kept.
func buildIndex(gen *generation, back backing, name string, mtime time.Time) (*index, error) {
	start := time.Now()
	m := gen.arc.metrics

	if err := back.acquire(); err != nil {
		return nil, err
	}
	defer back.release()

	zr, err := zip.NewReader(back, back.Size())
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("%w: %q: %w", ErrCorrupt, name, err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	ix := &index{
		gen:  gen,
		back: back,
		zr:   zr,
		name: name,
	}
	ix.root = newDirEntry(ix, "", "", mtime)

	files := make([]indexedFile, 0, len(zr.File))
	for _, f := range zr.File {
		comps, ok := splitEntryName(f.Name)
		if !ok {
			log.Debugf("[ARCHIVE] %q: Skipping unsafe entry %q", name, f.Name)

			continue
		}
		if len(comps) == 0 {
			continue
		}
		files = append(files, indexedFile{
			f:     f,
			comps: comps,
			isDir: strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir(),
		})
	}
	slices.SortStableFunc(files, func(a, b indexedFile) int {
		return cmp.Compare(len(a.comps), len(b.comps))
	})

	dirs := map[string]*entry{"": ix.root}
	suffixes := gen.arc.suffixes()

	for _, it := range files {
		parent := ix.ensureDir(dirs, it.comps[:len(it.comps)-1], mtime)
		if parent == nil {
			log.Debugf("[ARCHIVE] %q: Skipping %q (parent is not a directory)", name, it.f.Name)

			continue
		}

		base := it.comps[len(it.comps)-1]
		path := strings.Join(it.comps, "/")

		if existing, ok := parent.children.Get(base); ok {
			if it.isDir && existing.kind == kindDir && existing.file == nil {
				existing.file = it.f
				existing.mtime = it.f.Modified
			} else {
				log.Debugf("[ARCHIVE] %q: Skipping duplicate entry %q", name, it.f.Name)
			}

			continue
		}

		var e *entry
		switch {
		case it.isDir:
			e = newDirEntry(ix, base, path, it.f.Modified)
			e.file = it.f
			dirs[path] = e
		case suffixes.Match(base):
			e = &entry{ix: ix, name: base, path: path, kind: kindNested, file: it.f, mtime: it.f.Modified}
		default:
			e = &entry{ix: ix, name: base, path: path, kind: kindFile, file: it.f, mtime: it.f.Modified}
		}
		e.size = int64(it.f.UncompressedSize64) //nolint:gosec

		parent.children.Set(base, e)
	}

	m.TotalIndexCount.Add(1)
	m.TotalIndexTime.Add(time.Since(start).Nanoseconds())
	log.Debugf("[ARCHIVE] Indexed %q (%d entries) in %s", name, len(files), time.Since(start))

	return ix, nil
}

// ensureDir returns the directory for given components, synthesizing it
// (and its missing parents) if needed. It returns nil when any of the
// components is already occupied by a non-directory entry.
func (ix *index) ensureDir(dirs map[string]*entry, comps []string, mtime time.Time) *entry {
	key := strings.Join(comps, "/")
	if d, ok := dirs[key]; ok {
		return d
	}

	parent := ix.ensureDir(dirs, comps[:len(comps)-1], mtime)
	if parent == nil {
		return nil
	}

	base := comps[len(comps)-1]
	if existing, ok := parent.children.Get(base); ok {
		if existing.kind != kindDir {
			return nil
		}

		return existing
	}

	d := newDirEntry(ix, base, key, mtime)
	parent.children.Set(base, d)
	dirs[key] = d

	return d
}

// lookup walks the index along path, descending into nested archives.
// The returned entry can be of any kind, nested archives are not entered.
func (ix *index) lookup(ctx context.Context, path []string) (*entry, error) {
	e := ix.root

	for i, name := range path {
		dir, err := e.dir(ctx)
		if err != nil {
			if errors.Is(err, adapter.ErrNotDirectory) {
				return nil, fmt.Errorf("%w: %q", adapter.ErrNotExist, adapter.JoinPath(path[:i+1]))
			}

			return nil, err
		}

		child, ok := dir.children.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", adapter.ErrNotExist, adapter.JoinPath(path[:i+1]))
		}
		e = child
	}

	return e, nil
}

// dir returns the directory entry holding the children of an entry,
// which is the root of the nested index for nested archives.
func (e *entry) dir(ctx context.Context) (*entry, error) {
	switch e.kind {
	case kindDir:
		return e, nil
	case kindNested:
		nix, err := e.nestedIndex(ctx)
		if err != nil {
			return nil, err
		}

		return nix.root, nil
	default:
		return nil, fmt.Errorf("%w: %q", adapter.ErrNotDirectory, e.path)
	}
}

func (e *entry) names() []string {
	if e.children == nil {
		return []string{}
	}

	return e.children.Keys()
}
