// Package archive implements a read-only filesystem over zip archives
// (jar, war, ...), presenting nested archives as directories.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertwitch/zipvfs/internal/adapter"
	log "github.com/sirupsen/logrus"
)

var _ adapter.FileSystem = (*Archive)(nil)

// Archive is an [adapter.FileSystem] over the contents of a zip archive.
//
// The index of the archive is built once when opening, nested archives are
// indexed on their first access. Archive files are checked for modifications
// (at most once per [Options.ModCheckInterval]) and indexed anew on change,
// while readers opened before the change continue to read the old content.
type Archive struct {
	*archive

	cleanup runtime.Cleanup
	tracked bool
}

// archive is the state of an [Archive], kept apart so that
// the leak detection can still close it once unreachable.
type archive struct {
	name    string
	src     Source
	opts    *Options
	metrics *Metrics
	stack   []byte

	current   atomic.Pointer[generation]
	seq       atomic.Uint64
	lastCheck atomic.Int64

	mu     sync.Mutex // serializes rebuilds with closing
	closed atomic.Bool
}

// Open returns a pointer to a new [Archive] for src, with default
// [Options] if opts is nil. You must call Close() once all work is complete.
func Open(ctx context.Context, src Source, opts *Options) (*Archive, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NestedMode == NestedCopy && opts.Scratch == nil {
		return nil, fmt.Errorf("%w: need a scratch space for copy mode", errMissingArgument)
	}

	m := opts.Metrics
	if m == nil {
		m = &Metrics{}
	}

	arc := &archive{
		name:    src.Name(),
		src:     src,
		opts:    opts,
		metrics: m,
	}

	gen, err := arc.openGeneration(ctx)
	if err != nil {
		return nil, err
	}
	arc.current.Store(gen)
	arc.lastCheck.Store(time.Now().UnixNano())

	a := &Archive{archive: arc}
	if opts.LeakDetection {
		arc.stack = debug.Stack()
		a.cleanup = runtime.AddCleanup(a, leakedArchive, arc)
		a.tracked = true
	}

	log.Debugf("[ARCHIVE] Opened %q (nested mode: %s)", arc.name, opts.NestedMode)

	return a, nil
}

// leakedArchive runs when an open [Archive] became unreachable.
func leakedArchive(arc *archive) {
	if arc.closed.Load() {
		return
	}

	log.Warnf("[ARCHIVE] Leaked archive %q (force-closing), opened at:\n%s", arc.name, arc.stack)
	arc.close()
}

// Close releases the archive and removes all extracted content.
// Readers which are still open remain usable until they are closed.
func (a *Archive) Close() error {
	if a.tracked {
		a.cleanup.Stop()
	}
	a.close()

	return nil
}

func (arc *archive) close() {
	if !arc.closed.CompareAndSwap(false, true) {
		return
	}

	arc.mu.Lock()
	defer arc.mu.Unlock()

	if gen := arc.current.Load(); gen != nil {
		gen.retire()
	}

	log.Debugf("[ARCHIVE] Closed %q", arc.name)
}

func (arc *archive) suffixes() *SuffixRegistry {
	if arc.opts.Suffixes != nil {
		return arc.opts.Suffixes
	}

	return Suffixes
}

// openGeneration opens the source and builds a new [generation].
func (arc *archive) openGeneration(_ context.Context) (*generation, error) {
	gen := &generation{
		arc: arc,
		seq: arc.seq.Add(1),
	}

	var back backing

	if arc.src.IsFile() {
		h, fi, err := openFileHandle(arc.src.Path(), arc.opts.Reaper, arc.metrics)
		if err != nil {
			return nil, err
		}
		gen.modTime = fi.ModTime()
		gen.size = fi.Size()
		back = h
	} else {
		gen.modTime = arc.src.modTime
		gen.size = int64(len(arc.src.data))
		back = newMemBacking(arc.src.data)
	}

	root, err := buildIndex(gen, back, arc.name, gen.modTime)
	if err != nil {
		back.retire()

		return nil, err
	}
	gen.root = root

	return gen, nil
}

// Name returns the file name of the archive.
func (arc *archive) Name() string {
	return arc.name
}

// Source returns the [Source] the archive was opened from.
func (arc *archive) Source() Source {
	return arc.src
}

// Options returns the [Options] the archive operates with.
func (arc *archive) Options() *Options {
	return arc.opts
}

// Metrics returns the [Metrics] the archive collects into.
func (arc *archive) Metrics() *Metrics {
	return arc.metrics
}

// Generation returns the sequence number of the current index,
// which is increased with every rebuild after a modification.
func (arc *archive) Generation() uint64 {
	return arc.current.Load().seq
}

// HasBeenModified checks the archive file for a modification, skipping the
// check if the last one happened within [Options.ModCheckInterval]. On a
// modification the index is built anew, replacing the current one.
func (arc *archive) HasBeenModified(ctx context.Context) (bool, error) {
	if arc.closed.Load() {
		return false, adapter.ErrClosed
	}
	if !arc.src.IsFile() {
		return false, nil
	}

	now := time.Now().UnixNano()
	last := arc.lastCheck.Load()
	if now-last < int64(arc.opts.ModCheckInterval) || !arc.lastCheck.CompareAndSwap(last, now) {
		return false, nil
	}

	gen := arc.current.Load()

	fi, err := os.Stat(arc.src.Path())
	if err != nil {
		return false, fmt.Errorf("failed to stat: %w", err)
	}
	if fi.ModTime().Equal(gen.modTime) && fi.Size() == gen.size {
		return false, nil
	}

	if err := arc.rebuild(ctx, gen); err != nil {
		return true, err
	}

	return true, nil
}

// rebuild replaces the generation old with a newly built one,
// unless another rebuild (or closing) has happened in the meantime.
func (arc *archive) rebuild(ctx context.Context, old *generation) error {
	arc.mu.Lock()
	defer arc.mu.Unlock()

	if arc.closed.Load() {
		return adapter.ErrClosed
	}
	if arc.current.Load() != old {
		return nil
	}

	gen, err := arc.openGeneration(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild %q: %w", arc.name, err)
	}
	arc.current.Store(gen)
	old.retire()

	arc.metrics.TotalReindexCount.Add(1)
	log.Debugf("[ARCHIVE] Rebuilt %q after modification (generation %d)", arc.name, gen.seq)

	return nil
}

// index returns the current root index, rebuilding it first if modified.
func (arc *archive) index(ctx context.Context) (*index, error) {
	if arc.closed.Load() {
		return nil, adapter.ErrClosed
	}

	if _, err := arc.HasBeenModified(ctx); err != nil {
		log.Warnf("[ARCHIVE] Error checking %q for modifications: %v", arc.name, err)
	}

	return arc.current.Load().root, nil
}

// recheck lifts the debounce of [archive.HasBeenModified], so that the
// next lookup rebuilds a file found to have changed underneath a handle.
func (arc *archive) recheck() bool {
	if !arc.src.IsFile() {
		return false
	}
	arc.lastCheck.Store(0)

	return true
}

func (arc *archive) lookup(ctx context.Context, path []string) (*entry, error) {
	ix, err := arc.index(ctx)
	if err != nil {
		return nil, err
	}

	return ix.lookup(ctx, path)
}

func (*archive) Kind() adapter.Kind {
	return adapter.KindArchive
}

func (*archive) ReadOnly() bool {
	return true
}

func (arc *archive) Stat(ctx context.Context, path []string) (*adapter.FileInfo, error) {
	e, err := arc.lookup(ctx, path)
	if err != nil {
		return nil, err
	}

	return e.info(), nil
}

func (arc *archive) Open(ctx context.Context, path []string) (io.ReadCloser, error) {
	rc, err := arc.open(ctx, path)
	if errors.Is(err, ErrModified) && arc.recheck() {
		rc, err = arc.open(ctx, path)
	}

	return rc, err
}

func (arc *archive) open(ctx context.Context, path []string) (io.ReadCloser, error) {
	e, err := arc.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if e.kind != kindFile {
		return nil, fmt.Errorf("%w: %q", adapter.ErrNotFile, adapter.JoinPath(path))
	}

	return e.open(ctx)
}

func (arc *archive) LocalFile(ctx context.Context, path []string) (string, error) {
	name, err := arc.localFile(ctx, path)
	if errors.Is(err, ErrModified) && arc.recheck() {
		name, err = arc.localFile(ctx, path)
	}

	return name, err
}

func (arc *archive) localFile(ctx context.Context, path []string) (string, error) {
	e, err := arc.lookup(ctx, path)
	if err != nil {
		return "", err
	}
	if e.kind != kindFile {
		return "", fmt.Errorf("%w: %q", adapter.ErrNotFile, adapter.JoinPath(path))
	}

	return e.localFile(ctx)
}

func (arc *archive) List(ctx context.Context, path []string) ([]string, error) {
	e, err := arc.lookup(ctx, path)
	if err != nil {
		return nil, err
	}

	dir, err := e.dir(ctx)
	if err != nil {
		return nil, err
	}

	return dir.names(), nil
}

func (*archive) Delete(_ context.Context, path []string) (bool, error) {
	return false, fmt.Errorf("%w: %q", adapter.ErrReadOnly, adapter.JoinPath(path))
}

// Signers returns the signers of a signed archive covering a file,
// which is empty for unsigned files. Nested archives have their own.
func (arc *archive) Signers(ctx context.Context, path []string) ([]Signer, error) {
	e, err := arc.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if e.kind != kindFile {
		return nil, fmt.Errorf("%w: %q", adapter.ErrNotFile, adapter.JoinPath(path))
	}

	return e.signersOf(ctx)
}

// ExtractTo writes the tree below a directory (or nested archive) into dst.
// Nested archives are written as directories of their contents.
func (arc *archive) ExtractTo(ctx context.Context, path []string, dst string) error {
	e, err := arc.lookup(ctx, path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dst, 0o755); err != nil { //nolint:mnd
		return fmt.Errorf("failed to create %q: %w", dst, err)
	}

	return e.extractTree(ctx, dst)
}

// OpenEntryStream returns an [adapter.EntryStream] of the tree below
// a directory (or nested archive). Every call starts a new enumeration.
func (a *Archive) OpenEntryStream(ctx context.Context, path []string) (*adapter.EntryStream, error) {
	e, err := a.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if e.kind == kindFile {
		return nil, fmt.Errorf("%w: %q", adapter.ErrNotDirectory, adapter.JoinPath(path))
	}

	return adapter.NewEntryStream(ctx, a, path) //nolint:wrapcheck
}

// OpenZipStream returns the tree below a directory (or nested archive)
// as the bytes of a newly written zip archive.
func (a *Archive) OpenZipStream(ctx context.Context, path []string) (io.ReadCloser, error) {
	s, err := a.OpenEntryStream(ctx, path)
	if err != nil {
		return nil, err
	}

	return adapter.ZipStream(s), nil
}
