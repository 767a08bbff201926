package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"
)

var _ io.ReadCloser = (*entryReader)(nil)

// entryReader is a metrics-aware reader of the content of an entry.
// It keeps the backing of the archive pinned open until closed.
type entryReader struct {
	r       io.Reader
	back    backing
	metrics *Metrics
	start   time.Time
	n       int64
	once    sync.Once
}

func (er *entryReader) Read(p []byte) (int, error) {
	n, err := er.r.Read(p)
	er.n += int64(n)

	return n, err //nolint:wrapcheck
}

func (er *entryReader) Close() error {
	var err error

	er.once.Do(func() {
		if closer, ok := er.r.(io.Closer); ok {
			err = closer.Close()
		}
		er.back.release()

		er.metrics.TotalExtractTime.Add(time.Since(er.start).Nanoseconds())
		er.metrics.TotalExtractCount.Add(1)
		er.metrics.TotalExtractBytes.Add(er.n)
	})

	return err //nolint:wrapcheck
}

// ctxReader fails reading once its context is done.
type ctxReader struct {
	ctx context.Context //nolint:containedctx
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err //nolint:wrapcheck
	}

	return cr.r.Read(p) //nolint:wrapcheck
}

// openEntry opens the content of an entry from the archive.
// Uncompressed entries are read as is, unless CRC32 verification is forced.
func (ix *index) openEntry(e *entry) (io.ReadCloser, error) {
	if err := ix.back.acquire(); err != nil {
		return nil, err
	}

	var r io.Reader
	var err error

	if e.file.Method == zip.Store && !ix.gen.arc.opts.MustCRC32.Load() {
		r, err = e.file.OpenRaw()
	} else {
		r, err = e.file.Open()
	}
	if err != nil {
		ix.back.release()

		return nil, fmt.Errorf("failed to open %q: %w", e.path, err)
	}

	return &entryReader{
		r:       r,
		back:    ix.back,
		metrics: ix.gen.arc.metrics,
		start:   time.Now(),
	}, nil
}

// open returns a reader of the content of a file entry, which is
// served from memory when the entry is within the memory threshold.
func (e *entry) open(ctx context.Context) (io.ReadCloser, error) {
	m := e.ix.gen.arc.metrics

	if p := e.data.Load(); p != nil {
		m.TotalMemoryCacheHits.Add(1)

		return io.NopCloser(bytes.NewReader(*p)), nil
	}

	threshold := e.ix.gen.arc.opts.MemoryCacheThreshold.Load()
	if threshold > 0 && e.size <= threshold {
		data, err := e.cachedData(ctx)
		if err != nil {
			return nil, err
		}

		return io.NopCloser(bytes.NewReader(data)), nil
	}

	return e.ix.openEntry(e)
}

// cachedData reads the content of an entry into memory once,
// concurrent first reads wait for the one doing the extraction.
func (e *entry) cachedData(ctx context.Context) ([]byte, error) {
	if p := e.data.Load(); p != nil {
		e.ix.gen.arc.metrics.TotalMemoryCacheHits.Add(1)

		return *p, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p := e.data.Load(); p != nil {
		e.ix.gen.arc.metrics.TotalMemoryCacheHits.Add(1)

		return *p, nil
	}

	data, err := e.readAll(ctx)
	if err != nil {
		return nil, err
	}
	e.data.Store(&data)

	return data, nil
}

func (e *entry) readAll(ctx context.Context) ([]byte, error) {
	rc, err := e.ix.openEntry(e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := bytes.NewBuffer(make([]byte, 0, e.size))
	if _, err := io.Copy(buf, ctxReader{ctx: ctx, r: rc}); err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", e.path, err)
	}

	return buf.Bytes(), nil
}

// extract writes the content of an entry into the scratch directory
// of its generation and returns the path of the written file.
func (e *entry) extract(ctx context.Context) (string, error) {
	dir, err := e.ix.gen.scratchDir()
	if err != nil {
		return "", err
	}

	rc, err := e.ix.openEntry(e)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dst := filepath.Join(dir, scratchName(e))

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:mnd
	if err != nil {
		return "", fmt.Errorf("failed to create %q: %w", dst, err)
	}

	_, err = io.Copy(f, ctxReader{ctx: ctx, r: rc})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)

		return "", fmt.Errorf("failed to extract %q: %w", e.path, err)
	}

	if err := os.Chtimes(dst, e.mtime, e.mtime); err != nil {
		log.Debugf("[ARCHIVE] Error setting times of %q: %v", dst, err)
	}

	return dst, nil
}

// discardScratch removes an extracted file which is not going to be
// used, so that a later extraction of the same entry can succeed.
func discardScratch(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("[ARCHIVE] Error removing %q: %v", path, err)
	}
}

// localFile extracts a file entry once and returns the extracted path
// for all later calls, concurrent first calls wait for the extraction.
func (e *entry) localFile(ctx context.Context) (string, error) {
	if p := e.local.Load(); p != nil {
		return *p, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p := e.local.Load(); p != nil {
		return *p, nil
	}

	path, err := e.extract(ctx)
	if err != nil {
		return "", err
	}
	e.local.Store(&path)

	return path, nil
}

// nestedIndex returns the index of a nested archive, building it once.
func (e *entry) nestedIndex(ctx context.Context) (*index, error) {
	if nix := e.nested.Load(); nix != nil {
		return nix, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if nix := e.nested.Load(); nix != nil {
		return nix, nil
	}

	back, err := e.nestedBacking(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize nested %q: %w", e.path, err)
	}

	nix, err := buildIndex(e.ix.gen, back, e.ix.name+"/"+e.path, e.mtime)
	if err != nil {
		back.retire()
		if h, ok := back.(*fileHandle); ok {
			discardScratch(h.path)
		}

		return nil, err
	}
	e.nested.Store(nix)
	e.ix.gen.arc.metrics.TotalNestedCount.Add(1)

	return nix, nil
}

// nestedBacking materializes the content of a nested archive as
// configured: a scratch file in copy mode, otherwise either a section of
// the parent (when stored uncompressed) or the inflated bytes in memory.
func (e *entry) nestedBacking(ctx context.Context) (backing, error) {
	arc := e.ix.gen.arc

	if arc.opts.NestedMode == NestedCopy {
		path, err := e.extract(ctx)
		if err != nil {
			return nil, err
		}

		h, _, err := openFileHandle(path, arc.opts.Reaper, arc.metrics)
		if err != nil {
			discardScratch(path)

			return nil, err
		}
		if !e.ix.gen.adopt(h) {
			discardScratch(path)

			return nil, adapter.ErrClosed
		}

		return h, nil
	}

	if e.file.Method == zip.Store && !arc.opts.MustCRC32.Load() {
		off, err := e.file.DataOffset()
		if err != nil {
			return nil, fmt.Errorf("failed to locate data: %w", err)
		}

		return newSectionBacking(e.ix.back, off, int64(e.file.CompressedSize64)), nil //nolint:gosec
	}

	data, err := e.readAll(ctx)
	if err != nil {
		return nil, err
	}

	return newMemBacking(data), nil
}

// extractTree writes the tree below a directory entry into dst,
// nested archives are written as directories of their contents.
func (e *entry) extractTree(ctx context.Context, dst string) error {
	dir, err := e.dir(ctx)
	if err != nil {
		return err
	}

	var errs []error
	dir.children.Scan(func(name string, child *entry) bool {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)

			return false
		}

		target := filepath.Join(dst, name)

		if child.kind == kindFile {
			if err := child.writeFile(ctx, target); err != nil {
				errs = append(errs, err)
			}

			return true
		}

		if err := os.MkdirAll(target, 0o755); err != nil { //nolint:mnd
			errs = append(errs, fmt.Errorf("failed to create %q: %w", target, err))

			return true
		}
		if err := child.extractTree(ctx, target); err != nil {
			errs = append(errs, err)
		}
		_ = os.Chtimes(target, child.mtime, child.mtime)

		return true
	})

	return errors.Join(errs...)
}

func (e *entry) writeFile(ctx context.Context, dst string) error {
	rc, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:mnd
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", dst, err)
	}

	_, err = io.Copy(f, ctxReader{ctx: ctx, r: rc})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", dst, err)
	}

	_ = os.Chtimes(dst, e.mtime, e.mtime)

	return nil
}
