package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/reaper"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var errIsDirectory = errors.New("archive is a directory")

// backing is the random access source of an indexed archive.
type backing interface {
	io.ReaderAt

	// Size returns the size of the archive.
	Size() int64

	// acquire pins the backing open until the matching release.
	acquire() error

	// release unpins the backing, so it may be closed while idle.
	release()

	// retire closes the backing for good, once no longer pinned.
	retire()
}

var (
	_ backing         = (*fileHandle)(nil)
	_ reaper.Resource = (*fileHandle)(nil)
)

// fileHandle is a reference-counted, reopenable archive file.
//
// The OS file is closed by the reaper once no reader has it pinned
// for the idle timeout, and reopened transparently on the next read.
// Once retired, it is closed with the last release and never reopened.
type fileHandle struct {
	path    string
	id      string
	size    int64
	ident   os.FileInfo
	reaper  *reaper.Reaper
	metrics *Metrics

	mu       sync.RWMutex
	f        *os.File
	refs     int
	retired  bool
	lastUsed atomic.Int64
}

// openFileHandle opens an archive file into a new [fileHandle].
func openFileHandle(path string, rp *reaper.Reaper, m *Metrics) (*fileHandle, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, nil, fmt.Errorf("failed to stat: %w", err)
	}
	if fi.IsDir() {
		_ = f.Close()

		return nil, nil, fmt.Errorf("%w: %q", errIsDirectory, path)
	}

	m.OpenArchives.Add(1)
	m.TotalOpenedArchives.Add(1)

	h := &fileHandle{
		path:    path,
		id:      path + "#" + uuid.New().String(),
		size:    fi.Size(),
		ident:   fi,
		reaper:  rp,
		metrics: m,
		f:       f,
	}
	h.touch()

	return h, fi, nil
}

func (h *fileHandle) touch() {
	h.lastUsed.Store(time.Now().UnixNano())
}

func (h *fileHandle) Size() int64 {
	return h.size
}

func (h *fileHandle) ReapID() string {
	return h.id
}

// isOpen reports whether the OS file is currently open.
func (h *fileHandle) isOpen() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.f != nil
}

func (h *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	h.touch()

	for {
		h.mu.RLock()
		if h.f != nil {
			n, err := h.f.ReadAt(p, off)
			h.mu.RUnlock()

			return n, err //nolint:wrapcheck
		}
		retired := h.retired
		h.mu.RUnlock()

		if retired {
			return 0, fmt.Errorf("%w: %q", adapter.ErrClosed, h.path)
		}
		if err := h.reopen(); err != nil {
			return 0, err
		}
	}
}

func (h *fileHandle) reopen() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f != nil || h.retired {
		return nil
	}

	f, err := os.Open(h.path)
	if err != nil {
		return fmt.Errorf("failed to reopen: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return fmt.Errorf("failed to stat on reopen: %w", err)
	}
	if !os.SameFile(h.ident, fi) || fi.Size() != h.size || !fi.ModTime().Equal(h.ident.ModTime()) {
		_ = f.Close()

		return fmt.Errorf("%w: %q", ErrModified, h.path)
	}
	h.f = f

	h.metrics.OpenArchives.Add(1)
	h.metrics.TotalOpenedArchives.Add(1)
	log.Tracef("[ARCHIVE] Reopened %q", h.path)

	return nil
}

// acquire pins the handle, reopening the OS file if it was released,
// so that the pinned content stays the same even if the path is replaced.
func (h *fileHandle) acquire() error {
	h.mu.Lock()
	h.refs++
	first := h.refs == 1
	h.mu.Unlock()

	h.touch()

	if first && h.reaper != nil {
		h.reaper.Untrack(h)
	}

	if err := h.reopen(); err != nil {
		h.release()

		return err
	}

	return nil
}

func (h *fileHandle) release() {
	h.touch()

	h.mu.Lock()
	h.refs--
	if h.refs > 0 {
		h.mu.Unlock()

		return
	}

	if h.retired || h.reaper == nil || h.reaper.Synchronous() {
		if err := h.closeLocked(); err != nil {
			log.Warnf("[ARCHIVE] Error closing %q: %v", h.path, err)
		}
		h.mu.Unlock()

		return
	}
	h.mu.Unlock()

	h.reaper.Track(h)
}

func (h *fileHandle) ReapIdle(idle time.Duration) error {
	h.mu.Lock()

	if h.refs > 0 || h.f == nil {
		h.mu.Unlock()

		return nil
	}

	if idle > 0 && time.Since(time.Unix(0, h.lastUsed.Load())) < idle {
		h.mu.Unlock()
		h.reaper.Track(h)

		return nil
	}

	defer h.mu.Unlock()

	return h.closeLocked()
}

func (h *fileHandle) retire() {
	h.mu.Lock()
	h.retired = true
	if h.refs == 0 {
		if err := h.closeLocked(); err != nil {
			log.Warnf("[ARCHIVE] Error closing %q: %v", h.path, err)
		}
	}
	h.mu.Unlock()

	if h.reaper != nil {
		h.reaper.Untrack(h)
	}
}

func (h *fileHandle) closeLocked() error {
	if h.f == nil {
		return nil
	}

	err := h.f.Close()
	h.f = nil

	h.metrics.OpenArchives.Add(-1)
	h.metrics.TotalClosedArchives.Add(1)

	if err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}

	return nil
}

var _ backing = (*memBacking)(nil)

// memBacking is an archive held entirely in memory.
type memBacking struct {
	*bytes.Reader
}

func newMemBacking(data []byte) *memBacking {
	return &memBacking{Reader: bytes.NewReader(data)}
}

func (*memBacking) acquire() error { return nil }
func (*memBacking) release()       {}
func (*memBacking) retire()        {}

var _ backing = (*sectionBacking)(nil)

// sectionBacking is an archive stored (uncompressed) within another archive.
// Pinning it pins the parent, whose owner is responsible for retiring it.
type sectionBacking struct {
	*io.SectionReader

	parent backing
}

func newSectionBacking(parent backing, off int64, n int64) *sectionBacking {
	return &sectionBacking{
		SectionReader: io.NewSectionReader(parent, off, n),
		parent:        parent,
	}
}

func (s *sectionBacking) acquire() error {
	return s.parent.acquire()
}

func (s *sectionBacking) release() {
	s.parent.release()
}

func (*sectionBacking) retire() {}
