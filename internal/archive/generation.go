package archive

import (
	"encoding/hex"
	"path/filepath"
	"sync"
	"time"

	"github.com/desertwitch/zipvfs/internal/adapter"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

const scratchNameBytes = 16

// generation is one build of an archive, from opening (or a detected
// modification) until it is replaced by the next one or the archive closes.
// It owns the resources materialized from its indexes.
type generation struct {
	arc     *archive
	seq     uint64
	root    *index
	modTime time.Time
	size    int64

	mu      sync.Mutex
	dir     string
	handles []*fileHandle
	retired bool
}

// scratchDir returns the scratch directory of the generation,
// which is only created on the first extraction.
func (g *generation) scratchDir() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retired {
		return "", adapter.ErrClosed
	}
	if g.dir != "" {
		return g.dir, nil
	}
	if g.arc.opts.Scratch == nil {
		return "", adapter.ErrNoLocalFile
	}

	dir, err := g.arc.opts.Scratch.CreateUniqueDirectory(g.arc.name)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	g.dir = dir

	return dir, nil
}

// adopt ties the lifetime of a nested archive handle to the generation.
// A handle adopted after the retirement is retired immediately.
func (g *generation) adopt(h *fileHandle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retired {
		h.retire()

		return false
	}
	g.handles = append(g.handles, h)

	return true
}

// retire closes all handles once no longer in use, and removes
// all extracted content. Readers which are still open continue
// reading from their (now unlinked) files until they are closed.
func (g *generation) retire() {
	g.mu.Lock()
	if g.retired {
		g.mu.Unlock()

		return
	}
	g.retired = true
	handles, dir := g.handles, g.dir
	g.handles = nil
	g.mu.Unlock()

	g.root.back.retire()
	for _, h := range handles {
		h.retire()
	}

	if dir != "" && !g.arc.opts.Scratch.DeleteRecursively(dir) {
		log.Debugf("[ARCHIVE] Scratch of %q not removed right away: %q", g.arc.name, dir)
	}
}

// scratchName returns the unique file name of extracted entry content,
// which is the digest of the archive chain and path of the entry.
func scratchName(e *entry) string {
	h := blake3.New()
	_, _ = h.WriteString(e.ix.name)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(e.path)

	sum := h.Sum(nil)

	return hex.EncodeToString(sum[:scratchNameBytes]) + filepath.Ext(e.name)
}
