// Package scratch implements disposable directories for extracted content.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/desertwitch/zipvfs/internal/reaper"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	rootPrefix = "zipvfs-"
	lockName   = ".lock"
	dirPerm    = 0o700
	maxHintLen = 64
)

var (
	errLocked  = errors.New("scratch root is locked by another owner")
	errOutside = errors.New("path is outside of the scratch root")
	errClosed  = errors.New("scratch space is closed")
)

// Space allocates uniquely named, disposable directories.
type Space interface {
	// CreateUniqueDirectory creates a new directory, named after hint.
	CreateUniqueDirectory(hint string) (string, error)

	// DeleteRecursively removes a directory with all its contents.
	// It does not fail, but reports if the removal succeeded right away.
	DeleteRecursively(dir string) bool
}

var _ Space = (*Dir)(nil)

// Dir is a [Space] beneath a root directory owned by this process.
//
// The ownership is held through a lock file within the root directory,
// so that [SweepStale] can tell the roots of exited processes apart.
type Dir struct {
	root   string
	lock   *flock.Flock
	reaper *reaper.Reaper

	mu     sync.Mutex
	closed bool
}

// New returns a pointer to a new [Dir] beneath base (the OS temporary
// directory if empty). Failed removals are retried by rp, if not nil.
// You must call Close() once all work is complete.
func New(base string, rp *reaper.Reaper) (*Dir, error) {
	if base == "" {
		base = os.TempDir()
	}

	root := filepath.Join(base, rootPrefix+uuid.New().String())
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create scratch root: %w", err)
	}

	lock := flock.New(filepath.Join(root, lockName))

	locked, err := lock.TryLock()
	if err != nil {
		_ = os.RemoveAll(root)

		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		_ = os.RemoveAll(root)

		return nil, fmt.Errorf("%w: %q", errLocked, root)
	}

	log.Debugf("[SCRATCH] Created scratch root %q", root)

	return &Dir{
		root:   root,
		lock:   lock,
		reaper: rp,
	}, nil
}

// Root returns the root directory of the [Dir].
func (d *Dir) Root() string {
	return d.root
}

// sanitizeHint turns a hint into a safe directory name component.
func sanitizeHint(hint string) string {
	hint = filepath.Base(filepath.ToSlash(hint))

	hint = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		default:
			return r
		}
	}, hint)

	hint = strings.TrimLeft(hint, ".")
	if len(hint) > maxHintLen {
		hint = hint[:maxHintLen]
	}
	if hint == "" {
		hint = "dir"
	}

	return hint
}

func (d *Dir) CreateUniqueDirectory(hint string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", errClosed
	}

	dir := filepath.Join(d.root, sanitizeHint(hint)+"-"+uuid.New().String())
	if err := os.Mkdir(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}

	return dir, nil
}

func (d *Dir) DeleteRecursively(dir string) bool {
	rel, err := filepath.Rel(d.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		log.Warnf("[SCRATCH] Refusing to delete %q: %v", dir, errOutside)

		return false
	}

	return d.remove(dir)
}

func (d *Dir) remove(dir string) bool {
	fn := func() error {
		return os.RemoveAll(dir) //nolint:wrapcheck
	}

	if d.reaper != nil {
		return d.reaper.ScheduleDelete(dir, fn)
	}

	if err := fn(); err != nil {
		log.Warnf("[SCRATCH] Error deleting %q: %v", dir, err)

		return false
	}

	return true
}

// Close releases the ownership and removes the root directory.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	if cerr := d.lock.Close(); cerr != nil {
		err = fmt.Errorf("failed to release lock: %w", cerr)
	}

	if !d.remove(d.root) {
		log.Debugf("[SCRATCH] Scratch root %q not removed right away", d.root)
	}

	return err
}

// SweepStale removes the scratch roots beneath base (the OS temporary
// directory if empty) which were left behind by exited processes.
// It is best-effort and only considers the top level, errors are ignored.
// It returns the amount of removed roots.
func SweepStale(base string) int {
	if base == "" {
		base = os.TempDir()
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return 0
	}

	removed := 0

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), rootPrefix) {
			continue
		}

		root := filepath.Join(base, e.Name())
		if sweepRoot(root) {
			removed++
		}
	}

	if removed > 0 {
		log.Debugf("[SCRATCH] Swept %d stale scratch roots from %q", removed, base)
	}

	return removed
}

func sweepRoot(root string) bool {
	lock := flock.New(filepath.Join(root, lockName))
	defer lock.Close()

	locked, err := lock.TryLock()
	if err != nil || !locked {
		return false
	}

	return os.RemoveAll(root) == nil
}
