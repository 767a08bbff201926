// Package reaper implements the reclamation of idle archive handles
// and the retrying deletion of scratch files and directories.
package reaper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
)

const (
	defaultIdleTimeout      = 5 * time.Second
	defaultScanInterval     = 1 * time.Second
	defaultShutdownAfter    = 30 * time.Second
	defaultDeleteRetryDelay = 30 * time.Second
)

// Resource is an OS-level handle which can be released while idle.
// Releasing must be transparent to its users, a later use reopens it.
type Resource interface {
	// ReapID is the unique identity of the resource.
	ReapID() string

	// ReapIdle releases the resource, unless it was used
	// again within the last idle duration or is still in use.
	ReapIdle(idle time.Duration) error
}

// Options contains all settings for the operation of the [Reaper].
type Options struct {
	// IdleTimeout is the duration a resource is kept open while unused.
	IdleTimeout time.Duration

	// ScanInterval is the interval of the background scan.
	ScanInterval time.Duration

	// ShutdownAfter is the duration of having nothing registered,
	// after which the background scan stops (until needed again).
	ShutdownAfter time.Duration

	// DeleteRetryDelay is the fixed delay between failed deletions.
	DeleteRetryDelay time.Duration

	// Synchronous releases resources as soon as they become unused,
	// instead of the background reclamation after [Options.IdleTimeout].
	Synchronous bool
}

// DefaultOptions returns [Options] with the default values.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:      defaultIdleTimeout,
		ScanInterval:     defaultScanInterval,
		ShutdownAfter:    defaultShutdownAfter,
		DeleteRetryDelay: defaultDeleteRetryDelay,
	}
}

// Metrics contains all metrics which are collected within the [Reaper].
type Metrics struct {
	// TotalReaped is the amount of resources released while idle.
	TotalReaped atomic.Int64

	// TotalReapErrors is the amount of failed releases.
	TotalReapErrors atomic.Int64

	// PendingDeletes is the amount of deletions still being retried.
	PendingDeletes atomic.Int64

	// TotalDeleteRetries is the amount of deletion retries.
	TotalDeleteRetries atomic.Int64

	// TotalScannerStarts is the amount of background scan (re-)starts.
	TotalScannerStarts atomic.Int64
}

// Reaper releases idle resources in the background, using an
// expiring cache of all resources which are currently not in use.
//
// The scan goroutine only runs while there is something registered,
// it stops after [Options.ShutdownAfter] and restarts on [Reaper.Track].
type Reaper struct {
	opts    Options
	Metrics *Metrics

	idle        *ttlcache.Cache[string, Resource]
	unsubscribe func()

	mu      sync.Mutex
	running bool
	closed  bool

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	scans  sync.WaitGroup
	tasks  sync.WaitGroup
}

// New returns a pointer to a new [Reaper].
// You must call Close() once all work is complete.
func New(opts Options) *Reaper {
	def := DefaultOptions()
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = def.ScanInterval
	}
	if opts.ShutdownAfter <= 0 {
		opts.ShutdownAfter = def.ShutdownAfter
	}
	if opts.DeleteRetryDelay <= 0 {
		opts.DeleteRetryDelay = def.DeleteRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Reaper{
		opts:    opts,
		Metrics: &Metrics{},
		ctx:     ctx,
		cancel:  cancel,
	}

	r.idle = ttlcache.New(
		ttlcache.WithTTL[string, Resource](opts.IdleTimeout),
		ttlcache.WithDisableTouchOnHit[string, Resource](),
	)
	r.unsubscribe = r.idle.OnEviction(r.evicted)

	return r
}

// Options returns the settings the [Reaper] operates with.
func (r *Reaper) Options() Options {
	return r.opts
}

// Synchronous reports whether resources are released immediately when unused.
func (r *Reaper) Synchronous() bool {
	return r.opts.Synchronous
}

// Idle returns the amount of resources waiting for their release.
func (r *Reaper) Idle() int {
	return r.idle.Len()
}

// Running reports whether the background scan is currently active.
func (r *Reaper) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.running
}

// Track registers a resource which has just become unused.
// In synchronous mode it is a no-op, the caller releases the resource.
func (r *Reaper) Track(res Resource) {
	if r.opts.Synchronous {
		return
	}

	r.idle.Set(res.ReapID(), res, ttlcache.DefaultTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running || r.closed {
		return
	}
	r.running = true
	r.Metrics.TotalScannerStarts.Add(1)

	r.scans.Add(1)
	go r.scan()
}

// Untrack removes a resource which is in use again.
func (r *Reaper) Untrack(res Resource) {
	if r.opts.Synchronous {
		return
	}

	r.idle.Delete(res.ReapID())
}

func (r *Reaper) scan() {
	defer r.scans.Done()

	ticker := time.NewTicker(r.opts.ScanInterval)
	defer ticker.Stop()

	lastBusy := time.Now()

	for {
		select {
		case <-r.ctx.Done():
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()

			return

		case <-ticker.C:
			r.idle.DeleteExpired()

			if r.idle.Len() > 0 {
				lastBusy = time.Now()

				continue
			}

			if time.Since(lastBusy) < r.opts.ShutdownAfter {
				continue
			}

			r.mu.Lock()
			if r.idle.Len() == 0 {
				r.running = false
				r.mu.Unlock()
				log.Debugf("[REAPER] Nothing registered for %s, stopping the scan", r.opts.ShutdownAfter)

				return
			}
			r.mu.Unlock()
		}
	}
}

func (r *Reaper) evicted(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Resource]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}

	res := item.Value()

	if err := res.ReapIdle(r.opts.IdleTimeout); err != nil {
		r.Metrics.TotalReapErrors.Add(1)
		log.Warnf("[REAPER] Error releasing idle %q (retrying next scan): %v", res.ReapID(), err)

		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()

		if !closed {
			r.idle.Set(res.ReapID(), res, ttlcache.DefaultTTL)
		}

		return
	}

	r.Metrics.TotalReaped.Add(1)
	log.Tracef("[REAPER] Released idle %q", res.ReapID())
}

// ScheduleDelete runs a deletion, which is retried with a fixed delay
// until it succeeds or the [Reaper] is closed. The first attempt is made
// eagerly, before returning, and its success is reported back.
func (r *Reaper) ScheduleDelete(name string, fn func() error) bool {
	err := fn()
	if err == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		log.Warnf("[REAPER] Error deleting %q (no more retries): %v", name, err)

		return false
	}

	log.Debugf("[REAPER] Error deleting %q (retrying every %s): %v", name, r.opts.DeleteRetryDelay, err)
	r.Metrics.PendingDeletes.Add(1)

	r.tasks.Go(func() {
		defer r.Metrics.PendingDeletes.Add(-1)

		// The eager attempt counts as the first, so start with its error.
		eager := err
		err := retry.Do(func() error {
			if eager != nil {
				defer func() { eager = nil }()

				return eager
			}

			return fn()
		},
			retry.UntilSucceeded(),
			retry.Delay(r.opts.DeleteRetryDelay),
			retry.DelayType(retry.FixedDelay),
			retry.Context(r.ctx),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				r.Metrics.TotalDeleteRetries.Add(1)
				log.Tracef("[REAPER] Deletion #%d of %q failed: %v", n+1, name, err)
			}),
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("[REAPER] Error deleting %q: %v", name, err)
		} else if err == nil {
			log.Tracef("[REAPER] Deleted %q", name)
		}
	})

	return false
}

// Wait blocks until all pending deletions have finished.
func (r *Reaper) Wait() {
	r.tasks.Wait()
}

// Close stops the background scan and abandons pending deletions.
// Resources still registered as idle are released immediately.
func (r *Reaper) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.scans.Wait()
	r.tasks.Wait()

	r.idle.DeleteExpired()

	var errs []error
	for _, item := range r.idle.Items() {
		if err := item.Value().ReapIdle(0); err != nil {
			errs = append(errs, err)
		}
	}
	r.idle.DeleteAll()
	r.unsubscribe()

	return errors.Join(errs...)
}
