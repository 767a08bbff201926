package archive

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/desertwitch/zipvfs/internal/reaper"
	"github.com/desertwitch/zipvfs/internal/scratch"
)

const (
	defaultNestedMode           = NestedNoCopy
	defaultModCheckInterval     = 1 * time.Second
	defaultMemoryCacheThreshold = 1 * 1024 * 1024 // 1MiB
	defaultMustCRC32            = false
)

var (
	errMissingArgument = errors.New("missing argument")

	// ErrCorrupt is returned when an archive cannot be indexed.
	ErrCorrupt = errors.New("corrupt archive")

	// ErrModified is returned when a closed archive file no longer
	// matches the file it was indexed from once it is reopened.
	ErrModified = errors.New("archive modified since indexing")
)

// NestedMode selects how archives contained in archives are materialized.
type NestedMode int

const (
	// NestedNoCopy reads stored nested archives in place from the parent
	// and inflates compressed nested archives into memory.
	NestedNoCopy NestedMode = iota

	// NestedCopy extracts nested archives into scratch files,
	// which are then opened as independent archive handles.
	NestedCopy
)

func (m NestedMode) String() string {
	switch m {
	case NestedNoCopy:
		return "no-copy"
	case NestedCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// Options contains all settings for the operation of an [Archive].
// All non-atomic fields can no longer be modified at runtime (once opened).
type Options struct {
	// NestedMode controls the materialization of nested archives.
	// [NestedCopy] requires a [Options.Scratch] space.
	NestedMode NestedMode

	// ModCheckInterval is the minimum time between two checks of the
	// archive file for modifications, any calls in between are skipped.
	ModCheckInterval time.Duration

	// Reaper releases archive file handles once idle. If nil, a handle
	// is closed as soon as it is no longer in use by any reader.
	Reaper *reaper.Reaper

	// Scratch is where extracted content is materialized.
	// If nil, local files cannot be provided for archive entries.
	Scratch scratch.Space

	// Suffixes decides which entries are nested archives.
	// If nil, the process-wide [Suffixes] registry is used.
	Suffixes *SuffixRegistry

	// Metrics receives the metrics of the archive (and its nested archives).
	// If nil, the archive collects into its own [Metrics].
	Metrics *Metrics

	// LeakDetection warns about (and closes) archives which are no longer
	// reachable without having been closed, including where they were opened.
	LeakDetection bool

	// MemoryCacheThreshold is the size up to which entries are kept in
	// memory once they were read, so they are only extracted once.
	// Zero disables the caching of entries in memory.
	MemoryCacheThreshold atomic.Int64

	// MustCRC32 controls if archive-contained uncompressed files must still
	// run through the integrity verification algorithm (CRC32), which is slower.
	MustCRC32 atomic.Bool
}

// DefaultOptions returns a pointer to [Options] with the default values.
func DefaultOptions() *Options {
	opts := &Options{
		NestedMode:       defaultNestedMode,
		ModCheckInterval: defaultModCheckInterval,
	}
	opts.MemoryCacheThreshold.Store(defaultMemoryCacheThreshold)
	opts.MustCRC32.Store(defaultMustCRC32)

	return opts
}

// Metrics contains all metrics which are collected within archives.
type Metrics struct {
	// OpenArchives is the amount of currently open archive files.
	OpenArchives atomic.Int64

	// TotalOpenedArchives is the amount of opened (and reopened) archive files.
	TotalOpenedArchives atomic.Int64

	// TotalClosedArchives is the amount of closed archive files.
	TotalClosedArchives atomic.Int64

	// TotalIndexCount is the amount of built indexes (nested included).
	TotalIndexCount atomic.Int64

	// TotalIndexTime is time spent building indexes.
	TotalIndexTime atomic.Int64

	// TotalReindexCount is the amount of rebuilds after modifications.
	TotalReindexCount atomic.Int64

	// TotalNestedCount is the amount of materialized nested archives.
	TotalNestedCount atomic.Int64

	// TotalExtractTime is time spent extracting data from archives.
	TotalExtractTime atomic.Int64

	// TotalExtractCount is the amount of extractions from archives.
	TotalExtractCount atomic.Int64

	// TotalExtractBytes is the amount of bytes extracted from archives.
	TotalExtractBytes atomic.Int64

	// TotalMemoryCacheHits is the amount of reads served from memory.
	TotalMemoryCacheHits atomic.Int64
}
