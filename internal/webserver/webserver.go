// Package webserver implements the diagnostics server.
package webserver

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/desertwitch/zipvfs/assets"
	"github.com/desertwitch/zipvfs/internal/archive"
	"github.com/desertwitch/zipvfs/internal/fusefs"
	"github.com/desertwitch/zipvfs/internal/logging"
	"github.com/desertwitch/zipvfs/internal/vfs"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
)

var (
	//go:embed templates/*.html
	templateFS    embed.FS
	indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

	// errInvalidArgument is for an invalid constructor argument.
	errInvalidArgument = errors.New("invalid argument")
)

// FSDashboard is the implementation of the filesystem dashboard.
type FSDashboard struct {
	version string
	vfs     *vfs.VFS
	fsys    *fusefs.FS
	rbuf    *logging.RingBuffer
	started time.Time
}

// NewFSDashboard returns a pointer to a new [FSDashboard].
func NewFSDashboard(v *vfs.VFS, fsys *fusefs.FS, rbuf *logging.RingBuffer, version string) (*FSDashboard, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: need virtual filesystem", errInvalidArgument)
	}
	if fsys == nil {
		return nil, fmt.Errorf("%w: need filesystem", errInvalidArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need ring buffer", errInvalidArgument)
	}

	return &FSDashboard{
		version: version,
		vfs:     v,
		fsys:    fsys,
		rbuf:    rbuf,
		started: time.Now(),
	}, nil
}

// Serve serves the diagnostics dashboard as part of a [http.Server].
func (d *FSDashboard) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: d.dashboardMux(), ReadHeaderTimeout: 10 * time.Second} //nolint:mnd

	go func() {
		defer func() {
			r := recover()
			if r != nil {
				fmt.Fprintf(os.Stderr, "(webserver) PANIC: %v\n", r)
				debug.PrintStack()
			}
		}()
		d.rbuf.Printf("serving dashboard on %s\n", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.rbuf.Printf("HTTP error: %v\n", err)
		}
	}()

	return srv
}

func (d *FSDashboard) archiveOptions() *archive.Options {
	return d.vfs.ArchiveOptions()
}

func (d *FSDashboard) archiveMetrics() *archive.Metrics {
	return d.vfs.ArchiveOptions().Metrics
}

func (d *FSDashboard) dashboardMux() *mux.Router {
	mux := mux.NewRouter()

	mux.HandleFunc("/", d.dashboardHandler)
	mux.HandleFunc("/metrics.json", d.metricsHandler)
	mux.HandleFunc("/mounts.json", d.mountsHandler)
	mux.HandleFunc("/gc", d.gcHandler)
	mux.HandleFunc("/reset", d.resetMetricsHandler)

	mux.HandleFunc("/set/must-crc32/{value}",
		d.booleanHandler("Forced integrity checking", &d.archiveOptions().MustCRC32))
	mux.HandleFunc("/set/stream-threshold/{value}",
		d.sizeHandler("Streaming threshold", d.fsys.Options.StreamingThreshold.Store))
	mux.HandleFunc("/set/memory-cache-threshold/{value}",
		d.sizeHandler("Memory cache threshold", func(v uint64) {
			d.archiveOptions().MemoryCacheThreshold.Store(int64(min(v, uint64(1)<<62))) //nolint:gosec
		}))

	mux.HandleFunc("/suffixes/add/{suffix}", d.suffixHandler("added", (*archive.SuffixRegistry).Add))
	mux.HandleFunc("/suffixes/remove/{suffix}", d.suffixHandler("removed", (*archive.SuffixRegistry).Remove))
	mux.HandleFunc("/suffixes/reset", d.suffixResetHandler)

	mux.HandleFunc("/zipvfs.svg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write(assets.Logo)
	})

	return mux
}

type fsDashboardMount struct {
	Point    string `json:"point"`
	Kind     string `json:"kind"`
	ReadOnly bool   `json:"readOnly"`
	Source   string `json:"source"`
}

type fsDashboardData struct {
	AllocBytes           string             `json:"allocBytes"`
	AvgExtractSpeed      string             `json:"avgExtractSpeed"`
	AvgExtractTime       string             `json:"avgExtractTime"`
	AvgIndexTime         string             `json:"avgIndexTime"`
	Logs                 []string           `json:"logs"`
	MemoryCacheHitRatio  string             `json:"memoryCacheHitRatio"`
	MemoryCacheThreshold string             `json:"memoryCacheThreshold"`
	Mounts               []fsDashboardMount `json:"mounts"`
	MustCRC32            string             `json:"mustCrc32"`
	NestedMode           string             `json:"nestedMode"`
	NumGC                uint32             `json:"numGc"`
	OpenArchives         int64              `json:"openArchives"`
	PendingDeletes       int64              `json:"pendingDeletes"`
	ReaperIdle           int                `json:"reaperIdle"`
	ReaperMode           string             `json:"reaperMode"`
	ReaperScanning       string             `json:"reaperScanning"`
	RingBufferSize       int                `json:"ringBufferSize"`
	ScratchRoot          string             `json:"scratchRoot"`
	StreamingThreshold   string             `json:"streamingThreshold"`
	StrictCache          string             `json:"strictCache"`
	Suffixes             []string           `json:"suffixes"`
	SysBytes             string             `json:"sysBytes"`
	TotalAlloc           string             `json:"totalAlloc"`
	TotalClosedArchives  int64              `json:"totalClosedArchives"`
	TotalDeleteRetries   int64              `json:"totalDeleteRetries"`
	TotalErrors          int64              `json:"totalErrors"`
	TotalExtractBytes    string             `json:"totalExtractBytes"`
	TotalExtracts        int64              `json:"totalExtracts"`
	TotalIndexes         int64              `json:"totalIndexes"`
	TotalLookups         int64              `json:"totalLookups"`
	TotalMemoryCacheHits int64              `json:"totalMemoryCacheHits"`
	TotalNested          int64              `json:"totalNested"`
	TotalOpenedArchives  int64              `json:"totalOpenedArchives"`
	TotalReadBytes       string             `json:"totalReadBytes"`
	TotalReadDirs        int64              `json:"totalReadDirs"`
	TotalReads           int64              `json:"totalReads"`
	TotalReaped          int64              `json:"totalReaped"`
	TotalReapErrors      int64              `json:"totalReapErrors"`
	TotalReindexes       int64              `json:"totalReindexes"`
	TotalStreamRewinds   int64              `json:"totalStreamRewinds"`
	Uptime               string             `json:"uptime"`
	Version              string             `json:"version"`
}

func (d *FSDashboard) collectMounts() []fsDashboardMount {
	infos := d.vfs.Mounts()
	mounts := make([]fsDashboardMount, 0, len(infos))

	for _, mi := range infos {
		mounts = append(mounts, fsDashboardMount{
			Point:    mi.Point,
			Kind:     mi.Kind.String(),
			ReadOnly: mi.ReadOnly,
			Source:   mi.Source,
		})
	}

	return mounts
}

func (d *FSDashboard) collectMetrics() fsDashboardData {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	lines := d.rbuf.Lines()
	slices.Reverse(lines)

	ao := d.archiveOptions()
	am := d.archiveMetrics()
	rp := d.vfs.Reaper()

	reaperMode := "Background"
	if rp.Synchronous() {
		reaperMode = "Synchronous"
	}

	return fsDashboardData{
		AllocBytes:           humanize.IBytes(m.Alloc),
		AvgExtractSpeed:      d.avgExtractSpeed(),
		AvgExtractTime:       d.avgExtractTime(),
		AvgIndexTime:         d.avgIndexTime(),
		Logs:                 lines,
		MemoryCacheHitRatio:  d.memoryCacheHitRatio(),
		MemoryCacheThreshold: humanize.IBytes(uint64(max(0, ao.MemoryCacheThreshold.Load()))),
		Mounts:               d.collectMounts(),
		MustCRC32:            enabledOrDisabled(ao.MustCRC32.Load()),
		NestedMode:           ao.NestedMode.String(),
		NumGC:                m.NumGC,
		OpenArchives:         am.OpenArchives.Load(),
		PendingDeletes:       rp.Metrics.PendingDeletes.Load(),
		ReaperIdle:           rp.Idle(),
		ReaperMode:           reaperMode,
		ReaperScanning:       enabledOrDisabled(rp.Running()),
		RingBufferSize:       d.rbuf.Size(),
		ScratchRoot:          d.vfs.Scratch().Root(),
		StreamingThreshold:   humanize.IBytes(d.fsys.Options.StreamingThreshold.Load()),
		StrictCache:          enabledOrDisabled(d.fsys.Options.StrictCache),
		Suffixes:             ao.Suffixes.List(),
		SysBytes:             humanize.IBytes(m.Sys),
		TotalAlloc:           humanize.IBytes(m.TotalAlloc),
		TotalClosedArchives:  am.TotalClosedArchives.Load(),
		TotalDeleteRetries:   rp.Metrics.TotalDeleteRetries.Load(),
		TotalErrors:          d.fsys.Metrics.Errors.Load(),
		TotalExtractBytes:    humanizeCount(am.TotalExtractBytes.Load()),
		TotalExtracts:        am.TotalExtractCount.Load(),
		TotalIndexes:         am.TotalIndexCount.Load(),
		TotalLookups:         d.fsys.Metrics.TotalLookups.Load(),
		TotalMemoryCacheHits: am.TotalMemoryCacheHits.Load(),
		TotalNested:          am.TotalNestedCount.Load(),
		TotalOpenedArchives:  am.TotalOpenedArchives.Load(),
		TotalReadBytes:       humanizeCount(d.fsys.Metrics.TotalReadBytes.Load()),
		TotalReadDirs:        d.fsys.Metrics.TotalReadDirs.Load(),
		TotalReads:           d.fsys.Metrics.TotalReads.Load(),
		TotalReaped:          rp.Metrics.TotalReaped.Load(),
		TotalReapErrors:      rp.Metrics.TotalReapErrors.Load(),
		TotalReindexes:       am.TotalReindexCount.Load(),
		TotalStreamRewinds:   d.fsys.Metrics.TotalReopenedEntries.Load(),
		Uptime:               humanize.Time(d.started),
		Version:              d.version,
	}
}

func (d *FSDashboard) dashboardHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	if err := indexTemplate.Execute(w, data); err != nil {
		d.rbuf.Printf("HTTP template execution error: %v\n", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *FSDashboard) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *FSDashboard) mountsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.collectMounts()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *FSDashboard) gcHandler(w http.ResponseWriter, _ *http.Request) {
	runtime.GC()
	debug.FreeOSMemory()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.rbuf.Printf("GC forced via API, current heap: %s.\n", humanize.IBytes(m.Alloc))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "GC forced, current heap: %s.\n", humanize.IBytes(m.Alloc))
}

func (d *FSDashboard) resetMetricsHandler(w http.ResponseWriter, _ *http.Request) {
	am := d.archiveMetrics()
	am.TotalOpenedArchives.Store(0)
	am.TotalClosedArchives.Store(0)
	am.TotalIndexCount.Store(0)
	am.TotalIndexTime.Store(0)
	am.TotalReindexCount.Store(0)
	am.TotalNestedCount.Store(0)
	am.TotalExtractTime.Store(0)
	am.TotalExtractCount.Store(0)
	am.TotalExtractBytes.Store(0)
	am.TotalMemoryCacheHits.Store(0)

	fm := d.fsys.Metrics
	fm.TotalLookups.Store(0)
	fm.TotalReadDirs.Store(0)
	fm.TotalReads.Store(0)
	fm.TotalReadBytes.Store(0)
	fm.TotalReopenedEntries.Store(0)
	fm.Errors.Store(0)

	rm := d.vfs.Reaper().Metrics
	rm.TotalReaped.Store(0)
	rm.TotalReapErrors.Store(0)
	rm.TotalDeleteRetries.Store(0)

	d.rbuf.Println("Metrics reset via API.")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Metrics reset.")
}

func (d *FSDashboard) sizeHandler(desc string, store func(uint64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		val, err := humanize.ParseBytes(vars["value"])
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid string value: %v", err), http.StatusBadRequest)

			return
		}
		store(val)

		d.rbuf.Printf("%s set via API: %s.\n", desc, humanize.IBytes(val))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s set: %s.\n", desc, humanize.IBytes(val))
	}
}

func (d *FSDashboard) booleanHandler(desc string, target *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		val, err := strconv.ParseBool(vars["value"])
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid boolean value: %v", err), http.StatusBadRequest)

			return
		}
		target.Store(val)

		d.rbuf.Printf("%s set via API: %t.\n", desc, val)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s set: %t.\n", desc, val)
	}
}

// suffixHandler changes the suffixes of nested archives. Already built
// indexes keep their nested archives until the archive is reindexed.
func (d *FSDashboard) suffixHandler(verb string, apply func(*archive.SuffixRegistry, ...string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := mux.Vars(r)["suffix"]
		if suffix == "" {
			http.Error(w, "Invalid suffix value: empty", http.StatusBadRequest)

			return
		}

		reg := d.archiveOptions().Suffixes
		apply(reg, suffix)

		d.rbuf.Printf("Nested archive suffix %s via API: %q.\n", verb, suffix)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Nested archive suffix %s, now: %v.\n", verb, reg.List())
	}
}

func (d *FSDashboard) suffixResetHandler(w http.ResponseWriter, _ *http.Request) {
	reg := d.archiveOptions().Suffixes
	reg.Reset()

	d.rbuf.Println("Nested archive suffixes reset via API.")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Nested archive suffixes reset, now: %v.\n", reg.List())
}
