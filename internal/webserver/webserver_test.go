package webserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/desertwitch/zipvfs/internal/adapter/memfs"
	"github.com/desertwitch/zipvfs/internal/archive"
	"github.com/desertwitch/zipvfs/internal/fusefs"
	"github.com/desertwitch/zipvfs/internal/logging"
	"github.com/desertwitch/zipvfs/internal/reaper"
	"github.com/desertwitch/zipvfs/internal/vfs"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func testDashboard(t *testing.T, out io.Writer) *FSDashboard {
	t.Helper()

	opts := vfs.DefaultOptions()
	opts.RootDir = t.TempDir()
	opts.ScratchBase = t.TempDir()
	opts.SweepStale = false
	opts.Reaper = reaper.Options{Synchronous: true}
	opts.Archive = archive.DefaultOptions()
	opts.Archive.Suffixes = archive.NewSuffixRegistry(".jar")

	v, err := vfs.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, v.Close())
	})

	rbf := logging.NewRingBuffer(10, out)

	fsys, err := fusefs.NewFS(v, nil, rbf)
	require.NoError(t, err)

	dash, err := NewFSDashboard(v, fsys, rbf, "gotests")
	require.NoError(t, err)

	return dash
}

// Expectation: NewFSDashboard should refuse missing arguments.
func Test_NewFSDashboard_Error(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	_, err := NewFSDashboard(nil, dash.fsys, dash.rbuf, "")
	require.ErrorIs(t, err, errInvalidArgument)

	_, err = NewFSDashboard(dash.vfs, nil, dash.rbuf, "")
	require.ErrorIs(t, err, errInvalidArgument)

	_, err = NewFSDashboard(dash.vfs, dash.fsys, nil, "")
	require.ErrorIs(t, err, errInvalidArgument)
}

// Expectation: Serve should return a valid HTTP server pointer.
func Test_Serve_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	srv := dash.Serve("127.0.0.1:0")
	require.NotNil(t, srv)
	require.NotEmpty(t, srv.Addr)

	defer srv.Close()
}

// Expectation: dashboardMux should register all expected routes.
func Test_dashboardMux_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	router := dash.dashboardMux()

	testCases := []struct {
		path   string
		method string
	}{
		{"/", http.MethodGet},
		{"/metrics.json", http.MethodGet},
		{"/mounts.json", http.MethodGet},
		{"/gc", http.MethodGet},
		{"/reset", http.MethodGet},
		{"/set/must-crc32/false", http.MethodGet},
		{"/set/stream-threshold/100MB", http.MethodGet},
		{"/set/memory-cache-threshold/1MB", http.MethodGet},
		{"/suffixes/add/.war", http.MethodGet},
		{"/suffixes/remove/.war", http.MethodGet},
		{"/suffixes/reset", http.MethodGet},
		{"/zipvfs.svg", http.MethodGet},
	}

	for _, tc := range testCases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		require.NotEqual(t, http.StatusNotFound, w.Code, "Route %s should exist", tc.path)
	}
}

// Expectation: dashboardHandler should render the dashboard with correct data.
func Test_dashboardHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	dash.version = "test-version"
	dash.rbuf.Println("test log entry")

	_, err := dash.vfs.Mount("/memory", memfs.New())
	require.NoError(t, err)

	dash.archiveMetrics().OpenArchives.Store(5)
	dash.fsys.Options.StreamingThreshold.Store(200_000_000)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	dash.dashboardHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := w.Body.String()
	require.Contains(t, body, "test-version")
	require.Contains(t, body, "test log entry")
	require.Contains(t, body, "191 MiB")
	require.Contains(t, body, "/memory")
	require.Contains(t, body, "<code>.jar</code>")
}

// Expectation: metricsHandler should return JSON with current metrics.
func Test_metricsHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	dash.version = "test-metrics-version"
	dash.rbuf.Println("metrics test log entry")

	dash.archiveMetrics().OpenArchives.Store(7)
	dash.archiveMetrics().TotalOpenedArchives.Store(123)
	dash.archiveMetrics().TotalClosedArchives.Store(120)
	dash.fsys.Metrics.TotalLookups.Store(9)

	req := httptest.NewRequest(http.MethodGet, "/metrics.json", nil)
	w := httptest.NewRecorder()

	dash.metricsHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var data fsDashboardData
	require.NoError(t, json.NewDecoder(w.Body).Decode(&data))

	require.Equal(t, "test-metrics-version", data.Version)
	require.Contains(t, strings.Join(data.Logs, " "), "metrics test log entry")
	require.Equal(t, int64(7), data.OpenArchives)
	require.Equal(t, int64(123), data.TotalOpenedArchives)
	require.Equal(t, int64(120), data.TotalClosedArchives)
	require.Equal(t, int64(9), data.TotalLookups)
	require.Equal(t, "no-copy", data.NestedMode)
	require.Equal(t, "Synchronous", data.ReaperMode)
	require.Equal(t, []string{".jar"}, data.Suffixes)
	require.Len(t, data.Mounts, 1)
	require.Equal(t, "/", data.Mounts[0].Point)
	require.Equal(t, "real", data.Mounts[0].Kind)
}

// Expectation: mountsHandler should return the mount table as JSON.
func Test_mountsHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	h, err := dash.vfs.Mount("/a/b", memfs.New())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/mounts.json", nil)
	w := httptest.NewRecorder()

	dash.mountsHandler(w, req)

	var mounts []fsDashboardMount
	require.NoError(t, json.NewDecoder(w.Body).Decode(&mounts))
	require.Len(t, mounts, 2)
	require.Equal(t, fsDashboardMount{Point: "/a/b", Kind: "memory"}, mounts[1])

	require.NoError(t, h.Close())

	w = httptest.NewRecorder()
	dash.mountsHandler(w, req)

	mounts = nil
	require.NoError(t, json.NewDecoder(w.Body).Decode(&mounts))
	require.Len(t, mounts, 1)
}

// Expectation: gcHandler should force GC and return success message.
func Test_gcHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	req := httptest.NewRequest(http.MethodGet, "/gc", nil)
	w := httptest.NewRecorder()

	dash.gcHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	body := w.Body.String()
	require.Contains(t, body, "GC forced")
	require.Contains(t, body, "current heap")

	logs := dash.rbuf.Lines()
	require.NotEmpty(t, logs)
	require.Contains(t, strings.Join(logs, " "), "GC forced")
}

// Expectation: resetMetricsHandler should reset all metrics to zero.
func Test_resetMetricsHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	am := dash.archiveMetrics()
	am.TotalIndexTime.Store(1000)
	am.TotalIndexCount.Store(10)
	am.TotalExtractTime.Store(2000)
	am.TotalExtractCount.Store(20)
	am.TotalExtractBytes.Store(3000)
	am.TotalOpenedArchives.Store(30)
	am.TotalClosedArchives.Store(40)
	dash.fsys.Metrics.Errors.Store(3)
	dash.vfs.Reaper().Metrics.TotalReaped.Store(4)

	req := httptest.NewRequest(http.MethodGet, "/reset", nil)
	w := httptest.NewRecorder()

	dash.resetMetricsHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Contains(t, w.Body.String(), "Metrics reset")

	require.Zero(t, am.TotalIndexTime.Load())
	require.Zero(t, am.TotalIndexCount.Load())
	require.Zero(t, am.TotalExtractTime.Load())
	require.Zero(t, am.TotalExtractCount.Load())
	require.Zero(t, am.TotalExtractBytes.Load())
	require.Zero(t, am.TotalOpenedArchives.Load())
	require.Zero(t, am.TotalClosedArchives.Load())
	require.Zero(t, dash.fsys.Metrics.Errors.Load())
	require.Zero(t, dash.vfs.Reaper().Metrics.TotalReaped.Load())

	logs := dash.rbuf.Lines()
	require.NotEmpty(t, logs)
	require.Contains(t, strings.Join(logs, " "), "Metrics reset")
}

// Expectation: The threshold routes should update their thresholds with valid input.
func Test_sizeHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)
	router := dash.dashboardMux()

	req := httptest.NewRequest(http.MethodGet, "/set/stream-threshold/500MB", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Streaming threshold set")
	require.Equal(t, uint64(500_000_000), dash.fsys.Options.StreamingThreshold.Load())

	req = httptest.NewRequest(http.MethodGet, "/set/memory-cache-threshold/2MiB", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Memory cache threshold set: 2.0 MiB")
	require.Equal(t, int64(2<<20), dash.archiveOptions().MemoryCacheThreshold.Load())

	logs := dash.rbuf.Lines()
	require.Contains(t, strings.Join(logs, " "), "Streaming threshold set")
}

// Expectation: The threshold routes should refuse invalid input.
func Test_sizeHandler_Invalid_Error(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)
	router := dash.dashboardMux()

	dash.fsys.Options.StreamingThreshold.Store(100)

	req := httptest.NewRequest(http.MethodGet, "/set/stream-threshold/invalid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "Invalid")

	req = httptest.NewRequest(http.MethodGet, "/set/stream-threshold", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, uint64(100), dash.fsys.Options.StreamingThreshold.Load())
}

// Expectation: The threshold routes should handle various formats.
func Test_sizeHandler_VariousFormats_Success(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input    string
		expected uint64
	}{
		{"1KB", 1000},
		{"1KiB", 1024},
		{"1MB", 1_000_000},
		{"1GB", 1_000_000_000},
		{"100M", 100_000_000},
		{"1024", 1024},
	}

	dash := testDashboard(t, io.Discard)
	router := dash.dashboardMux()

	for _, tc := range testCases {
		dash.fsys.Options.StreamingThreshold.Store(0)

		req := httptest.NewRequest(http.MethodGet, "/set/stream-threshold/"+tc.input, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, tc.input)
		require.Equal(t, tc.expected, dash.fsys.Options.StreamingThreshold.Load(), tc.input)
	}
}

// Expectation: booleanHandler should update the target atomic.Bool with valid input.
func Test_booleanHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	handler := dash.booleanHandler("Forced integrity checking", &dash.archiveOptions().MustCRC32)

	req := httptest.NewRequest(http.MethodGet, "/set/must-crc32/true", nil)
	req = mux.SetURLVars(req, map[string]string{"value": "true"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	body := w.Body.String()
	require.Contains(t, body, "Forced integrity checking")
	require.Contains(t, body, "true")

	require.True(t, dash.archiveOptions().MustCRC32.Load())

	logs := dash.rbuf.Lines()
	require.NotEmpty(t, logs)
	require.Contains(t, strings.Join(logs, " "), "Forced integrity checking")
}

// Expectation: booleanHandler should return error for invalid or missing booleans.
func Test_booleanHandler_InvalidBoolean_Error(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	handler := dash.booleanHandler("Forced integrity checking", &dash.archiveOptions().MustCRC32)

	for _, vars := range []map[string]string{{"value": "x"}, {}} {
		req := httptest.NewRequest(http.MethodGet, "/set/must-crc32/x", nil)
		req = mux.SetURLVars(req, vars)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "Invalid boolean value")
	}

	require.False(t, dash.archiveOptions().MustCRC32.Load())
}

// Expectation: The suffix routes should change the registry of nested archive suffixes.
func Test_suffixHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)
	router := dash.dashboardMux()
	reg := dash.archiveOptions().Suffixes

	req := httptest.NewRequest(http.MethodGet, "/suffixes/add/.WAR", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{".jar", ".war"}, reg.List())
	require.Contains(t, w.Body.String(), "added")

	req = httptest.NewRequest(http.MethodGet, "/suffixes/remove/.jar", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{".war"}, reg.List())

	req = httptest.NewRequest(http.MethodGet, "/suffixes/reset", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{".aop", ".ear", ".har", ".jar", ".rar", ".sar", ".war", ".zip"}, reg.List())

	logs := dash.rbuf.Lines()
	require.Contains(t, strings.Join(logs, " "), "suffixes reset")
}

// Expectation: Logo endpoint should serve the SVG image.
func Test_logoHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	req := httptest.NewRequest(http.MethodGet, "/zipvfs.svg", nil)
	w := httptest.NewRecorder()

	router := dash.dashboardMux()
	router.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	require.Contains(t, w.Body.String(), "<svg")
}
