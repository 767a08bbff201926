package vfs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertwitch/zipvfs/internal/archive"
	"github.com/desertwitch/zipvfs/internal/reaper"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	Path    string
	Content []byte
}

func zipBytes(t *testing.T, entries []testEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, entry := range entries {
		header := &zip.FileHeader{
			Name:     entry.Path,
			Method:   zip.Deflate,
			Modified: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		}
		if strings.HasSuffix(entry.Path, "/") {
			header.Method = zip.Store
		}

		w, err := zw.CreateHeader(header)
		require.NoError(t, err)

		if len(entry.Content) > 0 {
			_, err = w.Write(entry.Content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func createTestZip(t *testing.T, dir string, name string, entries []testEntry) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, zipBytes(t, entries), 0o644))

	return path
}

// testArchiveEntries is an archive with a nested archive within.
func testArchiveEntries(t *testing.T) []testEntry {
	t.Helper()

	return []testEntry{
		{Path: "README.md", Content: []byte("readme")},
		{Path: "lib/inner.jar", Content: zipBytes(t, []testEntry{
			{Path: "x.txt", Content: []byte("nested x")},
		})},
		{Path: "src/a.go", Content: []byte("package a")},
	}
}

func testVFS(t *testing.T) *VFS {
	t.Helper()

	opts := DefaultOptions()
	opts.RootDir = t.TempDir()
	opts.ScratchBase = t.TempDir()
	opts.SweepStale = false
	opts.Reaper = reaper.Options{Synchronous: true}
	opts.Archive = archive.DefaultOptions()
	opts.Archive.Suffixes = archive.NewSuffixRegistry(".jar", ".zip")

	v, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, v.Close())
	})

	return v
}

// scratchContents returns the names within the scratch root (but the lock).
func scratchContents(t *testing.T, v *VFS) []string {
	t.Helper()

	entries, err := os.ReadDir(v.Scratch().Root())
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		if e.Name() != ".lock" {
			names = append(names, e.Name())
		}
	}

	return names
}
