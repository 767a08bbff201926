package fusefs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertwitch/zipvfs/internal/archive"
	"github.com/desertwitch/zipvfs/internal/logging"
	"github.com/desertwitch/zipvfs/internal/reaper"
	"github.com/desertwitch/zipvfs/internal/vfs"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

var testModTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

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
			Modified: testModTime,
		}
		if strings.HasSuffix(entry.Path, "/") {
			header.Method = zip.Store
		}

		w, err := zw.CreateHeader(header)
		require.NoError(t, err)

		_, err = w.Write(entry.Content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// testFS returns a [FS] over a virtual filesystem with a real file
// in its root and an archive (with a nested archive) mounted at /app.
func testFS(t *testing.T, out io.Writer) (*vfs.VFS, *FS) {
	t.Helper()

	opts := vfs.DefaultOptions()
	opts.RootDir = t.TempDir()
	opts.ScratchBase = t.TempDir()
	opts.SweepStale = false
	opts.Reaper = reaper.Options{Synchronous: true}
	opts.Archive = archive.DefaultOptions()
	opts.Archive.Suffixes = archive.NewSuffixRegistry(".jar")

	require.NoError(t, os.WriteFile(filepath.Join(opts.RootDir, "real.txt"), []byte("real content"), 0o644))

	v, err := vfs.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, v.Close())
	})

	src := archive.FromBytes("app.jar", zipBytes(t, []testEntry{
		{Path: "README.md", Content: []byte("readme content")},
		{Path: "lib/inner.jar", Content: zipBytes(t, []testEntry{
			{Path: "x.txt", Content: []byte("nested x")},
		})},
		{Path: "src/a.go", Content: []byte("package a")},
	}))

	_, err = v.MountArchive(t.Context(), src, "/app")
	require.NoError(t, err)

	fsys, err := NewFS(v, nil, logging.NewRingBuffer(10, out))
	require.NoError(t, err)

	return v, fsys
}
