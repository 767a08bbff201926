package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/scratch"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	Path    string
	ModTime time.Time
	Content []byte // optional, only for files (can be nil)
	Method  uint16 // zip.Store if unset
}

func zipBytes(t *testing.T, entries []testEntry) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())

	for _, entry := range entries {
		modTime := entry.ModTime
		if modTime.IsZero() {
			modTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		}

		header := &zip.FileHeader{
			Name:     entry.Path,
			Method:   entry.Method,
			Modified: modTime,
		}

		if strings.HasSuffix(entry.Path, "/") {
			header.Method = zip.Store
			header.SetMode(os.ModeDir | 0o755)
		} else {
			header.SetMode(0o644)
		}

		w, err := zw.CreateHeader(header)
		require.NoError(t, err)

		if len(entry.Content) > 0 && !strings.HasSuffix(entry.Path, "/") {
			_, err = w.Write(entry.Content)
			require.NoError(t, err)
		}
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func createTestZip(t *testing.T, tmpDir string, tmpName string, entries []testEntry) string {
	t.Helper()

	path := filepath.Join(tmpDir, tmpName)
	require.NoError(t, os.WriteFile(path, zipBytes(t, entries), 0o644))

	return path
}

func testOptions(t *testing.T, mode NestedMode) *Options {
	t.Helper()

	sp, err := scratch.New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sp.Close()
	})

	opts := DefaultOptions()
	opts.NestedMode = mode
	opts.Scratch = sp
	opts.Suffixes = NewSuffixRegistry(defaultSuffixes...)
	opts.Metrics = &Metrics{}

	return opts
}

func openTestArchive(t *testing.T, src Source, opts *Options) *Archive {
	t.Helper()

	a, err := Open(context.Background(), src, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
	})

	return a
}

func readEntry(t *testing.T, fsys adapter.FileSystem, path ...string) []byte {
	t.Helper()

	rc, err := fsys.Open(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)

	return data
}

func listEntry(t *testing.T, fsys adapter.FileSystem, path ...string) []string {
	t.Helper()

	names, err := fsys.List(context.Background(), path)
	require.NoError(t, err)

	return names
}
