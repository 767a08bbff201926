package adapter_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/adapter/memfs"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

func testTree(t *testing.T) *memfs.FS {
	t.Helper()

	m := memfs.New()
	require.NoError(t, m.WriteFile("dir/b.txt", []byte("bravo")))
	require.NoError(t, m.WriteFile("dir/a.txt", []byte("alpha")))
	require.NoError(t, m.WriteFile("dir/sub/c.txt", []byte("charlie")))
	require.NoError(t, m.MkdirAll("dir/empty"))
	require.NoError(t, m.WriteFile("other.txt", []byte("other")))

	return m
}

func drain(t *testing.T, s *adapter.EntryStream) ([]string, map[string]string) {
	t.Helper()

	var names []string
	contents := map[string]string{}

	for {
		e, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)

		names = append(names, e.Name())

		data, err := io.ReadAll(s)
		require.NoError(t, err)
		if !e.Info.IsDir {
			contents[e.Name()] = string(data)
		} else {
			require.Empty(t, data)
		}
	}

	return names, contents
}

// Expectation: The stream should enumerate depth-first in sorted order with contents.
func Test_EntryStream_Next_DepthFirst_Success(t *testing.T) {
	t.Parallel()

	m := testTree(t)

	s, err := adapter.NewEntryStream(t.Context(), m, []string{"dir"})
	require.NoError(t, err)
	defer s.Close()

	names, contents := drain(t, s)

	require.Equal(t, []string{"a.txt", "b.txt", "empty/", "sub/", "sub/c.txt"}, names)
	require.Equal(t, "alpha", contents["a.txt"])
	require.Equal(t, "bravo", contents["b.txt"])
	require.Equal(t, "charlie", contents["sub/c.txt"])
}

// Expectation: A reopened stream should produce the identical sequence from the start.
func Test_EntryStream_Reopen_Restarts_Success(t *testing.T) {
	t.Parallel()

	m := testTree(t)

	s1, err := adapter.NewEntryStream(t.Context(), m, nil)
	require.NoError(t, err)
	first, firstContents := drain(t, s1)
	require.NoError(t, s1.Close())

	_, err = s1.Next()
	require.ErrorIs(t, err, adapter.ErrClosed)

	s2, err := adapter.NewEntryStream(t.Context(), m, nil)
	require.NoError(t, err)
	second, secondContents := drain(t, s2)
	require.NoError(t, s2.Close())

	require.NotEmpty(t, first)
	require.Equal(t, first, second)
	require.Equal(t, firstContents, secondContents)
}

// Expectation: A consumed stream should keep returning EOF rather than continuing.
func Test_EntryStream_Next_Exhausted_Success(t *testing.T) {
	t.Parallel()

	m := testTree(t)

	s, err := adapter.NewEntryStream(t.Context(), m, []string{"dir", "sub"})
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, "c.txt", e.Name())

	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)

	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)
}

// Expectation: Skipping the content of an entry should not affect the following entries.
func Test_EntryStream_Next_SkipContent_Success(t *testing.T) {
	t.Parallel()

	m := testTree(t)

	s, err := adapter.NewEntryStream(t.Context(), m, []string{"dir"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next()
	require.NoError(t, err)

	buf := make([]byte, 2)
	_, err = s.Read(buf)
	require.NoError(t, err)

	e, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, "b.txt", e.Name())

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "bravo", string(data))
}

// Expectation: A stream over a file should fail with ErrNotDirectory.
func Test_NewEntryStream_File_Error(t *testing.T) {
	t.Parallel()

	m := testTree(t)

	_, err := adapter.NewEntryStream(t.Context(), m, []string{"other.txt"})
	require.ErrorIs(t, err, adapter.ErrNotDirectory)

	_, err = adapter.NewEntryStream(t.Context(), m, []string{"missing"})
	require.ErrorIs(t, err, adapter.ErrNotExist)
}

// Expectation: ZipStream should produce a valid archive of the directory.
func Test_ZipStream_Success(t *testing.T) {
	t.Parallel()

	m := testTree(t)

	s, err := adapter.NewEntryStream(t.Context(), m, []string{"dir"})
	require.NoError(t, err)

	rc := adapter.ZipStream(s)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	got := map[string]string{}
	for _, f := range zr.File {
		fr, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(fr)
		require.NoError(t, err)
		fr.Close()

		got[f.Name] = string(content)
	}

	require.Equal(t, map[string]string{
		"a.txt":     "alpha",
		"b.txt":     "bravo",
		"empty/":    "",
		"sub/":      "",
		"sub/c.txt": "charlie",
	}, got)
}

// Expectation: The stat helpers should reflect the entries of the filesystem.
func Test_Helpers_Success(t *testing.T) {
	t.Parallel()

	m := testTree(t)
	ctx := t.Context()

	require.True(t, adapter.Exists(ctx, m, []string{"dir", "a.txt"}))
	require.False(t, adapter.Exists(ctx, m, []string{"dir", "zzz"}))
	require.True(t, adapter.IsDir(ctx, m, []string{"dir"}))
	require.False(t, adapter.IsDir(ctx, m, []string{"other.txt"}))
	require.Equal(t, int64(5), adapter.Size(ctx, m, []string{"other.txt"}))
	require.Equal(t, int64(0), adapter.Size(ctx, m, []string{"missing"}))
	require.False(t, adapter.ModTime(ctx, m, []string{"other.txt"}).IsZero())
	require.True(t, adapter.ModTime(ctx, m, []string{"missing"}).IsZero())
}

// Expectation: Kind should have readable names.
func Test_Kind_String_Success(t *testing.T) {
	t.Parallel()

	require.Equal(t, "real", adapter.KindReal.String())
	require.Equal(t, "memory", adapter.KindMemory.String())
	require.Equal(t, "archive", adapter.KindArchive.String())
	require.Equal(t, "unknown", adapter.Kind(42).String())
}
