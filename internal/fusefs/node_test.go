package fusefs

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func lookup(t *testing.T, fsys *FS, names ...string) fs.Node {
	t.Helper()

	node, err := fsys.Root()
	require.NoError(t, err)

	for _, name := range names {
		dn, ok := node.(*dirNode)
		require.True(t, ok, "%q has no directory parent", name)

		node, err = dn.Lookup(t.Context(), name)
		require.NoError(t, err)
	}

	return node
}

// Expectation: Attr should fill in the [fuse.Attr] with the correct values.
func Test_fileBaseNode_Attr_Success(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)
	tnow := time.Now()

	node := &fileBaseNode{
		fsys:  fsys,
		inode: fs.GenerateDynamicInode(1, "test.txt"),
		size:  1024,
		mtime: tnow,
	}

	attr := fuse.Attr{}
	require.NoError(t, node.Attr(t.Context(), &attr))

	require.Equal(t, fs.GenerateDynamicInode(1, "test.txt"), attr.Inode)
	require.Equal(t, os.FileMode(fileBasePerm), attr.Mode)
	require.Equal(t, uint64(1024), attr.Size)
	require.Equal(t, tnow, attr.Atime)
	require.Equal(t, tnow, attr.Ctime)
	require.Equal(t, tnow, attr.Mtime)
}

// Expectation: Attr should present a read-only directory.
func Test_dirNode_Attr_Success(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)

	node := lookup(t, fsys, "app", "src")

	attr := fuse.Attr{}
	require.NoError(t, node.Attr(t.Context(), &attr))

	require.Equal(t, os.ModeDir|dirBasePerm, attr.Mode)
	require.NotZero(t, attr.Mtime)
	require.NotZero(t, attr.Inode)
}

// Expectation: Open should set the caching flags unless strict caching is enabled.
func Test_dirNode_Open_Success(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)

	node, ok := lookup(t, fsys, "app").(*dirNode)
	require.True(t, ok)

	resp := &fuse.OpenResponse{}
	handle, err := node.Open(t.Context(), &fuse.OpenRequest{}, resp)
	require.NoError(t, err)
	require.Equal(t, node, handle)
	require.NotZero(t, resp.Flags&fuse.OpenKeepCache)
	require.NotZero(t, resp.Flags&fuse.OpenCacheDir)

	fsys.Options.StrictCache = true

	resp = &fuse.OpenResponse{}
	_, err = node.Open(t.Context(), &fuse.OpenRequest{}, resp)
	require.NoError(t, err)
	require.Zero(t, resp.Flags&fuse.OpenKeepCache)
}

// Expectation: ReadDirAll should list directories first, with the mount points of the root.
func Test_dirNode_ReadDirAll_Success(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)

	root, ok := lookup(t, fsys).(*dirNode)
	require.True(t, ok)

	dirents, err := root.ReadDirAll(t.Context())
	require.NoError(t, err)
	require.Equal(t, []fuse.Dirent{
		{Name: "app", Type: fuse.DT_Dir, Inode: fs.GenerateDynamicInode(1, "app")},
		{Name: "real.txt", Type: fuse.DT_File, Inode: fs.GenerateDynamicInode(1, "real.txt")},
	}, dirents)

	app, ok := lookup(t, fsys, "app").(*dirNode)
	require.True(t, ok)

	dirents, err = app.ReadDirAll(t.Context())
	require.NoError(t, err)
	require.Len(t, dirents, 3)
	require.Equal(t, "lib", dirents[0].Name)
	require.Equal(t, "src", dirents[1].Name)
	require.Equal(t, "README.md", dirents[2].Name)
	require.Equal(t, int64(2), fsys.Metrics.TotalReadDirs.Load())
}

// Expectation: ReadDirAll on a directory which vanished should return ENOENT.
func Test_dirNode_ReadDirAll_NotExist_Error(t *testing.T) {
	t.Parallel()
	v, fsys := testFS(t, io.Discard)

	node := &dirNode{fsys: fsys, inode: 2, file: v.Resolve("/missing")}

	_, err := node.ReadDirAll(t.Context())
	require.Equal(t, fuse.ToErrno(unix.ENOENT), err)
	require.Equal(t, int64(1), fsys.Metrics.Errors.Load())
}

// Expectation: Lookup should return the node type matching the entry and the streaming threshold.
func Test_dirNode_Lookup_Success(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)

	_, ok := lookup(t, fsys, "app", "lib", "inner.jar").(*dirNode)
	require.True(t, ok, "nested archives should be directories")

	_, ok = lookup(t, fsys, "app", "README.md").(*inMemoryFileNode)
	require.True(t, ok)

	fsys.Options.StreamingThreshold.Store(0)

	_, ok = lookup(t, fsys, "app", "README.md").(*streamFileNode)
	require.True(t, ok)

	require.Equal(t, int64(7), fsys.Metrics.TotalLookups.Load())
}

// Expectation: Lookup of a non-existing entry should return ENOENT.
func Test_dirNode_Lookup_NotExist_Error(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)

	app, ok := lookup(t, fsys, "app").(*dirNode)
	require.True(t, ok)

	_, err := app.Lookup(t.Context(), "missing.txt")
	require.Equal(t, fuse.ToErrno(unix.ENOENT), err)
	require.Equal(t, int64(1), fsys.Metrics.Errors.Load())
}

// Expectation: ReadAll should return the whole contents of the entry.
func Test_inMemoryFileNode_ReadAll_Success(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)

	for path, want := range map[string]string{
		"app/README.md":           "readme content",
		"app/lib/inner.jar/x.txt": "nested x",
		"real.txt":                "real content",
	} {
		node, ok := lookup(t, fsys, strings.Split(path, "/")...).(*inMemoryFileNode)
		require.True(t, ok, path)

		resp := &fuse.OpenResponse{}
		handle, err := node.Open(t.Context(), &fuse.OpenRequest{}, resp)
		require.NoError(t, err)
		require.NotZero(t, resp.Flags&fuse.OpenKeepCache)

		ra, ok := handle.(fs.HandleReadAller)
		require.True(t, ok)

		data, err := ra.ReadAll(t.Context())
		require.NoError(t, err)
		require.Equal(t, want, string(data), path)
	}

	require.Equal(t, int64(3), fsys.Metrics.TotalReads.Load())
	require.Equal(t, int64(len("readme content")+len("nested x")+len("real content")), fsys.Metrics.TotalReadBytes.Load())
}

// Expectation: Read should serve the requested ranges, reopening the entry only to rewind.
func Test_streamFileNode_Read_Success(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)
	fsys.Options.StreamingThreshold.Store(0)

	node, ok := lookup(t, fsys, "app", "README.md").(*streamFileNode)
	require.True(t, ok)

	handle, err := node.Open(t.Context(), &fuse.OpenRequest{}, &fuse.OpenResponse{})
	require.NoError(t, err)

	rh, ok := handle.(*streamFileHandle)
	require.True(t, ok)

	read := func(offset int64, size int) string {
		resp := &fuse.ReadResponse{}
		require.NoError(t, rh.Read(t.Context(), &fuse.ReadRequest{Offset: offset, Size: size}, resp))

		return string(resp.Data)
	}

	require.Equal(t, "readme", read(0, 6))
	require.Equal(t, " content", read(6, 64))
	require.Equal(t, "content", read(7, 7))
	require.Equal(t, int64(1), fsys.Metrics.TotalReopenedEntries.Load())
	require.Empty(t, read(100, 10))

	require.NoError(t, rh.Release(t.Context(), &fuse.ReleaseRequest{}))
	require.Nil(t, rh.fr)
}

// Expectation: Seekable files should be rewound without reopening them.
func Test_streamFileNode_Read_Seekable_Success(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)
	fsys.Options.StreamingThreshold.Store(0)

	node, ok := lookup(t, fsys, "real.txt").(*streamFileNode)
	require.True(t, ok)

	handle, err := node.Open(t.Context(), &fuse.OpenRequest{}, &fuse.OpenResponse{})
	require.NoError(t, err)

	rh, ok := handle.(*streamFileHandle)
	require.True(t, ok)
	defer rh.Release(t.Context(), &fuse.ReleaseRequest{}) //nolint:errcheck

	for _, offset := range []int64{5, 0, 5} {
		resp := &fuse.ReadResponse{}
		require.NoError(t, rh.Read(t.Context(), &fuse.ReadRequest{Offset: offset, Size: 4}, resp))
		require.Equal(t, "real content"[offset:offset+4], string(resp.Data))
	}

	require.Zero(t, fsys.Metrics.TotalReopenedEntries.Load())
}

// Expectation: A failing read should be logged and return the errno.
func Test_streamFileNode_Read_Error(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	v, fsys := testFS(t, &out)

	node := &streamFileNode{&fileBaseNode{fsys: fsys, inode: 2, file: v.Resolve("/app/src")}}

	handle, err := node.Open(t.Context(), &fuse.OpenRequest{}, &fuse.OpenResponse{})
	require.NoError(t, err)

	rh, ok := handle.(*streamFileHandle)
	require.True(t, ok)

	err = rh.Read(t.Context(), &fuse.ReadRequest{Size: 4}, &fuse.ReadResponse{})
	require.Equal(t, fuse.ToErrno(unix.EISDIR), err)
	require.Contains(t, out.String(), "/app/src")
	require.Equal(t, int64(1), fsys.Metrics.Errors.Load())
}

// Expectation: ForwardTo should discard bytes forward and refuse to rewind a non-seekable reader.
func Test_fileReader_ForwardTo_Success(t *testing.T) {
	t.Parallel()

	fr := &fileReader{r: io.NopCloser(bytes.NewReader([]byte("0123456789")))}

	pos, err := fr.ForwardTo(4)
	require.NoError(t, err)
	require.Equal(t, int64(4), pos)

	buf := make([]byte, 2)
	_, err = io.ReadFull(fr, buf)
	require.NoError(t, err)
	require.Equal(t, "45", string(buf))
	require.Equal(t, int64(6), fr.Position())

	_, err = fr.ForwardTo(2)
	require.ErrorIs(t, err, errNonSeekableRewind)

	pos, err = fr.ForwardTo(50)
	require.NoError(t, err)
	require.Equal(t, int64(10), pos)
}
