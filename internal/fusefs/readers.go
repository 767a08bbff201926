package fusefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/desertwitch/zipvfs/internal/vfs"
)

var (
	_ io.ReadCloser = (*fileReader)(nil)

	// errNonSeekableRewind occurs when an attempt is made to rewind a non-seekable file.
	errNonSeekableRewind = errors.New("cannot rewind non-seekable file")
)

// fileReader reads a [vfs.File] for reading and forward seeking.
// Depending on the underlying reader, the seeking is implemented
// either by actual seeking (type assertion) or reading bytes to [io.Discard].
//
// It is not thread-safe, use a new [fileReader] for concurrent reads.
type fileReader struct {
	r   io.ReadCloser
	pos int64
}

// newFileReader opens a [vfs.File] and returns a new [fileReader].
// You must ensure that Close() will always be called after use is complete.
func newFileReader(ctx context.Context, f *vfs.File) (*fileReader, error) {
	rc, err := f.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}

	return &fileReader{r: rc}, nil
}

// Read facilitates reading of a fixed amount of bytes.
// It returns the number of bytes that were read and an error.
func (fr *fileReader) Read(p []byte) (int, error) {
	n, err := fr.r.Read(p)
	fr.pos += int64(n)

	return n, err //nolint:wrapcheck
}

// ForwardTo advances the reader position to the specified offset.
// It returns the offset of the internal reader position and an error.
// [errNonSeekableRewind] is returned upon rewinding a non-seekable file.
func (fr *fileReader) ForwardTo(offset int64) (int64, error) {
	if offset == fr.pos {
		return fr.pos, nil
	}

	if seeker, ok := fr.r.(io.Seeker); ok {
		n, err := seeker.Seek(offset, io.SeekStart)
		fr.pos = n
		if err != nil {
			return fr.pos, fmt.Errorf("failed to seek: %w", err)
		}

		return fr.pos, nil
	}

	if offset < fr.pos {
		return fr.pos, fmt.Errorf("%w (want %d, current %d)", errNonSeekableRewind, offset, fr.pos)
	}

	n, err := io.CopyN(io.Discard, fr.r, offset-fr.pos)
	fr.pos += n
	if err != nil && !errors.Is(err, io.EOF) {
		return fr.pos, fmt.Errorf("failed to discard: %w", err)
	}

	return fr.pos, nil
}

// Position is the position of the underlying reader of the [fileReader].
func (fr *fileReader) Position() int64 {
	return fr.pos
}

func (fr *fileReader) Close() error {
	return fr.r.Close() //nolint:wrapcheck
}

// streamHandle is an open [streamFileNode], which keeps its reader
// between the sequential reads of the kernel, reopening only to rewind.
type streamHandle struct {
	node *streamFileNode

	mu sync.Mutex
	fr *fileReader
}

// readAt reads into p from offset, reopening the file if needed.
func (h *streamHandle) readAt(ctx context.Context, p []byte, offset int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fr != nil && offset < h.fr.Position() {
		if _, ok := h.fr.r.(io.Seeker); !ok {
			_ = h.fr.Close()
			h.fr = nil
			h.node.fsys.Metrics.TotalReopenedEntries.Add(1)
		}
	}

	if h.fr == nil {
		fr, err := newFileReader(ctx, h.node.file)
		if err != nil {
			return 0, err
		}
		h.fr = fr
	}

	if _, err := h.fr.ForwardTo(offset); err != nil {
		return 0, err
	}

	n, err := io.ReadFull(h.fr, p)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		err = nil
	}

	return n, err //nolint:wrapcheck
}

func (h *streamHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fr == nil {
		return nil
	}

	err := h.fr.Close()
	h.fr = nil

	return err
}
