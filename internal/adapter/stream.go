package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/klauspost/compress/zip"
)

var _ io.ReadCloser = (*EntryStream)(nil)

// Entry is a single element produced by an [EntryStream].
type Entry struct {
	Path []string // Path relative to the root of the stream.
	Info FileInfo
}

// Name returns the slash-separated path of the entry, with
// a trailing slash for directories (as within a zip archive).
func (e *Entry) Name() string {
	if e.Info.IsDir {
		return JoinPath(e.Path) + "/"
	}

	return JoinPath(e.Path)
}

// EntryStream presents the recursive contents of a directory as a
// sequence of entries, in the manner of reading a zip archive.
//
// Directories are descended depth-first and listed lazily, only once the
// stream arrives at them. The stream is a single forward pass: it cannot be
// rewound or resumed, a fresh [EntryStream] begins again from the start.
type EntryStream struct {
	ctx   context.Context //nolint:containedctx
	fsys  FileSystem
	base  []string
	stack [][]string

	cur    *Entry
	rc     io.ReadCloser
	closed bool
}

// NewEntryStream returns a new [EntryStream] over the directory at base.
// A file at base returns [ErrNotDirectory].
func NewEntryStream(ctx context.Context, fsys FileSystem, base []string) (*EntryStream, error) {
	fi, err := fsys.Stat(ctx, base)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if !fi.IsDir {
		return nil, fmt.Errorf("%w: %q", ErrNotDirectory, JoinPath(base))
	}

	s := &EntryStream{
		ctx:  ctx,
		fsys: fsys,
		base: slices.Clone(base),
	}

	if err := s.push(nil); err != nil {
		return nil, err
	}

	return s, nil
}

// push lists the directory at rel and schedules its children.
func (s *EntryStream) push(rel []string) error {
	names, err := s.fsys.List(s.ctx, s.join(rel))
	if err != nil {
		return fmt.Errorf("failed to list %q: %w", JoinPath(rel), err)
	}

	// Reverse order, so that the smallest name is popped first.
	for _, name := range slices.Backward(names) {
		child := make([]string, len(rel), len(rel)+1)
		copy(child, rel)
		s.stack = append(s.stack, append(child, name))
	}

	return nil
}

func (s *EntryStream) join(rel []string) []string {
	full := make([]string, 0, len(s.base)+len(rel))
	full = append(full, s.base...)

	return append(full, rel...)
}

// Next advances to the next entry, returning [io.EOF] at the end.
// Any unread content of the previous entry is discarded.
func (s *EntryStream) Next() (*Entry, error) {
	if s.closed {
		return nil, ErrClosed
	}

	if err := s.closeCurrent(); err != nil {
		return nil, err
	}

	if len(s.stack) == 0 {
		return nil, io.EOF
	}

	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	rel := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]

	fi, err := s.fsys.Stat(s.ctx, s.join(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", JoinPath(rel), err)
	}

	if fi.IsDir {
		if err := s.push(rel); err != nil {
			return nil, err
		}
	}

	s.cur = &Entry{Path: rel, Info: *fi}

	return s.cur, nil
}

// Read reads the content of the current entry.
// Directories and a stream without current entry read as empty.
func (s *EntryStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.cur == nil || s.cur.Info.IsDir {
		return 0, io.EOF
	}

	if s.rc == nil {
		rc, err := s.fsys.Open(s.ctx, s.join(s.cur.Path))
		if err != nil {
			return 0, fmt.Errorf("failed to open %q: %w", s.cur.Name(), err)
		}
		s.rc = rc
	}

	return s.rc.Read(p) //nolint:wrapcheck
}

func (s *EntryStream) closeCurrent() error {
	s.cur = nil

	if s.rc != nil {
		err := s.rc.Close()
		s.rc = nil

		if err != nil {
			return fmt.Errorf("failed to close entry: %w", err)
		}
	}

	return nil
}

// Close ends the stream, it is safe to call more than once.
func (s *EntryStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stack = nil

	return s.closeCurrent()
}

// ZipStream renders an [EntryStream] as the bytes of a zip archive.
//
// The archive is produced on-the-fly by a goroutine writing into a pipe,
// which takes ownership of the [EntryStream] and closes it once done.
// Closing the returned reader early aborts the production.
func ZipStream(s *EntryStream) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(writeZip(pw, s))
	}()

	return pr
}

func writeZip(w io.Writer, s *EntryStream) error {
	defer s.Close()

	zw := zip.NewWriter(w)

	for {
		e, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		header := &zip.FileHeader{
			Name:     e.Name(),
			Modified: e.Info.ModTime,
			Method:   zip.Deflate,
		}
		if e.Info.IsDir {
			header.Method = zip.Store
		}
		header.SetMode(e.Info.Mode())

		fw, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to create %q: %w", e.Name(), err)
		}

		if !e.Info.IsDir {
			if _, err := io.Copy(fw, s); err != nil {
				return fmt.Errorf("failed to write %q: %w", e.Name(), err)
			}
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish zip: %w", err)
	}

	return nil
}
