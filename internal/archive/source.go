package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const defaultSourceName = "archive.zip"

// Source is where the bytes of an archive come from: either a file
// on the local disk, or a stream which was buffered fully into memory.
type Source struct {
	name    string
	path    string
	data    []byte
	modTime time.Time
}

// FromFile returns a [Source] for an archive file on the local disk.
// Only such sources are checked for modifications at runtime.
func FromFile(path string) Source {
	return Source{
		name: filepath.Base(path),
		path: path,
	}
}

// FromStream returns a [Source] for an archive read from r, which is
// buffered fully, as the central directory needs random access.
func FromStream(name string, r io.Reader) (Source, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Source{}, fmt.Errorf("failed to buffer stream: %w", err)
	}

	return FromBytes(name, data), nil
}

// FromBytes returns a [Source] for an archive held in memory.
func FromBytes(name string, data []byte) Source {
	if name == "" {
		name = defaultSourceName
	}

	return Source{
		name:    filepath.Base(name),
		data:    data,
		modTime: time.Now(),
	}
}

// Name returns the file name of the archive.
func (s Source) Name() string {
	return s.name
}

// Path returns the path of the archive file, empty for in-memory sources.
func (s Source) Path() string {
	return s.path
}

// IsFile reports whether the [Source] is an archive file on the local disk.
func (s Source) IsFile() bool {
	return s.path != ""
}

// Materialize writes an in-memory [Source] as a file into dir and returns
// the [Source] of that file. Sources which are already files are returned as is.
func (s Source) Materialize(dir string) (Source, error) {
	if s.IsFile() {
		return s, nil
	}

	dst := filepath.Join(dir, s.name)
	if err := os.WriteFile(dst, s.data, 0o600); err != nil { //nolint:mnd
		return Source{}, fmt.Errorf("failed to materialize %q: %w", s.name, err)
	}

	return FromFile(dst), nil
}
