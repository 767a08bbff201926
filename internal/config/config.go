// Package config implements the YAML configuration of the filesystem.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/desertwitch/zipvfs/internal/adapter/realfs"
	"github.com/desertwitch/zipvfs/internal/archive"
	"github.com/desertwitch/zipvfs/internal/logging"
	"github.com/desertwitch/zipvfs/internal/mount"
	"github.com/desertwitch/zipvfs/internal/reaper"
	"github.com/desertwitch/zipvfs/internal/vfs"
	"github.com/desertwitch/zipvfs/internal/vpath"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalid is returned for configurations which cannot be used.
	ErrInvalid = errors.New("invalid configuration")

	errNestedMode = errors.New("unknown nested mode")
)

// Size is a byte size, written in YAML as a humanized string ("1 MiB").
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode size: %w", err)
	}

	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("failed to parse size %q: %w", raw, err)
	}
	*s = Size(n) //nolint:gosec

	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil //nolint:gosec
}

// Reaper are the settings of the reclamation of idle archive handles.
type Reaper struct {
	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	ScanInterval     time.Duration `yaml:"scanInterval"`
	ShutdownAfter    time.Duration `yaml:"shutdownAfter"`
	DeleteRetryDelay time.Duration `yaml:"deleteRetryDelay"`
	Synchronous      bool          `yaml:"synchronous"`
}

// Archive are the settings shared by all mounted archives.
type Archive struct {
	NestedMode           string        `yaml:"nestedMode"`
	ModCheckInterval     time.Duration `yaml:"modCheckInterval"`
	MemoryCacheThreshold Size          `yaml:"memoryCacheThreshold"`
	MustCRC32            bool          `yaml:"mustCrc32"`
	Suffixes             []string      `yaml:"suffixes"`
}

// Webserver are the settings of the diagnostics dashboard.
type Webserver struct {
	Address string `yaml:"address"`
}

// Mount is an entry of the mount table, which either mounts an
// archive (optionally expanded up front) or a directory.
type Mount struct {
	Point    string `yaml:"point"`
	Archive  string `yaml:"archive,omitempty"`
	Expanded bool   `yaml:"expanded,omitempty"`
	Dir      string `yaml:"dir,omitempty"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
}

// Config is the whole configuration of the filesystem.
type Config struct {
	Root          string          `yaml:"root"`
	RootReadOnly  bool            `yaml:"rootReadOnly"`
	Scratch       string          `yaml:"scratch"`
	SweepStale    bool            `yaml:"sweepStale"`
	LeakDetection bool            `yaml:"leakDetection"`
	Reaper        Reaper          `yaml:"reaper"`
	Archive       Archive         `yaml:"archive"`
	Logging       logging.Options `yaml:"logging"`
	Webserver     Webserver       `yaml:"webserver"`
	Mounts        []Mount         `yaml:"mounts,omitempty"`
}

// Default returns a pointer to a new [Config] with the default values.
func Default() *Config {
	ro := reaper.DefaultOptions()
	ao := archive.DefaultOptions()

	return &Config{
		Root:         "/",
		RootReadOnly: true,
		SweepStale:   true,
		Reaper: Reaper{
			IdleTimeout:      ro.IdleTimeout,
			ScanInterval:     ro.ScanInterval,
			ShutdownAfter:    ro.ShutdownAfter,
			DeleteRetryDelay: ro.DeleteRetryDelay,
			Synchronous:      ro.Synchronous,
		},
		Archive: Archive{
			NestedMode:           ao.NestedMode.String(),
			ModCheckInterval:     ao.ModCheckInterval,
			MemoryCacheThreshold: Size(ao.MemoryCacheThreshold.Load()),
			MustCRC32:            ao.MustCRC32.Load(),
			Suffixes:             archive.Suffixes.List(),
		},
		Logging: logging.DefaultOptions(),
		Webserver: Webserver{
			Address: ":8000",
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
// Unknown keys are refused.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Marshal returns the [Config] as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	return data, nil
}

func parseNestedMode(s string) (archive.NestedMode, error) {
	switch s {
	case "", archive.NestedNoCopy.String():
		return archive.NestedNoCopy, nil
	case archive.NestedCopy.String():
		return archive.NestedCopy, nil
	default:
		return 0, fmt.Errorf("%w: %q", errNestedMode, s)
	}
}

// Validate checks the [Config] for settings which cannot be used.
func (c *Config) Validate() error {
	var errs []error

	if _, err := parseNestedMode(c.Archive.NestedMode); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]struct{}, len(c.Mounts))

	for i, m := range c.Mounts {
		node := vpath.Parse(m.Point)

		switch {
		case node.IsRoot():
			errs = append(errs, fmt.Errorf("mount #%d: %w", i+1, mount.ErrMountRoot))
		case (m.Archive == "") == (m.Dir == ""):
			errs = append(errs, fmt.Errorf("mount #%d (%q): needs either archive or dir", i+1, m.Point))
		case m.Expanded && m.Archive == "":
			errs = append(errs, fmt.Errorf("mount #%d (%q): only archives can be expanded", i+1, m.Point))
		}

		if _, ok := seen[node.Key()]; ok {
			errs = append(errs, fmt.Errorf("mount #%d (%q): %w", i+1, m.Point, mount.ErrAlreadyMounted))
		}
		seen[node.Key()] = struct{}{}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// VFSOptions returns the [vfs.Options] of the [Config].
// The suffixes of nested archives are given their own registry.
func (c *Config) VFSOptions() (*vfs.Options, error) {
	mode, err := parseNestedMode(c.Archive.NestedMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	ao := archive.DefaultOptions()
	ao.NestedMode = mode
	ao.ModCheckInterval = c.Archive.ModCheckInterval
	ao.MemoryCacheThreshold.Store(int64(c.Archive.MemoryCacheThreshold))
	ao.MustCRC32.Store(c.Archive.MustCRC32)
	ao.Suffixes = archive.NewSuffixRegistry(c.Archive.Suffixes...)

	return &vfs.Options{
		RootDir:       c.Root,
		RootReadOnly:  c.RootReadOnly,
		ScratchBase:   c.Scratch,
		SweepStale:    c.SweepStale,
		LeakDetection: c.LeakDetection,
		Reaper: reaper.Options{
			IdleTimeout:      c.Reaper.IdleTimeout,
			ScanInterval:     c.Reaper.ScanInterval,
			ShutdownAfter:    c.Reaper.ShutdownAfter,
			DeleteRetryDelay: c.Reaper.DeleteRetryDelay,
			Synchronous:      c.Reaper.Synchronous,
		},
		Archive: ao,
	}, nil
}

// ApplyMounts mounts all entries of the mount table into v, in order.
// If one fails, the ones mounted before are unmounted again.
func (c *Config) ApplyMounts(ctx context.Context, v *vfs.VFS) ([]*mount.Handle, error) {
	handles := make([]*mount.Handle, 0, len(c.Mounts))

	for _, m := range c.Mounts {
		h, err := applyMount(ctx, v, m)
		if err != nil {
			errs := []error{fmt.Errorf("failed to mount %q: %w", m.Point, err)}
			for _, h := range handles {
				errs = append(errs, h.Close())
			}

			return nil, errors.Join(errs...)
		}
		handles = append(handles, h)
	}

	return handles, nil
}

func applyMount(ctx context.Context, v *vfs.VFS, m Mount) (*mount.Handle, error) {
	switch {
	case m.Archive != "" && m.Expanded:
		return v.MountExpandedArchive(ctx, archive.FromFile(m.Archive), m.Point) //nolint:wrapcheck
	case m.Archive != "":
		return v.MountArchive(ctx, archive.FromFile(m.Archive), m.Point) //nolint:wrapcheck
	default:
		fi, err := os.Stat(m.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to stat dir: %w", err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("%w: %q is not a directory", ErrInvalid, m.Dir)
		}

		return v.Mount(m.Point, realfs.New(m.Dir, m.ReadOnly)) //nolint:wrapcheck
	}
}
