package logging

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultRingSize   = 500
	defaultMaxSizeMB  = 128
	defaultMaxBackups = 5
	defaultMaxAgeDays = 16
)

var errInvalidLevel = errors.New("invalid log level")

// Options contains all settings for the logging setup.
type Options struct {
	// Level is the name of the logrus level (e.g. "info", "trace").
	Level string `yaml:"level"`

	// File is an optional path of a log file, rotated by size.
	File string `yaml:"file"`

	// MaxSizeMB is the size of a log file before rotation.
	MaxSizeMB int `yaml:"maxSizeMb"`

	// MaxBackups is the amount of rotated log files to retain.
	MaxBackups int `yaml:"maxBackups"`

	// MaxAgeDays is the amount of days to retain rotated log files.
	MaxAgeDays int `yaml:"maxAgeDays"`

	// Compress controls if rotated log files are compressed.
	Compress bool `yaml:"compress"`

	// RingSize is the amount of recent messages kept for the dashboard.
	RingSize int `yaml:"ringSize"`
}

// DefaultOptions returns [Options] with the default values.
func DefaultOptions() Options {
	return Options{
		Level:      logrus.InfoLevel.String(),
		MaxSizeMB:  defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
		MaxAgeDays: defaultMaxAgeDays,
		RingSize:   defaultRingSize,
	}
}

// Setup configures the standard logrus logger to write into a new
// [RingBuffer], which in turn passes all messages on to out and, when
// configured, into a rotated log file. The returned function closes the
// log file and must be called once logging is no longer needed.
func Setup(opts Options, out io.Writer) (*RingBuffer, func() error, error) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q: %w", errInvalidLevel, opts.Level, err)
	}

	closer := func() error { return nil }

	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		out = io.MultiWriter(out, lj)
		closer = lj.Close
	}

	size := opts.RingSize
	if size <= 0 {
		size = defaultRingSize
	}

	rbuf := NewRingBuffer(size, out)

	logrus.SetOutput(rbuf)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true, // [RingBuffer] has its own
		DisableColors:    true,
	})

	return rbuf, closer, nil
}
