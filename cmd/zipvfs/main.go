/*
zipvfs composes directories of the OS filesystem and zip-format archives
(.zip, .jar, .war, ...) into one virtual tree of mount points. Archives are
indexed once and their contained files served straight from the archive,
nested archives appear as directories and are opened lazily on access.
Archives which are no longer accessed are closed by a reaper, and are
transparently reopened once accessed again.

The tree can be browsed with the subcommands (ls, cat, stat, tree, zip),
or mounted as a read-only FUSE filesystem which includes a HTTP dashboard
for filesystem metrics and controlling runtime behavior.

When mounted, the following signals are observed and handled:
  - SIGTERM or SIGINT (CTRL+C) gracefully unmounts the filesystem
  - SIGUSR1 forces a garbage collection (within Go)
  - SIGUSR2 dumps a diagnostic stacktrace to standard error (stderr)
*/
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/desertwitch/zipvfs/internal/config"
	"github.com/desertwitch/zipvfs/internal/logging"
	"github.com/desertwitch/zipvfs/internal/vfs"
	"github.com/spf13/cobra"
)

// Version is the program version (filled in from the Makefile).
var Version string

var errInvalidMountArg = errors.New("invalid mount argument")

// globalOpts are the settings shared by all subcommands.
type globalOpts struct {
	configFile string
	root       string
	archives   []string
	expanded   []string
	dirs       []string
	dirsRW     []string
	logLevel   string
}

// app is the opened virtual tree, as used by a single subcommand.
type app struct {
	cfg      *config.Config
	vfs      *vfs.VFS
	rbuf     *logging.RingBuffer
	closeLog func() error
}

func (a *app) Close() error {
	return errors.Join(a.vfs.Close(), a.closeLog())
}

func rootCmd() *cobra.Command {
	opts := &globalOpts{}

	cmd := &cobra.Command{
		Use:          helpTextUse,
		Short:        helpTextShort,
		Long:         helpTextLong,
		Version:      Version,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file (built-in defaults when empty)")
	pf.StringVarP(&opts.root, "root", "r", "", "Directory of the OS filesystem bound at the root (overrides the configuration)")
	pf.StringArrayVarP(&opts.archives, "archive", "a", nil, "Mount an archive as POINT=PATH (repeatable)")
	pf.StringArrayVarP(&opts.expanded, "expand", "x", nil, "Mount an archive extracted up front as POINT=PATH (repeatable)")
	pf.StringArrayVarP(&opts.dirs, "dir", "d", nil, "Mount a directory read-only as POINT=PATH (repeatable)")
	pf.StringArrayVar(&opts.dirsRW, "dir-rw", nil, "Mount a directory read-write as POINT=PATH (repeatable)")
	pf.StringVarP(&opts.logLevel, "log-level", "l", "", "Level of logged events (overrides the configuration)")

	cmd.AddCommand(
		lsCmd(opts),
		catCmd(opts),
		statCmd(opts),
		treeCmd(opts),
		zipCmd(opts),
		mountsCmd(opts),
		configCmd(opts),
		mountCmd(opts),
	)

	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func parseMountArg(arg string) (string, string, error) {
	point, path, ok := strings.Cut(arg, "=")
	if !ok || point == "" || path == "" {
		return "", "", fmt.Errorf("%w: %q (needs POINT=PATH)", errInvalidMountArg, arg)
	}

	return point, path, nil
}

// loadConfig returns the configuration file (or the defaults), with the
// command line mounts appended and any overrides of the flags applied.
func (o *globalOpts) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()

	if o.configFile != "" {
		c, err := config.Load(o.configFile)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		cfg = c
	}

	if cmd.Flags().Changed("root") {
		cfg.Root = o.root
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}

	add := func(args []string, mk func(point, path string) config.Mount) error {
		for _, arg := range args {
			point, path, err := parseMountArg(arg)
			if err != nil {
				return err
			}
			cfg.Mounts = append(cfg.Mounts, mk(point, path))
		}

		return nil
	}

	if err := errors.Join(
		add(o.archives, func(p, s string) config.Mount { return config.Mount{Point: p, Archive: s} }),
		add(o.expanded, func(p, s string) config.Mount { return config.Mount{Point: p, Archive: s, Expanded: true} }),
		add(o.dirs, func(p, s string) config.Mount { return config.Mount{Point: p, Dir: s, ReadOnly: true} }),
		add(o.dirsRW, func(p, s string) config.Mount { return config.Mount{Point: p, Dir: s} }),
	); err != nil {
		return nil, err
	}

	return cfg, nil
}

// open loads the configuration, lets tweak adapt it (if set) and opens the
// virtual tree with all configured mounts. You must call Close() once done.
func (o *globalOpts) open(cmd *cobra.Command, tweak func(*config.Config)) (*app, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err //nolint:wrapcheck
	}

	rbuf, closeLog, err := logging.Setup(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	vopts, err := cfg.VFSOptions()
	if err != nil {
		return nil, errors.Join(err, closeLog())
	}

	v, err := vfs.New(vopts)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create filesystem: %w", err), closeLog())
	}

	if _, err := cfg.ApplyMounts(cmd.Context(), v); err != nil {
		return nil, errors.Join(err, v.Close(), closeLog())
	}

	return &app{cfg: cfg, vfs: v, rbuf: rbuf, closeLog: closeLog}, nil
}

// with opens the virtual tree for the duration of fn.
func (o *globalOpts) with(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := o.open(cmd, nil)
	if err != nil {
		return err
	}

	return errors.Join(fn(a), a.Close())
}
