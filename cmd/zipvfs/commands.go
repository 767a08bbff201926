package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/desertwitch/zipvfs/internal/config"
	"github.com/desertwitch/zipvfs/internal/vfs"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func pathArg(args []string) string {
	if len(args) == 0 {
		return "/"
	}

	return args[0]
}

// entryName returns the name of an entry, directories ending with a slash.
func entryName(name string, fi *adapter.FileInfo) string {
	if name == "" {
		name = "/"
	}
	if fi.IsDir && !strings.HasSuffix(name, "/") {
		return name + "/"
	}

	return name
}

// formatLong returns a line of type, size, modification time and name.
func formatLong(name string, fi *adapter.FileInfo) string {
	kind := "-"
	switch {
	case fi.Nested:
		kind = "a"
	case fi.IsDir:
		kind = "d"
	}

	size := "-"
	if !fi.IsDir {
		size = humanize.IBytes(uint64(max(0, fi.Size)))
	}

	return fmt.Sprintf("%s %10s  %s  %s", kind, size, fi.ModTime.Format(time.DateTime), entryName(name, fi))
}

func lsCmd(opts *globalOpts) *cobra.Command {
	var long bool

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "list the entries of a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(a *app) error {
				return list(cmd.Context(), cmd.OutOrStdout(), a.vfs.Resolve(pathArg(args)), long)
			})
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "L", false, "Print type, size and modification time of every entry")

	return cmd
}

func list(ctx context.Context, w io.Writer, dir *vfs.File, long bool) error {
	children, err := dir.Children(ctx)
	if err != nil {
		return fmt.Errorf("failed to list %q: %w", dir.Path(), err)
	}

	for _, c := range children {
		fi, err := c.Stat(ctx)
		if err != nil {
			log.Warnf("[CLI] Failed to stat %q: %v", c.Path(), err)

			continue
		}

		if long {
			fmt.Fprintln(w, formatLong(c.Name(), fi))
		} else {
			fmt.Fprintln(w, entryName(c.Name(), fi))
		}
	}

	return nil
}

func catCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>...",
		Short: "print the contents of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(a *app) error {
				for _, p := range args {
					if err := cat(cmd.Context(), cmd.OutOrStdout(), a.vfs.Resolve(p)); err != nil {
						return err
					}
				}

				return nil
			})
		},
	}
}

func cat(ctx context.Context, w io.Writer, f *vfs.File) error {
	r, err := f.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", f.Path(), err)
	}

	_, err = io.Copy(w, r)

	return errors.Join(err, r.Close())
}

func statCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "print the details of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(a *app) error {
				return stat(cmd.Context(), cmd.OutOrStdout(), a.vfs.Resolve(args[0]))
			})
		},
	}
}

func stat(ctx context.Context, w io.Writer, f *vfs.File) error {
	fi, err := f.Stat(ctx)
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", f.Path(), err)
	}

	kind := "file"
	switch {
	case fi.Nested:
		kind = "nested archive"
	case fi.IsDir:
		kind = "directory"
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0) //nolint:mnd
	fmt.Fprintf(tw, "Path:\t%s\n", f.Path())
	fmt.Fprintf(tw, "Type:\t%s\n", kind)
	if !fi.IsDir {
		fmt.Fprintf(tw, "Size:\t%s (%d bytes)\n", humanize.IBytes(uint64(max(0, fi.Size))), fi.Size)
	}
	fmt.Fprintf(tw, "Modified:\t%s\n", fi.ModTime.Format(time.RFC3339))

	b := f.Binding()
	fmt.Fprintf(tw, "Mount:\t%s (%s)\n", b.MountPoint(), b.FileSystem().Kind())

	if local, err := f.LocalFile(ctx); err == nil {
		fmt.Fprintf(tw, "Local:\t%s\n", local)
	}

	return tw.Flush() //nolint:wrapcheck
}

func treeCmd(opts *globalOpts) *cobra.Command {
	var (
		hidden    bool
		filesOnly bool
		maxDepth  int
		exclude   []string
	)

	cmd := &cobra.Command{
		Use:   "tree [path]",
		Short: "print the tree below a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(a *app) error {
				start := a.vfs.Resolve(pathArg(args))

				vopts := vfs.VisitOptions{
					IncludeRoot:   !filesOnly,
					LeavesOnly:    filesOnly,
					IncludeHidden: hidden,
					IgnoreErrors:  true,
					Exclude:       exclude,
				}
				if maxDepth > 0 {
					vopts.Recurse = func(f *vfs.File, _ *adapter.FileInfo) bool {
						return f.Node().Depth()-start.Node().Depth() < maxDepth
					}
				}

				return tree(cmd.Context(), cmd.OutOrStdout(), start, vopts, filesOnly)
			})
		},
	}
	cmd.Flags().BoolVarP(&hidden, "all", "A", false, "Include entries whose name begins with a dot")
	cmd.Flags().BoolVarP(&filesOnly, "files", "f", false, "Print only the full paths of files")
	cmd.Flags().IntVarP(&maxDepth, "depth", "D", 0, "Descend at most this many levels (unlimited if 0)")
	cmd.Flags().StringArrayVarP(&exclude, "exclude", "e", nil, "Exclude paths matching a gitignore pattern (repeatable)")

	return cmd
}

func tree(ctx context.Context, w io.Writer, start *vfs.File, vopts vfs.VisitOptions, flat bool) error {
	base := start.Node().Depth()

	return start.Visit(ctx, func(f *vfs.File, fi *adapter.FileInfo) error { //nolint:wrapcheck
		if flat {
			fmt.Fprintln(w, f.Path())

			return nil
		}

		depth := f.Node().Depth() - base
		if depth == 0 {
			fmt.Fprintln(w, entryName(f.Path(), fi))

			return nil
		}

		fmt.Fprintln(w, strings.Repeat("  ", depth-1)+"- "+entryName(f.Name(), fi))

		return nil
	}, vopts)
}

func zipCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "zip <dir> <output-file>",
		Short: "write the tree below a directory as a zip archive (\"-\" for stdout)",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(a *app) error {
				if args[1] == "-" {
					return writeZip(cmd.Context(), cmd.OutOrStdout(), a.vfs.Resolve(args[0]))
				}

				out, err := os.Create(args[1])
				if err != nil {
					return fmt.Errorf("failed to create output: %w", err)
				}

				return errors.Join(writeZip(cmd.Context(), out, a.vfs.Resolve(args[0])), out.Close())
			})
		},
	}
}

func writeZip(ctx context.Context, w io.Writer, dir *vfs.File) error {
	r, err := dir.OpenZipStream(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}

	n, err := io.Copy(w, r)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to write zip of %q: %w", dir.Path(), err), r.Close())
	}

	log.Debugf("[CLI] Wrote zip of %q (%s)", dir.Path(), humanize.IBytes(uint64(n))) //nolint:gosec

	return r.Close() //nolint:wrapcheck
}

func mountsCmd(opts *globalOpts) *cobra.Command {
	var commands bool

	cmd := &cobra.Command{
		Use:   "mounts",
		Short: "print the mount table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.with(cmd, func(a *app) error {
				if commands {
					fmt.Fprintln(cmd.OutOrStdout(), replayCommand(a.cfg))

					return nil
				}

				return printMounts(cmd.OutOrStdout(), a.vfs.Mounts())
			})
		},
	}
	cmd.Flags().BoolVar(&commands, "command", false, "Print a command line which recreates the mount table")

	return cmd
}

func printMounts(w io.Writer, mounts []vfs.MountInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(tw, "POINT\tKIND\tMODE\tSOURCE")

	for _, m := range mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Point, m.Kind, mode, m.Source)
	}

	return tw.Flush() //nolint:wrapcheck
}

// replayCommand returns a quoted command line which opens the same tree.
func replayCommand(cfg *config.Config) string {
	args := []string{"zipvfs", "--root", cfg.Root}

	for _, m := range cfg.Mounts {
		switch {
		case m.Archive != "" && m.Expanded:
			args = append(args, "--expand", m.Point+"="+m.Archive)
		case m.Archive != "":
			args = append(args, "--archive", m.Point+"="+m.Archive)
		case m.ReadOnly:
			args = append(args, "--dir", m.Point+"="+m.Dir)
		default:
			args = append(args, "--dir-rw", m.Point+"="+m.Dir)
		}
	}

	return shellescape.QuoteCommand(args)
}

func configCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err //nolint:wrapcheck
			}

			data, err := cfg.Marshal()
			if err != nil {
				return err //nolint:wrapcheck
			}

			_, err = cmd.OutOrStdout().Write(data)

			return err //nolint:wrapcheck
		},
	}
}
