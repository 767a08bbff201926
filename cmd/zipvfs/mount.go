package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"syscall"

	"bazil.org/fuse"
	"github.com/desertwitch/zipvfs/internal/config"
	"github.com/desertwitch/zipvfs/internal/fusefs"
	"github.com/desertwitch/zipvfs/internal/webserver"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	stackTraceBuffer = 1 << 24

	// helperEnvFD names the descriptor the mount helper waits on.
	helperEnvFD = "ZIPVFS_HELPER_FD"
)

type mountOpts struct {
	allowOther      bool
	strictCache     bool
	mustCRC32       bool
	streamThreshold string
	memoryThreshold string
	webserver       string
	logFile         string
	ringBufferSize  int
}

func mountCmd(opts *globalOpts) *cobra.Command {
	mo := mountOpts{}

	cmd := &cobra.Command{
		Use:   helpTextMountUse,
		Short: helpTextMountShort,
		Long:  helpTextMountLong,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fopts := fusefs.DefaultOptions()
			fopts.StrictCache = mo.strictCache

			numThreshold, err := humanize.ParseBytes(mo.streamThreshold)
			if err != nil {
				return fmt.Errorf("failed to parse stream threshold: %w", err)
			}
			fopts.StreamingThreshold.Store(numThreshold)

			var memThreshold uint64
			if mo.memoryThreshold != "" {
				memThreshold, err = humanize.ParseBytes(mo.memoryThreshold)
				if err != nil {
					return fmt.Errorf("failed to parse memory cache threshold: %w", err)
				}
			}

			a, err := opts.open(cmd, func(cfg *config.Config) {
				mo.apply(cmd, cfg)
				if mo.memoryThreshold != "" {
					cfg.Archive.MemoryCacheThreshold = config.Size(memThreshold) //nolint:gosec
				}
			})
			if err != nil {
				return err
			}

			return errors.Join(run(cmd, a, fopts, args[0], mo.allowOther), a.Close())
		},
	}

	f := cmd.Flags()
	f.BoolVar(&mo.allowOther, "allow-other", false, "Allow other users to access the filesystem")
	f.BoolVar(&mo.strictCache, "strict-cache", false, "Do not let the kernel cache directories and files")
	f.BoolVar(&mo.mustCRC32, "must-crc32", false, "Force integrity checking of all archive entries")
	f.StringVar(&mo.streamThreshold, "stream-threshold", "10MiB", "Size cutoff for loading a file fully into RAM (streaming instead)")
	f.StringVar(&mo.memoryThreshold, "memory-cache-threshold", "", "Size cutoff for caching archive entries in memory (overrides the configuration)")
	f.StringVarP(&mo.webserver, "webserver", "w", "", "Address to serve the diagnostics dashboard on (e.g. :8000; but disabled when empty)")
	f.StringVar(&mo.logFile, "log-file", "", "File to additionally write the logged events to (overrides the configuration)")
	f.IntVar(&mo.ringBufferSize, "ring-buffer-size", 0, "Amount of logged events kept for the dashboard (overrides the configuration)")

	return cmd
}

// apply overrides the configuration with the flags which were given.
func (mo *mountOpts) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()

	if fl.Changed("must-crc32") {
		cfg.Archive.MustCRC32 = mo.mustCRC32
	}
	if fl.Changed("webserver") {
		cfg.Webserver.Address = mo.webserver
	}
	if fl.Changed("log-file") {
		cfg.Logging.File = mo.logFile
	}
	if fl.Changed("ring-buffer-size") {
		cfg.Logging.RingSize = mo.ringBufferSize
	}
}

func run(cmd *cobra.Command, a *app, fopts *fusefs.Options, mountDir string, allowOther bool) error {
	fsys, err := fusefs.NewFS(a.vfs, fopts, a.rbuf)
	if err != nil {
		return fmt.Errorf("failed to create fs: %w", err)
	}

	if addr := a.cfg.Webserver.Address; addr != "" {
		dash, err := webserver.NewFSDashboard(a.vfs, fsys, a.rbuf, Version)
		if err != nil {
			return fmt.Errorf("failed to create dashboard: %w", err)
		}
		srv := dash.Serve(addr)
		defer srv.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		for range sig {
			a.rbuf.Println("Signal received, unmounting the filesystem...")

			if err := fuse.Unmount(mountDir); err != nil {
				a.rbuf.Printf("Unmount error: %v (try again later)\n", err)

				continue
			}

			return
		}
	}()

	sig1 := make(chan os.Signal, 1)
	signal.Notify(sig1, syscall.SIGUSR1)
	defer signal.Stop(sig1)
	go func() {
		for range sig1 {
			a.rbuf.Println("Signal received, forcing garbage collection...")
			runtime.GC()
			debug.FreeOSMemory()
		}
	}()

	sig2 := make(chan os.Signal, 1)
	signal.Notify(sig2, syscall.SIGUSR2)
	defer signal.Stop(sig2)
	go func() {
		for range sig2 {
			a.rbuf.Println("Signal received, printing stacktrace (to stderr)...")
			buf := make([]byte, stackTraceBuffer)
			stacklen := runtime.Stack(buf, true)
			os.Stderr.Write(buf[:stacklen]) //nolint:errcheck
		}
	}()

	log.Infof("[MOUNT] Mounting filesystem at %q", mountDir)

	return fusefs.Mount(cmd.Context(), fsys, mountDir, fusefs.MountOptions{ //nolint:wrapcheck
		AllowOther: allowOther,
		Ready:      notifyHelper,
	})
}

// notifyHelper tells a waiting mount helper that the mount is established.
func notifyHelper() {
	v := os.Getenv(helperEnvFD)
	if v == "" {
		return
	}

	fd, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("[MOUNT] Invalid %s: %q", helperEnvFD, v)

		return
	}

	f := os.NewFile(uintptr(fd), "helper")
	if f == nil {
		return
	}
	defer f.Close()

	if _, err := f.Write([]byte{1}); err != nil {
		log.Warnf("[MOUNT] Failed to notify mount helper: %v", err)
	}
}
