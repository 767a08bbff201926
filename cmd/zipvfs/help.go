package main

const (
	helpTextUse = "zipvfs"

	helpTextShort = "a virtual filesystem over directories and (nested) zip archives"

	helpTextLong = `zipvfs composes directories and zip-format archives (.zip, .jar, .war, ...)
into one virtual tree of mount points. Archives are indexed once and their files
are served straight from the archive, nested archives appear as directories and
are opened lazily. Idle archives are closed by a reaper and reopened on demand.

The tree is described by a YAML configuration (--config) and any number of
additional mounts given on the command line (--archive, --expand, --dir).
It can be browsed with the subcommands, or mounted as a read-only FUSE
filesystem (with an optional HTTP diagnostics dashboard).`

	helpTextMountUse = "mount <mount-dir>"

	helpTextMountShort = "mount the virtual tree as a read-only FUSE filesystem"

	helpTextMountLong = `Mounts the virtual tree as a read-only FUSE filesystem at <mount-dir>,
serving it until the filesystem is unmounted.

When mounted, the following OS signals are observed at runtime:
- SIGTERM/SIGINT for gracefully unmounting the FS
- SIGUSR1 for forcing a garbage collection run within Go
- SIGUSR2 for printing a stack trace to standard error (stderr)

When enabled, the diagnostics dashboard exposes the following routes:
- "/" for filesystem dashboard and event ring-buffer
- "/metrics.json" and "/mounts.json" for machine-readable diagnostics
- "/gc" for forcing of a garbage collection (within Go)
- "/reset" for resetting the filesystem metrics at runtime
- "/set/must-crc32/<bool>" for adapting forced integrity checking
- "/set/stream-threshold/<string>" for adapting of the streaming threshold
- "/set/memory-cache-threshold/<string>" for adapting of the memory cache
- "/suffixes/add/<suffix>" and "/suffixes/remove/<suffix>" for adapting
  which entries are treated as nested archives ("/suffixes/reset" reverts)`
)
