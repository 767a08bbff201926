package main

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// cmdline returns the expected command of binary for source and mountpoint.
func cmdline(binary, source, mountpoint string, opts ...string) []string {
	out := []string{binary, "mount", "--config", source}
	out = append(out, opts...)

	return append(out, mountpoint)
}

// Expectation: The expected command should be built from the given arguments.
//
//nolint:maintidx
func Test_mountHelper_BuildCommand_Success(t *testing.T) {
	t.Parallel()

	const src = "/etc/zipvfs.yaml"

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr bool
	}{
		{
			name: "basic mount no options",
			args: []string{"mount.zipvfs", src, "/mnt/b"},
			want: cmdline("zipvfs", src, "/mnt/b"),
		},
		{
			name: "bare flag option",
			args: []string{"mount.zipvfs", src, "/mnt/b", "allow-other"},
			want: cmdline("zipvfs", src, "/mnt/b", "--allow-other"),
		},
		{
			name: "key=value option",
			args: []string{"mount.zipvfs", src, "/mnt/b", "webserver=:8000"},
			want: cmdline("zipvfs", src, "/mnt/b", "--webserver", ":8000"),
		},
		{
			name: "mixed bare flag and key=value",
			args: []string{"mount.zipvfs", src, "/mnt/b", "allow-other,stream-threshold=2MiB"},
			want: cmdline("zipvfs", src, "/mnt/b", "--allow-other", "--stream-threshold", "2MiB"),
		},
		{
			name: "options with prefix and dashes",
			args: []string{"mount.zipvfs", src, "/mnt/b", "--allow-other,--must-crc32,--ring-buffer-size=100"},
			want: cmdline("zipvfs", src, "/mnt/b", "--allow-other", "--must-crc32", "--ring-buffer-size", "100"),
		},
		{
			name: "from basename mount.fuse.zipvfs",
			args: []string{"mount.fuse.zipvfs", src, "/mnt/b"},
			want: cmdline("zipvfs", src, "/mnt/b"),
		},
		{
			name: "from basename mount.fuseblk.other",
			args: []string{"mount.fuseblk.other", src, "/mnt/b"},
			want: cmdline("other", src, "/mnt/b"),
		},
		{
			name: "derived from source# syntax",
			args: []string{"mount.fuseblk.", "zipvfs#/path/config.yaml", "/mnt/b"},
			want: cmdline("zipvfs", "/path/config.yaml", "/mnt/b"),
		},
		{
			name: "explicit -t fuse.zipvfs",
			args: []string{"mount", src, "/mnt/b", "-t", "fuse.zipvfs"},
			want: cmdline("zipvfs", src, "/mnt/b"),
		},
		{
			name: "explicit -t without fuse/fuseblk prefix",
			args: []string{"mount", src, "/mnt/b", "-t", "zipvfs"},
			want: cmdline("zipvfs", src, "/mnt/b"),
		},
		{
			name: "multiple -o flags merged",
			args: []string{
				"mount.zipvfs", src, "/mnt/b",
				"-o", "allow-other", "-o", "webserver=:7000",
			},
			want: cmdline("zipvfs", src, "/mnt/b", "--allow-other", "--webserver", ":7000"),
		},
		{
			name: "ignore -v flags",
			args: []string{"mount.zipvfs", src, "/mnt/b", "-v", "-v", "allow-other"},
			want: cmdline("zipvfs", src, "/mnt/b", "--allow-other"),
		},
		{
			name: "underscores converted to dashes",
			args: []string{"mount.zipvfs", src, "/mnt/b", "allow_other,memory_cache_threshold=1MiB"},
			want: cmdline("zipvfs", src, "/mnt/b", "--allow-other", "--memory-cache-threshold", "1MiB"),
		},
		{
			name: "option value with space",
			args: []string{"mount.zipvfs", src, "/mnt/b", "stream-threshold=128 MiB"},
			want: cmdline("zipvfs", src, "/mnt/b", "--stream-threshold", "128 MiB"),
		},
		{
			name: "paths with spaces",
			args: []string{"mount.zipvfs", "/etc/with space.yaml", "/mnt/with space"},
			want: cmdline("zipvfs", "/etc/with space.yaml", "/mnt/with space"),
		},
		{
			name: "empty option strings ignored",
			args: []string{"mount.zipvfs", src, "/mnt/b", "allow-other,,strict-cache", "-o"},
			want: cmdline("zipvfs", src, "/mnt/b", "--allow-other", "--strict-cache"),
		},
		{
			name: "unknown option ignored",
			args: []string{"mount.zipvfs", src, "/mnt/b", "unknown-option,allow-other,ro,noauto"},
			want: cmdline("zipvfs", src, "/mnt/b", "--allow-other"),
		},
		{
			name: "options alphabetically sorted",
			args: []string{"mount.zipvfs", src, "/mnt/b", "webserver=:8080,root=/srv,allow-other"},
			want: cmdline("zipvfs", src, "/mnt/b", "--allow-other", "--root", "/srv", "--webserver", ":8080"),
		},
		{
			name: "explicit -t overrides basename",
			args: []string{"mount.fuse.zipvfs", src, "/mnt/b", "-t", "other"},
			want: cmdline("other", src, "/mnt/b"),
		},
		{
			name: "explicit binary path",
			args: []string{"mount.zipvfs", src, "/mnt/b", "-o", "xbin=/opt/bin/zipvfs"},
			want: cmdline("/opt/bin/zipvfs", src, "/mnt/b"),
		},
		{
			name: "helper options not passed on",
			args: []string{"mount.zipvfs", src, "/mnt/b", "-o", "setuid=nobody,xlog=/tmp/x.log,xtim=5,strict-cache"},
			want: cmdline("zipvfs", src, "/mnt/b", "--strict-cache"),
		},
		{
			name:    "explicit -t fuse. with empty suffix errors",
			args:    []string{"mount", src, "/mnt/b", "-t", "fuse."},
			wantErr: true,
		},
		{
			name:    "source with only # gives empty type error",
			args:    []string{"mount.fuseblk.", "#/etc/zipvfs.yaml", "/mnt/b"},
			wantErr: true,
		},
		{
			name:    "source with only # gives empty source error",
			args:    []string{"mount.fuseblk.", "zipvfs#", "/mnt/b"},
			wantErr: true,
		},
		{
			name:    "source without # in generic mount helper",
			args:    []string{"mount.fuseblk.", "nosource", "/mnt/b"},
			wantErr: true,
		},
		{
			name:    "empty source argument",
			args:    []string{"mount.zipvfs", "", "/mnt/b"},
			wantErr: true,
		},
		{
			name:    "empty mountpoint argument",
			args:    []string{"mount.zipvfs", src, ""},
			wantErr: true,
		},
		{
			name:    "missing -t value",
			args:    []string{"mount", src, "/mnt/b", "-t"},
			wantErr: true,
		},
		{
			name:    "invalid xtim value",
			args:    []string{"mount", src, "/mnt/b", "-o", "xtim=0"},
			wantErr: true,
		},
		{
			name:    "missing arguments",
			args:    []string{"mount.zipvfs", src},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mh, err := newMountHelper(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newMountHelper() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			got := mh.BuildCommand()
			if !slices.Equal(got, tt.want) {
				t.Errorf("BuildCommand() = %v\nwant %v", got, tt.want)
			}
		})
	}
}

// Expectation: The helper options should be applied to the helper itself.
func Test_mountHelper_HelperOptions_Success(t *testing.T) {
	t.Parallel()

	mh, err := newMountHelper([]string{
		"mount.zipvfs", "/etc/zipvfs.yaml", "/mnt/b",
		"-o", "setuid=1000,xlog=/tmp/zipvfs.log,xtim=5",
	})
	require.NoError(t, err)

	require.Equal(t, "1000", mh.Setuid)
	require.Equal(t, "/tmp/zipvfs.log", mh.LogFile)
	require.Equal(t, 5*time.Second, mh.Timeout)
	require.Equal(t, "zipvfs", mh.Binary)
}

// Expectation: The mountpoint should be found within a mount table.
func Test_mountHelper_checkMountTable_Success(t *testing.T) {
	t.Parallel()

	mountinfo := filepath.Join(t.TempDir(), "mountinfo")
	require.NoError(t, os.WriteFile(mountinfo, []byte(strings.Join([]string{
		"22 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw",
		"95 22 0:45 / /mnt/zipvfs ro,nosuid,nodev - fuse.zipvfs zipvfs ro",
	}, "\n")), 0o644))

	mh := &mountHelper{Mountpoint: "/mnt/zipvfs"}
	ok, err := mh.checkMountTable(mountinfo)
	require.NoError(t, err)
	require.True(t, ok)

	mh = &mountHelper{Mountpoint: "/mnt/other"}
	ok, err = mh.checkMountTable(mountinfo)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = mh.checkMountTable(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

// Expectation: A byte from the filesystem should end the wait for the mount.
func Test_mountHelper_waitForMount_Success(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	_, err = w.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	mh := &mountHelper{Mountpoint: "/mnt/never-mounted", Timeout: 5 * time.Second}
	require.NoError(t, mh.waitForMount(r))
}

// Expectation: A closed descriptor without a mount should time out.
func Test_mountHelper_waitForMount_Timeout_Error(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, w.Close())

	mh := &mountHelper{Mountpoint: "/mnt/never-mounted", Timeout: 300 * time.Millisecond}
	require.ErrorIs(t, mh.waitForMount(r), errMountTimeout)
}

// Expectation: Numeric users and pairs should resolve without a lookup.
func Test_resolveUser_Success(t *testing.T) {
	t.Parallel()

	uid, gid, err := resolveUser("1000")
	require.NoError(t, err)
	require.Equal(t, uint32(1000), uid)
	require.Equal(t, uint32(1000), gid)

	uid, gid, err = resolveUser("1000:100")
	require.NoError(t, err)
	require.Equal(t, uint32(1000), uid)
	require.Equal(t, uint32(100), gid)

	uid, gid, err = resolveUser("root")
	require.NoError(t, err)
	require.Equal(t, uint32(0), uid)
	require.Equal(t, uint32(0), gid)

	_, _, err = resolveUser("1000:x")
	require.Error(t, err)

	_, _, err = resolveUser("no-such-user-here")
	require.Error(t, err)
}
