package main

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
)

// resolveUser returns the credentials of a username, a numeric UID
// (using the same GID) or a numeric UID:GID pair.
func resolveUser(who string) (uint32, uint32, error) {
	if uidStr, gidStr, ok := strings.Cut(who, ":"); ok {
		uid, err := parseID(uidStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid uid %q: %w", uidStr, err)
		}
		gid, err := parseID(gidStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid gid %q: %w", gidStr, err)
		}

		return uid, gid, nil
	}

	if uid, err := parseID(who); err == nil {
		return uid, uid, nil
	}

	u, err := user.Lookup(who)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup user %q failed: %w", who, err)
	}

	uid, err := parseID(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid %q: %w", u.Uid, err)
	}

	gid, err := parseID(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid %q: %w", u.Gid, err)
	}

	return uid, gid, nil
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err //nolint:wrapcheck
	}

	return uint32(n), nil
}
