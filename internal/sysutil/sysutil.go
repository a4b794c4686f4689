// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Package sysutil wraps the handful of raw syscalls the startup path needs
// outside of the media path itself: nofile rlimit, privilege drop, and the
// superuser warning the reference prints before dropping privileges.
package sysutil

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// RaiseNofileLimit sets both the soft and hard RLIMIT_NOFILE to n, returning
// the soft limit read back afterward. The request is not clamped: a value
// the kernel refuses makes setrlimit fail and the error is returned.
func RaiseNofileLimit(n uint64) (uint64, error) {
	var rlim unix.Rlimit
	rlim.Cur = n
	rlim.Max = n
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("setrlimit: %w", err)
	}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}
	return rlim.Cur, nil
}

// LookupCredentials resolves a "user[:group]" spec to numeric uid/gid, the
// way the reference resolves -u via getpwnam/getgrnam. An empty groupName
// falls back to the user's primary group.
func LookupCredentials(userName, groupName string) (uid, gid int, err error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return 0, 0, fmt.Errorf("can't find ID for the user %q: %w", userName, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected uid %q: %w", u.Uid, err)
	}
	if groupName == "" {
		gid, err = strconv.Atoi(u.Gid)
		if err != nil {
			return 0, 0, fmt.Errorf("unexpected gid %q: %w", u.Gid, err)
		}
		return uid, gid, nil
	}
	g, err := user.LookupGroup(groupName)
	if err != nil {
		return 0, 0, fmt.Errorf("can't find ID for the group %q: %w", groupName, err)
	}
	gid, err = strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected gid %q: %w", g.Gid, err)
	}
	return uid, gid, nil
}

// DropPrivileges sets the process's real/effective gid then uid, in that
// order -- dropping the group first is the only ordering that doesn't
// leave the process briefly running with neither.
func DropPrivileges(uid, gid int) error {
	if gid != -1 {
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}
	if uid != -1 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}
	return nil
}

// RunningAsRoot reports whether the effective uid is 0, the condition the
// reference's superuser check guards against.
func RunningAsRoot() bool {
	return unix.Geteuid() == 0
}
