// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"fmt"
	"os"
)

// WritePidfile writes the current process's pid to path, truncating any
// existing file. Callers are expected to unlink it again via RemovePidfile
// on clean shutdown.
func WritePidfile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return newErr(KindConfigInvalid, "WritePidfile", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	if err != nil {
		return newErr(KindConfigInvalid, "WritePidfile", err)
	}
	return nil
}

// RemovePidfile unlinks path, ignoring a not-exist error (the reference
// unlinks unconditionally on exit; os.Remove's ErrNotExist is the Go
// equivalent of unlink(2) already having nothing to do).
func RemovePidfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return newErr(KindConfigInvalid, "RemovePidfile", err)
	}
	return nil
}
