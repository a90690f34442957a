// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system: configuration and report paths.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if something went wrong in the
// filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ExpandTilde replaces a leading "~" (current user) or "~name" (user name) by the user's home directory.
// Paths that don't start with "~" are returned unchanged.
func ExpandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	userName, rest, _ := strings.Cut(path[1:], "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", path)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// EnsureParentDir creates the parent directory of path (with 0755 permissions) if it doesn't exist yet.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	exists, err := FileExists(dir)
	if err != nil || exists {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return nil
}
