// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandTilde(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	got, err := ExpandTilde("~/configs/estimator.toml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "configs/estimator.toml"), got)

	got, err = ExpandTilde("~")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(usr.HomeDir), got)

	got, err = ExpandTilde("/tmp/~x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/~x", got)

	_, err = ExpandTilde("~no-such-user-for-sure/x")
	require.Error(t, err)
}

func TestEnsureParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "report.csv")
	exists, err := FileExists(filepath.Dir(path))
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, EnsureParentDir(path))
	exists, err = FileExists(filepath.Dir(path))
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, EnsureParentDir(path), "existing directory is fine")
}
