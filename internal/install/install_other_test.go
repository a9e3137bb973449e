//go:build !windows

package install

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFindsExecutable(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "skypeforlinux")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("PATH", dir)

	got, err := Path()
	require.NoError(t, err)
	assert.Equal(t, exe, got)
}

func TestPathPrefersSkype(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"skype", "skypeforlinux"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755))
	}
	t.Setenv("PATH", dir)

	got, err := Path()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "skype"), got)
}

func TestPathNotInstalled(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := Path()
	assert.ErrorIs(t, err, ErrNotInstalled)
}
