package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrcaHomeHonorsEnvVar(t *testing.T) {
	dir := t.TempDir()
	home := filepath.Join(dir, "custom-home")
	os.Setenv("ORCA_HOME", home)
	defer os.Unsetenv("ORCA_HOME")

	got, err := GetOrcaHome()
	require.NoError(t, err)
	require.Equal(t, home, got)

	info, err := os.Stat(home)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestDefaultDBPathIsUnderOrcaHome(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("ORCA_HOME", dir)
	defer os.Unsetenv("ORCA_HOME")

	path, err := DefaultDBPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "orca.db"), path)
}

func TestLogDirCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("ORCA_HOME", dir)
	defer os.Unsetenv("ORCA_HOME")

	logDir, err := LogDir()
	require.NoError(t, err)
	info, err := os.Stat(logDir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
