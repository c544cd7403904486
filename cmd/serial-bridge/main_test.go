package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luhtfiimanal/go-serial-bridge/internal/config"
)

func TestParseFlags_Defaults(t *testing.T) {
	cfg, verbose, done, err := parseFlags(nil)
	require.NoError(t, err)
	require.False(t, done)
	require.False(t, verbose)
	require.Equal(t, config.Default(), cfg)
}

func TestParseFlags_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: /dev/ttyS3\ndata_port: 7000\n"), 0o644))

	cfg, verbose, _, err := parseFlags([]string{"-c", path, "-p", "7100", "-v"})
	require.NoError(t, err)
	require.True(t, verbose)
	require.Equal(t, "/dev/ttyS3", cfg.Device)
	require.Equal(t, 7100, cfg.DataPort)
	require.Equal(t, config.DefaultLogPort, cfg.LogPort)
}

func TestParseFlags_InvalidPort(t *testing.T) {
	_, _, _, err := parseFlags([]string{"--port", "9"})
	require.Error(t, err)
}

func TestParseFlags_HelpAndVersion(t *testing.T) {
	_, _, done, err := parseFlags([]string{"--help"})
	require.NoError(t, err)
	require.True(t, done)

	_, _, done, err = parseFlags([]string{"--version"})
	require.NoError(t, err)
	require.True(t, done)
}

func TestRun_LogFileUnavailable(t *testing.T) {
	err := run([]string{"--log", filepath.Join(t.TempDir(), "missing", "x.log"), "--listen", "127.0.0.1"})
	require.Error(t, err)
}
