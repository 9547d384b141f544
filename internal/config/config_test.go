package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[gateway]
command = "gatewayd"
args = ["--rpc-port", "4817"]
project_root = "/srv/project"
search_path = "/opt/gateway/bin"

[rpc]
port = 4817
method = "status"

[supervisor]
mode = "remote"
ports = [4817, 4818]
max_crashes = 5
crash_window = "60s"
restart_backoff = "200ms"

[server]
listen = "127.0.0.1:9099"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gatewayd", cfg.Gateway.Command)
	assert.Equal(t, []string{"--rpc-port", "4817"}, cfg.Gateway.Args)
	assert.Equal(t, "remote", cfg.Supervisor.Mode)
	assert.Equal(t, []int{4817, 4818}, cfg.Supervisor.Ports)
	assert.Equal(t, 5, cfg.Supervisor.MaxCrashes)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.CrashWindow)
	assert.Equal(t, 200*time.Millisecond, cfg.Supervisor.RestartBackoff)
	assert.Equal(t, "127.0.0.1:9099", cfg.Server.Listen)
	assert.Equal(t, "http://127.0.0.1:4817/rpc", cfg.ProbeURL())
}

func TestDefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
[gateway]
command = "gatewayd"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4817, cfg.RPC.Port)
	assert.Equal(t, "status", cfg.RPC.Method)
	assert.Equal(t, []int{4817}, cfg.Supervisor.Ports)
	assert.Equal(t, 3, cfg.Supervisor.MaxCrashes)
	assert.Equal(t, 120*time.Second, cfg.Supervisor.CrashWindow)
	assert.Equal(t, 750*time.Millisecond, cfg.Supervisor.RestartBackoff)
	assert.Equal(t, time.Second, cfg.Supervisor.StopGrace)
	assert.Equal(t, "local", cfg.Supervisor.Mode)
	assert.Equal(t, []string{"gatewayd"}, cfg.Supervisor.AllowCommands)
	assert.NotEmpty(t, cfg.Supervisor.LockPath)
	assert.NotEmpty(t, cfg.Supervisor.StateDir)
	assert.Equal(t, filepath.Join(cfg.Supervisor.StateDir, "listeners.json"), cfg.RecordsPath())
}

func TestInvalidModeRejected(t *testing.T) {
	path := writeConfig(t, `
[supervisor]
mode = "tunnel"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestInvalidPortRejected(t *testing.T) {
	path := writeConfig(t, `
[supervisor]
ports = [70000]
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolveCommandExplicitPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "gatewayd")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	got, err := Gateway{Command: bin}.ResolveCommand()
	require.NoError(t, err)
	assert.Equal(t, bin, got)
}

func TestResolveCommandMissingPathFails(t *testing.T) {
	_, err := Gateway{Command: "/nonexistent/gatewayd"}.ResolveCommand()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandResolution)
}

func TestResolveCommandDirectoryFails(t *testing.T) {
	_, err := Gateway{Command: t.TempDir()}.ResolveCommand()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandResolution)
}

func TestResolveCommandPathLookup(t *testing.T) {
	// "sh" exists on every supported platform's PATH.
	got, err := Gateway{Command: "sh"}.ResolveCommand()
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestResolveCommandEmptyFails(t *testing.T) {
	_, err := Gateway{}.ResolveCommand()
	assert.ErrorIs(t, err, ErrCommandResolution)
}

func TestReadToken(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("abc123\n"), 0o600))

	cfg := Default()
	cfg.RPC.TokenFile = tokenFile
	assert.Equal(t, "abc123", cfg.ReadToken())

	cfg.RPC.TokenFile = filepath.Join(dir, "missing")
	assert.Equal(t, "", cfg.ReadToken())

	cfg.RPC.TokenFile = ""
	assert.Equal(t, "", cfg.ReadToken())
}
