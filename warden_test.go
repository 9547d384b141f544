package warden

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	c := DefaultConfig()
	c.Gateway.Command = "sh"
	c.Supervisor.StateDir = dir
	c.Supervisor.LockPath = filepath.Join(dir, "gw.lock")

	s := New(c)
	require.NotNil(t, s)
	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.Usable())
	assert.Equal(t, "", s.Output())
}

func TestRegisterMetricsDefaultIsIdempotent(t *testing.T) {
	require.NoError(t, RegisterMetricsDefault())
	require.NoError(t, RegisterMetricsDefault())
}
