package runner

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	r := New()
	out, err := r.Run(context.Background(), []string{"echo", "hello"}, Opts{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestRunReportsNonZeroExit(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), []string{"false"}, Opts{})
	assert.Error(t, err)
}

func TestRunTimesOut(t *testing.T) {
	r := New()
	start := time.Now()
	_, err := r.Run(context.Background(), []string{"sleep", "10"}, Opts{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunEmptyArgv(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), nil, Opts{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "empty argv"))
}

func TestRunRespectsDir(t *testing.T) {
	dir := t.TempDir()
	r := New()
	out, err := r.Run(context.Background(), []string{"pwd"}, Opts{Dir: dir})
	require.NoError(t, err)
	// pwd may resolve symlinks in the temp path; compare the unique leaf.
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(out)), filepath.Base(dir)))
}
