package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostermost/warden/internal/config"
	"github.com/ostermost/warden/internal/crashpolicy"
	"github.com/ostermost/warden/internal/history"
	"github.com/ostermost/warden/internal/lockfile"
	"github.com/ostermost/warden/internal/portguard"
	"github.com/ostermost/warden/internal/probe"
	"github.com/ostermost/warden/internal/runner"
)

// --- fakes ---

type fakeProber struct {
	mu  sync.Mutex
	res probe.Result
}

func (f *fakeProber) Check(context.Context) probe.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res
}

// errRunner answers "exit status 1" to everything, so sweeps see empty
// ports and never signal anyone.
type errRunner struct{}

func (errRunner) Run(context.Context, []string, runner.Opts) ([]byte, error) {
	return nil, errors.New("exit status 1")
}

type fakeChild struct {
	pid    int
	stdout io.Reader
	stderr io.Reader
	exit   chan error
	once   sync.Once
}

func newFakeChild(pid int, out string) *fakeChild {
	return &fakeChild{
		pid:    pid,
		stdout: strings.NewReader(out),
		stderr: strings.NewReader(""),
		exit:   make(chan error, 1),
	}
}

func (f *fakeChild) PID() int          { return f.pid }
func (f *fakeChild) Stdout() io.Reader { return f.stdout }
func (f *fakeChild) Stderr() io.Reader { return f.stderr }
func (f *fakeChild) Wait() error       { return <-f.exit }

func (f *fakeChild) exitWith(err error) {
	f.once.Do(func() { f.exit <- err })
}

func (f *fakeChild) Terminate() error {
	f.exitWith(errors.New("signal: terminated"))
	return nil
}

func (f *fakeChild) Kill() error {
	f.exitWith(errors.New("signal: killed"))
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	err      error
	crash    bool // children exit immediately with a failure
	output   string
	launches int
	children []*fakeChild
}

func (l *fakeLauncher) Launch(LaunchSpec) (Child, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		l.launches++
		return nil, l.err
	}
	l.launches++
	c := newFakeChild(10000+l.launches, l.output)
	if l.crash {
		c.exitWith(errors.New("exit status 1"))
	}
	l.children = append(l.children, c)
	return c, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) last() *fakeChild {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.children) == 0 {
		return nil
	}
	return l.children[len(l.children)-1]
}

// blockingLauncher parks Launch until released, modeling a slow spawn.
type blockingLauncher struct {
	entered chan struct{}
	release chan struct{}
	child   *fakeChild
}

func (l *blockingLauncher) Launch(LaunchSpec) (Child, error) {
	close(l.entered)
	<-l.release
	return l.child, nil
}

type recordSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordSink) Close() error { return nil }

func (r *recordSink) has(t history.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// --- harness ---

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	prober   *fakeProber
	guard    *portguard.Guardian
	policy   *crashpolicy.Policy
	cfg      *config.Config
	hist     *recordSink
	mirror   *syncBuffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Gateway.Command = "sh"
	cfg.Supervisor.LockPath = filepath.Join(dir, "gateway.lock")
	cfg.Supervisor.StateDir = dir
	cfg.Supervisor.RestartBackoff = 2 * time.Millisecond
	cfg.Supervisor.StopGrace = 50 * time.Millisecond

	h := &harness{
		launcher: &fakeLauncher{},
		prober:   &fakeProber{},
		guard:    portguard.New(portguard.Config{StatePath: cfg.RecordsPath()}, errRunner{}, nil),
		policy:   crashpolicy.New(3, 120*time.Second),
		cfg:      cfg,
		hist:     &recordSink{},
		mirror:   &syncBuffer{},
	}
	h.sup = New(Options{
		Config:       cfg,
		Prober:       h.prober,
		Launcher:     h.launcher,
		Guard:        h.guard,
		Policy:       h.policy,
		History:      h.hist,
		StdoutMirror: h.mirror,
	})
	return h
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Status().State == want
	}, 2*time.Second, 2*time.Millisecond, "expected state %s, got %s", want, s.Status().State)
}

// --- tests ---

func TestAttachToExistingGateway(t *testing.T) {
	h := newHarness(t)
	linked := true
	h.prober.res = probe.Result{Reachable: true, Linked: &linked, Detail: "gateway reachable, linked"}

	h.sup.SetActive(true)
	waitForState(t, h.sup, StateAttached)

	assert.Equal(t, 0, h.launcher.count(), "no child may be spawned on attach")
	assert.Contains(t, h.sup.Status().Detail, "linked")
	assert.True(t, h.sup.Status().Usable())
}

func TestSpawnWhenProbeFails(t *testing.T) {
	h := newHarness(t)
	h.sup.SetActive(true)
	waitForState(t, h.sup, StateRunning)

	st := h.sup.Status()
	assert.Greater(t, st.PID, 0)
	assert.Equal(t, 1, h.launcher.count())

	// Ownership record exists for the spawned pid.
	recs := h.guard.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, st.PID, recs[0].PID)
	assert.Equal(t, h.cfg.RPC.Port, recs[0].Port)

	// Lock is held while the child lives.
	_, err := os.Stat(h.cfg.Supervisor.LockPath)
	assert.NoError(t, err)
}

func TestStopWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.sup.SetActive(true)
	waitForState(t, h.sup, StateRunning)
	pid := h.sup.Status().PID

	h.sup.SetActive(false)
	waitForState(t, h.sup, StateStopped)

	require.Eventually(t, func() bool {
		_, err := os.Stat(h.cfg.Supervisor.LockPath)
		return os.IsNotExist(err)
	}, 2*time.Second, 2*time.Millisecond, "lock must be released after exit")

	require.Eventually(t, func() bool {
		return len(h.guard.Records()) == 0
	}, 2*time.Second, 2*time.Millisecond, "listener record must be removed")

	assert.Equal(t, 0, h.policy.Count(), "operator stop must not count as a crash")
	_ = pid
}

func TestCrashLoopEndsInFailed(t *testing.T) {
	h := newHarness(t)
	h.launcher.crash = true

	h.sup.SetActive(true)
	waitForState(t, h.sup, StateFailed)

	assert.Equal(t, 3, h.launcher.count(), "three crashes fill the window")
	assert.Contains(t, h.sup.Status().Detail, "giving up")
	require.Eventually(t, func() bool {
		return h.hist.has(history.EventGiveUp)
	}, 2*time.Second, 2*time.Millisecond)

	// A further activation without resetting the window spawns nothing.
	h.sup.SetActive(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, h.launcher.count())
	assert.Equal(t, StateFailed, h.sup.Status().State)
}

func TestDeactivationResetsCrashWindow(t *testing.T) {
	h := newHarness(t)
	h.launcher.crash = true
	h.sup.SetActive(true)
	waitForState(t, h.sup, StateFailed)

	h.sup.SetActive(false)
	waitForState(t, h.sup, StateStopped)
	assert.Equal(t, 0, h.policy.Count())

	h.launcher.mu.Lock()
	h.launcher.crash = false
	h.launcher.mu.Unlock()
	h.sup.SetActive(true)
	waitForState(t, h.sup, StateRunning)
}

func TestLaunchFailureFeedsCrashPolicy(t *testing.T) {
	h := newHarness(t)
	h.launcher.err = errors.New("fork/exec: permission denied")

	h.sup.SetActive(true)
	waitForState(t, h.sup, StateFailed)

	assert.Equal(t, 3, h.launcher.count())
	assert.Contains(t, h.sup.Output(), "failed to launch")

	// The lock must not leak across failed launches.
	_, err := os.Stat(h.cfg.Supervisor.LockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCommandResolutionFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.cfg.Gateway.Command = "/nonexistent/gatewayd"

	h.sup.SetActive(true)
	waitForState(t, h.sup, StateFailed)

	assert.Equal(t, 0, h.launcher.count())
	assert.Equal(t, 0, h.policy.Count(), "resolution failure bypasses the crash policy")
}

func TestLockConflictIsTerminal(t *testing.T) {
	h := newHarness(t)
	held, err := lockfile.Acquire(h.cfg.Supervisor.LockPath)
	require.NoError(t, err)
	defer held.Release()

	h.sup.SetActive(true)
	waitForState(t, h.sup, StateFailed)

	assert.Equal(t, 0, h.launcher.count())
	assert.Contains(t, h.sup.Status().Detail, "another supervisor")

	// A conflict never went through the crash policy, so it must not be
	// recorded as a give-up.
	require.Eventually(t, func() bool {
		return h.hist.has(history.EventFailed)
	}, 2*time.Second, 2*time.Millisecond)
	assert.False(t, h.hist.has(history.EventGiveUp))
}

func TestDeactivateDuringLaunchStopsChild(t *testing.T) {
	h := newHarness(t)
	bl := &blockingLauncher{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		child:   newFakeChild(4242, ""),
	}
	h.sup.launcher = bl

	h.sup.SetActive(true)
	<-bl.entered

	// Deactivate while the launch is in flight. Stop finds no child yet.
	h.sup.SetActive(false)
	require.Equal(t, StateStopped, h.sup.Status().State)

	close(bl.release)

	// The late child must be torn down and never surface as Running.
	require.Eventually(t, func() bool {
		h.sup.mu.Lock()
		defer h.sup.mu.Unlock()
		return h.sup.child == nil
	}, 2*time.Second, 2*time.Millisecond, "late child must be reaped")

	assert.Equal(t, StateStopped, h.sup.Status().State)
	assert.Equal(t, 0, h.policy.Count(), "an aborted launch is not a crash")

	require.Eventually(t, func() bool {
		_, err := os.Stat(h.cfg.Supervisor.LockPath)
		return os.IsNotExist(err)
	}, 2*time.Second, 2*time.Millisecond, "lock must be released after teardown")
}

func TestChildOutputReachesBuffer(t *testing.T) {
	h := newHarness(t)
	h.launcher.output = "gateway listening on 4817\n"

	h.sup.SetActive(true)
	waitForState(t, h.sup, StateRunning)

	require.Eventually(t, func() bool {
		return strings.Contains(h.sup.Output(), "gateway listening on 4817")
	}, 2*time.Second, 2*time.Millisecond)
}

func TestChildOutputMirrored(t *testing.T) {
	h := newHarness(t)
	h.launcher.output = "mirror line\n"

	h.sup.SetActive(true)
	waitForState(t, h.sup, StateRunning)

	require.Eventually(t, func() bool {
		return strings.Contains(h.mirror.String(), "mirror line")
	}, 2*time.Second, 2*time.Millisecond, "stdout must be teed into the mirror writer")
}

func TestUnexpectedExitRestarts(t *testing.T) {
	h := newHarness(t)
	h.sup.SetActive(true)
	waitForState(t, h.sup, StateRunning)
	first := h.sup.Status().PID

	// Simulate a crash; the supervisor should come back with a new child.
	h.launcher.last().exitWith(errors.New("exit status 2"))
	require.Eventually(t, func() bool {
		st := h.sup.Status()
		return st.State == StateRunning && st.PID != first
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, 2, h.launcher.count())
	assert.Equal(t, 1, h.sup.Status().Restarts)
	assert.Equal(t, 1, h.policy.Count())
	assert.Contains(t, h.sup.Output(), "exited unexpectedly")
}

func TestSetActiveTrueIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.sup.SetActive(true)
	waitForState(t, h.sup, StateRunning)

	h.sup.SetActive(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.launcher.count())
	assert.Equal(t, StateRunning, h.sup.Status().State)
}
