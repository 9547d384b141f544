// Package supervisor guarantees exactly one live gateway instance:
// it attaches to a reachable gateway when one exists and otherwise spawns,
// locks, restarts and eventually gives up on its own child.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/ostermost/warden/internal/config"
	"github.com/ostermost/warden/internal/crashpolicy"
	"github.com/ostermost/warden/internal/env"
	"github.com/ostermost/warden/internal/history"
	"github.com/ostermost/warden/internal/lockfile"
	"github.com/ostermost/warden/internal/logbuf"
	"github.com/ostermost/warden/internal/metrics"
	"github.com/ostermost/warden/internal/portguard"
	"github.com/ostermost/warden/internal/probe"
)

// Guard is the portguard surface the supervisor drives. The guardian is a
// servant: the supervisor informs it of spawn and termination events, never
// the reverse.
type Guard interface {
	Sweep(ctx context.Context, mode portguard.Mode)
	Record(port, pid int, command string, mode portguard.Mode) error
	RemoveRecord(pid int) error
}

// Options wires a Supervisor. Config, Prober and Guard are required;
// zero-value fields get production defaults.
type Options struct {
	Config   *config.Config
	Prober   probe.Prober
	Launcher Launcher
	Guard    Guard
	Policy   *crashpolicy.Policy
	Output   *logbuf.Buffer
	Logger   *slog.Logger
	History  history.Sink // optional
	OnStatus func(Status) // invoked on its own goroutine per transition

	// Optional rotating mirrors for the gateway's raw stdout and stderr,
	// written alongside the in-memory buffer.
	StdoutMirror io.Writer
	StderrMirror io.Writer
}

// Supervisor owns the authoritative Status and the active lock handle.
// All transitions happen under one mutex; blocking work (probe, spawn,
// wait, backoff) runs outside it.
type Supervisor struct {
	cfg      *config.Config
	prober   probe.Prober
	launcher Launcher
	guard    Guard
	policy   *crashpolicy.Policy
	out      *logbuf.Buffer
	log      *slog.Logger
	hist     history.Sink
	onStatus func(Status)
	mirrOut  io.Writer
	mirrErr  io.Writer

	mu       sync.Mutex
	status   Status
	active   bool // desired-active flag
	stopping bool // set before requesting termination; classifies the exit
	starting bool // a start attempt is in flight
	child    Child
	lock     *lockfile.Handle
	restarts int
}

func New(opts Options) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = NewExecLauncher()
	}
	if opts.Policy == nil {
		opts.Policy = crashpolicy.New(opts.Config.Supervisor.MaxCrashes, opts.Config.Supervisor.CrashWindow)
	}
	if opts.Output == nil {
		opts.Output = logbuf.New(opts.Config.Supervisor.OutputLimit)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		cfg:      opts.Config,
		prober:   opts.Prober,
		launcher: opts.Launcher,
		guard:    opts.Guard,
		policy:   opts.Policy,
		out:      opts.Output,
		log:      opts.Logger,
		hist:     opts.History,
		onStatus: opts.OnStatus,
		mirrOut:  opts.StdoutMirror,
		mirrErr:  opts.StderrMirror,
		status:   Status{State: StateStopped},
	}
}

// Status returns a copy of the current status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Output returns a snapshot of the buffered gateway output.
func (s *Supervisor) Output() string { return s.out.Contents() }

// SetActive sets the desired-active flag. True triggers the start
// protocol, false the stop protocol. Calling with the current value is a
// no-op beyond a status refresh.
func (s *Supervisor) SetActive(active bool) {
	if active {
		s.mu.Lock()
		s.active = true
		st := s.status
		s.mu.Unlock()
		s.notify(st)
		go s.startIfNeeded()
		return
	}
	s.Stop()
	// Cycling setActive is the operator's escape from Failed: dropping the
	// desired-active flag also forgets the crash window.
	s.policy.Reset()
}

// startIfNeeded runs the start protocol: give-up check, probe attach,
// resolve, lock, sweep, launch. No-op when a child already exists, a start
// is in flight, or the supervisor is not desired-active.
func (s *Supervisor) startIfNeeded() {
	s.mu.Lock()
	if s.child != nil || s.starting || !s.active {
		s.mu.Unlock()
		return
	}
	if s.policy.ShouldGiveUp() {
		reason := fmt.Sprintf("gateway crashed %d times, giving up", s.policy.Count())
		s.setStatusLocked(Status{State: StateFailed, Detail: reason})
		s.mu.Unlock()
		metrics.IncGiveUp()
		s.emit(history.EventGiveUp, 0, reason)
		return
	}
	s.starting = true
	// Preserve Restarting so the front-end sees the retry loop, not a
	// fresh start.
	if s.status.State != StateRestarting {
		s.setStatusLocked(Status{State: StateStarting})
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	ctx := context.Background()

	if res := s.prober.Check(ctx); res.Reachable {
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		s.setStatusLocked(Status{State: StateAttached, Detail: res.Detail})
		s.mu.Unlock()
		s.log.Info("attached to existing gateway", "detail", res.Detail)
		metrics.IncAttach()
		s.emit(history.EventAttach, 0, res.Detail)
		return
	}

	path, err := s.cfg.Gateway.ResolveCommand()
	if err != nil {
		s.fail(err.Error())
		return
	}

	handle, err := lockfile.Acquire(s.cfg.Supervisor.LockPath)
	if err != nil {
		s.fail(fmt.Sprintf("another supervisor holds the gateway: %v", err))
		return
	}

	s.guard.Sweep(ctx, s.mode())

	// The operator may have deactivated while we were probing or sweeping.
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		handle.Release()
		return
	}
	s.mu.Unlock()

	child, err := s.launcher.Launch(LaunchSpec{
		Path: path,
		Args: s.cfg.Gateway.Args,
		Dir:  s.cfg.Gateway.WorkDir,
		Env:  s.childEnv(),
	})
	if err != nil {
		handle.Release()
		// A command that cannot even start is handled like a crash; only
		// the log message tells the two apart.
		s.crashed(fmt.Sprintf("gateway failed to launch: %v", err))
		return
	}

	pid := child.PID()
	s.mu.Lock()
	aborted := !s.active
	s.child = child
	s.lock = handle
	s.stopping = aborted
	if aborted {
		s.setStatusLocked(Status{State: StateStopped})
	} else {
		s.setStatusLocked(Status{State: StateRunning, PID: pid})
	}
	grace := s.cfg.Supervisor.StopGrace
	s.mu.Unlock()

	if aborted {
		// SetActive(false) landed while the launch was in flight and found
		// no child to tear down, so the teardown happens here.
		go s.watch(child)
		s.log.Info("deactivated during launch, stopping gateway", "pid", pid)
		s.terminate(child, grace)
		return
	}

	s.log.Info("gateway started", "pid", pid, "path", path)
	metrics.IncStart()
	s.emit(history.EventStart, pid, path)
	if err := s.guard.Record(s.cfg.RPC.Port, pid, filepath.Base(path), s.mode()); err != nil {
		s.log.Warn("recording listener failed", "pid", pid, "error", err)
	}

	go s.watch(child)
}

// Stop drops the desired-active flag, marks Stopped optimistically and
// tears the child down asynchronously: TERM, a short grace, then KILL.
// The stopping flag is set before termination is requested so the watcher
// never classifies a deliberate stop as a crash.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.active = false
	child := s.child
	if child != nil {
		s.stopping = true
	}
	s.setStatusLocked(Status{State: StateStopped})
	grace := s.cfg.Supervisor.StopGrace
	s.mu.Unlock()

	if child == nil {
		return
	}
	go s.terminate(child, grace)
}

// terminate sends TERM, waits out the grace period and escalates to KILL
// when the child is still attached.
func (s *Supervisor) terminate(child Child, grace time.Duration) {
	if err := child.Terminate(); err != nil {
		s.log.Warn("TERM failed", "error", err)
	}
	time.Sleep(grace)
	s.mu.Lock()
	alive := s.child == child
	s.mu.Unlock()
	if !alive {
		return
	}
	s.log.Warn("gateway ignored TERM, killing", "pid", child.PID())
	if err := child.Kill(); err != nil {
		s.log.Error("KILL failed", "error", err)
	}
}

// watch drains both output streams, reaps the child and classifies the
// exit. The lock is released only after both readers finished and the
// process is reaped, on every exit path.
func (s *Supervisor) watch(child Child) {
	var wg sync.WaitGroup
	wg.Add(2)
	go s.drain(child.Stdout(), s.mirrOut, &wg)
	go s.drain(child.Stderr(), s.mirrErr, &wg)
	wg.Wait()

	err := child.Wait()
	pid := child.PID()

	s.mu.Lock()
	handle := s.lock
	s.lock = nil
	s.child = nil
	stopped := s.stopping || !s.active
	s.stopping = false
	s.mu.Unlock()

	if handle != nil {
		handle.Release()
	}
	if rerr := s.guard.RemoveRecord(pid); rerr != nil {
		s.log.Warn("removing listener record failed", "pid", pid, "error", rerr)
	}

	if stopped {
		s.mu.Lock()
		s.setStatusLocked(Status{State: StateStopped})
		s.mu.Unlock()
		s.log.Info("gateway stopped", "pid", pid)
		s.emit(history.EventStop, pid, "")
		return
	}
	s.crashed(fmt.Sprintf("gateway exited unexpectedly: %s", exitDetail(err)))
}

// crashed funnels unexpected exits and launch failures through the crash
// policy, then either schedules a restart or gives up.
func (s *Supervisor) crashed(detail string) {
	s.out.AppendLine(detail)
	s.log.Warn(detail)
	metrics.IncCrash()
	s.emit(history.EventCrash, 0, detail)

	s.mu.Lock()
	if !s.active {
		s.setStatusLocked(Status{State: StateStopped})
		s.mu.Unlock()
		return
	}
	s.policy.RecordCrash()
	s.restarts++
	if s.policy.ShouldGiveUp() {
		reason := fmt.Sprintf("gateway crashed %d times within the crash window, giving up", s.policy.Count())
		s.setStatusLocked(Status{State: StateFailed, Detail: reason})
		s.mu.Unlock()
		s.out.AppendLine(reason)
		metrics.IncGiveUp()
		s.emit(history.EventGiveUp, 0, reason)
		return
	}
	s.setStatusLocked(Status{State: StateRestarting})
	backoff := s.cfg.Supervisor.RestartBackoff
	s.mu.Unlock()

	metrics.IncRestart()
	time.Sleep(backoff)
	s.startIfNeeded()
}

// fail transitions straight to Failed: the underlying condition (lock
// conflict, unresolvable command) will not improve by retrying.
func (s *Supervisor) fail(reason string) {
	s.mu.Lock()
	s.setStatusLocked(Status{State: StateFailed, Detail: reason})
	s.mu.Unlock()
	s.out.AppendLine(reason)
	s.log.Error(reason)
	s.emit(history.EventFailed, 0, reason)
}

func (s *Supervisor) drain(r io.Reader, mirror io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.out.Append(buf[:n])
			if mirror != nil {
				if _, werr := mirror.Write(buf[:n]); werr != nil {
					s.log.Debug("output mirror write failed", "error", werr)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug("output stream closed", "error", err)
			}
			return
		}
	}
}

// setStatusLocked is the only place status changes. Caller holds s.mu.
func (s *Supervisor) setStatusLocked(st Status) {
	from := s.status.State
	st.Restarts = s.restarts
	s.status = st
	if from != st.State {
		metrics.RecordStateTransition(string(from), string(st.State))
		metrics.SetCurrentState(string(from), false)
		metrics.SetCurrentState(string(st.State), true)
	}
	s.notify(st)
}

// notify delivers the status callback on its own goroutine so callbacks
// may call back into the supervisor.
func (s *Supervisor) notify(st Status) {
	if s.onStatus != nil {
		go s.onStatus(st)
	}
}

func (s *Supervisor) emit(t history.EventType, pid int, detail string) {
	if s.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.hist.Send(ctx, history.Event{Type: t, OccurredAt: time.Now().UTC(), PID: pid, Detail: detail}); err != nil {
		s.log.Debug("history sink write failed", "error", err)
	}
}

func (s *Supervisor) mode() portguard.Mode {
	return portguard.Mode(s.cfg.Supervisor.Mode)
}

// childEnv merges the OS environment with the configured search path,
// project root and per-launch overrides.
func (s *Supervisor) childEnv() []string {
	b := env.New()
	b.PrependPath(s.cfg.Gateway.SearchPath)
	if s.cfg.Gateway.ProjectRoot != "" {
		b.Set("WARDEN_PROJECT_ROOT", s.cfg.Gateway.ProjectRoot)
	}
	return b.Merge(s.cfg.Gateway.Env)
}

func exitDetail(err error) string {
	if err == nil {
		return "exit status 0"
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.String()
	}
	return err.Error()
}
