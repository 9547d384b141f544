// Package portguard reclaims well-known gateway ports from stale or
// foreign listeners and tracks ownership records for processes the
// supervisor spawned itself.
package portguard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ostermost/warden/internal/metrics"
	"github.com/ostermost/warden/internal/runner"
)

// Mode selects the sweep predicate deciding which listeners are expected.
type Mode string

const (
	// ModeLocal expects the gateway (or an allow-listed command) itself to
	// hold the ports.
	ModeLocal Mode = "local"
	// ModeRemote expects only a tunnel process forwarding the exact port.
	ModeRemote Mode = "remote"
)

// Record describes a process the supervisor spawned and still tracks.
// At most one record exists per pid.
type Record struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	Command   string `json:"command"`
	Mode      Mode   `json:"mode"`
	Timestamp int64  `json:"timestamp"`
}

// Listener is one process discovered holding a listening socket. It is
// ephemeral; several may coexist on one port during a hand-off.
type Listener struct {
	PID     int
	Command string
	User    string
}

// Config for a Guardian.
type Config struct {
	Ports         []int    // ports to sweep
	AllowCommands []string // local mode: command-name substrings that may listen
	TunnelCommand string   // remote mode: expected tunnel command, default "ssh"
	StatePath     string   // JSON record file
}

// Guardian serializes every state mutation behind one mutex: concurrent
// callers queue rather than interleave, so the in-memory record set and its
// backing file never diverge.
type Guardian struct {
	mu       sync.Mutex
	cfg      Config
	run      runner.Runner
	log      *slog.Logger
	now      func() time.Time
	records  []Record
	persists int

	// pause between TERM and the liveness re-check before escalating
	termGrace time.Duration
}

func New(cfg Config, run runner.Runner, log *slog.Logger) *Guardian {
	if cfg.TunnelCommand == "" {
		cfg.TunnelCommand = "ssh"
	}
	if log == nil {
		log = slog.Default()
	}
	g := &Guardian{
		cfg:       cfg,
		run:       run,
		log:       log,
		now:       time.Now,
		termGrace: 300 * time.Millisecond,
	}
	g.records = loadRecords(cfg.StatePath)
	return g
}

// Sweep lists the listeners on every configured port and terminates those
// the mode predicate does not expect. Best-effort cleanup: every decision
// is logged and no error ever reaches the caller.
func (g *Guardian) Sweep(ctx context.Context, mode Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, port := range g.cfg.Ports {
		out, err := g.run.Run(ctx, lsofArgs(port), runner.Opts{})
		if err != nil && len(out) == 0 {
			// lsof exits non-zero when nothing listens; an empty listing
			// simply means the port is free.
			continue
		}
		for _, l := range ParseListeners(out) {
			switch {
			case g.ownedLocked(l.PID):
				g.log.Debug("sweep kept own listener", "port", port, "pid", l.PID, "command", l.Command)
			case g.expected(ctx, mode, port, l):
				g.log.Info("sweep kept expected listener", "port", port, "pid", l.PID, "command", l.Command, "mode", mode)
			default:
				g.terminate(ctx, port, l)
			}
		}
	}
}

// Record upserts the ownership record for pid, replacing any prior record
// with the same pid, and persists the full set.
func (g *Guardian) Record(port, pid int, command string, mode Mode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.records[:0]
	for _, r := range g.records {
		if r.PID != pid {
			kept = append(kept, r)
		}
	}
	g.records = append(kept, Record{
		Port:      port,
		PID:       pid,
		Command:   command,
		Mode:      mode,
		Timestamp: g.now().Unix(),
	})
	return g.persistLocked()
}

// RemoveRecord drops any record for pid. It persists only when something
// was actually removed.
func (g *Guardian) RemoveRecord(pid int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.records[:0]
	removed := false
	for _, r := range g.records {
		if r.PID == pid {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	g.records = kept
	if !removed {
		return nil
	}
	return g.persistLocked()
}

// Records returns a copy of the current record set.
func (g *Guardian) Records() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, len(g.records))
	copy(out, g.records)
	return out
}

func (g *Guardian) ownedLocked(pid int) bool {
	for _, r := range g.records {
		if r.PID == pid {
			return true
		}
	}
	return false
}

// expected applies the mode predicate to one listener.
func (g *Guardian) expected(ctx context.Context, mode Mode, port int, l Listener) bool {
	switch mode {
	case ModeRemote:
		if !strings.EqualFold(l.Command, g.cfg.TunnelCommand) {
			return false
		}
		// Only a tunnel forwarding this exact port is expected; anything
		// else squatting on it gets cleared.
		out, err := g.run.Run(ctx, []string{"ps", "-o", "args=", "-p", strconv.Itoa(l.PID)}, runner.Opts{})
		if err != nil {
			return false
		}
		return strings.Contains(string(out), strconv.Itoa(port))
	default:
		lc := strings.ToLower(l.Command)
		for _, allow := range g.cfg.AllowCommands {
			if allow != "" && strings.Contains(lc, strings.ToLower(allow)) {
				return true
			}
		}
		return false
	}
}

// terminate sends TERM, re-checks after a short grace, then escalates to
// KILL. Failures are logged, never returned.
func (g *Guardian) terminate(ctx context.Context, port int, l Listener) {
	pid := strconv.Itoa(l.PID)
	g.log.Warn("sweep terminating unexpected listener", "port", port, "pid", l.PID, "command", l.Command)

	if _, err := g.run.Run(ctx, []string{"kill", "-TERM", pid}, runner.Opts{}); err != nil {
		g.log.Warn("TERM failed", "pid", l.PID, "error", err)
	} else {
		metrics.IncSweepTermination("TERM")
	}
	time.Sleep(g.termGrace)

	// kill -0 exits zero while the pid still exists.
	if _, err := g.run.Run(ctx, []string{"kill", "-0", pid}, runner.Opts{}); err != nil {
		return
	}
	if _, err := g.run.Run(ctx, []string{"kill", "-KILL", pid}, runner.Opts{}); err != nil {
		g.log.Error("KILL failed, listener survives", "pid", l.PID, "error", err)
		return
	}
	metrics.IncSweepTermination("KILL")
}

func lsofArgs(port int) []string {
	return []string{"lsof", "-nP", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN", "-FpcL"}
}

// ParseListeners parses lsof field output (-F pcL): a block starts at a
// pid line ("p<pid>"), optionally followed by a command line ("c...") and
// a login name line ("L..."); the next pid line or end of input closes it.
// Blocks lacking a pid or a command are dropped silently.
func ParseListeners(out []byte) []Listener {
	var (
		listeners []Listener
		cur       *Listener
	)
	flush := func() {
		if cur != nil && cur.PID > 0 && cur.Command != "" {
			listeners = append(listeners, *cur)
		}
		cur = nil
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		tag, rest := line[0], line[1:]
		switch tag {
		case 'p':
			flush()
			pid, err := strconv.Atoi(rest)
			if err != nil || pid <= 0 {
				continue
			}
			cur = &Listener{PID: pid}
		case 'c':
			if cur != nil {
				cur.Command = rest
			}
		case 'L', 'u':
			if cur != nil {
				cur.User = rest
			}
		}
	}
	flush()
	return listeners
}

func (g *Guardian) persistLocked() error {
	if g.cfg.StatePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.cfg.StatePath), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(g.records, "", "  ")
	if err != nil {
		return err
	}
	tmp := g.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, g.cfg.StatePath); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	g.persists++
	return nil
}

// loadRecords reads the persisted set once at startup. A missing or corrupt
// file is an empty set, never an error.
func loadRecords(path string) []Record {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil
	}
	return recs
}
