package warden

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/ostermost/warden/internal/config"
	"github.com/ostermost/warden/internal/history"
	"github.com/ostermost/warden/internal/metrics"
	"github.com/ostermost/warden/internal/portguard"
	"github.com/ostermost/warden/internal/probe"
	"github.com/ostermost/warden/internal/runner"
	iapi "github.com/ostermost/warden/internal/server"
	"github.com/ostermost/warden/internal/supervisor"
)

// Re-export core types for embedding consumers. These are aliases so
// conversions are zero-cost.

type Config = cfg.Config

type Status = supervisor.Status

type State = supervisor.State

const (
	StateStopped    = supervisor.StateStopped
	StateStarting   = supervisor.StateStarting
	StateRunning    = supervisor.StateRunning
	StateRestarting = supervisor.StateRestarting
	StateAttached   = supervisor.StateAttached
	StateFailed     = supervisor.StateFailed
)

type HistorySink = history.Sink

type ProbeResult = probe.Result

// Supervisor is a thin facade over internal/supervisor.Supervisor,
// providing a stable public API for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

// New builds a fully wired supervisor from config: health probe, port
// guardian with the os/exec runner, and the production launcher.
func New(c *Config) *Supervisor {
	guard := portguard.New(portguard.Config{
		Ports:         c.Supervisor.Ports,
		AllowCommands: c.Supervisor.AllowCommands,
		TunnelCommand: c.Supervisor.TunnelCommand,
		StatePath:     c.RecordsPath(),
	}, runner.New(), nil)

	inner := supervisor.New(supervisor.Options{
		Config: c,
		Prober: probe.New(probe.Config{
			URL:     c.ProbeURL(),
			Token:   c.ReadToken(),
			Method:  c.RPC.Method,
			Timeout: c.RPC.Timeout,
		}),
		Guard: guard,
	})
	return &Supervisor{inner: inner}
}

func (s *Supervisor) SetActive(active bool) { s.inner.SetActive(active) }
func (s *Supervisor) Status() Status        { return s.inner.Status() }
func (s *Supervisor) Output() string        { return s.inner.Output() }

// Sweep runs a one-shot port cleanup outside the start protocol.
func Sweep(ctx context.Context, c *Config) {
	guard := portguard.New(portguard.Config{
		Ports:         c.Supervisor.Ports,
		AllowCommands: c.Supervisor.AllowCommands,
		TunnelCommand: c.Supervisor.TunnelCommand,
		StatePath:     c.RecordsPath(),
	}, runner.New(), nil)
	guard.Sweep(ctx, portguard.Mode(c.Supervisor.Mode))
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

// NewHTTPServer starts the loopback status API for the given supervisor.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewServer(addr, basePath, s.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
