package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ostermost/warden/internal/config"
	"github.com/ostermost/warden/internal/history"
	historysqlite "github.com/ostermost/warden/internal/history/sqlite"
	"github.com/ostermost/warden/internal/logger"
	"github.com/ostermost/warden/internal/metrics"
	"github.com/ostermost/warden/internal/portguard"
	"github.com/ostermost/warden/internal/probe"
	"github.com/ostermost/warden/internal/runner"
	"github.com/ostermost/warden/internal/server"
	"github.com/ostermost/warden/internal/supervisor"
)

func buildRoot() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "warden",
		Short:         "warden supervises a single gateway service instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "warden.toml", "path to config file")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(statusCmd())
	root.AddCommand(stopCmd())
	root.AddCommand(sweepCmd(&configPath))
	return root
}

func runCmd(configPath *string) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "supervise the gateway in the foreground",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			log := logger.NewConsole(level)
			if w := cfg.Log.SelfWriter("warden"); w != nil {
				defer func() { _ = w.Close() }()
				log = logger.NewFile(w, level)
			}
			slog.SetDefault(log)

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				log.Warn("metrics registration failed", "error", err)
			}

			var sink history.Sink
			if cfg.History.DSN != "" {
				s, err := historysqlite.New(cfg.History.DSN)
				if err != nil {
					log.Warn("history sink unavailable", "error", err)
				} else {
					sink = s
					defer func() { _ = s.Close() }()
				}
			}

			outMirror, errMirror := cfg.Log.Writers("gateway")
			if outMirror != nil {
				defer func() { _ = outMirror.Close() }()
			}
			if errMirror != nil {
				defer func() { _ = errMirror.Close() }()
			}

			guard := portguard.New(portguard.Config{
				Ports:         cfg.Supervisor.Ports,
				AllowCommands: cfg.Supervisor.AllowCommands,
				TunnelCommand: cfg.Supervisor.TunnelCommand,
				StatePath:     cfg.RecordsPath(),
			}, runner.New(), log)

			sup := supervisor.New(supervisor.Options{
				Config: cfg,
				Prober: probe.New(probe.Config{
					URL:     cfg.ProbeURL(),
					Token:   cfg.ReadToken(),
					Method:  cfg.RPC.Method,
					Timeout: cfg.RPC.Timeout,
					Logger:  log,
				}),
				Guard:        guard,
				Logger:       log,
				History:      sink,
				StdoutMirror: outMirror,
				StderrMirror: errMirror,
			})

			srv := server.NewServer(cfg.Server.Listen, "/api", sup)
			log.Info("status API listening", "addr", cfg.Server.Listen)

			sup.SetActive(true)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info("shutting down", "signal", sig.String())

			sup.SetActive(false)
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if sup.Status().State == supervisor.StateStopped {
					break
				}
				time.Sleep(50 * time.Millisecond)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func statusCmd() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show the supervisor status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := apiGet(apiURL + "/api/status")
			if err != nil {
				return err
			}
			var st struct {
				State    string `json:"state"`
				PID      int    `json:"pid"`
				Detail   string `json:"detail"`
				Restarts int    `json:"restarts"`
				Usable   bool   `json:"usable"`
			}
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "state:    %s\n", st.State)
			if st.PID > 0 {
				_, _ = fmt.Fprintf(out, "pid:      %d\n", st.PID)
			}
			if st.Detail != "" {
				_, _ = fmt.Fprintf(out, "detail:   %s\n", st.Detail)
			}
			_, _ = fmt.Fprintf(out, "restarts: %d\nusable:   %v\n", st.Restarts, st.Usable)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:7807", "status API base URL")
	return cmd
}

func stopCmd() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "deactivate the supervisor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := http.Post(apiURL+"/api/deactivate", "application/json", nil)
			if err != nil {
				return fmt.Errorf("reach supervisor: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "supervisor deactivated")
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:7807", "status API base URL")
	return cmd
}

func sweepCmd(configPath *string) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "run a one-shot port sweep",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if mode == "" {
				mode = cfg.Supervisor.Mode
			}
			log := logger.NewConsole(slog.LevelInfo)
			guard := portguard.New(portguard.Config{
				Ports:         cfg.Supervisor.Ports,
				AllowCommands: cfg.Supervisor.AllowCommands,
				TunnelCommand: cfg.Supervisor.TunnelCommand,
				StatePath:     cfg.RecordsPath(),
			}, runner.New(), log)
			guard.Sweep(context.Background(), portguard.Mode(mode))
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "sweep mode (local or remote, default from config)")
	return cmd
}

func apiGet(url string) ([]byte, error) {
	resp, err := http.Get(url) // #nosec G107 -- loopback API URL from flag
	if err != nil {
		return nil, fmt.Errorf("reach supervisor: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
