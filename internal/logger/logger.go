package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for supervisor and mirrored gateway output logs.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes file logging destinations. When Dir is set and the
// explicit paths are empty, files are Dir/<name>.stdout.log and
// Dir/<name>.stderr.log. Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Writers returns rotating io.WriteClosers for mirroring a process's stdout
// and stderr under the given name. Either writer may be nil when no path is
// configured for it.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW
}

// SelfWriter returns a rotating writer for the supervisor's own structured
// log under Dir, or nil when no Dir is configured.
func (c Config) SelfWriter(name string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	return c.rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.log", name)))
}

func (c Config) rotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewConsole builds a slog logger writing to stderr, colorized only when
// stderr is a terminal.
func NewConsole(level slog.Level) *slog.Logger {
	fd := os.Stderr.Fd()
	colorize := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}, colorize)
	return slog.New(h)
}

// NewFile builds a plain-text slog logger writing to w.
func NewFile(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
