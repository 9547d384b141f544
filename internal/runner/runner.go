package runner

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// DefaultTimeout bounds a single external command. Port listing and
// signalling are expected to finish well inside this.
const DefaultTimeout = 3 * time.Second

// Opts carries per-call execution options.
type Opts struct {
	Timeout time.Duration // 0 means DefaultTimeout
	Dir     string
	Env     []string // nil inherits the supervisor's environment
}

// Runner executes one external command and returns its combined output.
// A non-zero exit or a timeout is reported as an error alongside whatever
// output was captured.
type Runner interface {
	Run(ctx context.Context, argv []string, opts Opts) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func New() ExecRunner { return ExecRunner{} }

func (ExecRunner) Run(ctx context.Context, argv []string, opts Opts) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- argv comes from fixed supervisor templates, not user input
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	out, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return out, context.DeadlineExceeded
	}
	return out, err
}
