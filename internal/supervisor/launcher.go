package supervisor

import (
	"io"
	"os/exec"
	"syscall"
)

// LaunchSpec is a fully resolved gateway launch: absolute binary path,
// argument list, working directory and the merged environment.
type LaunchSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Child is a spawned gateway process. Stdout and Stderr must both be
// drained to EOF before Wait is called.
type Child interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Terminate() error
	Kill() error
}

// Launcher starts gateway processes. Swapped for a fake in tests.
type Launcher interface {
	Launch(spec LaunchSpec) (Child, error)
}

type execLauncher struct{}

// NewExecLauncher returns the os/exec-backed launcher used in production.
func NewExecLauncher() Launcher { return execLauncher{} }

func (execLauncher) Launch(spec LaunchSpec) (Child, error) {
	// #nosec G204 -- path comes from config resolution, not user input
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	// Own process group so TERM/KILL reach the gateway's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execChild{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execChild struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (c *execChild) PID() int          { return c.cmd.Process.Pid }
func (c *execChild) Stdout() io.Reader { return c.stdout }
func (c *execChild) Stderr() io.Reader { return c.stderr }
func (c *execChild) Wait() error       { return c.cmd.Wait() }

func (c *execChild) Terminate() error {
	return syscall.Kill(-c.PID(), syscall.SIGTERM)
}

func (c *execChild) Kill() error {
	return syscall.Kill(-c.PID(), syscall.SIGKILL)
}
