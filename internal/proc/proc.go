// ABOUTME: Subprocess handle with process-group signalling and exit tracking
// ABOUTME: Stop sends SIGTERM, waits out a grace window, then SIGKILLs the group

package proc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Spec describes a process to start.
type Spec struct {
	// Name labels the process in logs.
	Name string
	Argv []string
	Dir  string
	// Env is the complete environment. Nil inherits the parent's.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// Stdin opens a pipe to the process's standard input.
	Stdin bool
}

// Process is a running (or exited) subprocess.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	waitErr error
	forced  atomic.Bool
}

// Start launches spec in a new process group.
func Start(spec Spec, logger *slog.Logger) (*Process, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Output copying must not outlive the process by much when a grandchild
	// inherited the pipes.
	cmd.WaitDelay = time.Second

	p := &Process{
		name: spec.Name,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	if spec.Stdin {
		w, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("opening stdin for %s: %w", spec.Name, err)
		}
		p.stdin = w
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Name, err)
	}

	p.logger = logger.With("component", "proc", "process", spec.Name, "pid", cmd.Process.Pid)
	p.logger.Debug("process started", "argv", spec.Argv, "dir", spec.Dir)

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
		if err != nil {
			p.logger.Debug("process exited", "error", err)
		} else {
			p.logger.Debug("process exited cleanly")
		}
	}()

	return p, nil
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Name returns the label the process was started with.
func (p *Process) Name() string {
	return p.name
}

// Done is closed when the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the wait error once the process has exited.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// ExitCode returns the exit code, or -1 if still running or killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Forced reports whether Stop had to escalate to SIGKILL.
func (p *Process) Forced() bool {
	return p.forced.Load()
}

// Write sends b to the process's standard input.
func (p *Process) Write(b []byte) (int, error) {
	if p.stdin == nil {
		return 0, errors.New("stdin not available")
	}
	if p.Exited() {
		return 0, os.ErrClosed
	}
	return p.stdin.Write(b)
}

// Signal sends sig to the process group.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signalling %s: %w", p.name, err)
	}
	return nil
}

// Stop asks the process group to terminate and waits up to grace for it to
// exit before killing it. It returns once the process has exited.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	if err := p.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("process did not exit within grace period, sending SIGKILL", "grace", grace)
	p.forced.Store(true)
	if err := p.Signal(syscall.SIGKILL); err != nil {
		return err
	}
	<-p.done
	return nil
}
