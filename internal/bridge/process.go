package bridge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/common/logger"
)

const (
	// livenessDelay is how long after spawn the child is re-checked for an
	// immediate exit before the bridge is considered up.
	livenessDelay = 100 * time.Millisecond

	// stopGrace is how long Stop waits after closing stdin before the
	// process group is killed.
	stopGrace = 5 * time.Second
)

// Process supervises one agent subprocess: pipes, exit tracking, and the
// close-stdin-then-kill teardown. Teardown is explicit, so the command is
// deliberately not bound to a context.
type Process struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	exitCode atomic.Int32
	exited   atomic.Bool
	done     chan struct{}

	log *logger.Logger
}

// StartProcess spawns command in dir with extraEnv appended to the current
// environment. The child runs in its own process group.
func StartProcess(command string, args []string, dir string, extraEnv map[string]string, log *logger.Logger) (*Process, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	if len(extraEnv) > 0 {
		env := os.Environ()
		for k, v := range extraEnv {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	setProcGroup(cmd)

	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
		log:  log,
	}
	p.exitCode.Store(-1)

	var err error
	if p.Stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if p.Stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if p.Stderr, err = cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	go p.waitForExit()

	log.Debug("agent process started",
		zap.String("command", command),
		zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

func (p *Process) waitForExit() {
	defer close(p.done)

	err := p.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		p.exitCode.Store(int32(exitErr.ExitCode()))
	} else if err == nil {
		p.exitCode.Store(0)
	}
	p.exited.Store(true)

	p.log.Debug("agent process exited",
		zap.Int("pid", p.cmd.Process.Pid),
		zap.Int32("exit_code", p.exitCode.Load()))
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the child has not yet exited.
func (p *Process) Alive() bool { return !p.exited.Load() }

// ExitCode returns the recorded exit code, or -1 while still running.
func (p *Process) ExitCode() int { return int(p.exitCode.Load()) }

// Done closes when the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// VerifyAlive waits livenessDelay and reports an error if the child already
// exited. Agents that fail at spawn (bad flag, missing binary deps) usually
// die within this window.
func (p *Process) VerifyAlive() error {
	select {
	case <-p.done:
		return fmt.Errorf("agent exited immediately with code %d", p.ExitCode())
	case <-time.After(livenessDelay):
		return nil
	}
}

// Stop closes stdin, waits up to stopGrace for a clean exit, then kills the
// whole process group. Safe to call after exit.
func (p *Process) Stop() {
	if p.exited.Load() {
		return
	}

	_ = p.Stdin.Close()

	select {
	case <-p.done:
		return
	case <-time.After(stopGrace):
	}

	pid := p.Pid()
	p.log.Warn("agent did not exit after stdin close, killing process group",
		zap.Int("pid", pid))
	if err := killProcessGroup(pid); err != nil {
		// Fall back to killing just the child.
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}

// Kill terminates the process group immediately.
func (p *Process) Kill() {
	if p.exited.Load() {
		return
	}
	if err := killProcessGroup(p.Pid()); err != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}
