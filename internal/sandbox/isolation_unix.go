//go:build !windows

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// NewIsolator returns the POSIX isolator: each command leads a new session,
// and so a new process group whose id equals its pid.
func NewIsolator() Isolator { return groupIsolator{} }

type groupIsolator struct{}

func (groupIsolator) Prepare(cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	return nil
}

func (groupIsolator) Attach(cmd *exec.Cmd) (ProcessTree, error) {
	if cmd.Process == nil {
		return nil, fmt.Errorf("process not started")
	}
	return &processGroup{pgid: cmd.Process.Pid}, nil
}

type processGroup struct {
	pgid int
}

func (g *processGroup) signal(sig unix.Signal) error {
	// Negative PID = the entire process group.
	err := unix.Kill(-g.pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (g *processGroup) Interrupt() error { return g.signal(unix.SIGTERM) }

func (g *processGroup) Kill() error { return g.signal(unix.SIGKILL) }

func (g *processGroup) Alive() bool {
	err := unix.Kill(-g.pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (g *processGroup) Release() error { return nil }

// exitStatus maps a process state to a shell-style exit code:
// 128+signal for signalled processes.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
