// Package sandbox supervises external commands as isolated process trees.
// All git invocations run through a sandbox, never directly on the host.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrSpawn is returned when a program cannot be found or started.
var ErrSpawn = errors.New("spawn failed")

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["git", "status"]).
	// Arguments are passed to the program verbatim; no shell is involved.
	Command []string

	// WorkingDir is the directory the process starts in. Required.
	WorkingDir string

	// Env is the complete child environment. The host environment is never
	// inherited; a nil Env runs the child with no variables at all.
	Env []string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Grace is how long the tree gets to exit after an interrupt before it is
	// killed. Zero = use default.
	Grace time.Duration

	// MaxOutputBytes caps captured output. Zero = use default.
	MaxOutputBytes int

	// CallID registers the execution for external cancellation. Empty = not cancellable by ID.
	CallID string
}

// State is a step in the supervised process lifecycle.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateKilled
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateKilled:
		return "killed"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// ExecutionResult captures the outcome of a sandboxed command.
// It is built only after the whole process tree has been reaped.
type ExecutionResult struct {
	Output     []byte // Combined stdout and stderr, truncated with a marker.
	Truncated  bool
	TotalBytes int64 // Bytes produced by the process, including discarded ones.
	ExitCode   int
	TimedOut   bool
	Cancelled  bool
	Duration   time.Duration
	// Outcome is the terminal state before reaping: completed, timed_out or killed.
	Outcome State
}
