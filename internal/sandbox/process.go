package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultGrace          = 2 * time.Second
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	// timeoutExitCode is reported for processes killed on timeout, matching timeout(1).
	timeoutExitCode = 124

	alivePollInterval = 10 * time.Millisecond
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	Grace          time.Duration
	MaxOutputBytes int
	// Isolator overrides the platform isolator. Nil = NewIsolator().
	Isolator Isolator
	// Registry receives in-flight calls for external cancellation. Nil = a private registry.
	Registry *Registry
}

// ProcessSandbox executes commands as isolated OS process trees.
//
// Security guarantees:
//   - No shell: the program is started directly from its argument vector
//   - Process tree runs in its own isolation unit (session on POSIX, job object on Windows)
//   - Entire unit interrupted, then killed, on timeout or cancellation
//   - A result is returned only after the process and its descendants are gone
//   - Environment is exactly what the request supplies; nothing is inherited
//   - stdin is the null device
//   - Combined stdout/stderr capped with an explicit truncation marker
type ProcessSandbox struct {
	defaultTimeout time.Duration
	grace          time.Duration
	maxOutput      int
	isolator       Isolator
	registry       *Registry
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	iso := cfg.Isolator
	if iso == nil {
		iso = NewIsolator()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	return &ProcessSandbox{
		defaultTimeout: timeout,
		grace:          grace,
		maxOutput:      maxOutput,
		isolator:       iso,
		registry:       reg,
		logger:         logger,
	}
}

// Registry returns the registry of in-flight calls.
func (s *ProcessSandbox) Registry() *Registry { return s.registry }

// Execute runs a command as an isolated process tree and waits until the
// whole tree is gone.
//
// A non-zero exit, a timeout and a cancellation are all results, not errors.
// Errors wrapping ErrSpawn mean no process was left running.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}
	if req.WorkingDir == "" {
		return nil, fmt.Errorf("%w: working directory is required", ErrSpawn)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. Resolve limits.
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	grace := req.Grace
	if grace <= 0 {
		grace = s.grace
	}
	maxOutput := req.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = s.maxOutput
	}

	// 2. Build the command. exec.Command, not CommandContext: termination is
	// driven below so that it reaches the whole tree.
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = req.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Stdin = nil

	// 3. One pipe for both streams keeps their relative order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating output pipe: %v", ErrSpawn, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := s.isolator.Prepare(cmd); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	// 4. Register for external cancellation.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.CallID != "" {
		if err := s.registry.add(ActiveCall{
			ID:        req.CallID,
			Command:   append([]string(nil), req.Command...),
			Dir:       req.WorkingDir,
			StartedAt: time.Now().UTC(),
		}, cancel); err != nil {
			pr.Close()
			pw.Close()
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		defer s.registry.remove(req.CallID)
	}

	s.logger.Debug("sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
		slog.Int("max_output_bytes", maxOutput),
		slog.String("call_id", req.CallID),
	)

	// 5. Spawn. Created → Running.
	start := time.Now()
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	// The child holds its own copies of the write end.
	pw.Close()

	tree, err := s.isolator.Attach(cmd)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		pr.Close()
		return nil, fmt.Errorf("%w: isolating process: %v", ErrSpawn, err)
	}
	defer func() {
		if relErr := tree.Release(); relErr != nil {
			s.logger.Warn("failed to release process tree", slog.String("error", relErr.Error()))
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	gov := NewGovernor(maxOutput)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		// Governor never fails a write; Copy ends at EOF or when pr is closed.
		_, _ = io.Copy(gov, pr)
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	// 6. Supervise.
	outcome := StateCompleted
	var runErr error
	select {
	case runErr = <-waitErr:
	case <-timer.C:
		outcome = StateTimedOut
		runErr = s.terminate(tree, waitErr, grace)
	case <-ctx.Done():
		outcome = StateKilled
		runErr = s.terminate(tree, waitErr, grace)
	}

	// 7. Reap descendants that outlived the leader.
	s.sweep(tree, grace)

	// 8. Drain what is left, bounded in case a stray holder keeps the pipe open.
	select {
	case <-drained:
	case <-time.After(grace):
		s.logger.Warn("output pipe still open after process exit; closing",
			slog.String("call_id", req.CallID))
		pr.Close()
		<-drained
	}
	pr.Close()
	duration := time.Since(start)

	// 9. Interpret the result. Reaped from here on.
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("waiting for process: %w", runErr)
		}
	}
	exitCode := exitStatus(cmd.ProcessState)
	if outcome == StateTimedOut {
		exitCode = timeoutExitCode
	}

	result := &ExecutionResult{
		Output:     gov.Bytes(),
		Truncated:  gov.Truncated(),
		TotalBytes: gov.Total(),
		ExitCode:   exitCode,
		TimedOut:   outcome == StateTimedOut,
		Cancelled:  outcome == StateKilled,
		Duration:   duration,
		Outcome:    outcome,
	}

	level := slog.LevelDebug
	if outcome != StateCompleted {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "sandbox execution finished",
		slog.String("outcome", outcome.String()),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int64("output_bytes", result.TotalBytes),
		slog.Bool("truncated", result.Truncated),
		slog.String("call_id", req.CallID),
	)
	return result, nil
}

// terminate interrupts the tree, waits up to grace for the leader to exit,
// then kills the tree and blocks until the leader is reaped.
func (s *ProcessSandbox) terminate(tree ProcessTree, waitErr <-chan error, grace time.Duration) error {
	if err := tree.Interrupt(); err != nil {
		s.logger.Debug("interrupt failed", slog.String("error", err.Error()))
	}
	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case err := <-waitErr:
		return err
	case <-graceTimer.C:
	}
	if err := tree.Kill(); err != nil {
		s.logger.Warn("kill failed", slog.String("error", err.Error()))
	}
	return <-waitErr
}

// sweep kills any member of the tree still alive after the leader exited and
// waits, bounded by grace, for the unit to empty.
func (s *ProcessSandbox) sweep(tree ProcessTree, grace time.Duration) {
	if !tree.Alive() {
		return
	}
	if err := tree.Kill(); err != nil {
		s.logger.Warn("kill of remaining descendants failed", slog.String("error", err.Error()))
	}
	deadline := time.Now().Add(grace)
	for tree.Alive() && time.Now().Before(deadline) {
		time.Sleep(alivePollInterval)
	}
	if tree.Alive() {
		s.logger.Error("process tree members still present after kill")
	}
}
