package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/security"
)

// Exit codes for the exec command.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // git ran and exited non-zero, or timed out
	ExitPolicyDenied = 2 // rejected before git was started
	ExitUnavailable  = 3 // git could not be started
)

var (
	execRoot      string
	execWrite     bool
	execTimeout   float64
	execMaxOutput int
	execCaller    string
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command> [args...]",
	Short: "Run one git command through the guardrail and print the result as JSON",
	Long: `Run a single git command exactly as an MCP or REST caller would, with the
same classification, environment sanitization, limits and audit trail.
The result (or error) is printed to stdout as JSON.

Examples:
  gitguard exec --root . -- status --porcelain
  gitguard exec --root ~/src/app --timeout 10 -- log --oneline -n 5
  gitguard exec --root . --write -- commit -m "update docs"

Exit codes:
  0  git exited 0
  1  git exited non-zero or timed out
  2  rejected (unsupported command, write not permitted, invalid root, rate limited)
  3  git could not be started`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execRoot, "root", ".", "repository root")
	execCmd.Flags().BoolVar(&execWrite, "write", false, "allow mutating commands")
	execCmd.Flags().Float64Var(&execTimeout, "timeout", 0, "timeout in seconds (0 = configured default)")
	execCmd.Flags().IntVar(&execMaxOutput, "max-output", 0, "output limit in bytes (0 = configured default)")
	execCmd.Flags().StringVar(&execCaller, "caller", "", "caller ID for audit and rate limiting (or GITGUARD_CALLER env, default \"cli\")")
}

func runExec(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(logLevel, os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	caller := execCaller
	if caller == "" {
		caller = goutils.Env("GITGUARD_CALLER", "cli")
	}
	req := guard.Request{
		Root:           execRoot,
		Command:        args[0],
		Args:           args[1:],
		ReadOnly:       guard.Bool(!execWrite),
		Timeout:        time.Duration(execTimeout * float64(time.Second)),
		MaxOutputBytes: execMaxOutput,
		CallerID:       caller,
	}
	code := execute(ctx, sc.Executor, req, cmd.OutOrStdout())
	if code != ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

type execErrorBody struct {
	Error execErrorDetail `json:"error"`
}

type execErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// execute runs req, writes the JSON result or error envelope to out, and
// returns the process exit code.
func execute(ctx context.Context, executor guard.Executor, req guard.Request, out io.Writer) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	res, err := executor.Execute(ctx, req)
	if err != nil {
		kind := security.KindOf(err)
		_ = enc.Encode(execErrorBody{Error: execErrorDetail{Kind: string(kind), Message: security.MessageOf(err)}})
		return exitCodeFor(kind)
	}
	_ = enc.Encode(res)
	if res.ExitCode != 0 || res.TimedOut {
		return ExitFailure
	}
	return ExitSuccess
}

func exitCodeFor(kind security.Kind) int {
	switch kind {
	case security.KindUnsupportedCommand, security.KindWriteNotPermitted,
		security.KindInvalidRoot, security.KindInvalidArgument, security.KindRateLimited:
		return ExitPolicyDenied
	case security.KindSpawnFailed, security.KindInternal:
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
