package git

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/tools"
)

// ExecuteTool runs one arbitrary git command through the gateway.
type ExecuteTool struct {
	gateway Gateway
	logger  *slog.Logger
}

// NewExecuteTool creates the git_execute tool.
func NewExecuteTool(gateway Gateway, logger *slog.Logger) *ExecuteTool {
	return &ExecuteTool{gateway: gateway, logger: logger}
}

func (t *ExecuteTool) Name() string { return "git_execute" }
func (t *ExecuteTool) Description() string {
	return "Run one git command in a repository. Read-only unless read_only is false; " +
		"unsupported commands and mutating commands without opt-in are refused before git starts."
}
func (t *ExecuteTool) InputSchema() map[string]any {
	return object(map[string]any{
		"root":             rootParam,
		"command":          str("Git subcommand, e.g. status, log, commit"),
		"args":             stringList("Arguments passed to git verbatim; no shell is involved"),
		"read_only":        boolean("Refuse commands that may modify the repository", true),
		"timeout_seconds":  map[string]any{"type": "number", "description": "Wall-clock limit; clamped to the server maximum"},
		"max_output_bytes": map[string]any{"type": "integer", "description": "Captured output cap; clamped to the server maximum"},
		"call_id":          str("Identifier for git_cancel. Generated when empty"),
	}, "root", "command")
}

// ReadOnly is false: the tool can run mutating commands when the caller
// opts in.
func (t *ExecuteTool) ReadOnly() bool { return false }

func (t *ExecuteTool) Validate(params map[string]any) error {
	_, err := t.request(params)
	return err
}

func (t *ExecuteTool) request(params map[string]any) (guard.Request, error) {
	var req guard.Request
	var err error
	if req.Root, err = tools.RequireString(params, "root"); err != nil {
		return req, err
	}
	if req.Command, err = tools.RequireString(params, "command"); err != nil {
		return req, err
	}
	if req.Args, err = tools.StringSlice(params, "args"); err != nil {
		return req, err
	}
	if v, ok := params["read_only"]; ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return req, fmt.Errorf("parameter read_only must be a boolean, got %T", v)
		}
		req.ReadOnly = guard.Bool(b)
	}
	if v, ok := params["timeout_seconds"]; ok && v != nil {
		secs, ok := v.(float64)
		if !ok || secs < 0 {
			return req, fmt.Errorf("parameter timeout_seconds must be a non-negative number")
		}
		req.Timeout = time.Duration(secs * float64(time.Second))
	}
	if req.MaxOutputBytes, err = tools.OptionalInt(params, "max_output_bytes", 0); err != nil {
		return req, err
	}
	if req.MaxOutputBytes < 0 {
		return req, fmt.Errorf("parameter max_output_bytes must not be negative")
	}
	if req.CallID, err = tools.OptionalString(params, "call_id", ""); err != nil {
		return req, err
	}
	return req, nil
}

func (t *ExecuteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	req, err := t.request(params)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	req.CallerID = tools.CallerIDFromContext(ctx)

	res, err := t.gateway.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: res, Success: res.ExitCode == 0 && !res.TimedOut}, nil
}

// CancelTool cancels an in-flight git_execute call by its call_id.
type CancelTool struct {
	gateway Gateway
	logger  *slog.Logger
}

// NewCancelTool creates the git_cancel tool.
func NewCancelTool(gateway Gateway, logger *slog.Logger) *CancelTool {
	return &CancelTool{gateway: gateway, logger: logger}
}

func (t *CancelTool) Name() string { return "git_cancel" }
func (t *CancelTool) Description() string {
	return "Cancel a running git_execute call. Its whole process tree is stopped."
}
func (t *CancelTool) InputSchema() map[string]any {
	return object(map[string]any{"call_id": str("call_id of the running call")}, "call_id")
}
func (t *CancelTool) ReadOnly() bool { return true }

func (t *CancelTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "call_id")
	return err
}

func (t *CancelTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	id, _ := tools.RequireString(params, "call_id")
	found := t.gateway.Cancel(id)
	t.logger.InfoContext(ctx, "cancel requested",
		slog.String("call_id", id),
		slog.Bool("found", found),
	)
	return &tools.Result{
		Data:    map[string]any{"call_id": id, "cancelled": found},
		Success: found,
	}, nil
}
