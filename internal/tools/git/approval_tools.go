package git

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/tools"
)

// Approvals is the propose/confirm flow.
type Approvals interface {
	Propose(ctx context.Context, req approval.ProposeRequest) (*approval.Confirmation, error)
	Confirm(ctx context.Context, req approval.ConfirmRequest) (*guard.Result, error)
}

// Proposal is what a caller receives after proposing a command.
type Proposal struct {
	*approval.Confirmation
	ConfirmationPhrase string `json:"confirmation_phrase"`
	Message            string `json:"message"`
}

// NewProposal wraps a stored confirmation for the caller.
func NewProposal(c *approval.Confirmation) *Proposal {
	return &Proposal{
		Confirmation:       c,
		ConfirmationPhrase: c.Phrase(),
		Message:            "Show the command to the user. To run it, call git_confirm with the exact phrase before " + c.ExpiresAt.Format(time.RFC3339) + ".",
	}
}

// ProposeTool records a command for later confirmation. It never runs the
// command itself.
type ProposeTool struct {
	approvals Approvals
	logger    *slog.Logger
}

// NewProposeTool creates the git_propose tool.
func NewProposeTool(approvals Approvals, logger *slog.Logger) *ProposeTool {
	return &ProposeTool{approvals: approvals, logger: logger}
}

func (t *ProposeTool) Name() string { return "git_propose" }
func (t *ProposeTool) Description() string {
	return "Propose a git command for human confirmation. Returns a one-time confirmation ID and phrase; nothing runs yet."
}
func (t *ProposeTool) InputSchema() map[string]any {
	return object(map[string]any{
		"root":            rootParam,
		"command":         str("Git subcommand"),
		"args":            stringList("Arguments passed to git verbatim"),
		"expected_branch": str("Refuse to run unless this branch is checked out"),
		"require_clean":   boolean("Refuse to run if the working tree has changes", false),
	}, "root", "command")
}
func (t *ProposeTool) ReadOnly() bool { return true }

func (t *ProposeTool) Validate(params map[string]any) error {
	_, err := proposeRequest(params)
	return err
}

func proposeRequest(params map[string]any) (approval.ProposeRequest, error) {
	var req approval.ProposeRequest
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
	if req.ExpectedBranch, err = tools.OptionalString(params, "expected_branch", ""); err != nil {
		return req, err
	}
	if req.RequireClean, err = tools.OptionalBool(params, "require_clean", false); err != nil {
		return req, err
	}
	return req, nil
}

func (t *ProposeTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	req, err := proposeRequest(params)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	req.CallerID = tools.CallerIDFromContext(ctx)
	c, err := t.approvals.Propose(ctx, req)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: NewProposal(c), Success: true}, nil
}

// ConfirmTool runs a previously proposed command once.
type ConfirmTool struct {
	approvals Approvals
	logger    *slog.Logger
}

// NewConfirmTool creates the git_confirm tool.
func NewConfirmTool(approvals Approvals, logger *slog.Logger) *ConfirmTool {
	return &ConfirmTool{approvals: approvals, logger: logger}
}

func (t *ConfirmTool) Name() string { return "git_confirm" }
func (t *ConfirmTool) Description() string {
	return "Run a proposed git command. Requires the confirmation ID and the exact phrase 'I CONFIRM <id>'. Each ID works once."
}
func (t *ConfirmTool) InputSchema() map[string]any {
	return object(map[string]any{
		"root":              rootParam,
		"confirmation_id":   str("ID returned by git_propose"),
		"user_confirmation": str("The exact confirmation phrase typed by the user"),
		"timeout_seconds":   map[string]any{"type": "number", "description": "Wall-clock limit; clamped to the server maximum"},
	}, "root", "confirmation_id", "user_confirmation")
}

// ReadOnly is false: confirming runs the proposed command with writes allowed.
func (t *ConfirmTool) ReadOnly() bool { return false }

func (t *ConfirmTool) Validate(params map[string]any) error {
	for _, key := range []string{"root", "confirmation_id", "user_confirmation"} {
		if _, err := tools.RequireString(params, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *ConfirmTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	req := approval.ConfirmRequest{CallerID: tools.CallerIDFromContext(ctx)}
	req.Root, _ = tools.RequireString(params, "root")
	req.ID, _ = tools.RequireString(params, "confirmation_id")
	req.Phrase, _ = tools.RequireString(params, "user_confirmation")
	if v, ok := params["timeout_seconds"].(float64); ok && v > 0 {
		req.Timeout = time.Duration(v * float64(time.Second))
	}

	res, err := t.approvals.Confirm(ctx, req)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: res, Success: res.ExitCode == 0 && !res.TimedOut}, nil
}
