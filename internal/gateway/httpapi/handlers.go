package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/security"
	"github.com/jkaninda/okapi"
)

// --- Execution ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Root           string   `json:"root"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	ReadOnly       *bool    `json:"read_only,omitempty"` // Absent = true.
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
	MaxOutputBytes int      `json:"max_output_bytes,omitempty"`
	CallID         string   `json:"call_id,omitempty"` // Empty = generated.
}

func (r *ExecuteRequest) validate() error {
	switch {
	case r.Root == "":
		return security.Errorf(security.KindInvalidArgument, "root is required")
	case r.Command == "":
		return security.Errorf(security.KindInvalidArgument, "command is required")
	case r.TimeoutSeconds < 0:
		return security.Errorf(security.KindInvalidArgument, "timeout_seconds must not be negative")
	case r.MaxOutputBytes < 0:
		return security.Errorf(security.KindInvalidArgument, "max_output_bytes must not be negative")
	}
	return nil
}

func (r *ExecuteRequest) guardRequest(callerID, correlationID string) guard.Request {
	return guard.Request{
		Root:           r.Root,
		Command:        r.Command,
		Args:           r.Args,
		ReadOnly:       r.ReadOnly,
		Timeout:        time.Duration(r.TimeoutSeconds * float64(time.Second)),
		MaxOutputBytes: r.MaxOutputBytes,
		CallerID:       callerID,
		CallID:         r.CallID,
		CorrelationID:  correlationID,
	}
}

func (s *Server) bindExecute(c *okapi.Context) (*ExecuteRequest, error) {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return nil, security.Wrap(security.KindInvalidArgument, err, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Server) handleExecute(c *okapi.Context) error {
	ctx, callerID := requestContext(c)
	req, err := s.bindExecute(c)
	if err != nil {
		return writeError(c, err)
	}
	corrID := correlationID(c)

	s.logger.InfoContext(ctx, "http execute",
		slog.String("caller_id", callerID),
		slog.String("correlation_id", corrID),
		slog.String("command", req.Command),
	)

	res, err := s.executor.Execute(ctx, req.guardRequest(callerID, corrID))
	if err != nil {
		return writeError(c, err)
	}
	return c.OK(res)
}

func (s *Server) handleActive(c *okapi.Context) error {
	return c.OK(s.executor.Active())
}

// CancelResponse is the JSON response for DELETE /v1/executions/{id}.
type CancelResponse struct {
	CallID    string `json:"call_id"`
	Cancelled bool   `json:"cancelled"`
}

func (s *Server) handleCancel(c *okapi.Context) error {
	ctx, callerID := requestContext(c)
	id := c.Param("id")
	if !s.executor.Cancel(id) {
		return c.JSON(http.StatusNotFound, errorBody("not_found", "no running execution with call_id "+id))
	}
	s.logger.InfoContext(ctx, "http cancel",
		slog.String("caller_id", callerID),
		slog.String("call_id", id),
	)
	return c.OK(CancelResponse{CallID: id, Cancelled: true})
}

// ClassifyRequest is the JSON body for POST /v1/classify.
type ClassifyRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// ClassifyResponse describes how a command would be treated.
type ClassifyResponse struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Class   string   `json:"class"`
	Risk    string   `json:"risk"`
	Reason  string   `json:"reason,omitempty"`
}

func (s *Server) handleClassify(c *okapi.Context) error {
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, security.Wrap(security.KindInvalidArgument, err, "invalid request body"))
	}
	if req.Command == "" {
		return writeError(c, security.Errorf(security.KindInvalidArgument, "command is required"))
	}
	cls := s.executor.Classify(req.Command, req.Args)
	return c.OK(ClassifyResponse{
		Command: cls.Command,
		Args:    cls.Args,
		Class:   cls.Class.String(),
		Risk:    cls.Risk.String(),
		Reason:  cls.Reason,
	})
}

// --- Approval ---

// ProposeRequest is the JSON body for POST /v1/proposals.
type ProposeRequest struct {
	Root           string   `json:"root"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	ExpectedBranch string   `json:"expected_branch,omitempty"`
	RequireClean   bool     `json:"require_clean,omitempty"`
}

// ProposalResponse is returned with HTTP 201 after a proposal is recorded.
type ProposalResponse struct {
	*approval.Confirmation
	ConfirmationPhrase string `json:"confirmation_phrase"`
}

func (s *Server) handlePropose(c *okapi.Context) error {
	ctx, callerID := requestContext(c)
	var req ProposeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, security.Wrap(security.KindInvalidArgument, err, "invalid request body"))
	}
	if req.Root == "" || req.Command == "" {
		return writeError(c, security.Errorf(security.KindInvalidArgument, "root and command are required"))
	}

	conf, err := s.approvals.Propose(ctx, approval.ProposeRequest{
		Root:           req.Root,
		Command:        req.Command,
		Args:           req.Args,
		ExpectedBranch: req.ExpectedBranch,
		RequireClean:   req.RequireClean,
		CallerID:       callerID,
	})
	if err != nil {
		return writeError(c, err)
	}
	s.logger.InfoContext(ctx, "http proposal",
		slog.String("caller_id", callerID),
		slog.String("confirmation_id", conf.ID),
		slog.String("command", conf.Command),
	)
	return c.JSON(http.StatusCreated, ProposalResponse{Confirmation: conf, ConfirmationPhrase: conf.Phrase()})
}

func (s *Server) handleGetProposal(c *okapi.Context) error {
	ctx, _ := requestContext(c)
	conf, err := s.getter.Get(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.OK(conf)
}

// ConfirmRequest is the JSON body for POST /v1/proposals/{id}/confirm.
type ConfirmRequest struct {
	Root             string  `json:"root"`
	UserConfirmation string  `json:"user_confirmation"`
	TimeoutSeconds   float64 `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleConfirm(c *okapi.Context) error {
	ctx, callerID := requestContext(c)
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, security.Wrap(security.KindInvalidArgument, err, "invalid request body"))
	}
	if req.Root == "" || strings.TrimSpace(req.UserConfirmation) == "" {
		return writeError(c, security.Errorf(security.KindInvalidArgument, "root and user_confirmation are required"))
	}
	id := c.Param("id")

	res, err := s.approvals.Confirm(ctx, approval.ConfirmRequest{
		Root:     req.Root,
		ID:       id,
		Phrase:   req.UserConfirmation,
		CallerID: callerID,
		Timeout:  time.Duration(req.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		return writeError(c, err)
	}
	s.logger.InfoContext(ctx, "http confirmation executed",
		slog.String("caller_id", callerID),
		slog.String("confirmation_id", id),
		slog.Int("exit_code", res.ExitCode),
	)
	return c.OK(res)
}
