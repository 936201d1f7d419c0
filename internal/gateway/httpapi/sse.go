package httpapi

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/gitguard/internal/security"
	"github.com/jkaninda/okapi"
)

// SSEEvent is one server-sent event of a streamed execution.
type SSEEvent struct {
	Type   string `json:"type"`              // "started", "result", "error", "done"
	CallID string `json:"call_id,omitempty"` // Sent first so the caller can cancel.
	Result any    `json:"result,omitempty"`
	Error  any    `json:"error,omitempty"`
}

// handleExecuteStream handles POST /v1/execute/stream. It announces the
// call_id before git starts, so the caller can DELETE /v1/executions/{id}
// while the command runs, then sends the result.
func (s *Server) handleExecuteStream(c *okapi.Context) error {
	ctx, callerID := requestContext(c)
	req, err := s.bindExecute(c)
	if err != nil {
		return writeError(c, err)
	}
	if req.CallID == "" {
		req.CallID = uuid.New().String()
	}
	corrID := correlationID(c)

	s.logger.InfoContext(ctx, "http execute stream",
		slog.String("caller_id", callerID),
		slog.String("correlation_id", corrID),
		slog.String("call_id", req.CallID),
		slog.String("command", req.Command),
	)

	c.SSEvent("started", SSEEvent{Type: "started", CallID: req.CallID})

	res, err := s.executor.Execute(ctx, req.guardRequest(callerID, corrID))
	if err != nil {
		kind := security.KindOf(err)
		c.SSEvent("error", SSEEvent{
			Type:   "error",
			CallID: req.CallID,
			Error:  ErrorDetail{Kind: string(kind), Message: security.MessageOf(err)},
		})
	} else {
		c.SSEvent("result", SSEEvent{Type: "result", CallID: req.CallID, Result: res})
	}
	c.SSEvent("done", SSEEvent{Type: "done", CallID: req.CallID})
	return nil
}
