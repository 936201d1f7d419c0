package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/jkaninda/gitguard/internal/security"
	"github.com/jkaninda/okapi"
)

// ToolInfo describes one tool for GET /v1/tools.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ReadOnly    bool           `json:"read_only"`
	InputSchema map[string]any `json:"input_schema"`
}

func (s *Server) handleListTools(c *okapi.Context) error {
	all := s.registry.All()
	infos := make([]ToolInfo, 0, len(all))
	for _, t := range all {
		infos = append(infos, ToolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			ReadOnly:    t.ReadOnly(),
			InputSchema: t.InputSchema(),
		})
	}
	return c.OK(infos)
}

// handleRunTool runs a registry tool with the JSON body as its params.
func (s *Server) handleRunTool(c *okapi.Context) error {
	ctx, callerID := requestContext(c)
	name := c.Param("name")

	params := map[string]any{}
	if err := json.NewDecoder(c.Request().Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		return writeError(c, security.Wrap(security.KindInvalidArgument, err, "request body must be a JSON object"))
	}

	res, err := s.registry.Run(ctx, name, params)
	if err != nil {
		return writeError(c, err)
	}
	s.logger.DebugContext(ctx, "http tool completed",
		slog.String("caller_id", callerID),
		slog.String("tool", name),
		slog.Bool("success", res.Success),
	)
	return c.OK(res)
}
