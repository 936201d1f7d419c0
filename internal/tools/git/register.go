package git

import (
	"log/slog"

	"github.com/jkaninda/gitguard/internal/tools"
)

// Register adds every git tool to reg. approvals may be nil, in which case
// the propose/confirm tools are left out.
func Register(reg *tools.Registry, gateway Gateway, approvals Approvals, logger *slog.Logger) {
	reg.Register(NewExecuteTool(gateway, logger))
	reg.Register(NewCancelTool(gateway, logger))
	for _, t := range ReadTools(NewReader(gateway, logger)) {
		reg.Register(t)
	}
	if approvals != nil {
		reg.Register(NewProposeTool(approvals, logger))
		reg.Register(NewConfirmTool(approvals, logger))
	}
}
