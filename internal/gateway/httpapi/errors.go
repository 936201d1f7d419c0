package httpapi

import (
	"errors"
	"net/http"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/security"
	"github.com/jkaninda/okapi"
)

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure kind and a caller-facing message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorBody(kind, message string) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Kind: kind, Message: message}}
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrExpired):
		return http.StatusGone
	case errors.Is(err, approval.ErrAlreadyUsed):
		return http.StatusConflict
	}
	switch security.KindOf(err) {
	case security.KindInvalidRoot, security.KindInvalidArgument:
		return http.StatusBadRequest
	case security.KindUnsupportedCommand, security.KindWriteNotPermitted:
		return http.StatusForbidden
	case security.KindConfirmation, security.KindCancelled:
		return http.StatusConflict
	case security.KindRateLimited:
		return http.StatusTooManyRequests
	case security.KindSpawnFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isApprovalError(err error) bool {
	return errors.Is(err, approval.ErrNotFound) ||
		errors.Is(err, approval.ErrExpired) ||
		errors.Is(err, approval.ErrAlreadyUsed)
}

// writeError writes the error envelope. Internal errors keep their detail
// out of the response.
func writeError(c *okapi.Context, err error) error {
	kind := security.KindOf(err)
	msg := security.MessageOf(err)
	switch {
	case kind == security.KindInternal && isApprovalError(err):
		kind = security.KindConfirmation
	case kind == security.KindInternal:
		msg = "internal error"
	}
	return c.JSON(statusFor(err), errorBody(string(kind), msg))
}
