package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"fleetdesk/internal/core/domain"
	apperrors "fleetdesk/pkg/errors"

	"github.com/gin-gonic/gin"
)

// toAppError maps domain failures onto HTTP-facing errors.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	var (
		storeErr   *domain.StoreWriteError
		sigErr     *domain.SignalingError
		negErr     *domain.NegotiationError
		timeoutErr *domain.CommandTimeoutError
	)
	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		return apperrors.NewNotFoundError("agent")
	case errors.Is(err, domain.ErrCommandNotFound):
		return apperrors.NewNotFoundError("command")
	case errors.Is(err, domain.ErrCommandBusy):
		return apperrors.NewConflictError(err.Error())
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NewNotFoundError("session")
	case errors.Is(err, domain.ErrSessionActive):
		return apperrors.NewConflictError("a session is already active for this agent")
	case errors.Is(err, domain.ErrSessionClosed):
		return apperrors.NewServiceUnavailableError("session manager is shutting down")
	case errors.As(err, &timeoutErr):
		return apperrors.NewTimeoutError(err, "command not completed in time").
			WithContext("command_id", timeoutErr.CommandID)
	case errors.As(err, &storeErr):
		return apperrors.NewBadGatewayError(err, "store rejected the write").
			WithContext("table", storeErr.Table)
	case errors.As(err, &sigErr):
		return apperrors.NewBadGatewayError(err, "signaling unavailable").
			WithContext("op", sigErr.Op)
	case errors.As(err, &negErr):
		return apperrors.NewBadGatewayError(err, "session negotiation failed").
			WithContext("op", negErr.Op)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewTimeoutError(err, "request timed out")
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// fail attaches err for ErrorHandlerMiddleware and stops the chain.
func fail(c *gin.Context, err error) {
	_ = c.Error(toAppError(err))
	c.Abort()
}

func invalid(c *gin.Context, err error) {
	_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
	c.Abort()
}

func errBusy(kind domain.CommandKind) *apperrors.AppError {
	return apperrors.NewConflictError(fmt.Sprintf("a %s command is already pending", kind)).
		WithContext("command_type", kind)
}
