package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/policy-lab/polis/internal/domain"
	"github.com/policy-lab/polis/internal/platform/correlation"
	apperrors "github.com/policy-lab/polis/internal/platform/errors"
)

// correlationMiddleware adopts the caller's X-Correlation-ID when it is well formed and
// echoes the effective ID back.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromHeader(c.Request().Header.Get(correlation.Header))
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

// ErrorHandlingMiddleware renders every handler error as an ErrorResponse. rec may be nil.
func ErrorHandlingMiddleware(rec ErrorRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				if rec != nil {
					rec.ErrorRecorded(string(WrapHTTPError(httpErr).Type))
				}
				return err
			}

			return writeError(c, rec, translateError(err))
		}
	}
}

// translateError maps domain sentinels onto structured errors. Structured errors pass through.
func translateError(err error) *apperrors.Error {
	var structuredErr *apperrors.Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return apperrors.UnauthorizedError("sign in required").WithCause(err)
	case errors.Is(err, domain.ErrForbidden):
		return apperrors.ForbiddenError("not allowed to see this").WithCause(err)
	case errors.Is(err, domain.ErrViewNotFound):
		return apperrors.NotFoundError("view not found").WithCause(err)
	case errors.Is(err, domain.ErrViewClosed):
		return apperrors.NotFoundError("view closed").WithCause(err)
	case errors.Is(err, domain.ErrConversationNotFound):
		return apperrors.NotFoundError("conversation not found").WithCause(err)
	case errors.Is(err, domain.ErrNotFront),
		errors.Is(err, domain.ErrVoteInFlight),
		errors.Is(err, domain.ErrNoStatement):
		return apperrors.ConflictError(rootMessage(err)).WithCause(err)
	case errors.Is(err, domain.ErrRemoteRejected):
		return apperrors.ConflictError(domain.RejectionReason(err, "rejected by the server")).WithCause(err)
	case errors.Is(err, domain.ErrRemoteUnreachable):
		return apperrors.ExternalError("backend unavailable", err)
	default:
		return apperrors.AsStructuredError(err)
	}
}

func rootMessage(err error) string {
	for _, sentinel := range []error{domain.ErrNotFront, domain.ErrVoteInFlight, domain.ErrNoStatement} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func writeError(c echo.Context, rec ErrorRecorder, structuredErr *apperrors.Error) error {
	logError(c, structuredErr)
	if rec != nil {
		rec.ErrorRecorded(string(structuredErr.Type))
	}
	if structuredErr.RetryAfter > 0 {
		secs := max(int(structuredErr.RetryAfter.Seconds()), 1)
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func logError(c echo.Context, err *apperrors.Error) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if p, ok := c.Get(participantKey).(participant); ok && p.identity.SignedIn() {
		attrs = append(attrs, "username", p.identity.Username)
	}

	ctx := c.Request().Context()
	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound, apperrors.TypeUnauthorized, apperrors.TypeForbidden:
		slog.InfoContext(ctx, "Client error", attrs...)
	case apperrors.TypeConflict, apperrors.TypeRateLimited:
		slog.WarnContext(ctx, "Request refused", attrs...)
	case apperrors.TypeInternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	case apperrors.TypeExternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "External service error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}

// HandleError writes err as a structured response from inside a handler.
func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}
	return writeError(c, nil, translateError(err))
}

func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message := http.StatusText(httpErr.Code)
	if msg, ok := httpErr.Message.(string); ok {
		message = msg
	}

	var errType apperrors.ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest:
		errType = apperrors.TypeValidation
	case http.StatusUnauthorized:
		errType = apperrors.TypeUnauthorized
	case http.StatusForbidden:
		errType = apperrors.TypeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		errType = apperrors.TypeNotFound
	case http.StatusConflict:
		errType = apperrors.TypeConflict
	case http.StatusTooManyRequests:
		errType = apperrors.TypeRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		errType = apperrors.TypeExternal
	default:
		errType = apperrors.TypeInternal
	}

	err := &apperrors.Error{
		Type:    errType,
		Message: message,
		Context: make(map[string]any),
	}
	if httpErr.Internal != nil {
		err.Cause = httpErr.Internal
	}
	return err
}
