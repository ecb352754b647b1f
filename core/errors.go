package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput         = "MULTICHAIN_BAD_INPUT"
	ErrorUserRejected     = "MULTICHAIN_USER_REJECTED"
	ErrorRequestTimeout   = "MULTICHAIN_REQUEST_TIMEOUT"
	ErrorConnectionLost   = "MULTICHAIN_CONNECTION_LOST"
	ErrorCancelled        = "MULTICHAIN_CANCELLED"
	ErrorStorageFailure   = "MULTICHAIN_STORAGE_FAILURE"
	ErrorUnauthorized     = "MULTICHAIN_UNAUTHORIZED"
	ErrorNotConnected     = "MULTICHAIN_NOT_CONNECTED"
	ErrorChannelFailure   = "MULTICHAIN_CHANNEL_FAILURE"
	ErrorInternal         = "MULTICHAIN_INTERNAL_ERROR"
	defaultInternalReason = "An unexpected error occurred"
)

type serviceErrorConverter interface {
	ToServiceError() *goerrors.Error
}

// MapError normalizes any error into a go-errors envelope with a category,
// an HTTP style code and a MULTICHAIN_* text code.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	var converter serviceErrorConverter
	if errors.As(err, &converter) {
		if mapped := converter.ToServiceError(); mapped != nil {
			return ensureErrorEnvelope(mapped)
		}
	}

	switch {
	case errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrScopeNotAuthorized):
		return newMappedError(err.Error(), goerrors.CategoryAuthz, ErrorUnauthorized)
	case errors.Is(err, ErrTransportNotConnected):
		return newMappedError(err.Error(), goerrors.CategoryOperation, ErrorNotConnected)
	case errors.Is(err, ErrTransportClosed), errors.Is(err, ErrCoreClosed),
		errors.Is(err, ErrRegistryClosed), errors.Is(err, context.Canceled):
		return newMappedError(err.Error(), goerrors.CategoryOperation, ErrorCancelled)
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return newMappedError(err.Error(), goerrors.CategoryExternal, ErrorRequestTimeout)
	case errors.Is(err, ErrConnectionLost):
		return newMappedError(err.Error(), goerrors.CategoryExternal, ErrorConnectionLost)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newMappedError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newMappedError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = errorHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = defaultInternalReason
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorUnauthorized
	case goerrors.CategoryExternal:
		return ErrorChannelFailure
	case goerrors.CategoryOperation:
		return ErrorNotConnected
	default:
		return ErrorInternal
	}
}

func errorHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	case goerrors.CategoryOperation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badInputError(message string) error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput)
}

func validationError(field string, message string) error {
	return goerrors.NewValidation("core: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}
