package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	// CodeUserRejected is the fallback code when the wallet omits one.
	CodeUserRejected = 4001
	// CodeUnauthorized is used for invocations without an authorized session.
	CodeUnauthorized = 4100
	// CodeDisconnected is used when the channel to the wallet is gone.
	CodeDisconnected = 4900

	DefaultRejectionMessage = "Request rejected by user"
)

var (
	ErrRequestTimeout        = errors.New("core: request timed out")
	ErrConnectionLost        = errors.New("core: connection lost")
	ErrTransportClosed       = errors.New("core: transport closed")
	ErrTransportNotConnected = errors.New("core: transport not connected")
	ErrNoActiveSession       = errors.New("core: no active session")
	ErrScopeNotAuthorized    = errors.New("core: scope not authorized")
	ErrCoreClosed            = errors.New("core: core closed")
	ErrRegistryClosed        = errors.New("core: registry closed")
)

type ErrorKind string

const (
	ErrorKindProtocol       ErrorKind = "protocol"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindConnectionLost ErrorKind = "connection_lost"
	ErrorKindCancelled      ErrorKind = "cancelled"
	ErrorKindStorage        ErrorKind = "storage"
	ErrorKindUnauthorized   ErrorKind = "unauthorized"
	ErrorKindChannel        ErrorKind = "channel"
)

// RPCError is a rejection the wallet sent back for a request.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	if e == nil {
		return "rpc error"
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	metadata := map[string]any{"rpc_code": e.Code}
	if len(e.Data) > 0 {
		metadata["rpc_data"] = string(e.Data)
	}
	return goerrors.New(e.Message, goerrors.CategoryAuthz).
		WithCode(http.StatusForbidden).
		WithTextCode(ErrorUserRejected).
		WithMetadata(metadata)
}

// NormalizeRPCError applies the defaulting rules to a wallet error object:
// a missing code becomes 4001 and a missing or blank message becomes
// "Request rejected by user". Supplied values are kept verbatim.
func NormalizeRPCError(code *int, message *string, data json.RawMessage) *RPCError {
	out := &RPCError{Code: CodeUserRejected, Message: DefaultRejectionMessage}
	if code != nil {
		out.Code = *code
	}
	if message != nil && strings.TrimSpace(*message) != "" {
		out.Message = *message
	}
	if len(data) > 0 && string(data) != "null" {
		out.Data = append(json.RawMessage(nil), data...)
	}
	return out
}

// RequestError reports why a pending request failed without a wallet
// response: timeout, connection loss, cancellation or a channel write error.
type RequestError struct {
	Kind      ErrorKind
	RequestID string
	Method    string
	Cause     error
}

func (e *RequestError) Error() string {
	if e == nil {
		return "request error"
	}
	base := fmt.Sprintf("request %s (%s) failed: %s", e.RequestID, e.Method, e.Kind)
	if e.Cause != nil {
		return base + ": " + e.Cause.Error()
	}
	return base
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *RequestError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	metadata := map[string]any{
		"request_id": e.RequestID,
		"method":     e.Method,
		"kind":       string(e.Kind),
	}
	var (
		category goerrors.Category
		code     int
		textCode string
	)
	switch e.Kind {
	case ErrorKindTimeout:
		category, code, textCode = goerrors.CategoryExternal, http.StatusGatewayTimeout, ErrorRequestTimeout
	case ErrorKindConnectionLost:
		category, code, textCode = goerrors.CategoryExternal, http.StatusBadGateway, ErrorConnectionLost
	case ErrorKindCancelled:
		category, code, textCode = goerrors.CategoryOperation, http.StatusServiceUnavailable, ErrorCancelled
	case ErrorKindChannel:
		category, code, textCode = goerrors.CategoryExternal, http.StatusBadGateway, ErrorChannelFailure
	default:
		category, code, textCode = goerrors.CategoryInternal, http.StatusInternalServerError, ErrorInternal
	}
	return goerrors.New(e.Error(), category).
		WithCode(code).
		WithTextCode(textCode).
		WithMetadata(metadata)
}

// StorageError wraps a backing store failure with the logical key involved.
type StorageError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "storage error"
	}
	if e.Cause == nil {
		return fmt.Sprintf("core: storage %s %q failed", e.Op, e.Key)
	}
	return fmt.Sprintf("core: storage %s %q failed: %v", e.Op, e.Key, e.Cause)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *StorageError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	return goerrors.New(e.Error(), goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(ErrorStorageFailure).
		WithMetadata(map[string]any{"op": e.Op, "key": e.Key})
}

// ErrorKindOf classifies err into the failure taxonomy. Unknown errors
// return an empty kind.
func ErrorKindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Kind
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return ErrorKindProtocol
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return ErrorKindStorage
	}
	switch {
	case errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrScopeNotAuthorized),
		errors.Is(err, ErrTransportNotConnected):
		return ErrorKindUnauthorized
	case errors.Is(err, ErrRequestTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrConnectionLost):
		return ErrorKindConnectionLost
	case errors.Is(err, ErrTransportClosed), errors.Is(err, ErrCoreClosed):
		return ErrorKindCancelled
	}
	return ""
}
