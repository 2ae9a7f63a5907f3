package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a result code carried in every response.
type Code int

const (
	CodeOK               Code = 0
	CodeValidation       Code = 400
	CodeSessionExpired   Code = 401
	CodeDenied           Code = 403
	CodeNotFound         Code = 404
	CodeChallengeInvalid Code = 409
	CodeInternal         Code = 500
)

// String returns the symbolic name of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeValidation:
		return "ValidationError"
	case CodeSessionExpired:
		return "SessionExpired"
	case CodeDenied:
		return "AuthorizationDenied"
	case CodeNotFound:
		return "NotFound"
	case CodeChallengeInvalid:
		return "ChallengeInvalid"
	case CodeInternal:
		return "InternalError"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// HTTPStatus maps the code onto an HTTP status for the HTTP endpoints.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeOK:
		return http.StatusOK
	case CodeValidation:
		return http.StatusBadRequest
	case CodeSessionExpired:
		return http.StatusUnauthorized
	case CodeDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeChallengeInvalid:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failure that is reported to the peer with its code and message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors with the same code and message, so errors decoded from
// the wire compare equal to the shared errors below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Message == e.Message
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Shared errors. Compare with errors.Is.
var (
	ErrSessionExpired   = &Error{Code: CodeSessionExpired, Message: "session expired"}
	ErrChallengeInvalid = &Error{Code: CodeChallengeInvalid, Message: "challenge invalid"}
	ErrLoginRequired    = &Error{Code: CodeDenied, Message: "login required"}
	ErrRoomNotFound     = &Error{Code: CodeNotFound, Message: "room not found"}
	ErrNotMember        = &Error{Code: CodeNotFound, Message: "not a member of this room"}
	ErrAlreadyJoined    = &Error{Code: CodeValidation, Message: "already joined"}
)

// ResultFromError is the single mapping from an error to the result sent to
// a peer. Errors that are not *Error are reported as InternalError without
// leaking their text.
func ResultFromError(err error) Result {
	if err == nil {
		return Result{Code: CodeOK, Message: "ok"}
	}
	var pe *Error
	if errors.As(err, &pe) {
		return Result{Code: pe.Code, Message: pe.Message}
	}
	return Result{Code: CodeInternal, Message: "internal error"}
}
