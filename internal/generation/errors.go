package generation

import (
	"fmt"
	"net/http"
)

// Kind is the failure category visible to callers.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindUpstream       Kind = "upstream"
	KindParse          Kind = "parse"
	KindPersistence    Kind = "persistence"
	KindInternal       Kind = "internal"
)

// Sentinels for errors.Is checks against a category.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrUpstream       = &Error{Kind: KindUpstream}
	ErrParse          = &Error{Kind: KindParse}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrInternal       = &Error{Kind: KindInternal}
)

// Error describes a failed pipeline step. StatusCode and Body are only set
// for upstream failures and are meant for logs, never for callers.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	StatusCode int
	Body       string
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewUpstreamError reports a non-2xx answer from the completion endpoint.
func NewUpstreamError(statusCode int, body string) *Error {
	return &Error{
		Kind:       KindUpstream,
		Op:         "open stream",
		Err:        fmt.Errorf("upstream returned status %d", statusCode),
		StatusCode: statusCode,
		Body:       body,
	}
}

// Upstream wraps err as an upstream failure.
func Upstream(op string, err error) *Error {
	return newError(KindUpstream, op, err)
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// HTTPStatus maps the category onto a response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream, KindParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to hand to a caller.
func (e *Error) PublicMessage() string {
	switch e.Kind {
	case KindAuthentication:
		return "authentication required"
	case KindAuthorization:
		return "not allowed to access this conversation"
	case KindValidation:
		return "invalid generation request"
	case KindNotFound:
		return "conversation not found"
	case KindUpstream, KindParse:
		return "response generation failed"
	default:
		return "internal error"
	}
}
