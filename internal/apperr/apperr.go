// Package apperr defines the error taxonomy shared by every panel operation
// and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindAuthentication Kind = "authentication_error"
	KindAuthorization  Kind = "authorization_error"
	KindNotFound       Kind = "not_found"
	KindUpstream       Kind = "upstream_error"
	KindPersistence    Kind = "persistence_error"
	KindInternal       Kind = "internal_error"
)

// Error is a classified failure. Message is safe to show to the operator.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Err     error

	// Upstream only: Network is set for timeouts and refused connections,
	// Transient for failures not attributable to the request (5xx, network).
	Network   bool
	Transient bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(field, message string) error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func Authentication(message string) error {
	return &Error{Kind: KindAuthentication, Message: message}
}

func Authorization(message string) error {
	return &Error{Kind: KindAuthorization, Message: message}
}

func NotFound(message string) error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Persistence(message string, err error) error {
	return &Error{Kind: KindPersistence, Message: message, Err: err}
}

func Internal(message string, err error) error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// Upstream wraps a failure reported by (or while reaching) a media server.
func Upstream(message string, err error, network, transient bool) error {
	return &Error{Kind: KindUpstream, Message: message, Err: err, Network: network, Transient: transient || network}
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal when unclassified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNetwork reports whether err is an upstream failure to reach the server at all.
func IsNetwork(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindUpstream && e.Network
}

// HTTPStatus maps err onto the status code the panel responds with.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		if e.Network {
			return http.StatusBadGateway
		}
		if e.Transient {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message rendered to the caller.
func PublicMessage(err error) string {
	if e, ok := As(err); ok && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}
