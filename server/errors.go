package server

import (
	"github.com/pkg/errors"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateIdentity  = errors.New("phone number already registered")
	ErrUnauthenticated    = errors.New("not authenticated")
	ErrNotFound           = errors.New("not found")
	ErrPersistence        = errors.New("persistence failure")
	ErrForbidden          = errors.New("forbidden")

	// ErrInvalidTarget is a validation error on the peer of a room.
	ErrInvalidTarget = tagged(ErrValidation, "Invalid target phone number")
)

// taggedError carries a client facing message and classifies as kind.
type taggedError struct {
	kind error
	msg  string
}

func (e *taggedError) Error() string { return e.msg }
func (e *taggedError) Unwrap() error { return e.kind }

func tagged(kind error, msg string) error {
	return &taggedError{kind: kind, msg: msg}
}

// persistErr marks err as a store failure while keeping its text for logs.
func persistErr(err error, op string) error {
	return errors.Wrapf(ErrPersistence, "%s: %v", op, err)
}

func validationErr(msg string) error {
	return tagged(ErrValidation, msg)
}

// errorCode maps err to the stable code sent to clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "persistence_failure"
	}
}

// errorMessage is the client facing text. Store details stay in the log.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrPersistence):
		return "Internal server error"
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid credentials"
	case errors.Is(err, ErrUnauthenticated):
		return "Not authenticated"
	case errors.Is(err, ErrDuplicateIdentity):
		return "Phone number already registered"
	}
	var known bool
	for _, sentinel := range []error{ErrValidation, ErrNotFound, ErrForbidden} {
		if errors.Is(err, sentinel) {
			known = true
			break
		}
	}
	if !known {
		return "Internal server error"
	}
	return err.Error()
}
