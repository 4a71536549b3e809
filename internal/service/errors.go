package service

import (
	"errors"
	"fmt"

	"webldap/internal/directory"
)

var (
	ErrNotFound           = errors.New("invalid or expired link")
	ErrConflict           = errors.New("conflict")
	ErrAccountExists      = fmt.Errorf("%w: account already exists", ErrConflict)
	ErrHandleTaken        = fmt.Errorf("%w: nickname already taken", ErrConflict)
	ErrClaimLost          = fmt.Errorf("%w: request was taken over by another confirmation", ErrConflict)
	ErrPolicyViolation    = errors.New("password rejected")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidState       = errors.New("request is in an invalid state, contact an administrator")
	ErrSessionMismatch    = errors.New("log in as the account this link was sent for")
	ErrForbidden          = errors.New("forbidden")
	ErrDirectory          = errors.New("directory unavailable")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNoSuchEntry        = errors.New("no such entry")
)

// dirErr translates a directory failure into the service vocabulary. Errors
// that need a handler-specific meaning (constraint, policy) are checked by
// the caller before falling back here.
func dirErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, directory.ErrInvalidCredentials):
		return ErrInvalidCredentials
	case errors.Is(err, directory.ErrInsufficientAccess):
		return fmt.Errorf("%w: %s", ErrForbidden, op)
	case errors.Is(err, directory.ErrNoSuchEntry):
		return fmt.Errorf("%w: %s", ErrNoSuchEntry, op)
	case errors.Is(err, directory.ErrMultiValued):
		return fmt.Errorf("%w: %s: %v", ErrInvalidState, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrDirectory, op, err)
	}
}

// passwordErr maps a SetPassword failure.
func passwordErr(err error) error {
	if errors.Is(err, directory.ErrPolicy) || errors.Is(err, directory.ErrConstraint) {
		return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	return dirErr("set password", err)
}

// outcomeLabel is the metrics label for the result of a confirmation.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAccountExists):
		return "account_exists"
	case errors.Is(err, ErrHandleTaken):
		return "handle_taken"
	case errors.Is(err, ErrClaimLost):
		return "claim_lost"
	case errors.Is(err, ErrPolicyViolation):
		return "password_rejected"
	case errors.Is(err, ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "error"
	}
}
