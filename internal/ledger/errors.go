package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("passport not found")
	ErrConflict          = errors.New("token already in use")
	ErrDuplicateOrder    = errors.New("active passport already exists for order")
	ErrSequenceConflict  = errors.New("sequence conflict")
	ErrRevoked           = errors.New("passport revoked")
	ErrIllegalTransition = errors.New("illegal custody transition")
	ErrInvalidInput      = errors.New("invalid input")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrTokenCollision    = errors.New("token collision retry budget exhausted")
)

// InvalidInputError names the offending field. It matches ErrInvalidInput.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// Invalid builds an InvalidInputError.
func Invalid(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

// TransitionError explains a rejected custody transition. It matches ErrIllegalTransition.
type TransitionError struct {
	From   EventKind
	To     EventKind
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal custody transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Error kinds exposed to callers and logs.
const (
	KindNotFound             = "NotFound"
	KindConflict             = "Conflict"
	KindIllegalTransition    = "IllegalTransition"
	KindRevoked              = "Revoked"
	KindIntegrityCompromised = "IntegrityCompromised"
	KindStoreUnavailable     = "StoreUnavailable"
	KindInvalidInput         = "InvalidInput"
	KindInternal             = "Internal"
)

// Kind classifies err into the error taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrSequenceConflict),
		errors.Is(err, ErrDuplicateOrder), errors.Is(err, ErrTokenCollision):
		return KindConflict
	case errors.Is(err, ErrIllegalTransition):
		return KindIllegalTransition
	case errors.Is(err, ErrRevoked):
		return KindRevoked
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}

// Retryable reports whether a caller may retry with freshly read state.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrSequenceConflict) || errors.Is(err, ErrStoreUnavailable)
}
