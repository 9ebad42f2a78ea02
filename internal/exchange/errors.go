package exchange

import (
	"errors"
	"fmt"
)

// Engine errors. None of them leave account or price state changed.
var (
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInstrumentNotFound   = errors.New("stock does not exist")
	ErrUserNotFound         = errors.New("user does not exist")
	ErrUsernameTaken        = errors.New("username already exists")
	ErrInstrumentExists     = errors.New("stock code already exists")
	ErrHasHoldings          = errors.New("stock is held by users and cannot be deleted")
	ErrInsufficientFunds    = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidCredentials   = errors.New("invalid username or password")
)

// Store errors, surfaced by every Store implementation.
var (
	ErrRecordExists     = errors.New("record already exists")
	ErrRecordNotFound   = errors.New("record not found")
	ErrRecordReferenced = errors.New("record is referenced")
)

// ErrorKind classifies an error for reporting
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindInsufficient
	KindAuth
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInsufficient:
		return "insufficient"
	case KindAuth:
		return "auth"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// PersistenceError reports a failed durable write or read. The in-memory
// state the operation would have changed is left untouched.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// KindOf returns the class of err
func KindOf(err error) ErrorKind {
	var pe *PersistenceError
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrInstrumentNotFound), errors.Is(err, ErrUserNotFound):
		return KindNotFound
	case errors.Is(err, ErrUsernameTaken), errors.Is(err, ErrInstrumentExists), errors.Is(err, ErrHasHoldings):
		return KindConflict
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientHoldings):
		return KindInsufficient
	case errors.Is(err, ErrInvalidCredentials):
		return KindAuth
	case errors.As(err, &pe):
		return KindPersistence
	default:
		return KindInternal
	}
}
