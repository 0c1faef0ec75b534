package controller

import (
	"errors"
	"fmt"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/config"
)

var (
	ErrNotInitialized = errors.New("controller: service not initialized")
	ErrWrongState     = errors.New("controller: action not allowed in current state")
	ErrLockHeld       = errors.New("controller: another instance holds the service lock")
)

// ErrorKind separates failures an operator must fix from ones that clear up
// on their own.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindStructural    ErrorKind = "structural"
	KindConfig        ErrorKind = "config"
	KindAuthorization ErrorKind = "authorization"
)

// Error is a service-level failure with a kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// classifyOpen maps a ledger construction error onto a kind.
func classifyOpen(err error) ErrorKind {
	switch {
	case errors.Is(err, chain.ErrInvalidKey),
		errors.Is(err, chain.ErrInvalidContract),
		errors.Is(err, config.ErrMissing):
		return KindConfig
	default:
		return KindTransient
	}
}
