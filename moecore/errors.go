package moecore

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is. These are the caller-facing
// error kinds enumerated in spec.md §7; per-expert failures are recovered
// locally into ExpertResult and never surface as one of these.
var (
	ErrInvalidQuery      = errors.New("invalid query")
	ErrEmptyRegistry     = errors.New("no experts registered")
	ErrDuplicateExpertID = errors.New("duplicate expert id")
	ErrInvalidDescriptor = errors.New("invalid expert descriptor")
	ErrCancelled         = errors.New("request cancelled")
	ErrInternal          = errors.New("internal orchestrator error")
)

// Error wraps an underlying error with the operation and kind that failed,
// mirroring core.FrameworkError's Op/Kind/ID/Message/Err shape.
type Error struct {
	Op      string
	Kind    string
	ID      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error that wraps err under the given op/kind.
func NewError(op, kind string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsNotFound reports whether err is or wraps ErrEmptyRegistry (no experts
// registered).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEmptyRegistry)
}

// IsRetryable reports whether err is worth retrying: every non-nil error
// except one that is or wraps ErrCancelled.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCancelled) == false && err != nil
}
