// Package errs defines the error taxonomy surfaced at component boundaries.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure.
type Kind uint8

const (
	// KindUnknown marks an error that did not originate in this module.
	KindUnknown Kind = iota
	InvalidInput
	NotFound
	Unauthorized
	InsufficientFunds
	InsufficientStake
	InsufficientRewardPool
	InvalidState
	DeadlineExpired
	IntegrityViolation
	RateLimited
	ServiceUnavailable
	Timeout
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case Unauthorized:
		return "unauthorized"
	case InsufficientFunds:
		return "insufficient_funds"
	case InsufficientStake:
		return "insufficient_stake"
	case InsufficientRewardPool:
		return "insufficient_reward_pool"
	case InvalidState:
		return "invalid_state"
	case DeadlineExpired:
		return "deadline_expired"
	case IntegrityViolation:
		return "integrity_violation"
	case RateLimited:
		return "rate_limited"
	case ServiceUnavailable:
		return "service_unavailable"
	case Timeout:
		return "timeout"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error carries a kind, the failing operation, and, for quantitative
// preconditions, the observed and required values.
type Error struct {
	Kind     Kind
	Op       string
	Msg      string
	Observed uint64
	Required uint64
	// Quantified marks Observed/Required as meaningful.
	Quantified bool
	Err        error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Quantified {
		s += fmt.Sprintf(" (required %d, observed %d)", e.Required, e.Observed)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a plain taxonomy error.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Ef builds a taxonomy error with a formatted message.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Quantitative builds an error for an unmet quantitative precondition.
func Quantitative(kind Kind, op string, required, observed uint64) *Error {
	return &Error{Kind: kind, Op: op, Required: required, Observed: observed, Quantified: true}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the wrap chain and returns the first taxonomy kind found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
