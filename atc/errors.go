package atc

import (
	"errors"
	"fmt"
)

// Kind classifies a tool change failure.
type Kind int

const (
	KindUnknown Kind = iota

	// KindPrecondition failures are found before any motion.
	KindPrecondition
	// KindCommand failures come from the host: a rejected or timed out
	// command, an unreachable signal, or cancellation.
	KindCommand
	// KindData failures come from the persisted pocket table.
	KindData
	// KindOperator failures happen while waiting on the operator.
	KindOperator
	// KindBusy is returned when another sequence is running.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindCommand:
		return "command"
	case KindData:
		return "data"
	case KindOperator:
		return "operator"
	case KindBusy:
		return "busy"
	}
	return "unknown"
}

// Error is returned by every failed changer operation.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Reason
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func busyError(op string) *Error {
	return &Error{Kind: KindBusy, Op: op, Reason: "tool change in progress"}
}
