package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrKind partitions broker failures by the policy that applies to them.
type ErrKind int

const (
	// KindTransient failures may be retried with bounded backoff.
	KindTransient ErrKind = iota
	// KindRejected means the broker refused the request; terminal, no retry.
	KindRejected
	// KindAmbiguous means the request may have reached the broker before
	// the failure. Never retried; resolved by reconciliation.
	KindAmbiguous
	// KindFatal means the adapter cannot continue (bad credentials,
	// unsupported instrument) and the caller should escalate.
	KindFatal
)

func (k ErrKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindAmbiguous:
		return "ambiguous"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an adapter failure with its kind so order-lifecycle code
// can apply per-kind retry policy without string matching.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("broker: %s (%s)", e.Op, e.Kind)
	}
	return fmt.Sprintf("broker: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient, Rejected, Ambiguous and Fatal build kinded errors.
func Transient(op string, err error) error { return &Error{Kind: KindTransient, Op: op, Err: err} }
func Rejected(op string, err error) error  { return &Error{Kind: KindRejected, Op: op, Err: err} }
func Ambiguous(op string, err error) error { return &Error{Kind: KindAmbiguous, Op: op, Err: err} }
func Fatal(op string, err error) error     { return &Error{Kind: KindFatal, Op: op, Err: err} }

// Classify returns the error's kind. Unkinded errors fall back on a
// conservative reading: timeouts on a mutating call could have reached
// the broker, so they classify as ambiguous; other network errors are
// transient.
func Classify(err error) ErrKind {
	if err == nil {
		return KindTransient
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindAmbiguous
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindAmbiguous
		}
		return KindTransient
	}
	return KindTransient
}
