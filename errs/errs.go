// Package errs defines the failure taxonomy shared by every pipeline stage.
// Each error carries a Kind so an operator or a retry policy can tell an
// invalid claim apart from an unavailable service.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindSerialization: a value could not be encoded; fatal to the claim.
	KindSerialization
	// KindPreflight: RPC unreachable, call reverted or chain spec mismatch.
	KindPreflight
	// KindGuestAbort: the guest rejected its input; the claim is invalid.
	KindGuestAbort
	// KindProvingTransport: the proving backend could not be reached.
	KindProvingTransport
	// KindSubmission: signing, broadcast or chain id failure.
	KindSubmission
)

// String returns the kind name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindSerialization:
		return "serialization"
	case KindPreflight:
		return "preflight"
	case KindGuestAbort:
		return "guest_abort"
	case KindProvingTransport:
		return "proving_transport"
	case KindSubmission:
		return "submission"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrSerialization    = errors.New("serialization error")
	ErrPreflight        = errors.New("preflight error")
	ErrGuestAbort       = errors.New("guest abort")
	ErrProvingTransport = errors.New("proving transport error")
	ErrSubmission       = errors.New("submission error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindSerialization:
		return ErrSerialization
	case KindPreflight:
		return ErrPreflight
	case KindGuestAbort:
		return ErrGuestAbort
	case KindProvingTransport:
		return ErrProvingTransport
	case KindSubmission:
		return ErrSubmission
	}
	return nil
}

// Error is a kind-tagged failure raised by a pipeline stage.
type Error struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "preflight.header"
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind.sentinel(), e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind.sentinel(), e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func wrap(kind Kind, op string, err error, retryable bool) error {
	if err == nil {
		return nil
	}
	// Keep the innermost classification when a stage rewraps.
	var inner *Error
	if errors.As(err, &inner) && inner.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Retryable: retryable, Err: err}
}

// Serialization tags err as a serialization failure.
func Serialization(op string, err error) error {
	return wrap(KindSerialization, op, err, false)
}

// Preflight tags err as a retryable preflight failure.
func Preflight(op string, err error) error {
	return wrap(KindPreflight, op, err, true)
}

// GuestAbort tags err as a guest rejection. It is never retryable: the
// guest is deterministic over its input.
func GuestAbort(op string, err error) error {
	return wrap(KindGuestAbort, op, err, false)
}

// ProvingTransport tags err as a retryable transport failure.
func ProvingTransport(op string, err error) error {
	return wrap(KindProvingTransport, op, err, true)
}

// Submission tags err as a submission failure with explicit retryability.
func Submission(op string, err error, retryable bool) error {
	return wrap(KindSubmission, op, err, retryable)
}

// KindOf returns the kind of the outermost tagged error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err was tagged retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
