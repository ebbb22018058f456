package core

import (
	"errors"
	"fmt"
)

// ErrorClass is the caller-visible error taxonomy.
type ErrorClass string

const (
	ClassTransientRemote   ErrorClass = "TransientRemote"
	ClassMalformedResponse ErrorClass = "MalformedResponse"
	ClassPermanentRemote   ErrorClass = "PermanentRemote"
	ClassInvalidInput      ErrorClass = "InvalidInput"
	ClassCancelled         ErrorClass = "Cancelled"
)

// FailureKind is the fine-grained failure reason used by the backoff policy.
type FailureKind string

const (
	KindRateLimited     FailureKind = "rate_limited"
	KindNetwork         FailureKind = "network"
	KindServer          FailureKind = "server"
	KindMalformed       FailureKind = "malformed"
	KindAuth            FailureKind = "auth"
	KindEndpoint        FailureKind = "endpoint"
	KindInvalidInput    FailureKind = "invalid_input"
	KindContentRejected FailureKind = "content_rejected"
	KindCancelled       FailureKind = "cancelled"
	KindUnknown         FailureKind = "unknown"
)

// Class maps a kind onto the error taxonomy.
func (k FailureKind) Class() ErrorClass {
	switch k {
	case KindRateLimited, KindNetwork, KindServer:
		return ClassTransientRemote
	case KindMalformed:
		return ClassMalformedResponse
	case KindAuth, KindEndpoint, KindContentRejected, KindUnknown:
		return ClassPermanentRemote
	case KindInvalidInput:
		return ClassInvalidInput
	case KindCancelled:
		return ClassCancelled
	default:
		return ClassPermanentRemote
	}
}

// Retryable reports whether the kind may be retried at all.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindNetwork, KindServer, KindMalformed:
		return true
	default:
		return false
	}
}

// Failure is the terminal failure of one unit of work.
type Failure struct {
	Kind     FailureKind
	Message  string
	Attempts int

	// Exhausted is set when a retryable kind ran out of attempts or budget.
	Exhausted bool
	Cause     error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	msg := f.Message
	if msg == "" && f.Cause != nil {
		msg = f.Cause.Error()
	}
	if f.Exhausted {
		return fmt.Sprintf("%s (%s) after %d attempts: %s", f.Kind.Class(), f.Kind, f.Attempts, msg)
	}
	return fmt.Sprintf("%s (%s): %s", f.Kind.Class(), f.Kind, msg)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Class returns the taxonomy class. Exhausted malformed responses surface as
// TransientRemote.
func (f *Failure) Class() ErrorClass {
	if f == nil {
		return ""
	}
	if f.Kind == KindMalformed && f.Exhausted {
		return ClassTransientRemote
	}
	return f.Kind.Class()
}

// Failf builds a Failure with a formatted message.
func Failf(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsFailure extracts a *Failure from err. Unknown errors become a
// non-retryable PermanentRemote failure.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) && f != nil {
		return f
	}
	return &Failure{Kind: KindUnknown, Message: err.Error(), Cause: err}
}
