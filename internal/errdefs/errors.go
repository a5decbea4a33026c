// Package errdefs defines the error taxonomy shared across the pipeline,
// channels, and tool providers. Boundary calls classify failures into a Kind
// so callers can decide between retry, surface, and abort without string
// matching.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind categorizes an error for recovery decisions.
type Kind string

const (
	KindUserInputInvalid    Kind = "user_input_invalid"
	KindAdmissionDenied     Kind = "admission_denied"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindToolExecutionFailed Kind = "tool_execution_failed"
	KindToolPolicyDenied    Kind = "tool_policy_denied"
	KindConfirmationDenied  Kind = "confirmation_denied"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// RetryAfter is set for rate-limit errors when the upstream provided a
	// retry hint.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// RateLimited builds a rate-limit error carrying the server's retry hint.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// KindOf classifies an arbitrary error. Context cancellation and deadline
// errors map to Cancelled and UpstreamUnavailable respectively; everything
// unrecognized is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamUnavailable
	}
	return KindInternal
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsCancelled reports whether the error is a cancellation. The pipeline never
// swallows these.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

// MessageOf returns the typed error's message, or the plain error text for
// untyped errors. Used when surfacing an explanation to a user.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Message != "" {
		return typed.Message
	}
	return err.Error()
}

// RetryAfterHint extracts the retry hint from a rate-limit error, or zero.
func RetryAfterHint(err error) time.Duration {
	var typed *Error
	if errors.As(err, &typed) && typed.Kind == KindRateLimited {
		return typed.RetryAfter
	}
	return 0
}
