package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ErrorKind int

const (
	KindProviderError ErrorKind = iota
	KindNoProviderAvailable
	KindRateLimited
	KindBudgetExceeded
	KindTimeout
	KindFailoverExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoProviderAvailable:
		return "no_provider_available"
	case KindRateLimited:
		return "rate_limited"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindTimeout:
		return "timeout"
	case KindFailoverExhausted:
		return "failover_exhausted"
	default:
		return "provider_error"
	}
}

// Error is the single typed error surfaced by the routing engine.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Retryable  bool
	RetryAfter time.Duration
	Reason     string
	Err        error
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrNoProviderAvailable = &Error{Kind: KindNoProviderAvailable}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrBudgetExceeded      = &Error{Kind: KindBudgetExceeded}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrProvider            = &Error{Kind: KindProviderError}
	ErrFailoverExhausted   = &Error{Kind: KindFailoverExhausted}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Provider != "" {
		fmt.Fprintf(&b, " (provider %s)", e.Provider)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, providerName, reason string, err error) *Error {
	return &Error{
		Kind:      kind,
		Provider:  providerName,
		Reason:    reason,
		Err:       err,
		Retryable: kind == KindRateLimited || kind == KindBudgetExceeded || kind == KindTimeout || kind == KindProviderError,
	}
}

func RateLimited(providerName string, retryAfter time.Duration, reason string) *Error {
	e := NewError(KindRateLimited, providerName, reason, nil)
	e.RetryAfter = retryAfter
	return e
}

func BudgetExceeded(providerName string, retryAfter time.Duration, reason string) *Error {
	e := NewError(KindBudgetExceeded, providerName, reason, nil)
	e.RetryAfter = retryAfter
	return e
}

// StatusError maps a backend HTTP status to the taxonomy.
func StatusError(providerName string, status int, body string) *Error {
	err := fmt.Errorf("%s api error (status %d): %s", providerName, status, body)
	e := NewError(KindProviderError, providerName, "", err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Retryable = false
		e.Reason = "authentication"
	case status == http.StatusTooManyRequests:
		e.Reason = "upstream rate limit"
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case status >= 500:
		e.Reason = "upstream failure"
	case status >= 400:
		e.Retryable = false
		e.Reason = "rejected request"
	}
	return e
}

// KindOf returns the kind of err, treating untyped errors as provider errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProviderError
}

// IsRetryable reports whether another attempt (on this or another backend)
// may succeed. Untyped errors are retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return err != nil
}

func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// TransportError classifies a failed round trip. Deadline expiry becomes a
// Timeout; everything else is a retryable provider error that still unwraps
// to the original cause (so context.Canceled stays detectable).
func TransportError(providerName string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, providerName, "deadline exceeded", err)
	}
	return NewError(KindProviderError, providerName, "transport", err)
}
