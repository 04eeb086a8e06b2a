package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrMissingAPIKey is returned by provider factories given no key.
	ErrMissingAPIKey = errors.New("api key is required")
	// ErrEmptyCompletion is returned when a provider answered without text.
	ErrEmptyCompletion = errors.New("provider returned no text")
	// ErrUnknownBackend is returned by Registry lookups for unregistered names.
	ErrUnknownBackend = errors.New("unknown backend")
)

// FailureClass groups provider failures by how the pipeline reacts to them.
type FailureClass uint8

const (
	FailureUnknown FailureClass = iota
	// FailureAuth covers rejected or missing credentials.
	FailureAuth
	// FailureThrottled is a provider-side rate or quota limit.
	FailureThrottled
	// FailureRejected is a request the provider will never accept as sent:
	// bad parameters or an unknown model.
	FailureRejected
	// FailureUnavailable is a 5xx or an overloaded provider.
	FailureUnavailable
	// FailureBlocked is a safety or content policy refusal.
	FailureBlocked
	// FailureDeadline means the call's deadline expired.
	FailureDeadline
	// FailureCanceled means the caller gave up.
	FailureCanceled
)

var failureNames = [...]string{
	FailureUnknown:     "unknown",
	FailureAuth:        "auth",
	FailureThrottled:   "throttled",
	FailureRejected:    "rejected",
	FailureUnavailable: "unavailable",
	FailureBlocked:     "blocked",
	FailureDeadline:    "deadline",
	FailureCanceled:    "canceled",
}

func (c FailureClass) String() string {
	if int(c) < len(failureNames) {
		return failureNames[c]
	}
	return fmt.Sprintf("FailureClass(%d)", c)
}

// Transient reports whether another attempt may succeed.
func (c FailureClass) Transient() bool {
	return c == FailureThrottled || c == FailureUnavailable || c == FailureUnknown
}

// BackendError is a provider failure normalized across SDKs.
type BackendError struct {
	Provider string
	Class    FailureClass
	// Status is the HTTP status, or zero when no response arrived.
	Status int
	Detail string
	Err    error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Class.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BackendError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status onto a failure class.
func ClassifyStatus(status int) FailureClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusTooManyRequests:
		return FailureThrottled
	case status == http.StatusRequestTimeout:
		return FailureDeadline
	case status >= 500:
		return FailureUnavailable
	case status >= 400:
		return FailureRejected
	default:
		return FailureUnknown
	}
}

// apiFailure builds the BackendError for a provider SDK error. Context
// errors win over the status so an expired call is always a deadline.
func apiFailure(provider string, status int, detail string, err error) *BackendError {
	class := ClassifyStatus(status)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		class = FailureDeadline
	case errors.Is(err, context.Canceled):
		class = FailureCanceled
	}
	return &BackendError{Provider: provider, Class: class, Status: status, Detail: detail, Err: err}
}

// ClassOf returns the failure class of err. A context error anywhere in
// the chain decides the class, so a retry loop cut short by its deadline
// reports a deadline rather than the last attempt's failure.
func ClassOf(err error) FailureClass {
	var be *BackendError
	switch {
	case err == nil:
		return FailureUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return FailureDeadline
	case errors.Is(err, context.Canceled):
		return FailureCanceled
	case errors.As(err, &be):
		return be.Class
	default:
		return FailureUnknown
	}
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	return err != nil && ClassOf(err) == FailureDeadline
}
