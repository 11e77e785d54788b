package bizsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// ErrorKind classifies a failure by what the caller can do about it.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindUnauthorized
	KindPaymentRequired
	KindNotFound
	KindValidation
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindPaymentRequired:
		return "payment_required"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	}
	return "transient"
}

// Retryable reports whether another attempt could change the outcome.
func (k ErrorKind) Retryable() bool { return k == KindTransient }

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrTransient       = &Error{Kind: KindTransient, Message: "transient failure"}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrPaymentRequired = &Error{Kind: KindPaymentRequired, Message: "payment required"}
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
	ErrValidation      = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrStorage         = &Error{Kind: KindStorage, Message: "local storage failure"}
)

// Error is returned by remote calls and local persistence.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of err. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err should consume retry budget.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err).Retryable()
}

// KindForStatus maps an HTTP status to the taxonomy. 2xx returns ok=false.
func KindForStatus(status int) (ErrorKind, bool) {
	switch {
	case status >= 200 && status < 300:
		return 0, false
	case status == http.StatusUnauthorized:
		return KindUnauthorized, true
	case status == http.StatusPaymentRequired:
		return KindPaymentRequired, true
	case status == http.StatusNotFound:
		return KindNotFound, true
	case status == http.StatusRequestTimeout:
		return KindTransient, true
	case status >= 400 && status < 500:
		return KindValidation, true
	}
	return KindTransient, true
}

func statusError(status int, message string) *Error {
	kind, _ := KindForStatus(status)
	return &Error{Kind: kind, Status: status, Message: message}
}

// transportError wraps failures below HTTP: dial errors, resets, timeouts.
func transportError(err error) *Error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTransient, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindTransient, Message: "request failed", Err: err}
}

func storageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}
