package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrorKind partitions fetch failures for retry decisions.
type ErrorKind int

// Fetch failure kinds. KindHTTP carries the response status alongside.
const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindConnection
	KindProxy
	KindHTTP
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindProxy:
		return "proxy"
	case KindHTTP:
		return "http"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// FailureReason is the ledger-facing failure category. Proxy failures fold
// into connection_error here; the ledger schema does not distinguish them.
type FailureReason string

// Ledger failure reasons.
const (
	ReasonTimeout    FailureReason = "timeout"
	ReasonConnection FailureReason = "connection_error"
	ReasonHTTP       FailureReason = "http_error"
	ReasonParse      FailureReason = "parse_error"
	ReasonUnknown    FailureReason = "unknown"
)

// FetchError is the typed failure produced by fetch attempts.
type FetchError struct {
	Kind   ErrorKind
	Status int // HTTP status for KindHTTP, zero otherwise
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindHTTP && e.Err == nil:
		return fmt.Sprintf("http status %d", e.Status)
	case e.Kind == KindHTTP:
		return fmt.Sprintf("http status %d: %v", e.Status, e.Err)
	case e.Err == nil:
		return e.Kind.String() + " error"
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether a retry may succeed. HTTP failures are only
// retryable for 5xx and 429; every other kind is considered transient,
// including parse failures, since a retried range fetch can shift content.
func (e *FetchError) Recoverable() bool {
	if e.Kind != KindHTTP {
		return true
	}
	return e.Status >= 500 || e.Status == 429
}

// Reason maps the error onto the ledger category set.
func (e *FetchError) Reason() FailureReason {
	switch e.Kind {
	case KindTimeout:
		return ReasonTimeout
	case KindConnection, KindProxy:
		return ReasonConnection
	case KindHTTP:
		return ReasonHTTP
	case KindParse:
		return ReasonParse
	default:
		return ReasonUnknown
	}
}

// NewHTTPError builds a FetchError for an unexpected response status.
func NewHTTPError(status int) *FetchError {
	return &FetchError{Kind: KindHTTP, Status: status}
}

// NewFetchError wraps err under the given kind.
func NewFetchError(kind ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// Classify coerces an arbitrary error into a FetchError. Existing
// FetchErrors pass through; context deadline and net timeouts become
// KindTimeout; transport-level failures become KindConnection; anything
// else lands in KindUnknown and stays retryable.
func Classify(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	// The transport wraps proxy handshake failures in url.Error, so this
	// check must run before the generic transport branches.
	if msg := strings.ToLower(err.Error()); strings.Contains(msg, "proxyconnect") {
		return &FetchError{Kind: KindProxy, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &FetchError{Kind: KindConnection, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &FetchError{Kind: KindTimeout, Err: err}
		}
		return &FetchError{Kind: KindConnection, Err: err}
	}
	return &FetchError{Kind: KindUnknown, Err: err}
}
