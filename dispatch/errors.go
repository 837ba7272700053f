package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// Sentinel errors returned by the Dispatcher.
//
// Callers compare with errors.Is:
//
//	body, err := d.Get(ctx, uri)
//	switch {
//	case errors.Is(err, dispatch.ErrRetryExhausted):
//	    // backend kept failing, tell the user
//	case errors.Is(err, dispatch.ErrOverloaded):
//	    // shed load
//	}
var (
	// ErrInvalidDescriptor is returned when a request descriptor fails validation.
	ErrInvalidDescriptor = errors.New("dispatch: invalid request descriptor")

	// ErrRetryExhausted is returned after the retry ceiling has been exceeded.
	// The error also wraps the last *TransportError.
	ErrRetryExhausted = errors.New("dispatch: retries exhausted")

	// ErrOverloaded is returned when the pool is at MaxWorkers, every worker
	// is busy and the overflow policy is OverflowReject.
	ErrOverloaded = errors.New("dispatch: worker pool overloaded")

	// ErrCanceled is returned when the dispatch context ends while the request
	// is queued, in flight or waiting out a backoff delay.
	ErrCanceled = errors.New("dispatch: request canceled")

	// ErrClosed is returned for dispatches submitted after Shutdown.
	ErrClosed = errors.New("dispatch: dispatcher closed")

	// ErrBreakerOpen is returned by an attempt rejected by the circuit breaker.
	ErrBreakerOpen = errors.New("dispatch: circuit breaker open")

	// ErrRateLimited is returned by an attempt rejected by the rate limiter.
	ErrRateLimited = errors.New("dispatch: rate limit exceeded")
)

// TransportError describes a single failed attempt: either a network-level
// error or a response outside the 2xx range.
type TransportError struct {
	// Attempt is the 1-based attempt number that failed.
	Attempt int

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("attempt %d: HTTP %d: %v", e.Attempt, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// errUnexpectedStatus is the cause recorded for non-2xx responses.
var errUnexpectedStatus = errors.New("unexpected status")

// Error type classifications for the error.type attribute and log field.
const (
	ErrorTypeTimeout           = "timeout"
	ErrorTypeConnectionRefused = "connection_refused"
	ErrorTypeConnectionReset   = "connection_reset"
	ErrorTypeDNSError          = "dns_error"
	ErrorTypeTLSError          = "tls_error"
	ErrorTypeCancelled         = "cancelled"
	ErrorTypeEOF               = "eof"
	ErrorTypeBreakerOpen       = "breaker_open"
	ErrorTypeRateLimited       = "rate_limited"
	ErrorTypeUnknown           = "unknown"
)

// classifyError returns an error.type classification for the given error.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	var te *TransportError
	if errors.As(err, &te) && te.StatusCode != 0 {
		return strconv.Itoa(te.StatusCode)
	}

	switch {
	case errors.Is(err, ErrBreakerOpen):
		return ErrorTypeBreakerOpen
	case errors.Is(err, ErrRateLimited):
		return ErrorTypeRateLimited
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTypeDNSError
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ErrorTypeTLSError
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrorTypeConnectionRefused
	case errors.Is(err, syscall.ECONNRESET):
		return ErrorTypeConnectionReset
	case errors.Is(err, io.EOF):
		return ErrorTypeEOF
	}

	// Fallback for wrapped errors from third-party transports.
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(errStr, "connection refused"):
		return ErrorTypeConnectionRefused
	case strings.Contains(errStr, "connection reset"):
		return ErrorTypeConnectionReset
	case strings.Contains(errStr, "no such host"):
		return ErrorTypeDNSError
	case strings.Contains(errStr, "x509") || strings.Contains(errStr, "tls:"):
		return ErrorTypeTLSError
	case strings.Contains(errStr, "eof"):
		return ErrorTypeEOF
	}

	return ErrorTypeUnknown
}
