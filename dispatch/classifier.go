package dispatch

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// RetryClassifier decides whether a failed attempt is retried.
//
// It is consulted only for failures. For a response outside 2xx resp is
// set and err is nil; for a transport failure resp is nil and err holds the
// cause. Returning false ends the dispatch with a *TransportError instead
// of ErrRetryExhausted.
type RetryClassifier func(resp *http.Response, err error) bool

// AnyFailureClassifier retries every failure. It is the default: any
// network error or non-2xx response is retried until the ceiling.
func AnyFailureClassifier(_ *http.Response, _ error) bool {
	return true
}

// SemanticClassifier retries only failures that are likely transient.
//
// Retried:
//   - network errors (timeouts, connection refused/reset, EOF)
//   - circuit breaker and rate limiter rejections
//   - 429 Too Many Requests, 502, 503, 504
//
// Not retried:
//   - TLS certificate errors and unknown hosts
//   - any other 4xx or 5xx
func SemanticClassifier(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, ErrBreakerOpen) || errors.Is(err, ErrRateLimited) {
			return true
		}
		if isPermanentError(err) {
			return false
		}
		return true
	}

	if resp != nil {
		return isRetryableStatusCode(resp.StatusCode)
	}

	return false
}

// NeverRetryClassifier stops on the first failure.
func NeverRetryClassifier(_ *http.Response, _ error) bool {
	return false
}

// StatusCodeClassifier retries network errors and the listed status codes.
func StatusCodeClassifier(codes ...int) RetryClassifier {
	codeSet := make(map[int]bool, len(codes))
	for _, code := range codes {
		codeSet[code] = true
	}

	return func(resp *http.Response, err error) bool {
		if err != nil {
			return !isPermanentError(err)
		}
		if resp != nil {
			return codeSet[resp.StatusCode]
		}
		return false
	}
}

func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isRetryableNetworkError reports whether err looks like a transient
// network failure.
func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}

	return containsPattern(err,
		"connection refused",
		"connection reset",
		"network is down",
		"network unreachable",
		"i/o timeout",
		"temporary failure",
		"server closed",
		"broken pipe",
		"eof",
	)
}

// isPermanentError reports whether retrying err cannot help.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EHOSTDOWN) {
		return true
	}

	return containsPattern(err,
		"x509:",
		"certificate",
		"tls:",
		"no route to host",
		"permission denied",
	)
}

func containsPattern(err error, patterns ...string) bool {
	errStr := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
