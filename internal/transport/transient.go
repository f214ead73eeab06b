package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"temporary failure",
	"network is unreachable",
	"no such host",
	"TLS handshake timeout",
	"i/o timeout",
	"EOF",
	"broken pipe",
}

var permanentPatterns = []string{
	"access denied",
	"forbidden",
	"unauthorized",
	"certificate",
}

// IsTransient reports whether err looks like a failure that may succeed if
// the caller re-invokes the operation. Nothing in this package retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrUnsupportedType) || errors.Is(err, ErrChecksumMismatch) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests ||
			statusErr.Code == http.StatusRequestTimeout
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return false
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
