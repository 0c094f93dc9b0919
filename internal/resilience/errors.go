// ABOUTME: Error taxonomy for outbound calls and helpers to classify failures.
// ABOUTME: Distinguishes transient, not-delivered, and client errors for retry decisions.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrCircuitOpen is returned without calling a dependency whose breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRateLimited is returned when no rate-limit token is available in time.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout marks an attempt that exceeded its deadline.
	ErrTimeout = errors.New("dependency timeout")
)

// RemoteError is a failure reported by the remote side.
type RemoteError struct {
	Dependency string
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s returned status %d", e.Dependency, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Dependency, e.StatusCode, e.Message)
}

// HTTPStatusCode returns the upstream status.
func (e *RemoteError) HTTPStatusCode() int {
	return e.StatusCode
}

// Temporary reports whether the status suggests retrying may help.
func (e *RemoteError) Temporary() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// NewRemoteError builds a RemoteError from an HTTP response, reading the
// Retry-After header when present. body is truncated for logging.
func NewRemoteError(dependency string, resp *http.Response, body []byte) *RemoteError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &RemoteError{
		Dependency: dependency,
		StatusCode: resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Message:    msg,
	}
}

// ParseRetryAfter reads a Retry-After header as seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

type notDeliveredError struct {
	err error
}

func (e *notDeliveredError) Error() string { return "request not delivered: " + e.err.Error() }
func (e *notDeliveredError) Unwrap() error { return e.err }

// NotDelivered marks err as having happened before the request reached the
// remote side, which makes even non-idempotent calls safe to retry.
func NotDelivered(err error) error {
	if err == nil {
		return nil
	}
	return &notDeliveredError{err: err}
}

// IsNotDelivered reports whether err is known to have happened before the
// request left this process. Dial and DNS failures qualify.
func IsNotDelivered(err error) bool {
	var nd *notDeliveredError
	if errors.As(err, &nd) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsTimeout reports whether err represents a deadline being exceeded.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTransient reports whether retrying an idempotent call might succeed.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return false
	}
	if IsTimeout(err) || IsNotDelivered(err) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryAfter extracts a server-provided retry hint from err.
func retryAfter(err error) time.Duration {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// Kind names the class of err for metrics labels.
func Kind(err error) string {
	var re *RemoteError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &re):
		return "remote_error"
	case IsNotDelivered(err):
		return "not_delivered"
	default:
		return "error"
	}
}

// breakerResult maps a call error onto what the circuit breaker records.
func breakerResult(err error) Result {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.Canceled) && !IsTimeout(err) {
		return Ignored
	}
	var re *RemoteError
	if errors.As(err, &re) && !re.Temporary() {
		// The dependency answered; it is healthy even if the request was bad.
		return Success
	}
	return Failure
}
