package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// statusError carries a non-2xx HTTP response from a model endpoint.
type statusError struct {
	status int
	body   string
}

func (e statusError) Error() string {
	return fmt.Sprintf("backend http error: status=%d body=%s", e.status, e.body)
}

// IsClientError reports whether err is a 4xx response, which is never
// retried.
func IsClientError(err error) bool {
	var se statusError
	return errors.As(err, &se) && se.status >= 400 && se.status < 500
}

// retriesExhaustedError wraps the last failure after all attempts.
type retriesExhaustedError struct {
	attempts int
	last     error
}

func (e retriesExhaustedError) Error() string {
	return fmt.Sprintf("backend call failed after %d attempts: %v", e.attempts, e.last)
}

func (e retriesExhaustedError) Unwrap() error { return e.last }

// IsRetriesExhausted reports whether err means the transient-retry budget
// ran out.
func IsRetriesExhausted(err error) bool {
	var re retriesExhaustedError
	return errors.As(err, &re)
}

// retryable classifies a call failure into a retry/no-retry verdict:
// 4xx responses are permanent; timeouts, connection failures, 5xx and
// anything unrecognized are transient (fail-safe default).
func retryable(err error) bool {
	var se statusError
	if errors.As(err, &se) {
		return se.status < 400 || se.status >= 500
	}
	return true
}

// isTimeout reports whether err is a deadline or network timeout, used
// only for log labeling.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
