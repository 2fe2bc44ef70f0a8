package httpclient

import (
	"errors"
	"fmt"
)

// RetryableError is returned when retries are exhausted on a transient
// failure. The wrapped error preserves the last attempt's cause.
type RetryableError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// StatusOf extracts the HTTP status carried by a RetryableError, or 0.
func StatusOf(err error) int {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}
