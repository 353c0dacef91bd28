package remote

import (
	"fmt"
	"net/http"
	"time"

	"github.com/teranos/blocksync/errors"
)

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the server's requested delay, zero when absent.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the shared sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case errors.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case errors.ErrConflict:
		return e.StatusCode == http.StatusConflict
	case errors.ErrInvalidRequest:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	case errors.ErrServiceUnavailable:
		return e.StatusCode >= 500
	}
	return false
}

// IsPermanent reports whether retrying err cannot help: a 4xx response
// other than timeouts, conflicts, and rate limiting.
func IsPermanent(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return errors.Is(err, errors.ErrInvalidRequest) || errors.Is(err, errors.ErrNotFound)
	}
	switch httpErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500
}

// RetryAfter returns the delay the server asked for, or zero.
func RetryAfter(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}
