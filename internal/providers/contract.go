package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/otterflow/otterflow/internal/router"
)

// StatusError is a non-200 provider response.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter reads a delta-seconds Retry-After header. HTTP dates are
// ignored.
func (e *StatusError) ParseRetryAfter(v string) {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		e.RetryAfterSecs = n
	}
}

var overflowMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"prompt is too long",
	"too many tokens",
}

// Classify maps a provider failure to an error class from its HTTP status
// and body. status 0 means no response was received.
func Classify(err error, status int, body string) *router.ClassifiedError {
	class := router.ErrFatal
	lower := strings.ToLower(body)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		class = router.ErrTransient
	case status == http.StatusTooManyRequests:
		class = router.ErrRateLimited
	case status == 0 || status == http.StatusRequestTimeout || status >= 500:
		class = router.ErrTransient
	default:
		for _, m := range overflowMarkers {
			if strings.Contains(lower, m) {
				class = router.ErrContextOverflow
				break
			}
		}
	}
	return &router.ClassifiedError{Err: err, Class: class}
}

// ClassifyStatusError classifies errors returned by DoRequest.
func ClassifyStatusError(err error) *router.ClassifiedError {
	var se *StatusError
	if errors.As(err, &se) {
		return Classify(err, se.StatusCode, se.Body)
	}
	return Classify(err, 0, "")
}
