package feed

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"crypto-signals/pkg/types"
)

// Error is a categorized upstream failure. Every error the feed clients
// return is one of these, so the collector layer can map it straight
// onto the scheduler's error taxonomy without string matching.
type Error struct {
	Kind       types.ErrorKind
	StatusCode int           // HTTP status, 0 for transport errors
	RetryAfter time.Duration // only set for rate_limit with a Retry-After header
	Detail     string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Categorize converts a resty response/error pair into a *Error.
// Returns nil when the response is a 2xx.
func Categorize(resp *resty.Response, err error) *Error {
	if err != nil {
		// Timeouts, connection failures, and context cancellation all
		// surface as network errors.
		return &Error{Kind: types.ErrNetwork, Detail: err.Error()}
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 429:
		return &Error{
			Kind:       types.ErrRateLimit,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
			Detail:     resp.String(),
		}
	case code >= 500:
		return &Error{Kind: types.ErrServer, StatusCode: code, Detail: resp.String()}
	default:
		return &Error{Kind: types.ErrClient, StatusCode: code, Detail: resp.String()}
	}
}

// parseRetryAfter handles the delta-seconds form of Retry-After.
// The HTTP-date form is rare on these APIs and ignored.
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
