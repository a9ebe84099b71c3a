package github

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	gh "github.com/google/go-github/v66/github"
)

// RetryPolicy configures retries of idempotent-safe API calls.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
}

// DefaultRetryPolicy retries transient failures a few times with exponential
// backoff.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, InitialDelay: 500 * time.Millisecond}

// retryWithBackoff runs fn until it succeeds, fails permanently, runs out of
// attempts or ctx is done.
func retryWithBackoff(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	log := clog.FromContext(ctx).With("op", op)
	delay := p.InitialDelay

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debugf("Retry attempt %d/%d after %v", attempt+1, p.MaxRetries+1, delay)
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				log.Debugf("Succeeded on attempt %d/%d", attempt+1, p.MaxRetries+1)
			}
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
		log.Warnf("Retryable error on attempt %d/%d: %v", attempt+1, p.MaxRetries+1, lastErr)
	}
	return lastErr
}

// isRetryableError reports whether err is a transient failure: a network
// fault, a 5xx response or secondary rate limiting.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// an attempt timed out; the caller's own deadline is checked before retrying
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return true
	}
	var rate *gh.RateLimitError
	if errors.As(err, &rate) {
		return false
	}
	var resp *gh.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		return resp.Response.StatusCode >= http.StatusInternalServerError
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"eof",
		"timeout",
		"connection refused",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
