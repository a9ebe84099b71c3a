package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	gh "github.com/google/go-github/v66/github"
)

var fastRetry = RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "EOF", err: errors.New("Post \"https://api.github.com/graphql\": EOF"), expected: true},
		{name: "timeout", err: errors.New("request timeout after 30s"), expected: true},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), expected: true},
		{name: "no such host", err: errors.New("dial tcp: lookup api.github.com: no such host"), expected: true},
		{name: "plain permission error", err: errors.New("permission denied"), expected: false},
		{name: "context canceled", err: fmt.Errorf("get: %w", context.Canceled), expected: false},
		{name: "attempt deadline", err: fmt.Errorf("get: %w", context.DeadlineExceeded), expected: true},
		{
			name:     "server error response",
			err:      &gh.ErrorResponse{Response: &http.Response{StatusCode: http.StatusBadGateway}},
			expected: true,
		},
		{
			name:     "not found response",
			err:      &gh.ErrorResponse{Response: &http.Response{StatusCode: http.StatusNotFound}},
			expected: false,
		},
		{name: "secondary rate limit", err: &gh.AbuseRateLimitError{}, expected: true},
		{name: "primary rate limit", err: &gh.RateLimitError{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.expected {
				t.Errorf("isRetryableError(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryWithBackoff_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetry, "test", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("EOF")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoff_NonRetryableError(t *testing.T) {
	attempts := 0
	want := errors.New("HTTP 401: Bad credentials")
	err := retryWithBackoff(context.Background(), fastRetry, "test", func(context.Context) error {
		attempts++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryWithBackoff_ExhaustedRetries(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetry, "test", func(context.Context) error {
		attempts++
		return errors.New("EOF")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (initial + 2 retries), got %d", attempts)
	}
}

func TestRetryWithBackoff_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retryWithBackoff(ctx, RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour}, "test", func(context.Context) error {
		attempts++
		cancel()
		return errors.New("EOF")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}
