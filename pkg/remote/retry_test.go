package remote

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBackoffWithJitterBounds(t *testing.T) {
	initial := 500 * time.Millisecond
	max := 5 * time.Second

	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoffWithJitter(initial, max, attempt)
			if d < 0 {
				t.Fatalf("attempt %d: negative delay %v", attempt, d)
			}
			if d > max {
				t.Fatalf("attempt %d: delay %v exceeds max %v", attempt, d, max)
			}
		}
	}
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r := NewRetrier(1, 2, 5, zerolog.Nop())

	calls := 0
	err := r.Do(func() error {
		calls++
		if calls < 3 {
			return statusError{status: 503}
		}
		return nil
	}, IsRetryable)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetrierGivesUpOnNonRetryable(t *testing.T) {
	r := NewRetrier(1, 2, 5, zerolog.Nop())

	permanent := errors.New("bad request")
	calls := 0
	err := r.Do(func() error {
		calls++
		return permanent
	}, IsRetryable)
	if !errors.Is(err, permanent) {
		t.Fatalf("Do() = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, non-retryable errors must not be retried", calls)
	}
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	r := NewRetrier(1, 2, 2, zerolog.Nop())

	calls := 0
	err := r.Do(func() error {
		calls++
		return statusError{status: 500}
	}, IsRetryable)
	if err == nil {
		t.Fatal("Do() = nil, want error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 1 initial + 2 retries", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network timeout", &net.DNSError{IsTimeout: true}, true},
		{"server error", statusError{status: 500}, true},
		{"bad gateway", statusError{status: 502}, true},
		{"rate limited", statusError{status: 429}, true},
		{"client error", statusError{status: 400}, false},
		{"unauthorized", statusError{status: 401}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
