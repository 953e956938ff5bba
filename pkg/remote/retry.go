package remote

import (
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Retrier wraps incident-sync calls with exponential backoff. Evidence
// uploads never go through it: a failed upload is abandoned.
type Retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	logger     zerolog.Logger
}

func NewRetrier(initialMs, maxMs, maxRetries int, logger zerolog.Logger) *Retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs <= 0 {
		maxMs = initialMs
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

func (r *Retrier) Do(fn func() error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying operation")
		time.Sleep(delay)
		attempt++
	}
}

func backoffWithJitter(initial, maxDelay time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(maxDelay) {
		b = float64(maxDelay)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

// IsRetryable treats network errors and retryable statuses as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr statusError
	return errors.As(err, &statusErr) && statusErr.retryable()
}

type statusError struct {
	status int
}

func (e statusError) Error() string {
	return http.StatusText(e.status)
}

func (e statusError) retryable() bool {
	return (e.status >= 500 && e.status < 600) || e.status == http.StatusTooManyRequests
}
