package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// ExponentialRetryPolicy implements RetryPolicy with doubling, optionally jittered backoff.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitter     bool
}

// RetryOption customizes an ExponentialRetryPolicy.
type RetryOption func(*ExponentialRetryPolicy)

// WithMaxRetries sets how many retries follow the first attempt.
func WithMaxRetries(n int) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithBaseDelay sets the first backoff; later ones double it.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		if d >= 0 {
			p.baseDelay = d
		}
	}
}

// WithJitter spreads each backoff uniformly over [delay/2, delay).
func WithJitter(enabled bool) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		p.jitter = enabled
	}
}

// NewExponentialRetryPolicy builds a policy retrying 3 times after 1s, 2s and 4s.
func NewExponentialRetryPolicy(opts ...RetryOption) *ExponentialRetryPolicy {
	p := &ExponentialRetryPolicy{
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxRetries returns the retry budget.
func (p *ExponentialRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry decides whether the error is retryable. attempt counts retries
// already made, starting at 0. Callers check their own context before asking:
// a deadline that reaches this point is a per-request timeout and is retried.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxRetries {
		return false
	}
	return IsTransient(err)
}

// IsTransient reports whether err is a failure worth retrying: a 429 or 5xx
// status, a network error including request timeouts, or a ConnectionError.
// Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// Backoff returns the wait before retry number attempt (0-based): base * 2^attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if !p.jitter {
		return time.Duration(delay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// ConnectionError marks a transport failure that does not surface as a net.Error,
// such as the upstream closing the connection mid-response.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "connection failed: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
