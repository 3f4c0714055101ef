// Package retry wraps single remote calls with bounded retries. Only
// network-layer faults (TLS, connection resets, truncated transfers) are
// retried; logical errors such as bad credentials or missing resources
// propagate on first occurrence.
package retry

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds retry behavior for a single remote call.
type Policy struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // linear backoff: attempt * BaseDelay (default 500ms)
}

// DefaultPolicy matches the provider's rate-limit tolerance.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	return p
}

// linearBackOff waits attempt * base between tries.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.base
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}

// Do runs op, retrying transient errors with linear backoff. Non-transient
// errors return immediately; transient errors return after MaxAttempts with
// the last-seen error.
func (p Policy) Do(ctx context.Context, op func() error) error {
	_, err := DoValue(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	p = p.withDefaults()

	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(&linearBackOff{base: p.BaseDelay}),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
}

// IsTransient reports whether err looks like a network-layer fault worth
// retrying. Authentication and not-found errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Truncated transfer
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// TLS handshake/record faults
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}

	// Connection-level faults
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
