// Package retry provides the bounded retry loops used when waiting on ledger
// rows and when reconnecting to the broker stream.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ErrExhausted is returned when every attempt ran without success.
var ErrExhausted = errors.New("retry attempts exhausted")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fixed retries an operation a bounded number of times with a constant delay.
type Fixed struct {
	Sleep    SleepFunc
	Attempts int
	Delay    time.Duration
}

// DefaultFixed waits one second between up to five attempts.
var DefaultFixed = Fixed{Attempts: 5, Delay: time.Second}

// Do calls fn until it reports done, returns an error, or attempts run out.
// fn receives the 1-based attempt number. No delay follows the last attempt.
func (f Fixed) Do(ctx context.Context, fn func(attempt int) (bool, error)) error {
	attempts := f.Attempts
	if attempts <= 0 {
		attempts = DefaultFixed.Attempts
	}
	sleep := f.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("operation canceled: %w", err)
		}
		done, err := fn(attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt < attempts {
			if err := sleep(ctx, f.Delay); err != nil {
				return fmt.Errorf("operation canceled during backoff: %w", err)
			}
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
}

// Backoff produces growing, jittered delays for reconnect loops.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	current time.Duration
}

// DefaultBackoff starts at one second and caps at thirty.
func DefaultBackoff() *Backoff {
	return &Backoff{Initial: time.Second, Max: 30 * time.Second}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
		if b.current <= 0 {
			b.current = time.Second
		}
		return b.current
	}
	b.current = nextBackoff(b.current, b.Max)
	return b.current
}

// Reset starts the sequence over after a successful attempt.
func (b *Backoff) Reset() {
	b.current = 0
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if maxBackoff > 0 && backoff > maxBackoff {
		backoff = maxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransient reports whether err looks like a network or server hiccup
// that a later attempt may not hit.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
