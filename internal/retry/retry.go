// Package retry runs an operation a bounded number of times with a pluggable
// delay between attempts. Every attempt and the final outcome are logged.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DelayFunc returns the wait before the given retry (attempt starts at 1 for
// the wait after the first failure).
type DelayFunc func(attempt int) time.Duration

func Fixed(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// Exponential doubles base on every attempt, capped at max.
func Exponential(base, max time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

type Policy struct {
	Name     string
	Attempts int
	Delay    DelayFunc
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the inner error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out, or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay == nil {
		delay = Fixed(0)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("op", p.Name).
					Int("attempt", attempt).
					Msg("retry succeeded")
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			log.Debug().
				Err(perm.err).
				Str("op", p.Name).
				Int("attempt", attempt).
				Msg("permanent failure, not retrying")
			return perm.err
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("op", p.Name).
			Int("attempt", attempt).
			Int("maxAttempts", attempts).
			Msg("attempt failed")

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", p.Name, ctx.Err())
		case <-timer.C:
		}
	}

	log.Error().
		Err(lastErr).
		Str("op", p.Name).
		Int("attempts", attempts).
		Msg("retry attempts exhausted")

	return fmt.Errorf("%s: %w after %d attempts: %w", p.Name, ErrExhausted, attempts, lastErr)
}
