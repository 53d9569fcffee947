package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds connection attempts. The wait after failed attempt n is
// min(Base*2^n, Max).
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy returns 30 attempts with waits of 2s, 4s, ... capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 30, Base: time.Second, Max: 30 * time.Second}
}

// Delay returns the wait after the given (1-based) failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 32 {
		return p.Max
	}
	d := p.Base * time.Duration(int64(1)<<attempt)
	if d > p.Max || d <= 0 {
		return p.Max
	}
	return d
}

// Connect dials until it succeeds, the policy is exhausted or ctx is done.
// Exhaustion yields an error wrapping ErrConnectionExhausted.
func Connect(ctx context.Context, dial DialFunc, p RetryPolicy) (Bus, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		b, err := dial(ctx)
		if err == nil {
			return b, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}

		wait := p.Delay(attempt)
		log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", wait).
			Msg("bus: connection failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectionExhausted, attempts, lastErr)
}
