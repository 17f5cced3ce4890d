package mirror

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openmined/syftmirror/internal/syncerr"
)

// RetryPolicy bounds the retries of the transfer phase after transient faults.
type RetryPolicy struct {
	// MaxAttempts caps the total number of attempts. Zero retries forever.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// ServerErrors also retries 5xx and 429 responses.
	ServerErrors bool
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    10,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		ServerErrors:   true,
	}
}

// Backoff is the delay before attempt+1, after attempt failed (attempt starts at 1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialBackoff) * math.Pow(mult, float64(max(attempt-1, 0)))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether err after attempt deserves another attempt.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return false
	}
	return syncerr.IsTransient(err, p.ServerErrors)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", syncerr.ErrCancelled, err)
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", syncerr.ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
