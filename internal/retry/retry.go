// Package retry runs an operation a bounded number of times with a fixed
// delay between attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/systmms/rdsrotate/internal/logging"
)

// Policy describes how often and how far apart an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first. Values
	// below 1 are treated as 1.
	Attempts int

	// Delay is the fixed wait between attempts.
	Delay time.Duration

	// Clock provides the delay timer. Defaults to clock.WallClock.
	Clock clock.Clock

	// Logger receives one warning per failed attempt that will be retried.
	Logger *logging.Logger

	// IsFatal, when set, stops the loop early for errors it accepts.
	IsFatal func(error) bool

	// OnRetry, when set, is called before each wait with the attempt that
	// just failed.
	OnRetry func(attempt int, err error)
}

// Do invokes op until it succeeds or the policy's attempts are exhausted.
// The error of the final attempt is returned as is. If ctx ends while
// waiting, the returned error matches both the last failure and ctx.Err().
func Do(ctx context.Context, p Policy, name string, op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if p.IsFatal != nil && p.IsFatal(lastErr) {
			return lastErr
		}
		// Don't sleep after the last attempt
		if attempt == attempts {
			break
		}
		if p.Logger != nil {
			p.Logger.Warn("%s failed, retrying (%d/%d): %v", name, attempt, attempts, lastErr)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (retry aborted: %w)", lastErr, ctx.Err())
		case <-clk.After(p.Delay):
		}
	}

	if p.Logger != nil && attempts > 1 {
		p.Logger.Error("%s failed after %d attempts: %v", name, attempts, lastErr)
	}
	return lastErr
}
