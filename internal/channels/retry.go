package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/relay-ai/relay/internal/errdefs"
)

const (
	// maxSendAttempts bounds retries of a rate-limited send.
	maxSendAttempts = 3

	// maxRetryAfter caps how long we honor a server's retry hint.
	maxRetryAfter = 30 * time.Second

	// defaultRetryAfter applies when the server gives no hint.
	defaultRetryAfter = 2 * time.Second
)

// Sleeper waits out a delay; tests swap in a recording fake.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// SendWithRetry runs send, retrying rate-limited failures with the server's
// retry hint (capped) up to maxSendAttempts total tries. Every other failure
// returns immediately.
func SendWithRetry(ctx context.Context, logger *slog.Logger, sleep Sleeper, send func(ctx context.Context) error) error {
	if sleep == nil {
		sleep = SleepContext
	}
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		err = send(ctx)
		if err == nil || !errdefs.IsKind(err, errdefs.KindRateLimited) {
			return err
		}
		if attempt == maxSendAttempts {
			break
		}

		delay := errdefs.RetryAfterHint(err)
		if delay <= 0 {
			delay = defaultRetryAfter
		}
		if delay > maxRetryAfter {
			delay = maxRetryAfter
		}
		logger.Warn("send rate limited, backing off",
			"attempt", attempt, "delay", delay)
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}
