package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relay-ai/relay/internal/errdefs"
)

func recordingSleeper(delays *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	err := SendWithRetry(context.Background(), nil, recordingSleeper(&delays), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errdefs.RateLimited("too many requests", 5*time.Second)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("SendWithRetry() error = %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(delays) != 2 || delays[0] != 5*time.Second {
		t.Fatalf("delays = %v", delays)
	}
}

func TestRetryCapsHintAtThirtySeconds(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	SendWithRetry(context.Background(), nil, recordingSleeper(&delays), func(ctx context.Context) error {
		attempts++
		return errdefs.RateLimited("too many requests", 5*time.Minute)
	})
	if len(delays) != 2 {
		t.Fatalf("delays = %v", delays)
	}
	for _, d := range delays {
		if d != 30*time.Second {
			t.Fatalf("delay = %v, want capped 30s", d)
		}
	}
}

func TestRetryGivesUpAfterThreeAttempts(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	err := SendWithRetry(context.Background(), nil, recordingSleeper(&delays), func(ctx context.Context) error {
		attempts++
		return errdefs.RateLimited("too many requests", time.Second)
	})
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if !errdefs.IsKind(err, errdefs.KindRateLimited) {
		t.Fatalf("err = %v, want rate_limited", err)
	}
}

func TestNonRateLimitErrorReturnsImmediately(t *testing.T) {
	attempts := 0
	err := SendWithRetry(context.Background(), nil, nil, func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	})
	if attempts != 1 || err == nil {
		t.Fatalf("attempts = %d, err = %v", attempts, err)
	}
}
