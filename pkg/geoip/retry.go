package geoip

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/relayscan/relayscan/pkg/httpx"
)

// RetryConfig configures exponential backoff between attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.2,
	}
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	backoff := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= c.Multiplier
	}
	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	if c.JitterFactor > 0 {
		backoff += (rand.Float64()*2 - 1) * c.JitterFactor * backoff
	}
	return time.Duration(backoff)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *httpx.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func doWithRetry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if attempt > cfg.MaxRetries || !isRetryable(err) {
			return zero, err
		}
		timer := time.NewTimer(cfg.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
