// Package retry implements the engine's generic retry-with-backoff
// helper: a reusable Do() that any caller (broker REST client, order
// manager) can wrap a transient operation in.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// Config controls retry attempts and backoff shape.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig matches the broker REST client's documented policy:
// base 750ms, factor 2, capped, up to 3 retries.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 750 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Timeout:        30 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

// Do runs fn, retrying on transient failures per config until
// MaxRetries+1 attempts are exhausted, ctx is cancelled, or fn
// succeeds. Only errors classified as Transient or Timeout are
// retried; any other error (including a RiskVeto or InvalidInput)
// surfaces on first occurrence.
func Do(ctx context.Context, config Config, fn func(ctx context.Context) error) error {
	cfg := config.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == cfg.MaxRetries {
			return lastErr
		}
		next := nextBackoff(backoff, cfg.MaxBackoff)
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = next
	}
	return lastErr
}

func isRetryable(err error) bool {
	var te *models.TradeError
	if models.AsTradeError(err, &te) {
		return te.Kind.Retryable()
	}
	return isTransientError(err)
}

// nextBackoff applies a 2x multiplier capped at max, plus up to 25%
// jitter sourced from crypto/rand (not math/rand) so retry storms
// across many accounts don't synchronize.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	jitterMax := int64(next) / 4
	if jitterMax <= 0 {
		return next
	}
	n, err := rand.Int(rand.Reader, big.NewInt(jitterMax))
	if err != nil {
		return next
	}
	return next + time.Duration(n.Int64())
}

// transientMarkers are substrings of error text that indicate a
// transport-level, retry-eligible failure: the broker surfaces
// plain-text errors, not typed sentinel errors, so substring matching
// is the only reliable classifier at this layer.
var transientMarkers = []string{
	"timeout", "timed out", "connection refused", "connection reset",
	"broken pipe", "eof", "no such host", "dns", "tls handshake",
	"i/o timeout", "502", "503", "504", "temporary failure",
	"connection closed", "network is unreachable",
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
