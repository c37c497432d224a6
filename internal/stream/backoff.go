package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy computes the wait before each reconnect attempt:
// min(base * 2^attempt, maxDelay), optionally randomized by Jitter.
type ReconnectPolicy struct {
	cfg ReconnectConfig
}

// NewReconnectPolicy creates a policy from cfg.
func NewReconnectPolicy(cfg ReconnectConfig) *ReconnectPolicy {
	return &ReconnectPolicy{cfg: cfg}
}

// Delay returns the wait before the retry with the given zero-based attempt number.
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseDelay
	b.RandomizationFactor = p.cfg.Jitter
	b.Multiplier = 2
	b.MaxInterval = p.cfg.MaxDelay
	b.MaxElapsedTime = 0
	// Reset picks up the interval fields set above.
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		if p.cfg.Jitter == 0 && delay >= p.cfg.MaxDelay {
			break
		}

		delay = b.NextBackOff()
	}

	return delay
}

// Exhausted reports whether no further retry may be scheduled after attempt retries.
func (p *ReconnectPolicy) Exhausted(attempt int) bool {
	return p.cfg.MaxAttempts > 0 && attempt >= p.cfg.MaxAttempts
}
