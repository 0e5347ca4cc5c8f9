// internal/connector/backoff.go
package connector

import (
	"context"
	"math/rand"
	"time"

	"crossflow/config"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = time.Minute
	defaultMultiplier   = 2.0
)

// Backoff computes exponential reconnect delays with jitter. Reconnect
// loops use it inside an explicit for-loop with ctx cancellation, never
// recursive retry.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	attempt    int
}

// NewBackoff builds a backoff from the exchange reconnect config, filling
// in defaults for unset fields.
func NewBackoff(cfg config.ReconnectConfig) *Backoff {
	b := &Backoff{
		initial:    cfg.InitialDelay,
		max:        cfg.MaxDelay,
		multiplier: cfg.Multiplier,
	}
	if b.initial <= 0 {
		b.initial = defaultInitialDelay
	}
	if b.max <= 0 {
		b.max = defaultMaxDelay
	}
	if b.multiplier < 1 {
		b.multiplier = defaultMultiplier
	}
	return b
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := float64(b.initial)
	for i := 0; i < b.attempt; i++ {
		d *= b.multiplier
		if d >= float64(b.max) {
			d = float64(b.max)
			break
		}
	}
	b.attempt++
	// up to 20% jitter to avoid synchronized reconnect storms
	jitter := 1 + 0.2*rand.Float64()
	delay := time.Duration(d * jitter)
	if delay > b.max {
		delay = b.max
	}
	return delay
}

// Reset clears the attempt counter after a successful connect.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Wait sleeps for d or until ctx is cancelled. It reports true when the
// context ended the wait.
func Wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
