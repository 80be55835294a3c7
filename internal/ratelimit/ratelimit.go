// Package ratelimit throttles download throughput across a swarm's
// peer connections using a single shared token bucket.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Unlimited configures a Limiter that never blocks.
const Unlimited = 0

// Limiter gates how many bytes of piece data may be accepted per
// second across all peer connections of one download.
type Limiter struct {
	lim *rate.Limiter
}

// New builds a Limiter capped at bytesPerSecond. A rate of Unlimited
// (zero) disables throttling entirely.
func New(bytesPerSecond int) *Limiter {
	if bytesPerSecond <= Unlimited {
		return &Limiter{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	// Burst equal to one second's allowance keeps a single full block
	// (up to 16 KiB) from being needlessly fragmented across waits.
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

// WaitN blocks until n bytes worth of budget is available or ctx is
// cancelled.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if l.lim.Limit() == rate.Inf {
		return l.lim.WaitN(ctx, n)
	}
	// rate.Limiter rejects a single wait larger than its burst, so a
	// large request is taken in burst-sized chunks.
	for n > 0 {
		chunk := n
		if b := l.lim.Burst(); chunk > b {
			chunk = b
		}
		if err := l.lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// SetLimit updates the throughput cap at runtime.
func (l *Limiter) SetLimit(bytesPerSecond int) {
	if bytesPerSecond <= Unlimited {
		l.lim.SetLimit(rate.Inf)
		return
	}
	l.lim.SetLimit(rate.Limit(bytesPerSecond))
	l.lim.SetBurst(bytesPerSecond)
}
