// Package ratelimit implements the token bucket that paces outbound frames.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// maxPollInterval caps how long a blocked Consume sleeps between attempts,
// so cancellation and refills are noticed promptly even at very low rates.
const maxPollInterval = 100 * time.Millisecond

// Bucket refills continuously at rate tokens per second up to burst. A new
// bucket starts full.
type Bucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time

	now func() time.Time
}

// New creates a bucket. Rate must be positive and burst at least 1; values
// below that are clamped.
func New(rate float64, burst int) *Bucket {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	b := &Bucket{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		now:    time.Now,
	}
	b.last = b.now()
	return b
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.burst, b.tokens+elapsed*b.rate)
	b.last = now
}

// TryConsume takes one token without blocking.
func (b *Bucket) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Consume takes one token, sleeping in short slices until one is available,
// the timeout lapses, or the context is canceled. The sleep slice never
// exceeds min(1/rate, 100ms).
func (b *Bucket) Consume(ctx context.Context, timeout time.Duration) error {
	deadline := b.now().Add(timeout)

	poll := time.Duration(float64(time.Second) / b.rate)
	if poll > maxPollInterval {
		poll = maxPollInterval
	}
	if poll <= 0 {
		poll = time.Millisecond
	}

	for {
		if b.TryConsume() {
			return nil
		}
		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			return mesherr.Newf(mesherr.CodeRateLimit, "no token within %s", timeout)
		}
		wait := poll
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return mesherr.Wrap(mesherr.CodeRateLimit, ctx.Err(), "canceled while waiting for a token")
		case <-timer.C:
		}
	}
}

// Reset restores the bucket to full.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = b.burst
	b.last = b.now()
}

// Tokens reports the current token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	return b.tokens
}
