package sender

import (
	"sync"
	"time"
)

// Pacer is consulted by a worker after emitting each data packet, giving
// the sender coarse admission control. Implementations must
// not block forever; WaitToken only ever delays.
type Pacer interface {
	WaitToken(n int)
}

// FixedSleepPacer is the default: a flat sleep after every packet.
type FixedSleepPacer struct {
	Delay time.Duration
}

// NewFixedSleepPacer returns a pacer that sleeps ~100µs per packet.
func NewFixedSleepPacer() *FixedSleepPacer {
	return &FixedSleepPacer{Delay: 100 * time.Microsecond}
}

func (p *FixedSleepPacer) WaitToken(int) {
	time.Sleep(p.Delay)
}

// TokenBucketPacer caps throughput at a byte budget per second,
// bursting up to one second's worth, for deployments where the flat
// per-packet sleep is too coarse.
type TokenBucketPacer struct {
	ratePerSecond int64

	mu     sync.Mutex
	tokens int64
	last   time.Time
}

// NewTokenBucketPacer returns a pacer admitting at most ratePerSecond
// bytes per second, bursting up to one second's worth of budget.
func NewTokenBucketPacer(ratePerSecond int64) *TokenBucketPacer {
	return &TokenBucketPacer{ratePerSecond: ratePerSecond, tokens: ratePerSecond, last: time.Now()}
}

func (p *TokenBucketPacer) WaitToken(n int) {
	p.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(p.last).Seconds()
	p.last = now
	p.tokens += int64(elapsed * float64(p.ratePerSecond))
	if p.tokens > p.ratePerSecond {
		p.tokens = p.ratePerSecond
	}

	need := int64(n)
	if p.tokens >= need {
		p.tokens -= need
		p.mu.Unlock()
		return
	}

	deficit := need - p.tokens
	p.tokens = 0
	wait := time.Duration(float64(deficit) / float64(p.ratePerSecond) * float64(time.Second))
	p.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
}
