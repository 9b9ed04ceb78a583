package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a leaky bucket holding at most rate tokens, where one token is
// one byte. A nil *Bucket is unlimited.
type Bucket struct {
	mu     sync.Mutex
	rate   int
	tokens int
	last   time.Time
	now    func() time.Time
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock replaces time.Now for refill accounting.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) {
		b.now = now
	}
}

// New returns a full bucket refilling at rate bytes per second. A rate of
// zero or less means no limit and returns nil.
func New(rate int, opts ...Option) *Bucket {
	if rate <= 0 {
		return nil
	}

	b := &Bucket{rate: rate, tokens: rate, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	b.last = b.now()

	return b
}

// Rate returns the bucket capacity in bytes per second, or 0 when unlimited.
func (b *Bucket) Rate() int {
	if b == nil {
		return 0
	}
	return b.rate
}

// Consume refills the bucket for the time elapsed since the last refill and
// then grants up to amount tokens.
func (b *Bucket) Consume(amount int) int {
	if amount <= 0 {
		return 0
	}
	if b == nil {
		return amount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	allowed := min(amount, b.tokens)
	b.tokens -= allowed
	return allowed
}

// Release returns unused allowance to the bucket.
func (b *Bucket) Release(amount int) {
	if b == nil || amount <= 0 {
		return
	}

	b.mu.Lock()
	b.tokens = min(b.rate, b.tokens+amount)
	b.mu.Unlock()
}

// Tokens returns the current token count after a refill.
func (b *Bucket) Tokens() int {
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.tokens
}

func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}

	// Only whole tokens are added; last advances by the time they represent
	// so fractional credit carries over to the next refill.
	add := int(elapsed.Seconds() * float64(b.rate))
	if add <= 0 {
		return
	}

	if b.tokens+add >= b.rate {
		b.tokens = b.rate
		b.last = now
		return
	}

	b.tokens += add
	b.last = b.last.Add(time.Duration(float64(add) / float64(b.rate) * float64(time.Second)))
}
