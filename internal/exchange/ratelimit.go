// ratelimit.go applies per-class request budgets ahead of every REST call.
//
// The venue meters requests in 10-second windows per endpoint category.
// A taker bot running a handful of 15-minute markets sits far below those
// ceilings, so the budgets here are deliberately much smaller than the
// published limits: the limiter is backpressure against a runaway retry
// or sweep loop, not a fair-share scheduler.
package exchange

import (
	"context"
	"sync"
	"time"
)

// reqClass buckets REST calls by the venue's rate-limit categories.
type reqClass int

const (
	classOrder  reqClass = iota // POST /order
	classCancel                 // DELETE /order, cancel-all, cancel-market-orders
	classBook                   // GET /book
	numClasses
)

// bucket is a continuously refilling token bucket. reserve debits a
// token immediately and reports how long the caller must wait before
// proceeding, so acquire sleeps exactly once instead of polling.
type bucket struct {
	mu     sync.Mutex
	level  float64 // may go negative while callers queue
	burst  float64
	perSec float64
	at     time.Time
}

func newBucket(burst, perSec float64) *bucket {
	return &bucket{level: burst, burst: burst, perSec: perSec, at: time.Now()}
}

func (b *bucket) reserve(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.level += now.Sub(b.at).Seconds() * b.perSec
	if b.level > b.burst {
		b.level = b.burst
	}
	b.at = now

	b.level--
	if b.level >= 0 {
		return 0
	}
	return time.Duration(-b.level / b.perSec * float64(time.Second))
}

func (b *bucket) acquire(ctx context.Context) error {
	d := b.reserve(time.Now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Limiter holds one bucket per request class.
type Limiter struct {
	buckets [numClasses]*bucket
}

// NewLimiter creates the per-class buckets. Cancels get the biggest
// budget: the deadline sweep and shutdown both fire cancel bursts.
func NewLimiter() *Limiter {
	l := &Limiter{}
	l.buckets[classOrder] = newBucket(40, 20)
	l.buckets[classCancel] = newBucket(60, 30)
	l.buckets[classBook] = newBucket(30, 10)
	return l
}

// Acquire blocks until the class has budget or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, class reqClass) error {
	return l.buckets[class].acquire(ctx)
}
