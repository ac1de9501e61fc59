// Package market provides local order book management and market discovery.
//
// Each subscribed token gets a tokenBook mirroring the venue's L2 book.
// Books are updated from two sources:
//   - WebSocket "book" events (full snapshots, atomic replace)
//   - WebSocket "price_change" deltas (level upsert/remove with sequence
//     numbers; a gap forces a REST resync)
//
// The Tracker owns the books, routes venue events to them, and fans
// top-of-book changes out to registered callbacks.
package market

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"polyscalp/pkg/types"
)

// tokenBook maintains the L2 book for a single token. Levels are kept
// sorted: bids descending, asks ascending, so index 0 is top of book.
type tokenBook struct {
	mu      sync.Mutex
	token   string
	bids    []types.BookLevel
	asks    []types.BookLevel
	seq     uint64
	synced  bool // false until a snapshot lands, or after a sequence gap
	updated time.Time
}

func newTokenBook(token string) *tokenBook {
	return &tokenBook{token: token}
}

// applySnapshot atomically replaces the book. Reports whether the top of
// book changed.
func (b *tokenBook) applySnapshot(bids, asks []types.PriceLevel, seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	prevBid, prevAsk := b.topLocked()

	b.bids = parseLevels(bids, true)
	b.asks = parseLevels(asks, false)
	b.seq = seq
	b.synced = true
	b.updated = time.Now()

	newBid, newAsk := b.topLocked()
	return prevBid != newBid || prevAsk != newAsk
}

// applyDelta upserts or removes one price level. Returns (topChanged,
// gapDetected). On a sequence gap the book is dropped and marked unsynced;
// the caller must schedule a snapshot refetch.
func (b *tokenBook) applyDelta(pc types.WSPriceChange) (topChanged, gap bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		// Waiting for a snapshot; drop deltas silently.
		return false, false
	}
	if pc.Seq != 0 && b.seq != 0 && pc.Seq != b.seq+1 {
		b.bids = nil
		b.asks = nil
		b.synced = false
		return false, true
	}

	prevBid, prevAsk := b.topLocked()

	price := parsePrice(pc.Price)
	size := parsePrice(pc.Size)
	if pc.Side == string(types.BUY) {
		b.bids = upsertLevel(b.bids, price, size, true)
	} else {
		b.asks = upsertLevel(b.asks, price, size, false)
	}
	if pc.Seq != 0 {
		b.seq = pc.Seq
	}
	b.updated = time.Now()

	newBid, newAsk := b.topLocked()
	return prevBid != newBid || prevAsk != newAsk, false
}

// invalidate drops the book (WS disconnect). Prices read null until the
// next snapshot.
func (b *tokenBook) invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = nil
	b.asks = nil
	b.synced = false
}

// topLocked returns (bestBid, bestAsk) with 0 meaning empty. Call with the
// lock held.
func (b *tokenBook) topLocked() (float64, float64) {
	var bid, ask float64
	if len(b.bids) > 0 {
		bid = b.bids[0].Price
	}
	if len(b.asks) > 0 {
		ask = b.asks[0].Price
	}
	return bid, ask
}

// bestPrices returns the top of book. Each side independently reports ok.
func (b *tokenBook) bestPrices() (bid float64, bidOK bool, ask float64, askOK bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		return 0, false, 0, false
	}
	if len(b.bids) > 0 {
		bid, bidOK = b.bids[0].Price, true
	}
	if len(b.asks) > 0 {
		ask, askOK = b.asks[0].Price, true
	}
	return bid, bidOK, ask, askOK
}

// snapshot returns a deep copy safe to hand to other goroutines.
func (b *tokenBook) snapshot() *types.OrderBook {
	b.mu.Lock()
	defer b.mu.Unlock()

	return &types.OrderBook{
		Token:     b.token,
		Bids:      append([]types.BookLevel(nil), b.bids...),
		Asks:      append([]types.BookLevel(nil), b.asks...),
		Seq:       b.seq,
		Timestamp: b.updated,
	}
}

// isStale reports whether no update has arrived within maxAge.
func (b *tokenBook) isStale(maxAge time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// upsertLevel inserts/updates/removes a level keeping sort order.
// descending=true for bids, false for asks. Size 0 removes the level.
func upsertLevel(levels []types.BookLevel, price, size float64, descending bool) []types.BookLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price <= price
		}
		return levels[i].Price >= price
	})

	if idx < len(levels) && levels[idx].Price == price {
		if size == 0 {
			return append(levels[:idx], levels[idx+1:]...)
		}
		levels[idx].Size = size
		return levels
	}

	if size == 0 {
		return levels
	}
	levels = append(levels, types.BookLevel{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = types.BookLevel{Price: price, Size: size}
	return levels
}

// parseLevels converts wire levels to sorted typed levels, dropping
// zero-size entries.
func parseLevels(raw []types.PriceLevel, descending bool) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(raw))
	for _, lvl := range raw {
		p := parsePrice(lvl.Price)
		s := parsePrice(lvl.Size)
		if s <= 0 {
			continue
		}
		out = append(out, types.BookLevel{Price: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
