package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polyscalp/pkg/types"
)

// UpdateFunc is invoked after a mutation changes a token's best bid or ask.
// The callback receives a deep-copy snapshot and runs outside the book's
// critical section, so it may block or re-enter the tracker freely.
type UpdateFunc func(token string, book *types.OrderBook)

// BookFeed is the streaming side of the venue consumed by the Tracker.
// Satisfied by exchange.WSFeed.
type BookFeed interface {
	Subscribe(ctx context.Context, ids []string) error
	Unsubscribe(ctx context.Context, ids []string) error
	BookEvents() <-chan types.WSBookEvent
	PriceChangeEvents() <-chan types.WSPriceChangeEvent
}

// SnapshotFetcher re-seeds a book over REST after a sequence gap.
// Satisfied by exchange.Client.
type SnapshotFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// Tracker maintains L2 books for all subscribed tokens and emits
// top-of-book change events.
type Tracker struct {
	feed    BookFeed
	fetcher SnapshotFetcher
	logger  *slog.Logger

	mu    sync.RWMutex
	books map[string]*tokenBook
	subs  map[string][]UpdateFunc

	resyncCh chan string // tokens needing a REST snapshot after a gap
}

// NewTracker creates a book tracker over the given feed and REST fetcher.
func NewTracker(feed BookFeed, fetcher SnapshotFetcher, logger *slog.Logger) *Tracker {
	return &Tracker{
		feed:     feed,
		fetcher:  fetcher,
		logger:   logger.With("component", "books"),
		books:    make(map[string]*tokenBook),
		subs:     make(map[string][]UpdateFunc),
		resyncCh: make(chan string, 64),
	}
}

// Run consumes feed events until ctx is cancelled. It also drives the
// resync worker that refetches snapshots after sequence gaps.
func (t *Tracker) Run(ctx context.Context) {
	go t.resyncLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-t.feed.BookEvents():
			t.handleBookEvent(evt)
		case evt := <-t.feed.PriceChangeEvents():
			t.handlePriceChange(evt)
		}
	}
}

// Subscribe registers tokens and a change callback. Idempotent: tokens
// already tracked are not re-subscribed at the venue, and the callback is
// appended for all of them.
func (t *Tracker) Subscribe(ctx context.Context, tokens []string, onUpdate UpdateFunc) error {
	var fresh []string

	t.mu.Lock()
	for _, tok := range tokens {
		if _, ok := t.books[tok]; !ok {
			t.books[tok] = newTokenBook(tok)
			fresh = append(fresh, tok)
		}
		if onUpdate != nil {
			t.subs[tok] = append(t.subs[tok], onUpdate)
		}
	}
	t.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return t.feed.Subscribe(ctx, fresh)
}

// Unsubscribe releases the tokens; callbacks are no longer invoked and
// get_price reads report null.
func (t *Tracker) Unsubscribe(ctx context.Context, tokens []string) error {
	t.mu.Lock()
	for _, tok := range tokens {
		delete(t.books, tok)
		delete(t.subs, tok)
	}
	t.mu.Unlock()

	return t.feed.Unsubscribe(ctx, tokens)
}

// GetPrice returns the latest top of book for a token. Each side
// independently reports ok=false when empty or unsynced.
func (t *Tracker) GetPrice(token string) (bid float64, bidOK bool, ask float64, askOK bool) {
	t.mu.RLock()
	b := t.books[token]
	t.mu.RUnlock()

	if b == nil {
		return 0, false, 0, false
	}
	return b.bestPrices()
}

// GetBookSnapshot returns a deep copy of the token's book, or nil when the
// token is not tracked.
func (t *Tracker) GetBookSnapshot(token string) *types.OrderBook {
	t.mu.RLock()
	b := t.books[token]
	t.mu.RUnlock()

	if b == nil {
		return nil
	}
	return b.snapshot()
}

// IsStale reports whether a token's book has not been updated within maxAge.
func (t *Tracker) IsStale(token string, maxAge time.Duration) bool {
	t.mu.RLock()
	b := t.books[token]
	t.mu.RUnlock()

	if b == nil {
		return true
	}
	return b.isStale(maxAge)
}

// InvalidateAll drops every tracked book. Wired to the feed's disconnect
// hook: downstream reads null prices until post-reconnect snapshots land.
func (t *Tracker) InvalidateAll() {
	t.mu.RLock()
	books := make([]*tokenBook, 0, len(t.books))
	for _, b := range t.books {
		books = append(books, b)
	}
	t.mu.RUnlock()

	for _, b := range books {
		b.invalidate()
	}
}

func (t *Tracker) handleBookEvent(evt types.WSBookEvent) {
	t.mu.RLock()
	b := t.books[evt.AssetID]
	t.mu.RUnlock()
	if b == nil {
		return
	}

	if b.applySnapshot(evt.Buys, evt.Sells, evt.Seq) {
		t.emit(evt.AssetID, b)
	}
}

func (t *Tracker) handlePriceChange(evt types.WSPriceChangeEvent) {
	for _, pc := range evt.PriceChanges {
		t.mu.RLock()
		b := t.books[pc.AssetID]
		t.mu.RUnlock()
		if b == nil {
			continue
		}

		topChanged, gap := b.applyDelta(pc)
		if gap {
			t.logger.Warn("sequence gap, resyncing book", "token", pc.AssetID, "seq", pc.Seq)
			select {
			case t.resyncCh <- pc.AssetID:
			default:
				t.logger.Error("resync queue full, dropping request", "token", pc.AssetID)
			}
			continue
		}
		if topChanged {
			t.emit(pc.AssetID, b)
		}
	}
}

// emit invokes subscriber callbacks with a consistent snapshot, outside the
// book's lock.
func (t *Tracker) emit(token string, b *tokenBook) {
	t.mu.RLock()
	fns := append([]UpdateFunc(nil), t.subs[token]...)
	t.mu.RUnlock()

	if len(fns) == 0 {
		return
	}

	snap := b.snapshot()
	for _, fn := range fns {
		fn(token, snap)
	}
}

// resyncLoop refetches REST snapshots for tokens whose delta stream gapped.
func (t *Tracker) resyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case token := <-t.resyncCh:
			t.resync(ctx, token)
		}
	}
}

func (t *Tracker) resync(ctx context.Context, token string) {
	resp, err := t.fetcher.GetOrderBook(ctx, token)
	if err != nil {
		t.logger.Error("book resync failed", "token", token, "error", err)
		// Retry on the next gap or WS snapshot; the book stays null-priced.
		return
	}

	t.mu.RLock()
	b := t.books[token]
	t.mu.RUnlock()
	if b == nil {
		return
	}

	if b.applySnapshot(resp.Bids, resp.Asks, resp.Seq) {
		t.emit(token, b)
	}
}
