// Package spot tracks a BTC/USD reference price from two public exchange
// streams (Binance and Coinbase). Each feed pushes last-trade prices into
// the tracker; a sampler captures the averaged price once per second into
// a trailing history used for price-change queries.
//
// The tracker is advisory: the strategy's entry and DCA rules do not depend
// on it, so a dual-feed outage degrades to null prices without stopping
// evaluation.
package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polyscalp/internal/config"
)

const (
	feedDialTimeout  = 10 * time.Second
	feedReadTimeout  = 10 * time.Second // watchdog: silence this long forces a re-dial
	maxReconnectWait = 60 * time.Second
)

// Sample is one captured (timestamp, price) point.
type Sample struct {
	Time  time.Time
	Price float64
}

// feedState is the latest quote seen from one upstream feed.
type feedState struct {
	price float64
	at    time.Time
}

// Tracker aggregates spot prices from two independent streaming feeds.
type Tracker struct {
	cfg    config.SpotConfig
	logger *slog.Logger

	mu      sync.Mutex
	latest  map[string]feedState // per-feed last trade
	history []Sample             // averaged samples, pruned to cfg.Retention

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker. Call Start to open the feeds.
func New(cfg config.SpotConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:    cfg,
		logger: logger.With("component", "spot"),
		latest: make(map[string]feedState),
	}
}

// Start opens both streaming connections and begins 1s snapshot capture.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		t.runFeed(ctx, "binance", t.cfg.BinanceWSURL, nil, parseBinanceTrade)
	}()
	go func() {
		defer t.wg.Done()
		t.runFeed(ctx, "coinbase", t.cfg.CoinbaseWSURL, subscribeCoinbase, parseCoinbaseTicker)
	}()
	go func() {
		defer t.wg.Done()
		t.sampleLoop(ctx)
	}()
}

// Stop terminates all feeds and waits for them to unwind.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// GetCurrentPrice returns the average of the most recent price from each
// live feed. If only one feed has a fresh quote it is returned alone; if
// neither, ok is false.
func (t *Tracker) GetCurrentPrice() (float64, bool) {
	return t.currentPriceAt(time.Now())
}

func (t *Tracker) currentPriceAt(now time.Time) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sum float64
	var n int
	for _, st := range t.latest {
		if now.Sub(st.at) <= t.cfg.StaleAfter {
			sum += st.price
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// GetPriceChangeSince returns (current - historical) / historical where the
// historical price is linearly interpolated at now - ago. ok is false when
// the history does not reach back that far or no feed is live.
func (t *Tracker) GetPriceChangeSince(ago time.Duration) (float64, bool) {
	now := time.Now()
	current, ok := t.currentPriceAt(now)
	if !ok {
		return 0, false
	}

	past, ok := t.priceAt(now.Add(-ago))
	if !ok || past == 0 {
		return 0, false
	}
	return (current - past) / past, true
}

// priceAt interpolates the historical price at the given instant.
func (t *Tracker) priceAt(at time.Time) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) == 0 || t.history[0].Time.After(at) {
		return 0, false
	}

	// Walk from the newest end; history is append-ordered.
	for i := len(t.history) - 1; i >= 0; i-- {
		s := t.history[i]
		if !s.Time.After(at) {
			if i == len(t.history)-1 {
				return s.Price, true
			}
			next := t.history[i+1]
			span := next.Time.Sub(s.Time).Seconds()
			if span <= 0 {
				return s.Price, true
			}
			frac := at.Sub(s.Time).Seconds() / span
			return s.Price + (next.Price-s.Price)*frac, true
		}
	}
	return 0, false
}

// recordQuote stores a fresh per-feed price. Exposed to tests via the feed
// parsers being pure; production callers are the feed read loops.
func (t *Tracker) recordQuote(feed string, price float64, at time.Time) {
	t.mu.Lock()
	t.latest[feed] = feedState{price: price, at: at}
	t.mu.Unlock()
}

// sampleLoop captures the averaged price into history once per interval.
func (t *Tracker) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if price, ok := t.currentPriceAt(now); ok {
				t.appendSample(Sample{Time: now, Price: price})
			}
		}
	}
}

func (t *Tracker) appendSample(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, s)

	cutoff := s.Time.Add(-t.cfg.Retention)
	firstValid := 0
	for firstValid < len(t.history) && t.history[firstValid].Time.Before(cutoff) {
		firstValid++
	}
	if firstValid > 0 {
		t.history = t.history[firstValid:]
	}
}

// runFeed maintains one upstream connection with exponential backoff
// (1s, 2s, 4s, ... capped at 60s). A read deadline doubles as the staleness
// watchdog: a silent connection errors out and is re-dialed.
func (t *Tracker) runFeed(
	ctx context.Context,
	name, url string,
	subscribe func(*websocket.Conn) error,
	parse func([]byte) (float64, bool),
) {
	backoff := time.Second
	logger := t.logger.With("feed", name)

	for {
		err := t.readFeed(ctx, name, url, subscribe, parse)
		if ctx.Err() != nil {
			return
		}

		logger.Warn("spot feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (t *Tracker) readFeed(
	ctx context.Context,
	name, url string,
	subscribe func(*websocket.Conn) error,
	parse func([]byte) (float64, bool),
) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = feedDialTimeout

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if subscribe != nil {
		if err := subscribe(conn); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	t.logger.Info("spot feed connected", "feed", name)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if price, ok := parse(msg); ok {
			t.recordQuote(name, price, time.Now())
		}
	}
}

// parseBinanceTrade extracts the price from a Binance @trade stream message.
func parseBinanceTrade(data []byte) (float64, bool) {
	var msg struct {
		Price string `json:"p"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Price == "" {
		return 0, false
	}
	p, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil || p <= 0 {
		return 0, false
	}
	return p, true
}

// parseCoinbaseTicker extracts the price from a Coinbase ticker message.
// Non-ticker messages (subscription acks, heartbeats) are skipped.
func parseCoinbaseTicker(data []byte) (float64, bool) {
	var msg struct {
		Type  string `json:"type"`
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "ticker" {
		return 0, false
	}
	p, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil || p <= 0 {
		return 0, false
	}
	return p, true
}

// subscribeCoinbase sends the ticker subscription for BTC-USD.
func subscribeCoinbase(conn *websocket.Conn) error {
	sub := map[string]any{
		"type":        "subscribe",
		"product_ids": []string{"BTC-USD"},
		"channels":    []string{"ticker"},
	}
	conn.SetWriteDeadline(time.Now().Add(feedDialTimeout))
	return conn.WriteJSON(sub)
}
