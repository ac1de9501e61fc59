package spot

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"polyscalp/internal/config"
)

func testSpotConfig() config.SpotConfig {
	return config.SpotConfig{
		SampleInterval: time.Second,
		Retention:      10 * time.Minute,
		StaleAfter:     5 * time.Second,
	}
}

func newTestTracker() *Tracker {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(testSpotConfig(), logger)
}

func TestCurrentPriceAveragesFreshFeeds(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	now := time.Now()

	tr.recordQuote("binance", 65000, now)
	tr.recordQuote("coinbase", 65100, now)

	price, ok := tr.currentPriceAt(now)
	if !ok {
		t.Fatal("currentPriceAt returned ok=false with two fresh feeds")
	}
	if price != 65050 {
		t.Errorf("price = %v, want 65050", price)
	}
}

func TestCurrentPriceSingleFreshFeed(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	now := time.Now()

	tr.recordQuote("binance", 65000, now.Add(-time.Minute)) // stale
	tr.recordQuote("coinbase", 65100, now)

	price, ok := tr.currentPriceAt(now)
	if !ok {
		t.Fatal("currentPriceAt returned ok=false with one fresh feed")
	}
	if price != 65100 {
		t.Errorf("price = %v, want 65100 (only fresh feed)", price)
	}
}

func TestCurrentPriceBothStale(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	now := time.Now()

	tr.recordQuote("binance", 65000, now.Add(-time.Minute))
	tr.recordQuote("coinbase", 65100, now.Add(-time.Minute))

	if _, ok := tr.currentPriceAt(now); ok {
		t.Error("currentPriceAt should return ok=false when both feeds are stale")
	}
}

func TestPriceAtInterpolates(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	base := time.Now().Add(-time.Minute)

	tr.appendSample(Sample{Time: base, Price: 100})
	tr.appendSample(Sample{Time: base.Add(10 * time.Second), Price: 110})

	got, ok := tr.priceAt(base.Add(5 * time.Second))
	if !ok {
		t.Fatal("priceAt returned ok=false inside history range")
	}
	if got != 105 {
		t.Errorf("interpolated price = %v, want 105", got)
	}
}

func TestPriceAtBeforeHistory(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	base := time.Now()

	tr.appendSample(Sample{Time: base, Price: 100})

	if _, ok := tr.priceAt(base.Add(-time.Minute)); ok {
		t.Error("priceAt should return ok=false before the oldest sample")
	}
}

func TestRetentionPrunesOldSamples(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	base := time.Now().Add(-time.Hour)

	tr.appendSample(Sample{Time: base, Price: 100})
	tr.appendSample(Sample{Time: base.Add(time.Second), Price: 101})
	// A sample far in the future of the first two evicts them.
	tr.appendSample(Sample{Time: base.Add(30 * time.Minute), Price: 200})

	tr.mu.Lock()
	n := len(tr.history)
	tr.mu.Unlock()
	if n != 1 {
		t.Errorf("history length = %d after retention prune, want 1", n)
	}
}

func TestParseBinanceTrade(t *testing.T) {
	t.Parallel()

	p, ok := parseBinanceTrade([]byte(`{"e":"trade","p":"65000.12","q":"0.01"}`))
	if !ok || p != 65000.12 {
		t.Errorf("parseBinanceTrade = %v, %v; want 65000.12, true", p, ok)
	}
	if _, ok := parseBinanceTrade([]byte(`{"e":"trade"}`)); ok {
		t.Error("parseBinanceTrade should reject message without price")
	}
	if _, ok := parseBinanceTrade([]byte(`not json`)); ok {
		t.Error("parseBinanceTrade should reject non-json")
	}
}

func TestParseCoinbaseTicker(t *testing.T) {
	t.Parallel()

	p, ok := parseCoinbaseTicker([]byte(`{"type":"ticker","price":"64998.5"}`))
	if !ok || p != 64998.5 {
		t.Errorf("parseCoinbaseTicker = %v, %v; want 64998.5, true", p, ok)
	}
	if _, ok := parseCoinbaseTicker([]byte(`{"type":"subscriptions"}`)); ok {
		t.Error("parseCoinbaseTicker should skip non-ticker messages")
	}
}
