// Package events is the in-process pub/sub bus connecting the engine to
// observers (dashboard WebSocket, logging). Publishing never blocks: each
// subscriber has a bounded queue and a slow consumer loses its oldest
// event, not the publisher's time.
package events

import (
	"log/slog"
	"sync"
	"time"

	"polyscalp/pkg/types"
)

// Type is the wire name of an event, as seen by dashboard clients.
type Type string

const (
	TypeTradeExecuted   Type = "trade_executed"
	TypeSignalGenerated Type = "signal_generated"
	TypeMarketUpdate    Type = "market_update"
	TypeBotStatus       Type = "bot_status"
	TypeError           Type = "error"
)

// Event is the envelope every subscriber receives.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	MarketID  string    `json:"market_id,omitempty"`
	Data      any       `json:"data"`
}

// TradeExecuted reports a completed order execution (entry, exit, TP fill).
type TradeExecuted struct {
	Action    string   `json:"action"` // signal action that produced the trade
	Side      string   `json:"side"`   // YES or NO
	Price     float64  `json:"price"`
	Size      float64  `json:"size"`
	Reason    string   `json:"reason"`
	OrderID   string   `json:"order_id,omitempty"`
	PnL       *float64 `json:"pnl,omitempty"` // set on closing trades
	HighScalp bool     `json:"high_scalp,omitempty"`
}

// SignalGenerated reports every non-NOOP evaluator decision, including
// those the coordinator later fails to execute.
type SignalGenerated struct {
	Action string  `json:"action"`
	Side   string  `json:"side"`
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Reason string  `json:"reason"`
}

// MarketUpdate is the rate-limited top-of-book + position digest.
type MarketUpdate struct {
	YesAsk    *float64 `json:"yes_ask"`
	NoAsk     *float64 `json:"no_ask"`
	YesBid    *float64 `json:"yes_bid"`
	NoBid     *float64 `json:"no_bid"`
	TimeLeft  float64  `json:"time_left_sec"`
	Positions string   `json:"positions"` // PositionSummary rendering
}

// BotStatus is the periodic heartbeat.
type BotStatus struct {
	Running            bool    `json:"running"`
	Halted             bool    `json:"halted"`
	DryRun             bool    `json:"dry_run"`
	ActiveMarkets      int     `json:"active_markets"`
	QuarantinedMarkets int     `json:"quarantined_markets"`
	RealizedPnL        float64 `json:"realized_pnl"`
	CompletedTrades    int     `json:"completed_trades"`
	WinRate            float64 `json:"win_rate"`
	SpotPrice          float64 `json:"spot_price,omitempty"`
}

// ErrorEvent reports a failure worth surfacing to observers.
type ErrorEvent struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// marketUpdateMinGap throttles market_update per market so a busy book
// does not flood subscribers.
const marketUpdateMinGap = 300 * time.Millisecond

// Bus fans events out to subscribers.
type Bus struct {
	mu         sync.Mutex
	subs       map[int]chan Event
	nextID     int
	lastUpdate map[string]time.Time // market ID → last market_update publish
	logger     *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:       make(map[int]chan Event),
		lastUpdate: make(map[string]time.Time),
		logger:     logger.With("component", "events"),
	}
}

// Subscribe registers a new subscriber with the given queue depth. The
// returned cancel func closes the channel; the subscriber must stop
// reading only after calling it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. A full queue drops its
// oldest event to make room; the newest event is always enqueued.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// PublishTrade emits a trade_executed event.
func (b *Bus) PublishTrade(marketID string, t TradeExecuted) {
	b.Publish(Event{Type: TypeTradeExecuted, MarketID: marketID, Data: t})
}

// PublishSignal emits a signal_generated event for a non-NOOP signal.
func (b *Bus) PublishSignal(marketID string, sig types.Signal) {
	if sig.Action == types.ActionNoop {
		return
	}
	b.Publish(Event{Type: TypeSignalGenerated, MarketID: marketID, Data: SignalGenerated{
		Action: string(sig.Action),
		Side:   string(sig.Side),
		Price:  sig.Price,
		Size:   sig.Size,
		Reason: sig.Reason,
	}})
}

// PublishMarketUpdate emits a market_update, throttled per market. Returns
// whether the event was published.
func (b *Bus) PublishMarketUpdate(marketID string, now time.Time, u MarketUpdate) bool {
	b.mu.Lock()
	if last, ok := b.lastUpdate[marketID]; ok && now.Sub(last) < marketUpdateMinGap {
		b.mu.Unlock()
		return false
	}
	b.lastUpdate[marketID] = now
	b.mu.Unlock()

	b.Publish(Event{Type: TypeMarketUpdate, Timestamp: now, MarketID: marketID, Data: u})
	return true
}

// ForgetMarket clears the throttle state for a removed market.
func (b *Bus) ForgetMarket(marketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lastUpdate, marketID)
}

// PublishStatus emits a bot_status heartbeat.
func (b *Bus) PublishStatus(s BotStatus) {
	b.Publish(Event{Type: TypeBotStatus, Data: s})
}

// PublishError emits an error event and logs it.
func (b *Bus) PublishError(marketID, op string, err error) {
	b.logger.Error("publishing error event", "market", marketID, "op", op, "error", err)
	b.Publish(Event{Type: TypeError, MarketID: marketID, Data: ErrorEvent{
		Op:      op,
		Message: err.Error(),
	}})
}
