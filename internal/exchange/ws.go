// ws.go implements the venue's two WebSocket channels.
//
// The market channel is public and keyed by asset (token) ID: it delivers
// "book" snapshots and "price_change" deltas. The user channel is
// authenticated and keyed by condition ID: it delivers "trade" fills and
// "order" lifecycle events. Both run the same session machinery; the feed
// kind only changes the subscription payload and whether auth is attached.
//
// Sessions reconnect forever with doubling backoff, re-subscribing to
// every tracked subject on each new connection. The server answers our
// PING with a text PONG rather than a control frame, so liveness is a
// read deadline sized to roughly two missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polyscalp/pkg/types"
)

const (
	wsPingEvery   = 50 * time.Second
	wsReadWindow  = 90 * time.Second
	wsWriteBudget = 10 * time.Second

	wsBackoffFloor = time.Second
	wsBackoffCeil  = 30 * time.Second

	bookQueueLen = 256 // book + price_change
	fillQueueLen = 64  // trade + order
)

var errNotConnected = errors.New("websocket not connected")

// feedKind selects the channel's subscription dialect.
type feedKind int

const (
	feedMarket feedKind = iota
	feedUser
)

func (k feedKind) String() string {
	if k == feedUser {
		return "user"
	}
	return "market"
}

// WSFeed maintains one venue WebSocket channel: session lifecycle,
// subject tracking, and fan-out of decoded events onto typed queues.
type WSFeed struct {
	url  string
	kind feedKind
	auth *Auth // user channel only

	connMu sync.Mutex
	conn   *websocket.Conn

	subjectMu sync.RWMutex
	subjects  map[string]struct{} // token IDs (market) or condition IDs (user)

	bookCh        chan types.WSBookEvent
	priceChangeCh chan types.WSPriceChangeEvent
	tradeCh       chan types.WSTradeEvent
	orderCh       chan types.WSOrderEvent

	// onDisconnect fires after every connection loss, before the backoff
	// sleep. Book consumers hook it to invalidate cached state.
	onDisconnect func()

	logger *slog.Logger
}

func newFeed(wsURL string, kind feedKind, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:           wsURL,
		kind:          kind,
		auth:          auth,
		subjects:      make(map[string]struct{}),
		bookCh:        make(chan types.WSBookEvent, bookQueueLen),
		priceChangeCh: make(chan types.WSPriceChangeEvent, bookQueueLen),
		tradeCh:       make(chan types.WSTradeEvent, fillQueueLen),
		orderCh:       make(chan types.WSOrderEvent, fillQueueLen),
		logger:        logger.With("component", "ws_"+kind.String()),
	}
}

// NewMarketFeed creates the public market-data channel.
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return newFeed(wsURL, feedMarket, nil, logger)
}

// NewUserFeed creates the authenticated user channel.
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return newFeed(wsURL, feedUser, auth, logger)
}

// SetDisconnectHandler registers a connection-loss callback. Call before
// Run.
func (f *WSFeed) SetDisconnectHandler(fn func()) {
	f.onDisconnect = fn
}

// BookEvents returns the book snapshot queue.
func (f *WSFeed) BookEvents() <-chan types.WSBookEvent { return f.bookCh }

// PriceChangeEvents returns the book delta queue.
func (f *WSFeed) PriceChangeEvents() <-chan types.WSPriceChangeEvent { return f.priceChangeCh }

// TradeEvents returns the fill queue (user channel).
func (f *WSFeed) TradeEvents() <-chan types.WSTradeEvent { return f.tradeCh }

// OrderEvents returns the order lifecycle queue (user channel).
func (f *WSFeed) OrderEvents() <-chan types.WSOrderEvent { return f.orderCh }

// Run dials and re-dials the channel until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	wait := wsBackoffFloor
	for {
		started := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.onDisconnect != nil {
			f.onDisconnect()
		}

		// A session that held for a while earns a fresh backoff.
		if time.Since(started) > wsBackoffCeil {
			wait = wsBackoffFloor
		}
		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait *= 2; wait > wsBackoffCeil {
			wait = wsBackoffCeil
		}
	}
}

// Subscribe starts delivery for the given subjects and remembers them for
// re-subscription after reconnects.
func (f *WSFeed) Subscribe(ctx context.Context, ids []string) error {
	f.subjectMu.Lock()
	for _, id := range ids {
		f.subjects[id] = struct{}{}
	}
	f.subjectMu.Unlock()
	return f.send(f.updateMsg("subscribe", ids))
}

// Unsubscribe stops delivery for the given subjects.
func (f *WSFeed) Unsubscribe(ctx context.Context, ids []string) error {
	f.subjectMu.Lock()
	for _, id := range ids {
		delete(f.subjects, id)
	}
	f.subjectMu.Unlock()
	return f.send(f.updateMsg("unsubscribe", ids))
}

// Close tears down the current connection, if any.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

// session runs one connection: dial, subscribe, keep-alive, read until
// failure.
func (f *WSFeed) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.send(f.openMsg()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("websocket connected", "channel", f.kind.String())

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go f.keepAlive(pingCtx)

	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(wsReadWindow))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.route(raw)
	}
	return ctx.Err()
}

// openMsg builds the initial subscription covering every tracked subject.
func (f *WSFeed) openMsg() types.WSSubscribeMsg {
	f.subjectMu.RLock()
	ids := make([]string, 0, len(f.subjects))
	for id := range f.subjects {
		ids = append(ids, id)
	}
	f.subjectMu.RUnlock()

	msg := types.WSSubscribeMsg{Type: f.kind.String()}
	if f.kind == feedUser {
		msg.Auth = f.auth.WSAuthPayload()
		msg.Markets = ids
	} else {
		msg.AssetIDs = ids
	}
	return msg
}

// updateMsg builds an incremental subscribe/unsubscribe message.
func (f *WSFeed) updateMsg(op string, ids []string) types.WSUpdateMsg {
	msg := types.WSUpdateMsg{Operation: op}
	if f.kind == feedUser {
		msg.Markets = ids
	} else {
		msg.AssetIDs = ids
	}
	return msg
}

// route decodes one frame by its event_type and queues it. Full queues
// drop the frame: stale book state recovers on the next snapshot, and
// dropped fills surface through the reconciliation path.
func (f *WSFeed) route(raw []byte) {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		f.logger.Debug("ignoring non-json ws frame", "data", string(raw))
		return
	}

	switch head.EventType {
	case "book":
		forward(f, f.bookCh, raw, head.EventType)
	case "price_change":
		forward(f, f.priceChangeCh, raw, head.EventType)
	case "trade":
		forward(f, f.tradeCh, raw, head.EventType)
	case "order":
		forward(f, f.orderCh, raw, head.EventType)
	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		// informational, not consumed
	default:
		f.logger.Debug("unknown ws event type", "type", head.EventType)
	}
}

// forward decodes raw into T and enqueues it without blocking the read
// loop.
func forward[T any](f *WSFeed, ch chan T, raw []byte, kind string) {
	var evt T
	if err := json.Unmarshal(raw, &evt); err != nil {
		f.logger.Error("unmarshal ws event", "type", kind, "error", err)
		return
	}
	select {
	case ch <- evt:
	default:
		f.logger.Warn("ws queue full, dropping event", "type", kind)
	}
}

// keepAlive sends the venue's expected text PING until the session ends.
func (f *WSFeed) keepAlive(ctx context.Context) {
	tick := time.NewTicker(wsPingEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := f.sendText("PING"); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) send(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteBudget))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) sendText(s string) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteBudget))
	return f.conn.WriteMessage(websocket.TextMessage, []byte(s))
}
