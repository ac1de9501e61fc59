package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"polyscalp/internal/events"
	"polyscalp/internal/exchange"
	"polyscalp/internal/risk"
	"polyscalp/internal/store"
	"polyscalp/pkg/types"
)

// OrderClient is the venue surface the coordinator needs. Satisfied by
// *exchange.Client.
type OrderClient interface {
	PostOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error)
	CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error)
	DryRun() bool
}

const (
	cancelRetries   = 3
	cancelRetryWait = 100 * time.Millisecond
	minMarketablePx = 0.01 // venue floor; used when the book side is empty
	maxMarketablePx = 0.99

	// recentOrderTTL covers how long the user channel may keep echoing
	// lifecycle and fill events for an order after we placed it. Markets
	// live 15 minutes, so anything older is noise.
	recentOrderTTL = 5 * time.Minute
)

// Coordinator turns evaluator signals into venue orders and reconciles
// the position ledger from the results. Executions are serialized per
// market: a signal arriving while another is in flight for the same
// market is skipped, and re-evaluation picks it up next tick.
type Coordinator struct {
	client OrderClient
	store  *store.Store
	risk   *risk.Manager
	bus    *events.Bus
	logger *slog.Logger

	busyMu sync.Mutex
	busy   map[string]bool

	// recentOrders remembers every order ID we placed so user-channel
	// echoes (lifecycle events, our own taker fills) are recognizable
	// even after the ledger entry is gone.
	ordersMu     sync.Mutex
	recentOrders map[string]time.Time
}

// NewCoordinator creates an execution coordinator.
func NewCoordinator(client OrderClient, st *store.Store, rm *risk.Manager, bus *events.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		client:       client,
		store:        st,
		risk:         rm,
		bus:          bus,
		logger:       logger.With("component", "executor"),
		busy:         make(map[string]bool),
		recentOrders: make(map[string]time.Time),
	}
}

// Execute runs one signal against the venue. Returns (false, nil) when
// the market already has an execution in flight.
func (c *Coordinator) Execute(ctx context.Context, desc types.MarketDescriptor, sig types.Signal) (bool, error) {
	if sig.Action == types.ActionNoop {
		return true, nil
	}
	if !c.tryAcquire(desc.MarketID) {
		return false, nil
	}
	defer c.release(desc.MarketID)

	c.bus.PublishSignal(desc.MarketID, sig)

	if c.client.DryRun() {
		c.logger.Info("dry-run: signal not executed",
			"market", desc.Slug, "action", sig.Action, "side", sig.Side,
			"price", sig.Price, "size", sig.Size, "reason", sig.Reason)
		return true, nil
	}

	var err error
	switch sig.Action {
	case types.ActionEnterYes, types.ActionEnterNo:
		err = c.enter(ctx, desc, sig)
	case types.ActionPlaceTPLimit:
		err = c.placeTP(ctx, desc, sig)
	case types.ActionExitMarket:
		err = c.exit(ctx, desc, sig)
	case types.ActionForceUnwind:
		err = c.forceUnwind(ctx, desc, sig)
	default:
		err = fmt.Errorf("unknown signal action %q", sig.Action)
	}
	if err != nil {
		c.bus.PublishError(desc.MarketID, string(sig.Action), err)
	}
	return true, err
}

func (c *Coordinator) tryAcquire(marketID string) bool {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	if c.busy[marketID] {
		return false
	}
	c.busy[marketID] = true
	return true
}

func (c *Coordinator) release(marketID string) {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	delete(c.busy, marketID)
}

// Busy reports whether an execution is in flight for the market.
func (c *Coordinator) Busy(marketID string) bool {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	return c.busy[marketID]
}

// rememberOrder records a placed order ID; stale entries are pruned on
// the way in.
func (c *Coordinator) rememberOrder(orderID string) {
	if orderID == "" {
		return
	}
	now := time.Now()
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	for id, at := range c.recentOrders {
		if now.Sub(at) > recentOrderTTL {
			delete(c.recentOrders, id)
		}
	}
	c.recentOrders[orderID] = now
}

// ownOrder reports whether we placed this order within the TTL window.
func (c *Coordinator) ownOrder(orderID string) bool {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	at, ok := c.recentOrders[orderID]
	return ok && time.Since(at) <= recentOrderTTL
}

// enter buys the signal's side with a marketable FAK at the observed ask.
func (c *Coordinator) enter(ctx context.Context, desc types.MarketDescriptor, sig types.Signal) error {
	resp, err := c.client.PostOrder(ctx, types.UserOrder{
		TokenID:   desc.Token(sig.Side),
		Price:     clampPrice(sig.Price),
		Size:      sig.Size,
		Side:      types.BUY,
		OrderType: types.OrderTypeFAK,
		TickSize:  desc.MinTick,
	})
	if err != nil {
		return fmt.Errorf("enter %s: %w", sig.Side, err)
	}
	c.rememberOrder(resp.OrderID)

	now := time.Now()
	c.store.Update(desc.MarketID, func(mc *store.MarketContext) {
		mc.Positions = append(mc.Positions, types.Position{
			Side:       sig.Side,
			Size:       sig.Size,
			EntryPrice: sig.Price,
			EntryTime:  now,
			HighScalp:  sig.HighScalp,
			DCALevel:   sig.DCALevel,
		})
		if sig.HighScalp {
			mc.HighScalpCount++
		}
		mc.LastSignalTime = now
	})

	c.logger.Info("entered position",
		"market", desc.Slug, "side", sig.Side,
		"price", sig.Price, "size", sig.Size,
		"reason", sig.Reason, "order_id", resp.OrderID)
	c.bus.PublishTrade(desc.MarketID, events.TradeExecuted{
		Action: string(sig.Action), Side: string(sig.Side),
		Price: sig.Price, Size: sig.Size, Reason: sig.Reason,
		OrderID: resp.OrderID, HighScalp: sig.HighScalp,
	})
	return nil
}

// placeTP rests a post-only sell limit for the side's ladder.
func (c *Coordinator) placeTP(ctx context.Context, desc types.MarketDescriptor, sig types.Signal) error {
	resp, err := c.client.PostOrder(ctx, types.UserOrder{
		TokenID:   desc.Token(sig.Side),
		Price:     sig.Price,
		Size:      sig.Size,
		Side:      types.SELL,
		OrderType: types.OrderTypeGTC,
		PostOnly:  true,
		TickSize:  desc.MinTick,
	})
	if err != nil {
		return fmt.Errorf("place tp %s: %w", sig.Side, err)
	}
	c.rememberOrder(resp.OrderID)

	c.store.Update(desc.MarketID, func(mc *store.MarketContext) {
		mc.ActiveTPOrders[resp.OrderID] = sig.Side
		mc.LastSignalTime = time.Now()
	})

	c.logger.Info("tp placed",
		"market", desc.Slug, "side", sig.Side,
		"price", sig.Price, "size", sig.Size, "order_id", resp.OrderID)
	c.bus.PublishTrade(desc.MarketID, events.TradeExecuted{
		Action: string(sig.Action), Side: string(sig.Side),
		Price: sig.Price, Size: sig.Size, Reason: sig.Reason,
		OrderID: resp.OrderID,
	})
	return nil
}

// exit sells held tokens back into the book: cancel the side's resting
// TPs so the inventory is free, then FAK-sell and close FIFO.
func (c *Coordinator) exit(ctx context.Context, desc types.MarketDescriptor, sig types.Signal) error {
	if err := c.cancelSideTPs(ctx, desc.MarketID, sig.Side); err != nil {
		return err
	}

	resp, err := c.client.PostOrder(ctx, types.UserOrder{
		TokenID:   desc.Token(sig.Side),
		Price:     clampPrice(sig.Price),
		Size:      sig.Size,
		Side:      types.SELL,
		OrderType: types.OrderTypeFAK,
		TickSize:  desc.MinTick,
	})
	if err != nil {
		return fmt.Errorf("exit %s: %w", sig.Side, err)
	}
	c.rememberOrder(resp.OrderID)

	pnl := c.closeFIFO(desc.MarketID, sig.Side, sig.Size, sig.Price)
	c.risk.RecordTrade(pnl, time.Now())

	c.logger.Info("position exited",
		"market", desc.Slug, "side", sig.Side,
		"price", sig.Price, "size", sig.Size,
		"pnl", pnl, "reason", sig.Reason, "order_id", resp.OrderID)
	c.bus.PublishTrade(desc.MarketID, events.TradeExecuted{
		Action: string(sig.Action), Side: string(sig.Side),
		Price: sig.Price, Size: sig.Size, Reason: sig.Reason,
		OrderID: resp.OrderID, PnL: &pnl, HighScalp: sig.HighScalp,
	})
	return nil
}

// forceUnwind locks the pair payout by buying the opposite side for the
// held ladder size. Holding N of each side is worth N at resolution, so
// the realized PnL is size * (1 - avg_entry - unwind_cost).
func (c *Coordinator) forceUnwind(ctx context.Context, desc types.MarketDescriptor, sig types.Signal) error {
	if err := c.cancelSideTPs(ctx, desc.MarketID, sig.Side); err != nil {
		return err
	}

	opp := sig.Side.Opposite()
	resp, err := c.client.PostOrder(ctx, types.UserOrder{
		TokenID:   desc.Token(opp),
		Price:     clampPrice(sig.Price),
		Size:      sig.Size,
		Side:      types.BUY,
		OrderType: types.OrderTypeFAK,
		TickSize:  desc.MinTick,
	})
	if err != nil {
		return fmt.Errorf("force unwind via %s: %w", opp, err)
	}
	c.rememberOrder(resp.OrderID)

	var pnl float64
	now := time.Now()
	c.store.Update(desc.MarketID, func(mc *store.MarketContext) {
		if avg, ok := mc.AvgEntry(sig.Side); ok {
			pnl = sig.Size * (1 - avg - sig.Price)
		}
		kept := mc.Positions[:0]
		for _, p := range mc.Positions {
			if p.Side == sig.Side && !p.HighScalp {
				continue
			}
			kept = append(kept, p)
		}
		mc.Positions = kept
		if !mc.HasLevelPositions() {
			mc.CompletedCycles++
		}
		mc.LastSignalTime = now
	})
	c.risk.RecordTrade(pnl, now)

	c.logger.Info("ladder force-unwound",
		"market", desc.Slug, "held_side", sig.Side,
		"unwind_cost", sig.Price, "size", sig.Size,
		"pnl", pnl, "order_id", resp.OrderID)
	c.bus.PublishTrade(desc.MarketID, events.TradeExecuted{
		Action: string(sig.Action), Side: string(sig.Side),
		Price: sig.Price, Size: sig.Size, Reason: sig.Reason,
		OrderID: resp.OrderID, PnL: &pnl,
	})
	return nil
}

// cancelSideTPs cancels every resting TP for a side, retrying transient
// failures. The ledger entry is removed only after the venue confirms.
func (c *Coordinator) cancelSideTPs(ctx context.Context, marketID string, side types.Outcome) error {
	snap, ok := c.store.Snapshot(marketID)
	if !ok {
		return fmt.Errorf("market %s not in store", marketID)
	}

	for _, id := range snap.TPOrderIDs(side) {
		if err := c.cancelWithRetry(ctx, id); err != nil {
			return fmt.Errorf("cancel tp %s: %w", id, err)
		}
		c.store.Update(marketID, func(mc *store.MarketContext) {
			delete(mc.ActiveTPOrders, id)
		})
	}
	return nil
}

// CancelAllTPs cancels every resting TP for a market. Used by the
// deadline sweep and at market retirement.
func (c *Coordinator) CancelAllTPs(ctx context.Context, marketID string) error {
	snap, ok := c.store.Snapshot(marketID)
	if !ok {
		return fmt.Errorf("market %s not in store", marketID)
	}

	for _, id := range snap.AllTPOrderIDs() {
		if err := c.cancelWithRetry(ctx, id); err != nil {
			return fmt.Errorf("cancel tp %s: %w", id, err)
		}
		c.store.Update(marketID, func(mc *store.MarketContext) {
			delete(mc.ActiveTPOrders, id)
		})
	}
	return nil
}

func (c *Coordinator) cancelWithRetry(ctx context.Context, orderID string) error {
	var err error
	for attempt := 0; attempt < cancelRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cancelRetryWait):
			}
		}
		_, err = c.client.CancelOrder(ctx, orderID)
		if err == nil {
			return nil
		}
		if exchange.IsPermanent(err) {
			// Already filled or cancelled venue-side; reconciliation via
			// the user feed settles the ledger.
			c.logger.Warn("cancel rejected as permanent", "order_id", orderID, "error", err)
			return nil
		}
	}
	return err
}

// closeFIFO removes up to size from the side's positions in entry order
// and returns the realized PnL at exitPrice. Closing the last LEVEL
// position completes a cycle.
func (c *Coordinator) closeFIFO(marketID string, side types.Outcome, size, exitPrice float64) float64 {
	var pnl float64
	c.store.Update(marketID, func(mc *store.MarketContext) {
		hadLevel := len(mc.LevelPositions(side)) > 0
		remaining := size
		kept := mc.Positions[:0]
		for _, p := range mc.Positions {
			if p.Side != side || remaining <= 0 {
				kept = append(kept, p)
				continue
			}
			closed := p.Size
			if closed > remaining {
				closed = remaining
			}
			pnl += closed * (exitPrice - p.EntryPrice)
			remaining -= closed
			if closed < p.Size {
				p.Size -= closed
				kept = append(kept, p)
			}
		}
		mc.Positions = kept
		if hadLevel && !mc.HasLevelPositions() {
			mc.CompletedCycles++
		}
		mc.LastSignalTime = time.Now()
	})
	return pnl
}

// HandleOrderEvent reconciles the TP ledger from the user feed. The
// channel echoes lifecycle events for every order we place, including
// marketable entries and exits that already settled synchronously in
// Execute, so unknown IDs are routine here and never an invariant
// violation. A CANCELLATION we did not initiate (venue-side cancel,
// e.g. market closing) still removes the ledger entry.
func (c *Coordinator) HandleOrderEvent(evt types.WSOrderEvent, marketID string) {
	snap, ok := c.store.Snapshot(marketID)
	if !ok {
		return
	}

	if _, known := snap.ActiveTPOrders[evt.ID]; !known {
		if !c.ownOrder(evt.ID) {
			c.logger.Debug("order event for untracked order",
				"market", marketID, "order_id", evt.ID, "type", evt.Type)
		}
		return
	}

	if evt.Type == "CANCELLATION" {
		c.store.Update(marketID, func(mc *store.MarketContext) {
			delete(mc.ActiveTPOrders, evt.ID)
		})
		c.logger.Info("tp cancelled venue-side", "market", marketID, "order_id", evt.ID)
	}
}

// HandleTradeEvent settles fills from the user feed. A resting TP fills
// as a maker, so its ID arrives in the event's maker-orders list; the
// taker ID belongs to the crossing order. FAK entries and exits settle
// synchronously in Execute, so their echoes here are ignored. A fill
// that references no order we ever placed means local state has
// diverged from the venue, which quarantines the market.
func (c *Coordinator) HandleTradeEvent(evt types.WSTradeEvent, marketID string) {
	snap, ok := c.store.Snapshot(marketID)
	if !ok {
		return
	}

	matchedOurs := c.ownOrder(evt.TakerOrderID)
	for _, mo := range evt.MakerOrders {
		side, isTP := snap.ActiveTPOrders[mo.OrderID]
		if !isTP {
			if c.ownOrder(mo.OrderID) {
				matchedOurs = true
			}
			continue
		}
		matchedOurs = true
		c.settleTPFill(marketID, mo, side)
	}

	if !matchedOurs {
		c.quarantine(marketID, fmt.Sprintf("fill for unknown order %s", evt.TakerOrderID))
	}
}

// settleTPFill books one maker fill against the side's ladder. Partial
// fills keep the ledger entry so the remainder still reconciles.
func (c *Coordinator) settleTPFill(marketID string, mo types.WSMakerOrder, side types.Outcome) {
	price, err1 := strconv.ParseFloat(mo.Price, 64)
	size, err2 := strconv.ParseFloat(mo.MatchedAmount, 64)
	if err1 != nil || err2 != nil {
		c.bus.PublishError(marketID, "tp fill", fmt.Errorf("bad fill numbers %q/%q", mo.Price, mo.MatchedAmount))
		return
	}

	pnl := c.closeFIFO(marketID, side, size, price)
	c.risk.RecordTrade(pnl, time.Now())
	c.store.Update(marketID, func(mc *store.MarketContext) {
		if mc.LadderSize(side) == 0 {
			delete(mc.ActiveTPOrders, mo.OrderID)
		}
	})

	c.logger.Info("tp filled",
		"market", marketID, "side", side,
		"price", price, "size", size, "pnl", pnl)
	c.bus.PublishTrade(marketID, events.TradeExecuted{
		Action: "TP_FILLED", Side: string(side),
		Price: price, Size: size, Reason: "tp-fill",
		OrderID: mo.OrderID, PnL: &pnl,
	})
}

func (c *Coordinator) quarantine(marketID, reason string) {
	c.store.Update(marketID, func(mc *store.MarketContext) {
		mc.Quarantined = true
		mc.QuarantineReason = reason
	})
	c.logger.Error("market quarantined", "market", marketID, "reason", reason)
	c.bus.PublishError(marketID, "quarantine", fmt.Errorf("%s", reason))
}

// clampPrice keeps marketable prices inside the venue's [0.01, 0.99]
// band; an empty book side reports 0.
func clampPrice(p float64) float64 {
	if p < minMarketablePx {
		return minMarketablePx
	}
	if p > maxMarketablePx {
		return maxMarketablePx
	}
	return p
}
