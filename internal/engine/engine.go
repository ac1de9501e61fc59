// Package engine is the central orchestrator of the scalping bot.
//
// It wires together all subsystems:
//
//  1. Scanner discovers short-duration BTC up/down markets.
//  2. Engine admits markets into the store (AddMarket/RemoveMarket),
//     subject to the concurrency cap, the re-add cooldown, and the daily
//     loss halt.
//  3. The book tracker mirrors each market's two order books from the
//     market WebSocket and pushes top-of-book changes into the store.
//  4. Every book change and a 200ms safety tick run the evaluator over a
//     store snapshot; the coordinator executes non-NOOP signals.
//  5. The user WebSocket settles TP fills and venue-side cancellations.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polyscalp/internal/config"
	"polyscalp/internal/events"
	"polyscalp/internal/exchange"
	"polyscalp/internal/market"
	"polyscalp/internal/risk"
	"polyscalp/internal/spot"
	"polyscalp/internal/store"
	"polyscalp/internal/strategy"
	"polyscalp/pkg/types"
)

// Sentinel errors returned by AddMarket.
var (
	ErrMarketLimit     = errors.New("max concurrent markets reached")
	ErrRecentlyRemoved = errors.New("market removed recently, re-add refused")
	ErrHalted          = errors.New("daily loss limit reached, new markets refused")
)

const (
	tickInterval      = 200 * time.Millisecond
	heartbeatInterval = 5 * time.Second
	// retireGrace keeps a resolved market around long enough for final
	// fills and the resolution to land before state is dropped.
	retireGrace = 10 * time.Minute
)

// Engine orchestrates all components of the scalping system.
type Engine struct {
	cfg     config.Config
	client  *exchange.Client
	auth    *exchange.Auth
	mktFeed *exchange.WSFeed
	usrFeed *exchange.WSFeed
	scanner *market.Scanner
	books   *market.Tracker
	spot    *spot.Tracker
	riskMgr *risk.Manager
	store   *store.Store
	eval    *strategy.Evaluator
	coord   *Coordinator
	bus     *events.Bus
	logger  *slog.Logger

	// condIndex maps condition ID → market ID so user-channel events
	// (keyed by condition) reach the right ledger entry.
	condMu    sync.RWMutex
	condIndex map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
// If L2 API credentials aren't configured, it derives them via L1 (EIP-712)
// auth — skipped in dry-run mode, where no venue calls are made.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	var auth *exchange.Auth
	var err error
	if cfg.TradingEnabled {
		auth, err = exchange.NewAuth(cfg)
		if err != nil {
			return nil, err
		}
	} else {
		auth = &exchange.Auth{}
	}

	client := exchange.NewClient(cfg, auth, logger)
	if cfg.TradingEnabled && !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	mktFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	usrFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)
	books := market.NewTracker(mktFeed, client, logger)
	mktFeed.SetDisconnectHandler(books.InvalidateAll)

	st := store.New()
	bus := events.NewBus(logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	coord := NewCoordinator(client, st, riskMgr, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		client:    client,
		auth:      auth,
		mktFeed:   mktFeed,
		usrFeed:   usrFeed,
		scanner:   market.NewScanner(cfg, logger),
		books:     books,
		spot:      spot.New(cfg.Spot, logger),
		riskMgr:   riskMgr,
		store:     st,
		eval:      strategy.New(cfg.Strategy),
		coord:     coord,
		bus:       bus,
		logger:    logger.With("component", "engine"),
		condIndex: make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}
	return e, nil
}

// Bus returns the event bus for observers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Store returns the market state store for observers.
func (e *Engine) Store() *store.Store { return e.store }

// Start launches all background goroutines.
func (e *Engine) Start() error {
	e.spot.Start(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed error", "error", err)
		}
	}()

	if e.cfg.TradingEnabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.usrFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("user feed error", "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.books.Run(e.ctx)
	}()

	if e.cfg.Scanner.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.scanner.Run(e.ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.mainLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchUserEvents()
	}()

	e.logger.Info("engine started", "dry_run", !e.cfg.TradingEnabled)
	return nil
}

// Stop gracefully shuts down: cancels all contexts, cancels resting
// orders as a safety net, and waits for goroutines.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	if e.cfg.TradingEnabled {
		cancelCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := e.client.CancelAll(cancelCtx); err != nil {
			e.logger.Error("failed to cancel all orders on shutdown", "error", err)
		}
		done()
	}

	e.wg.Wait()
	e.spot.Stop()
	e.mktFeed.Close()
	e.usrFeed.Close()
	e.logger.Info("shutdown complete")
}

// AddMarket admits a market for trading. Fails when the concurrency cap
// is reached, the daily loss halt is latched, the market was recently
// removed, or it is already tracked.
func (e *Engine) AddMarket(desc types.MarketDescriptor) error {
	now := time.Now()
	if e.riskMgr.Halted(now) {
		return ErrHalted
	}
	if e.store.Len() >= e.cfg.Risk.MaxConcurrentMarkets {
		return ErrMarketLimit
	}
	if !e.riskMgr.ReAddAllowed(desc.MarketID, now) {
		return fmt.Errorf("%w: %s", ErrRecentlyRemoved, desc.MarketID)
	}
	if err := e.store.Add(desc); err != nil {
		return err
	}

	e.condMu.Lock()
	e.condIndex[desc.ConditionID] = desc.MarketID
	e.condMu.Unlock()

	tokens := []string{desc.TokenYes, desc.TokenNo}
	onUpdate := func(token string, book *types.OrderBook) {
		e.onBookUpdate(desc.MarketID, token, book)
	}
	if err := e.books.Subscribe(e.ctx, tokens, onUpdate); err != nil {
		e.logger.Warn("book subscribe failed, relying on reconnect", "market", desc.Slug, "error", err)
	}
	if e.cfg.TradingEnabled {
		if err := e.usrFeed.Subscribe(e.ctx, []string{desc.ConditionID}); err != nil {
			e.logger.Warn("user subscribe failed, relying on reconnect", "market", desc.Slug, "error", err)
		}
	}

	e.logger.Info("market added",
		"market", desc.Slug,
		"ends_in", desc.EndTime.Sub(now).Round(time.Second),
	)
	return nil
}

// RemoveMarket drops a market: cancels its resting orders, releases the
// book subscriptions, and deletes its state. permanent marks it for the
// re-add cooldown (venue rejected it in a way retrying cannot fix).
func (e *Engine) RemoveMarket(marketID string, permanent bool) bool {
	snap, ok := e.store.Snapshot(marketID)
	if !ok {
		return false
	}
	desc := snap.Descriptor

	ctx, done := context.WithTimeout(e.ctx, 10*time.Second)
	defer done()
	if err := e.coord.CancelAllTPs(ctx, marketID); err != nil {
		e.logger.Error("cancel tps on remove", "market", marketID, "error", err)
	}
	if _, err := e.client.CancelMarketOrders(ctx, desc.ConditionID); err != nil {
		e.logger.Error("cancel market orders on remove", "market", marketID, "error", err)
	}

	if err := e.books.Unsubscribe(e.ctx, []string{desc.TokenYes, desc.TokenNo}); err != nil {
		e.logger.Warn("book unsubscribe failed", "market", marketID, "error", err)
	}
	if e.cfg.TradingEnabled {
		if err := e.usrFeed.Unsubscribe(e.ctx, []string{desc.ConditionID}); err != nil {
			e.logger.Warn("user unsubscribe failed", "market", marketID, "error", err)
		}
	}

	e.condMu.Lock()
	delete(e.condIndex, desc.ConditionID)
	e.condMu.Unlock()

	e.store.Remove(marketID)
	e.bus.ForgetMarket(marketID)
	if permanent {
		e.riskMgr.MarkRemoved(marketID, time.Now())
	}

	e.logger.Info("market removed", "market", desc.Slug, "permanent", permanent)
	return true
}

// mainLoop drives the periodic machinery: the evaluation safety tick,
// scanner admissions, the TP deadline sweep, retirement, and heartbeats.
func (e *Engine) mainLoop() {
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-tick.C:
			e.sweep()
			for _, id := range e.store.MarketIDs() {
				e.evaluateMarket(id)
			}
		case result := <-e.scanner.Results():
			e.admitScanned(result)
		case <-heartbeat.C:
			e.publishStatus()
		}
	}
}

// admitScanned adds newly discovered markets, skipping ones already
// tracked and stopping at the concurrency cap.
func (e *Engine) admitScanned(result market.ScanResult) {
	for _, desc := range result.Markets {
		if _, ok := e.store.Snapshot(desc.MarketID); ok {
			continue
		}
		switch err := e.AddMarket(desc); {
		case err == nil:
		case errors.Is(err, ErrMarketLimit), errors.Is(err, ErrHalted):
			return
		default:
			e.logger.Warn("scanner admission refused", "market", desc.Slug, "error", err)
		}
	}
}

// sweep handles time-driven transitions: TPs are pulled ahead of the
// force-unwind deadline so inventory is free to exit, and markets past
// resolution plus the grace window are retired.
func (e *Engine) sweep() {
	now := time.Now()
	for _, snap := range e.store.SnapshotAll() {
		id := snap.Descriptor.MarketID

		if now.After(snap.Descriptor.EndTime.Add(retireGrace)) {
			e.logger.Info("retiring resolved market", "market", snap.Descriptor.Slug)
			e.RemoveMarket(id, false)
			continue
		}

		timeLeft := snap.Descriptor.TimeLeft(now)
		if timeLeft < e.cfg.Strategy.ForceUnwindTimeLeft.Seconds() && len(snap.ActiveTPOrders) > 0 {
			// The busy token keeps one cancel burst in flight per market
			// and blocks evaluation until it settles; a slow venue stalls
			// only this market, not the tick loop.
			if !e.coord.tryAcquire(id) {
				continue
			}
			e.wg.Add(1)
			go func(id string) {
				defer e.wg.Done()
				defer e.coord.release(id)
				ctx, done := context.WithTimeout(e.ctx, 5*time.Second)
				defer done()
				if err := e.coord.CancelAllTPs(ctx, id); err != nil {
					e.logger.Error("deadline tp sweep", "market", id, "error", err)
				}
			}(id)
		}
	}
}

// onBookUpdate is the tracker callback: push the new top of book into
// the store, publish a throttled market_update, and re-evaluate.
func (e *Engine) onBookUpdate(marketID, token string, book *types.OrderBook) {
	snap, ok := e.store.Snapshot(marketID)
	if !ok {
		return
	}

	bid, bidOK := book.BestBid()
	ask, askOK := book.BestAsk()

	e.store.Update(marketID, func(mc *store.MarketContext) {
		setSide := func(askP, bidP **float64) {
			*askP, *bidP = nil, nil
			if askOK {
				a := ask
				*askP = &a
			}
			if bidOK {
				b := bid
				*bidP = &b
			}
		}
		if token == mc.Descriptor.TokenYes {
			setSide(&mc.YesPrice, &mc.YesBid)
		} else {
			setSide(&mc.NoPrice, &mc.NoBid)
		}
	})

	now := time.Now()
	if fresh, ok := e.store.Snapshot(marketID); ok {
		e.bus.PublishMarketUpdate(marketID, now, events.MarketUpdate{
			YesAsk:    fresh.YesPrice,
			NoAsk:     fresh.NoPrice,
			YesBid:    fresh.YesBid,
			NoBid:     fresh.NoBid,
			TimeLeft:  snap.Descriptor.TimeLeft(now),
			Positions: fresh.PositionSummary(),
		})
	}

	e.evaluateMarket(marketID)
}

// evaluateMarket runs one evaluation pass for a market and dispatches
// any resulting execution on its own goroutine. The per-market busy
// token serializes executions, so a hung venue call stalls only its own
// market while the tick loop and the other markets keep moving.
func (e *Engine) evaluateMarket(marketID string) {
	if e.coord.Busy(marketID) {
		return
	}
	snap, ok := e.store.Snapshot(marketID)
	if !ok || snap.Quarantined {
		return
	}

	now := time.Now()
	sig := e.eval.Evaluate(snap, now)
	if sig.Action == types.ActionNoop {
		return
	}
	if err := validateSignal(sig); err != nil {
		e.coord.quarantine(marketID, fmt.Sprintf("evaluator contract violation: %v", err))
		return
	}

	// The halt latch stops position growth; exits, TPs, and unwinds
	// still run so losses get cut.
	if sig.IsEntry() && e.riskMgr.Halted(now) {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.coord.Execute(e.ctx, snap.Descriptor, sig); err != nil {
			if exchange.IsPermanent(err) {
				e.logger.Error("permanent venue error, dropping market",
					"market", marketID, "error", err)
				e.RemoveMarket(marketID, true)
			}
		}
	}()
}

// validateSignal checks the evaluator's output contract before anything
// reaches the venue.
func validateSignal(sig types.Signal) error {
	switch sig.Action {
	case types.ActionEnterYes, types.ActionEnterNo, types.ActionPlaceTPLimit,
		types.ActionExitMarket, types.ActionForceUnwind:
	default:
		return fmt.Errorf("unknown action %q", sig.Action)
	}
	if sig.Side != types.YES && sig.Side != types.NO {
		return fmt.Errorf("action %s without side", sig.Action)
	}
	if sig.Size <= 0 {
		return fmt.Errorf("action %s with size %v", sig.Action, sig.Size)
	}
	if sig.Price < 0 || sig.Price > 1 {
		return fmt.Errorf("action %s with price %v", sig.Action, sig.Price)
	}
	if sig.Action == types.ActionEnterYes && sig.Side != types.YES ||
		sig.Action == types.ActionEnterNo && sig.Side != types.NO {
		return fmt.Errorf("action %s with side %s", sig.Action, sig.Side)
	}
	return nil
}

// dispatchUserEvents routes user-channel fills and order lifecycle
// events to the coordinator.
func (e *Engine) dispatchUserEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case trade := <-e.usrFeed.TradeEvents():
			if id, ok := e.marketForCondition(trade.Market); ok {
				e.coord.HandleTradeEvent(trade, id)
			}
		case order := <-e.usrFeed.OrderEvents():
			if id, ok := e.marketForCondition(order.Market); ok {
				e.coord.HandleOrderEvent(order, id)
			}
		}
	}
}

func (e *Engine) marketForCondition(conditionID string) (string, bool) {
	e.condMu.RLock()
	defer e.condMu.RUnlock()
	id, ok := e.condIndex[conditionID]
	return id, ok
}

// publishStatus emits the bot_status heartbeat.
func (e *Engine) publishStatus() {
	now := time.Now()
	stats := e.riskMgr.Snapshot(now)
	status := events.BotStatus{
		Running:            true,
		Halted:             stats.Halted,
		DryRun:             !e.cfg.TradingEnabled,
		ActiveMarkets:      e.store.Len(),
		QuarantinedMarkets: e.store.QuarantinedCount(),
		RealizedPnL:        stats.RealizedPnL,
		CompletedTrades:    stats.CompletedTrades,
		WinRate:            stats.WinRate,
	}
	if px, ok := e.spot.GetCurrentPrice(); ok {
		status.SpotPrice = px
	}
	e.bus.PublishStatus(status)
}

// Status returns the heartbeat payload on demand (dashboard pull path).
func (e *Engine) Status() events.BotStatus {
	stats := e.riskMgr.Snapshot(time.Now())
	s := events.BotStatus{
		Running:            e.ctx.Err() == nil,
		Halted:             stats.Halted,
		DryRun:             !e.cfg.TradingEnabled,
		ActiveMarkets:      e.store.Len(),
		QuarantinedMarkets: e.store.QuarantinedCount(),
		RealizedPnL:        stats.RealizedPnL,
		CompletedTrades:    stats.CompletedTrades,
		WinRate:            stats.WinRate,
	}
	if px, ok := e.spot.GetCurrentPrice(); ok {
		s.SpotPrice = px
	}
	return s
}
