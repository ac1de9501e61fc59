package engine

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"polyscalp/internal/config"
	"polyscalp/internal/events"
	"polyscalp/internal/exchange"
	"polyscalp/internal/risk"
	"polyscalp/internal/store"
	"polyscalp/pkg/types"
)

// fakeClient records venue calls and returns scripted results.
type fakeClient struct {
	mu         sync.Mutex
	orders     []types.UserOrder
	cancels    []string
	postErr    error
	cancelErrs []error // consumed per call; nil entry = success
	nextID     int
	dryRun     bool
}

func (f *fakeClient) PostOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.orders = append(f.orders, order)
	f.nextID++
	return &types.OrderResponse{Success: true, OrderID: orderID(f.nextID), Status: "live"}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, id string) (*types.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cancelErrs) > 0 {
		err := f.cancelErrs[0]
		f.cancelErrs = f.cancelErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.cancels = append(f.cancels, id)
	return &types.CancelResponse{Canceled: []string{id}}, nil
}

func (f *fakeClient) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	return &types.CancelResponse{}, nil
}

func (f *fakeClient) DryRun() bool { return f.dryRun }

func orderID(n int) string {
	return "ord-" + string(rune('0'+n))
}

func testLoggerE() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDesc() types.MarketDescriptor {
	return types.MarketDescriptor{
		MarketID:    "m1",
		ConditionID: "cond-m1",
		Slug:        "bitcoin-up-or-down-test",
		TokenYes:    "tok-yes",
		TokenNo:     "tok-no",
		EndTime:     time.Now().Add(14 * time.Minute),
		MinTick:     types.Tick001,
	}
}

func newTestCoordinator(t *testing.T, fc *fakeClient) (*Coordinator, *store.Store, *risk.Manager) {
	t.Helper()
	logger := testLoggerE()
	st := store.New()
	if err := st.Add(testDesc()); err != nil {
		t.Fatalf("add: %v", err)
	}
	rm := risk.NewManager(config.RiskConfig{MaxConcurrentMarkets: 4, DailyLossLimit: 100, ReAddCooldown: time.Minute}, logger)
	return NewCoordinator(fc, st, rm, events.NewBus(logger), logger), st, rm
}

func TestEnterRecordsPosition(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, _ := newTestCoordinator(t, fc)

	sig := types.Signal{
		Action: types.ActionEnterYes, Side: types.YES,
		Size: 10, Price: 0.33, Reason: "entry@0.34", DCALevel: 0,
	}
	done, err := c.Execute(context.Background(), testDesc(), sig)
	if err != nil || !done {
		t.Fatalf("execute: done=%v err=%v", done, err)
	}

	if len(fc.orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(fc.orders))
	}
	o := fc.orders[0]
	if o.TokenID != "tok-yes" || o.Side != types.BUY || o.OrderType != types.OrderTypeFAK {
		t.Errorf("order = %+v, want BUY FAK on tok-yes", o)
	}

	snap, _ := st.Snapshot("m1")
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(snap.Positions))
	}
	p := snap.Positions[0]
	if p.Side != types.YES || p.Size != 10 || p.EntryPrice != 0.33 || p.HighScalp {
		t.Errorf("position = %+v", p)
	}
	if snap.HighScalpCount != 0 {
		t.Errorf("high scalp count = %d, want 0", snap.HighScalpCount)
	}
}

func TestHighScalpEntryBumpsCounter(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, _ := newTestCoordinator(t, fc)

	sig := types.Signal{
		Action: types.ActionEnterNo, Side: types.NO,
		Size: 10, Price: 0.89, Reason: "high-scalp", HighScalp: true,
	}
	if _, err := c.Execute(context.Background(), testDesc(), sig); err != nil {
		t.Fatalf("execute: %v", err)
	}

	snap, _ := st.Snapshot("m1")
	if snap.HighScalpCount != 1 {
		t.Errorf("high scalp count = %d, want 1", snap.HighScalpCount)
	}
	if !snap.Positions[0].HighScalp {
		t.Error("position not flagged high-scalp")
	}
}

func TestPlaceTPRecordsOrder(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, _ := newTestCoordinator(t, fc)

	sig := types.Signal{
		Action: types.ActionPlaceTPLimit, Side: types.YES,
		Size: 20, Price: 0.88, Reason: "tp@0.88",
	}
	if _, err := c.Execute(context.Background(), testDesc(), sig); err != nil {
		t.Fatalf("execute: %v", err)
	}

	o := fc.orders[0]
	if o.Side != types.SELL || o.OrderType != types.OrderTypeGTC || !o.PostOnly {
		t.Errorf("order = %+v, want post-only GTC SELL", o)
	}

	snap, _ := st.Snapshot("m1")
	if len(snap.TPOrderIDs(types.YES)) != 1 {
		t.Errorf("tp orders = %v, want 1 for YES", snap.AllTPOrderIDs())
	}
}

func TestExitCancelsTPsAndClosesFIFO(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, rm := newTestCoordinator(t, fc)

	st.Update("m1", func(mc *store.MarketContext) {
		mc.Positions = []types.Position{
			{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
			{Side: types.YES, Size: 10, EntryPrice: 0.10, DCALevel: 1},
		}
		mc.ActiveTPOrders["tp-1"] = types.YES
	})

	sig := types.Signal{
		Action: types.ActionExitMarket, Side: types.YES,
		Size: 20, Price: 0.50, Reason: "unwind",
	}
	if _, err := c.Execute(context.Background(), testDesc(), sig); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(fc.cancels) != 1 || fc.cancels[0] != "tp-1" {
		t.Errorf("cancels = %v, want [tp-1]", fc.cancels)
	}
	if sell := fc.orders[0]; sell.Side != types.SELL || sell.OrderType != types.OrderTypeFAK {
		t.Errorf("exit order = %+v, want FAK SELL", sell)
	}

	snap, _ := st.Snapshot("m1")
	if len(snap.Positions) != 0 {
		t.Errorf("positions remain: %v", snap.Positions)
	}
	if snap.CompletedCycles != 1 {
		t.Errorf("cycles = %d, want 1", snap.CompletedCycles)
	}
	if len(snap.ActiveTPOrders) != 0 {
		t.Errorf("tp orders remain: %v", snap.AllTPOrderIDs())
	}

	// PnL = 10*(0.50-0.34) + 10*(0.50-0.10) = 1.6 + 4.0
	stats := rm.Snapshot(time.Now())
	if stats.RealizedPnL < 5.59 || stats.RealizedPnL > 5.61 {
		t.Errorf("realized = %v, want 5.6", stats.RealizedPnL)
	}
	if stats.CompletedTrades != 1 || stats.WinningTrades != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPartialExitLeavesRemainder(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, _ := newTestCoordinator(t, fc)

	st.Update("m1", func(mc *store.MarketContext) {
		mc.Positions = []types.Position{
			{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
			{Side: types.YES, Size: 10, EntryPrice: 0.10, DCALevel: 1},
		}
	})

	sig := types.Signal{Action: types.ActionExitMarket, Side: types.YES, Size: 15, Price: 0.50}
	if _, err := c.Execute(context.Background(), testDesc(), sig); err != nil {
		t.Fatalf("execute: %v", err)
	}

	snap, _ := st.Snapshot("m1")
	if len(snap.Positions) != 1 || snap.Positions[0].Size != 5 {
		t.Fatalf("positions = %v, want one of size 5", snap.Positions)
	}
	if snap.CompletedCycles != 0 {
		t.Error("cycle counted while ladder still open")
	}
}

func TestForceUnwindBuysOpposite(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, rm := newTestCoordinator(t, fc)

	st.Update("m1", func(mc *store.MarketContext) {
		mc.Positions = []types.Position{
			{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
			{Side: types.YES, Size: 10, EntryPrice: 0.10, DCALevel: 1},
		}
	})

	sig := types.Signal{
		Action: types.ActionForceUnwind, Side: types.YES,
		Size: 20, Price: 0.70, Reason: "force-unwind", // NO ask
	}
	if _, err := c.Execute(context.Background(), testDesc(), sig); err != nil {
		t.Fatalf("execute: %v", err)
	}

	o := fc.orders[0]
	if o.TokenID != "tok-no" || o.Side != types.BUY {
		t.Errorf("order = %+v, want BUY on tok-no", o)
	}

	snap, _ := st.Snapshot("m1")
	if len(snap.Positions) != 0 {
		t.Errorf("ladder remains: %v", snap.Positions)
	}
	if snap.CompletedCycles != 1 {
		t.Errorf("cycles = %d, want 1", snap.CompletedCycles)
	}

	// avg entry 0.22, unwind cost 0.70: pnl = 20 * (1 - 0.22 - 0.70) = 1.6
	stats := rm.Snapshot(time.Now())
	if stats.RealizedPnL < 1.59 || stats.RealizedPnL > 1.61 {
		t.Errorf("realized = %v, want 1.6", stats.RealizedPnL)
	}
}

func TestExecuteSkipsWhileBusy(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, _, _ := newTestCoordinator(t, fc)

	if !c.tryAcquire("m1") {
		t.Fatal("acquire failed on idle market")
	}
	done, err := c.Execute(context.Background(), testDesc(), types.Signal{
		Action: types.ActionEnterYes, Side: types.YES, Size: 10, Price: 0.33,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done {
		t.Error("execute should report skipped while busy")
	}
	if len(fc.orders) != 0 {
		t.Error("order placed despite in-flight execution")
	}

	c.release("m1")
	if done, _ := c.Execute(context.Background(), testDesc(), types.Signal{
		Action: types.ActionEnterYes, Side: types.YES, Size: 10, Price: 0.33,
	}); !done {
		t.Error("execute still skipped after release")
	}
}

func TestCancelRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	transient := &exchange.VenueError{Status: http.StatusInternalServerError, Op: "cancel order", Message: "boom"}
	fc := &fakeClient{cancelErrs: []error{transient, transient, nil}}
	c, st, _ := newTestCoordinator(t, fc)

	st.Update("m1", func(mc *store.MarketContext) {
		mc.ActiveTPOrders["tp-1"] = types.YES
	})

	if err := c.CancelAllTPs(context.Background(), "m1"); err != nil {
		t.Fatalf("cancel all tps: %v", err)
	}
	if len(fc.cancels) != 1 {
		t.Errorf("successful cancels = %d, want 1", len(fc.cancels))
	}
	snap, _ := st.Snapshot("m1")
	if len(snap.ActiveTPOrders) != 0 {
		t.Error("tp entry not cleared after retried cancel")
	}
}

func TestOwnOrderLifecycleEchoDoesNotQuarantine(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, _ := newTestCoordinator(t, fc)

	// A marketable entry settles synchronously; the user feed still echoes
	// lifecycle events for it afterwards.
	sig := types.Signal{Action: types.ActionEnterYes, Side: types.YES, Size: 10, Price: 0.33}
	if _, err := c.Execute(context.Background(), testDesc(), sig); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, typ := range []string{"PLACEMENT", "UPDATE", "CANCELLATION"} {
		c.HandleOrderEvent(types.WSOrderEvent{ID: orderID(1), Market: "cond-m1", Type: typ}, "m1")
	}
	snap, _ := st.Snapshot("m1")
	if snap.Quarantined {
		t.Fatalf("lifecycle echo quarantined the market: %s", snap.QuarantineReason)
	}

	// Lifecycle events for IDs we never placed are noise too, not a
	// divergence signal.
	c.HandleOrderEvent(types.WSOrderEvent{ID: "ghost-order", Market: "cond-m1", Type: "CANCELLATION"}, "m1")
	snap, _ = st.Snapshot("m1")
	if snap.Quarantined {
		t.Error("untracked order event quarantined the market")
	}
}

func TestVenueSideTPCancelClearsLedger(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, _ := newTestCoordinator(t, fc)

	st.Update("m1", func(mc *store.MarketContext) {
		mc.ActiveTPOrders["tp-1"] = types.YES
	})
	c.HandleOrderEvent(types.WSOrderEvent{ID: "tp-1", Market: "cond-m1", Type: "CANCELLATION"}, "m1")

	snap, _ := st.Snapshot("m1")
	if len(snap.ActiveTPOrders) != 0 {
		t.Errorf("tp orders remain: %v", snap.AllTPOrderIDs())
	}
}

func TestTPFillClosesLadder(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, rm := newTestCoordinator(t, fc)

	st.Update("m1", func(mc *store.MarketContext) {
		mc.Positions = []types.Position{
			{Side: types.YES, Size: 20, EntryPrice: 0.22, DCALevel: 0},
		}
		mc.ActiveTPOrders["tp-1"] = types.YES
	})

	// A resting TP fills as the maker; the taker ID belongs to whoever
	// crossed it.
	c.HandleTradeEvent(types.WSTradeEvent{
		TakerOrderID: "counterparty-taker", Market: "cond-m1",
		Price: "0.88", Size: "20", Side: "SELL",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "tp-1", Price: "0.88", MatchedAmount: "20", Side: "SELL"},
		},
	}, "m1")

	snap, _ := st.Snapshot("m1")
	if snap.Quarantined {
		t.Fatalf("tp fill quarantined the market: %s", snap.QuarantineReason)
	}
	if len(snap.Positions) != 0 {
		t.Errorf("positions remain: %v", snap.Positions)
	}
	if snap.CompletedCycles != 1 {
		t.Errorf("cycles = %d, want 1", snap.CompletedCycles)
	}
	if len(snap.ActiveTPOrders) != 0 {
		t.Error("tp order not cleared after fill")
	}

	// pnl = 20 * (0.88 - 0.22) = 13.2
	stats := rm.Snapshot(time.Now())
	if stats.RealizedPnL < 13.19 || stats.RealizedPnL > 13.21 {
		t.Errorf("realized = %v, want 13.2", stats.RealizedPnL)
	}
}

func TestPartialTPFillKeepsOrderTracked(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, _ := newTestCoordinator(t, fc)

	st.Update("m1", func(mc *store.MarketContext) {
		mc.Positions = []types.Position{
			{Side: types.YES, Size: 20, EntryPrice: 0.22, DCALevel: 0},
		}
		mc.ActiveTPOrders["tp-1"] = types.YES
	})

	c.HandleTradeEvent(types.WSTradeEvent{
		TakerOrderID: "counterparty-taker", Market: "cond-m1",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "tp-1", Price: "0.88", MatchedAmount: "8"},
		},
	}, "m1")

	snap, _ := st.Snapshot("m1")
	if got := snap.LadderSize(types.YES); got != 12 {
		t.Fatalf("ladder size = %v, want 12", got)
	}
	if _, ok := snap.ActiveTPOrders["tp-1"]; !ok {
		t.Fatal("partially filled tp dropped from ledger")
	}
	if snap.CompletedCycles != 0 {
		t.Error("cycle counted while ladder still open")
	}

	// The remainder fills later against the same order.
	c.HandleTradeEvent(types.WSTradeEvent{
		TakerOrderID: "counterparty-taker-2", Market: "cond-m1",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "tp-1", Price: "0.88", MatchedAmount: "12"},
		},
	}, "m1")

	snap, _ = st.Snapshot("m1")
	if len(snap.Positions) != 0 {
		t.Errorf("positions remain: %v", snap.Positions)
	}
	if len(snap.ActiveTPOrders) != 0 {
		t.Error("tp order not cleared after full fill")
	}
	if snap.CompletedCycles != 1 {
		t.Errorf("cycles = %d, want 1", snap.CompletedCycles)
	}
}

func TestFillForUnknownOrderQuarantines(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, _ := newTestCoordinator(t, fc)

	c.HandleTradeEvent(types.WSTradeEvent{
		TakerOrderID: "ghost-taker", Market: "cond-m1",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "ghost-maker", Price: "0.50", MatchedAmount: "10"},
		},
	}, "m1")

	snap, _ := st.Snapshot("m1")
	if !snap.Quarantined {
		t.Fatal("fill for unknown order did not quarantine the market")
	}
}

func TestOwnTakerFillEchoIgnored(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	c, st, _ := newTestCoordinator(t, fc)

	// The entry settles in Execute; its trade echo must neither double-book
	// nor quarantine.
	sig := types.Signal{Action: types.ActionEnterYes, Side: types.YES, Size: 10, Price: 0.33}
	if _, err := c.Execute(context.Background(), testDesc(), sig); err != nil {
		t.Fatalf("execute: %v", err)
	}

	c.HandleTradeEvent(types.WSTradeEvent{
		TakerOrderID: orderID(1), Market: "cond-m1",
		Price: "0.33", Size: "10", Side: "BUY",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "counterparty-maker", Price: "0.33", MatchedAmount: "10"},
		},
	}, "m1")

	snap, _ := st.Snapshot("m1")
	if snap.Quarantined {
		t.Fatalf("own taker fill quarantined the market: %s", snap.QuarantineReason)
	}
	if len(snap.Positions) != 1 {
		t.Errorf("positions = %d, want 1 (no double booking)", len(snap.Positions))
	}
}

func TestDryRunSkipsVenueAndLedger(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{dryRun: true}
	c, st, _ := newTestCoordinator(t, fc)

	sig := types.Signal{Action: types.ActionEnterYes, Side: types.YES, Size: 10, Price: 0.33}
	done, err := c.Execute(context.Background(), testDesc(), sig)
	if err != nil || !done {
		t.Fatalf("execute: done=%v err=%v", done, err)
	}

	if len(fc.orders) != 0 {
		t.Errorf("orders placed in dry-run: %v", fc.orders)
	}
	snap, _ := st.Snapshot("m1")
	if len(snap.Positions) != 0 {
		t.Errorf("positions recorded in dry-run: %v", snap.Positions)
	}
}

func TestClampPrice(t *testing.T) {
	t.Parallel()

	if got := clampPrice(0); got != 0.01 {
		t.Errorf("clampPrice(0) = %v, want 0.01", got)
	}
	if got := clampPrice(1.0); got != 0.99 {
		t.Errorf("clampPrice(1.0) = %v, want 0.99", got)
	}
	if got := clampPrice(0.42); got != 0.42 {
		t.Errorf("clampPrice(0.42) = %v, want 0.42", got)
	}
}
