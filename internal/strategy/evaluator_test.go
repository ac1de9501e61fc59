package strategy

import (
	"testing"
	"time"

	"polyscalp/internal/config"
	"polyscalp/internal/store"
	"polyscalp/pkg/types"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		EntryTrigger:        0.34,
		DCADrop1:            0.24,
		DCADrop2:            0.38,
		ClipSize:            10,
		UnwindTrigger:       0.60,
		TPPrice:             0.88,
		HighScalpEntry:      0.90,
		MaxCompletedCycles:  3,
		MaxHighScalps:       4,
		MinEntryTimeLeft:    420 * time.Second,
		ForceUnwindTimeLeft: 300 * time.Second,
		ForceExitTimeLeft:   180 * time.Second,
	}
}

var testNow = time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)

// snapshotAt builds a context snapshot with the given time to resolution
// and top-of-book asks/bids. Nil pointers model missing quotes.
func snapshotAt(timeLeft time.Duration) store.MarketContext {
	return store.MarketContext{
		Descriptor: types.MarketDescriptor{
			MarketID: "m1",
			TokenYes: "tok-yes",
			TokenNo:  "tok-no",
			EndTime:  testNow.Add(timeLeft),
			MinTick:  types.Tick001,
		},
		ActiveTPOrders: make(map[string]types.Outcome),
	}
}

func ptr(v float64) *float64 { return &v }

// quote sets best ask and a bid one tick inside it for both sides.
func quote(c *store.MarketContext, yesAsk, noAsk float64) {
	c.YesPrice = ptr(yesAsk)
	c.NoPrice = ptr(noAsk)
	c.YesBid = ptr(yesAsk - 0.01)
	c.NoBid = ptr(noAsk - 0.01)
}

func newTestEvaluator() *Evaluator {
	return New(testStrategyConfig())
}

// ————————————————————————————————————————————————————————————————————————
// Initial entry (rule 7)
// ————————————————————————————————————————————————————————————————————————

func TestInitialEntryCheapSide(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(14 * time.Minute)
	quote(&snap, 0.33, 0.69)

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionEnterYes {
		t.Fatalf("action = %v, want ENTER_YES", sig.Action)
	}
	if sig.Size != 10 || sig.Price != 0.33 || sig.DCALevel != 0 {
		t.Errorf("signal = %+v, want size=10 price=0.33 dca=0", sig)
	}
	if sig.HighScalp {
		t.Error("initial entry must not be flagged high-scalp")
	}
}

func TestInitialEntryPicksCheaperSide(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(14 * time.Minute)
	quote(&snap, 0.33, 0.30)

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionEnterNo {
		t.Errorf("action = %v, want ENTER_NO (cheaper)", sig.Action)
	}
}

func TestInitialEntryTieBreaksYes(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(14 * time.Minute)
	quote(&snap, 0.30, 0.30)

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionEnterYes {
		t.Errorf("action = %v, want ENTER_YES on tie", sig.Action)
	}
}

func TestInitialEntryExactTriggerFires(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(14 * time.Minute)
	quote(&snap, 0.34, 0.70) // exactly at trigger: <= fires

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionEnterYes {
		t.Errorf("action = %v, want ENTER_YES at exact trigger", sig.Action)
	}
}

func TestNoEntryAboveTrigger(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(14 * time.Minute)
	quote(&snap, 0.35, 0.67)

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionNoop {
		t.Errorf("action = %v, want NOOP above trigger", sig.Action)
	}
}

func TestNoEntryOnEmptyBook(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(14 * time.Minute) // no quotes at all

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionNoop {
		t.Errorf("action = %v, want NOOP with null asks", sig.Action)
	}
}

func TestNoEntryPastDeadline(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(419 * time.Second) // below min_entry_time_left
	quote(&snap, 0.30, 0.91)

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionNoop {
		// 0.30 is under the entry trigger so high-scalp skips it too,
		// and 0.91 is past the high-scalp threshold.
		t.Errorf("action = %v, want NOOP for LEVEL entry past deadline", sig.Action)
	}
}

// S5 — cycle cap: a 4th opportunity after 3 completed cycles is refused.
func TestCycleCapRefusesEntry(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(10 * time.Minute)
	quote(&snap, 0.30, 0.72)
	snap.CompletedCycles = 3

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionNoop {
		t.Errorf("action = %v, want NOOP at cycle cap", sig.Action)
	}
}

// ————————————————————————————————————————————————————————————————————————
// DCA (rules 5, 6)
// ————————————————————————————————————————————————————————————————————————

func TestDCA1Fires(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(12 * time.Minute)
	quote(&snap, 0.10, 0.92)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
	}
	snap.ActiveTPOrders["tp-y"] = types.YES // rule 3 already satisfied

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionEnterYes || sig.DCALevel != 1 {
		t.Fatalf("signal = %+v, want ENTER_YES dca=1", sig)
	}
	if sig.Reason != "dca-1" {
		t.Errorf("reason = %q, want dca-1", sig.Reason)
	}
}

func TestDCA1RequiresFullDrop(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(12 * time.Minute)
	quote(&snap, 0.11, 0.91) // drop 0.23 < 0.24
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
	}
	snap.ActiveTPOrders["tp-y"] = types.YES

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionNoop {
		t.Errorf("action = %v, want NOOP below dca-1 drop", sig.Action)
	}
}

func TestDCA2Fires(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(12 * time.Minute)
	quote(&snap, 0.95, 0.05) // NO collapsed from 0.44 entry
	snap.Positions = []types.Position{
		{Side: types.NO, Size: 10, EntryPrice: 0.44, DCALevel: 0},
		{Side: types.NO, Size: 10, EntryPrice: 0.20, DCALevel: 1},
	}
	snap.ActiveTPOrders["tp-n"] = types.NO

	sig := e.Evaluate(snap, testNow)
	// 0.05 <= 0.44 - 0.38 = 0.06 → dca-2
	if sig.Action != types.ActionEnterNo || sig.DCALevel != 2 {
		t.Fatalf("signal = %+v, want ENTER_NO dca=2", sig)
	}
}

func TestDCAStopsAtThreeRungs(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(12 * time.Minute)
	quote(&snap, 0.01, 0.99)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
		{Side: types.YES, Size: 10, EntryPrice: 0.10, DCALevel: 1},
		{Side: types.YES, Size: 10, EntryPrice: 0.01, DCALevel: 2},
	}
	snap.ActiveTPOrders["tp-y"] = types.YES

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionNoop {
		t.Errorf("action = %v, want NOOP with full ladder", sig.Action)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Take-profit placement (rule 3)
// ————————————————————————————————————————————————————————————————————————

// S1 fragment — cheap YES ladder gets a resting TP at 0.88, once.
func TestTPPlacement(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(10 * time.Minute)
	quote(&snap, 0.88, 0.14)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.33, DCALevel: 0},
	}

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionPlaceTPLimit {
		t.Fatalf("action = %v, want PLACE_TP_LIMIT", sig.Action)
	}
	if sig.Side != types.YES || sig.Price != 0.88 || sig.Size != 10 {
		t.Errorf("signal = %+v, want YES @0.88 x10", sig)
	}

	// Not re-emitted while a TP rests for the side.
	snap.ActiveTPOrders["tp-1"] = types.YES
	if sig := e.Evaluate(snap, testNow); sig.Action == types.ActionPlaceTPLimit {
		t.Error("TP re-emitted while one is already resting")
	}
}

func TestTPSkippedForExpensiveAverage(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(10 * time.Minute)
	quote(&snap, 0.70, 0.32)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.55, DCALevel: 0}, // avg > 0.50
	}

	if sig := e.Evaluate(snap, testNow); sig.Action == types.ActionPlaceTPLimit {
		t.Error("TP placed for ladder with average entry above 0.50")
	}
}

func TestTPSkippedNearDeadline(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(300 * time.Second) // not strictly greater than unwind deadline
	quote(&snap, 0.88, 0.14)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.33, DCALevel: 0},
	}

	if sig := e.Evaluate(snap, testNow); sig.Action == types.ActionPlaceTPLimit {
		t.Error("TP placed at the unwind deadline")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Unwind trigger (rule 4)
// ————————————————————————————————————————————————————————————————————————

// S2 — DCA-1 then the NO ask collapses under the unwind trigger.
func TestUnwindTriggerClosesLadder(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(12 * time.Minute)
	quote(&snap, 0.41, 0.58) // NO ask 0.58 < 0.60
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
		{Side: types.YES, Size: 10, EntryPrice: 0.10, DCALevel: 1},
	}
	snap.ActiveTPOrders["tp-y"] = types.YES

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionExitMarket {
		t.Fatalf("action = %v, want EXIT_MARKET", sig.Action)
	}
	if sig.Side != types.YES || sig.Size != 20 {
		t.Errorf("signal = %+v, want side=YES size=20", sig)
	}
	if sig.Reason != "unwind" {
		t.Errorf("reason = %q, want unwind", sig.Reason)
	}
}

func TestUnwindTriggerExactBoundaryHolds(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(12 * time.Minute)
	quote(&snap, 0.41, 0.60) // exactly at trigger: strict < does not fire
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
	}
	snap.ActiveTPOrders["tp-y"] = types.YES

	if sig := e.Evaluate(snap, testNow); sig.Action == types.ActionExitMarket {
		t.Error("unwind fired at exact trigger; requires strict <")
	}
}

func TestUnwindIgnoresHighScalpHoldings(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	// A high-scalp YES at 0.89 implies NO ask ~0.11; that must not trip
	// the ladder unwind.
	snap := snapshotAt(200 * time.Second)
	quote(&snap, 0.92, 0.11)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.89, HighScalp: true},
	}
	snap.HighScalpCount = 1

	sig := e.Evaluate(snap, testNow)
	if sig.Action == types.ActionExitMarket && sig.Reason == "unwind" {
		t.Error("unwind trigger applied to a high-scalp-only holding")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Force unwind (rule 2)
// ————————————————————————————————————————————————————————————————————————

// S3 — at the 5-minute deadline a stuck ladder is unwound at market.
func TestForceUnwindAtDeadline(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(299 * time.Second)
	quote(&snap, 0.20, 0.82)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
	}

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionForceUnwind {
		t.Fatalf("action = %v, want FORCE_UNWIND", sig.Action)
	}
	if sig.Side != types.YES || sig.Size != 10 {
		t.Errorf("signal = %+v, want side=YES size=10", sig)
	}
}

func TestForceUnwindExactBoundaryFires(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(300 * time.Second) // exactly at deadline: <= fires
	quote(&snap, 0.20, 0.82)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
	}

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionForceUnwind {
		t.Errorf("action = %v, want FORCE_UNWIND at exact deadline", sig.Action)
	}
}

func TestForceUnwindSkipsHighScalpOnly(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(250 * time.Second)
	quote(&snap, 0.92, 0.09)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.89, HighScalp: true},
	}
	snap.HighScalpCount = 1

	if sig := e.Evaluate(snap, testNow); sig.Action == types.ActionForceUnwind {
		t.Error("force unwind fired with no LEVEL positions")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Force exit (rule 1)
// ————————————————————————————————————————————————————————————————————————

// S4 — three minutes out with a losing NO ladder.
func TestForceExitWithLoss(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(180 * time.Second)
	quote(&snap, 0.76, 0.25) // NO marked at 0.25 vs avg 0.40 → loss
	snap.Positions = []types.Position{
		{Side: types.NO, Size: 20, EntryPrice: 0.40, DCALevel: 0},
	}

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionExitMarket {
		t.Fatalf("action = %v, want EXIT_MARKET", sig.Action)
	}
	if sig.Side != types.NO || sig.Size != 20 {
		t.Errorf("signal = %+v, want side=NO size=20", sig)
	}
}

func TestForceExitHoldsWinnersUntilFinalMinute(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(150 * time.Second)
	quote(&snap, 0.90, 0.11) // YES profitable at 0.90 vs 0.33
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.33, DCALevel: 0},
	}

	// Profitable and more than 60s left: rule 1 passes; rule 2 unwinds
	// the LEVEL ladder instead.
	sig := e.Evaluate(snap, testNow)
	if sig.Action == types.ActionExitMarket {
		t.Errorf("profitable position force-exited above the final minute: %+v", sig)
	}
}

func TestForceExitFinalMinuteClosesEverything(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(55 * time.Second)
	quote(&snap, 0.95, 0.06)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.89, HighScalp: true},
	}
	snap.HighScalpCount = 1

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionExitMarket {
		t.Fatalf("action = %v, want EXIT_MARKET inside the final minute", sig.Action)
	}
	if !sig.HighScalp {
		t.Error("exit signal should carry the position's high-scalp flag")
	}
}

func TestForceExitWithNullBookStillFires(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(50 * time.Second) // no quotes
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.33, DCALevel: 0},
	}

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionExitMarket {
		t.Errorf("action = %v, want EXIT_MARKET despite empty book", sig.Action)
	}
}

// ————————————————————————————————————————————————————————————————————————
// High-scalp entry (rule 8)
// ————————————————————————————————————————————————————————————————————————

// S6 — late-life opportunistic entry at 0.89.
func TestHighScalpLateEntry(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(250 * time.Second)
	quote(&snap, 0.89, 0.12)

	sig := e.Evaluate(snap, testNow)
	if sig.Action != types.ActionEnterYes {
		t.Fatalf("action = %v, want ENTER_YES", sig.Action)
	}
	if !sig.HighScalp || sig.Size != 10 {
		t.Errorf("signal = %+v, want high_scalp=true size=10", sig)
	}
}

func TestHighScalpRespectsCap(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(250 * time.Second)
	quote(&snap, 0.89, 0.12)
	snap.HighScalpCount = 4

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionNoop {
		t.Errorf("action = %v, want NOOP at high-scalp cap", sig.Action)
	}
}

func TestHighScalpRejectsAboveThreshold(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(250 * time.Second)
	quote(&snap, 0.91, 0.10) // above 0.90 entry threshold; NO at 0.10 below trigger

	if sig := e.Evaluate(snap, testNow); sig.Action != types.ActionNoop {
		t.Errorf("action = %v, want NOOP above high-scalp threshold", sig.Action)
	}
}

func TestHighScalpNotBeforeEntryDeadline(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(500 * time.Second) // LEVEL entries still allowed
	quote(&snap, 0.89, 0.12)

	if sig := e.Evaluate(snap, testNow); sig.HighScalp {
		t.Errorf("high-scalp fired before the LEVEL entry deadline: %+v", sig)
	}
}

func TestHighScalpSkipsWhileOneOpen(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(250 * time.Second)
	quote(&snap, 0.89, 0.12)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.88, HighScalp: true},
	}
	snap.HighScalpCount = 1

	if sig := e.Evaluate(snap, testNow); sig.IsEntry() {
		t.Errorf("second high-scalp stacked on an open one: %+v", sig)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Cross-cutting invariants
// ————————————————————————————————————————————————————————————————————————

func TestNoHedgingSuppressesGrowth(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	// Both ladders populated (in-flight unwind): rules 5-8 must stay quiet.
	snap := snapshotAt(10 * time.Minute)
	quote(&snap, 0.05, 0.30)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
		{Side: types.NO, Size: 10, EntryPrice: 0.45, DCALevel: 0},
	}
	// Keep TPs resting so rule 3 does not fire either.
	snap.ActiveTPOrders["tp-y"] = types.YES
	snap.ActiveTPOrders["tp-n"] = types.NO

	if sig := e.Evaluate(snap, testNow); sig.IsEntry() {
		t.Errorf("entry emitted while both ladders populated: %+v", sig)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(12 * time.Minute)
	quote(&snap, 0.10, 0.92)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
	}

	first := e.Evaluate(snap, testNow)
	for i := 0; i < 10; i++ {
		if got := e.Evaluate(snap, testNow); got != first {
			t.Fatalf("evaluate not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestEvaluateDoesNotMutateSnapshot(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	snap := snapshotAt(12 * time.Minute)
	quote(&snap, 0.10, 0.92)
	snap.Positions = []types.Position{
		{Side: types.YES, Size: 10, EntryPrice: 0.34, DCALevel: 0},
	}

	before := snap.Positions[0]
	_ = e.Evaluate(snap, testNow)
	if snap.Positions[0] != before || len(snap.Positions) != 1 {
		t.Error("evaluate mutated the snapshot")
	}
}
