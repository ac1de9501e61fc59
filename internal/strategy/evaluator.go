// Package strategy implements the multi-level DCA scalping rules.
//
// Evaluate is a pure function over a MarketContext snapshot: no I/O, no
// clock reads beyond the caller-supplied now, no randomness. The rules are
// a priority-ordered list — the first match wins:
//
//  1. force exit        (deadline, any remaining position)
//  2. force unwind      (deadline, LEVEL ladder)
//  3. take-profit limit placement
//  4. unwind trigger    (opposite ask collapsed)
//  5. DCA-2
//  6. DCA-1
//  7. initial LEVEL entry
//  8. high-scalp entry
//  9. NOOP
//
// Counters are derived from the position list wherever possible; only the
// cycle and high-scalp totals live on the context, because they survive
// position closure.
package strategy

import (
	"fmt"
	"time"

	"polyscalp/internal/config"
	"polyscalp/internal/store"
	"polyscalp/pkg/types"
)

// finalExitTimeLeft is the point past which every position is closed
// regardless of PnL.
const finalExitTimeLeft = 60.0

// Evaluator holds the tuned rule parameters. One instance serves all
// markets; it carries no per-market state.
type Evaluator struct {
	cfg config.StrategyConfig
}

// New creates an evaluator with the given parameters.
func New(cfg config.StrategyConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate inspects one market snapshot and returns the next action.
// Deterministic given (snap, now).
func (e *Evaluator) Evaluate(snap store.MarketContext, now time.Time) types.Signal {
	timeLeft := snap.Descriptor.TimeLeft(now)

	if sig, ok := e.forceExit(snap, timeLeft); ok {
		return sig
	}
	if sig, ok := e.forceUnwind(snap, timeLeft); ok {
		return sig
	}
	if sig, ok := e.placeTP(snap, timeLeft); ok {
		return sig
	}
	if sig, ok := e.unwindTrigger(snap); ok {
		return sig
	}

	// No-hedging invariant: both ladders populated means an unwind is in
	// flight (or state is inconsistent). Hold off on anything that would
	// grow either side.
	if len(snap.LevelPositions(types.YES)) > 0 && len(snap.LevelPositions(types.NO)) > 0 {
		return types.Noop()
	}

	if sig, ok := e.dca(snap); ok {
		return sig
	}
	if sig, ok := e.initialEntry(snap, timeLeft); ok {
		return sig
	}
	if sig, ok := e.highScalp(snap, timeLeft); ok {
		return sig
	}
	return types.Noop()
}

// forceExit closes any remaining position near resolution: with less than
// the force-exit window left and either a losing position or under a
// minute remaining, everything goes. One signal per call; re-evaluation
// picks up the next position.
func (e *Evaluator) forceExit(snap store.MarketContext, timeLeft float64) (types.Signal, bool) {
	if timeLeft > e.cfg.ForceExitTimeLeft.Seconds() || len(snap.Positions) == 0 {
		return types.Signal{}, false
	}
	if timeLeft > finalExitTimeLeft && !anyPositionLosing(snap) {
		return types.Signal{}, false
	}

	p := snap.Positions[0]
	price := 0.0
	if bid := snap.Bid(p.Side); bid != nil {
		price = *bid
	}
	return types.Signal{
		Action:    types.ActionExitMarket,
		Side:      p.Side,
		Size:      p.Size,
		Price:     price,
		Reason:    "force-exit-3min",
		DCALevel:  p.DCALevel,
		HighScalp: p.HighScalp,
	}, true
}

// forceUnwind closes the LEVEL ladder at the unwind deadline by buying the
// opposite side at market, locking the $1 pair payout.
func (e *Evaluator) forceUnwind(snap store.MarketContext, timeLeft float64) (types.Signal, bool) {
	if timeLeft > e.cfg.ForceUnwindTimeLeft.Seconds() {
		return types.Signal{}, false
	}
	side, ok := ladderSide(snap)
	if !ok {
		return types.Signal{}, false
	}

	price := 0.0
	if ask := snap.Ask(side.Opposite()); ask != nil {
		price = *ask
	}
	return types.Signal{
		Action: types.ActionForceUnwind,
		Side:   side,
		Size:   snap.LadderSize(side),
		Price:  price,
		Reason: "force-unwind",
	}, true
}

// placeTP rests a take-profit limit for a cheap-entry ladder that does not
// already have one, while there is still time for it to fill.
func (e *Evaluator) placeTP(snap store.MarketContext, timeLeft float64) (types.Signal, bool) {
	if timeLeft <= e.cfg.ForceUnwindTimeLeft.Seconds() {
		return types.Signal{}, false
	}

	for _, side := range []types.Outcome{types.YES, types.NO} {
		avg, ok := snap.AvgEntry(side)
		if !ok || avg > 0.50 {
			continue
		}
		if len(snap.TPOrderIDs(side)) > 0 {
			continue
		}
		return types.Signal{
			Action: types.ActionPlaceTPLimit,
			Side:   side,
			Size:   snap.LadderSize(side),
			Price:  e.cfg.TPPrice,
			Reason: fmt.Sprintf("tp@%.2f", e.cfg.TPPrice),
		}, true
	}
	return types.Signal{}, false
}

// unwindTrigger exits a held ladder when the opposite side's ask collapses
// below the trigger — the market has decided against the holding, and the
// cost of unwinding only grows from here.
func (e *Evaluator) unwindTrigger(snap store.MarketContext) (types.Signal, bool) {
	for _, side := range []types.Outcome{types.YES, types.NO} {
		if len(snap.LevelPositions(side)) == 0 {
			continue
		}
		oppAsk := snap.Ask(side.Opposite())
		if oppAsk == nil || *oppAsk >= e.cfg.UnwindTrigger {
			continue
		}
		price := 0.0
		if bid := snap.Bid(side); bid != nil {
			price = *bid
		}
		return types.Signal{
			Action: types.ActionExitMarket,
			Side:   side,
			Size:   snap.LadderSize(side),
			Price:  price,
			Reason: "unwind",
		}, true
	}
	return types.Signal{}, false
}

// dca adds the next averaging-down rung when the side has dropped far
// enough from the first entry. Exactly-N position counts keep the rungs
// from double-firing while an order is in flight.
func (e *Evaluator) dca(snap store.MarketContext) (types.Signal, bool) {
	side, ok := ladderSide(snap)
	if !ok {
		return types.Signal{}, false
	}

	ask := snap.Ask(side)
	if ask == nil {
		return types.Signal{}, false
	}
	first, ok := snap.FirstEntryPrice(side)
	if !ok {
		return types.Signal{}, false
	}

	action := types.ActionEnterYes
	if side == types.NO {
		action = types.ActionEnterNo
	}

	switch len(snap.LevelPositions(side)) {
	case 2:
		if *ask <= first-e.cfg.DCADrop2 {
			return types.Signal{
				Action:   action,
				Side:     side,
				Size:     e.cfg.ClipSize,
				Price:    *ask,
				Reason:   "dca-2",
				DCALevel: 2,
			}, true
		}
	case 1:
		if *ask <= first-e.cfg.DCADrop1 {
			return types.Signal{
				Action:   action,
				Side:     side,
				Size:     e.cfg.ClipSize,
				Price:    *ask,
				Reason:   "dca-1",
				DCALevel: 1,
			}, true
		}
	}
	return types.Signal{}, false
}

// initialEntry opens the LEVEL ladder on the cheaper side when its ask
// touches the trigger, subject to the cycle cap and the entry deadline.
// Equal asks tie-break to YES.
func (e *Evaluator) initialEntry(snap store.MarketContext, timeLeft float64) (types.Signal, bool) {
	if snap.HasLevelPositions() {
		return types.Signal{}, false
	}
	if snap.CompletedCycles >= e.cfg.MaxCompletedCycles {
		return types.Signal{}, false
	}
	if timeLeft < e.cfg.MinEntryTimeLeft.Seconds() {
		return types.Signal{}, false
	}

	yesAsk := snap.Ask(types.YES)
	noAsk := snap.Ask(types.NO)

	side := types.Outcome("")
	var price float64
	if yesAsk != nil && *yesAsk <= e.cfg.EntryTrigger {
		side, price = types.YES, *yesAsk
	}
	if noAsk != nil && *noAsk <= e.cfg.EntryTrigger {
		if side == "" || *noAsk < price {
			side, price = types.NO, *noAsk
		}
	}
	if side == "" {
		return types.Signal{}, false
	}

	action := types.ActionEnterYes
	if side == types.NO {
		action = types.ActionEnterNo
	}
	return types.Signal{
		Action:   action,
		Side:     side,
		Size:     e.cfg.ClipSize,
		Price:    price,
		Reason:   fmt.Sprintf("entry@%.2f", e.cfg.EntryTrigger),
		DCALevel: 0,
	}, true
}

// highScalp takes an opportunistic late-life entry on the expensive side:
// past the LEVEL entry deadline, a side trading near certainty but still
// under the threshold is usually the resolved outcome. Capped per market,
// and skipped while a scalp on that side is still open.
func (e *Evaluator) highScalp(snap store.MarketContext, timeLeft float64) (types.Signal, bool) {
	if timeLeft >= e.cfg.MinEntryTimeLeft.Seconds() {
		return types.Signal{}, false
	}
	if snap.HighScalpCount >= e.cfg.MaxHighScalps {
		return types.Signal{}, false
	}

	best := types.Outcome("")
	var bestAsk float64
	for _, side := range []types.Outcome{types.YES, types.NO} {
		ask := snap.Ask(side)
		if ask == nil || *ask > e.cfg.HighScalpEntry || *ask <= e.cfg.EntryTrigger {
			continue
		}
		if len(snap.LevelPositions(side)) > 0 || hasOpenHighScalp(snap, side) {
			continue
		}
		if best == "" || *ask > bestAsk {
			best, bestAsk = side, *ask
		}
	}
	if best == "" {
		return types.Signal{}, false
	}

	action := types.ActionEnterYes
	if best == types.NO {
		action = types.ActionEnterNo
	}
	return types.Signal{
		Action:    action,
		Side:      best,
		Size:      e.cfg.ClipSize,
		Price:     bestAsk,
		Reason:    "high-scalp",
		HighScalp: true,
	}, true
}

// ladderSide returns the side holding LEVEL positions. ok is false when
// flat on both (callers handle the both-sides case separately).
func ladderSide(snap store.MarketContext) (types.Outcome, bool) {
	if len(snap.LevelPositions(types.YES)) > 0 {
		return types.YES, true
	}
	if len(snap.LevelPositions(types.NO)) > 0 {
		return types.NO, true
	}
	return "", false
}

// hasOpenHighScalp reports whether a high-scalp position is still open on
// the side.
func hasOpenHighScalp(snap store.MarketContext, side types.Outcome) bool {
	for _, p := range snap.Positions {
		if p.Side == side && p.HighScalp {
			return true
		}
	}
	return false
}

// anyPositionLosing marks each position against its own side's current ask
// (falling back to bid); a mark below entry is a loss. Unquoted positions
// are skipped — they cannot be judged.
func anyPositionLosing(snap store.MarketContext) bool {
	for _, p := range snap.Positions {
		mark := snap.Ask(p.Side)
		if mark == nil {
			mark = snap.Bid(p.Side)
		}
		if mark == nil {
			continue
		}
		if *mark < p.EntryPrice {
			return true
		}
	}
	return false
}
