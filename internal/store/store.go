// Package store owns the per-market runtime state the engine and strategy
// operate on. It is a thread-safe registry of MarketContext keyed by market
// ID: a coarse lock guards the map spine, a per-context lock guards each
// context's mutable fields, so distinct markets evaluate in parallel.
//
// The evaluator never touches live contexts; it reads deep-copy snapshots
// taken under the per-context lock. Nothing here is persisted — the process
// restarts with empty markets.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"polyscalp/pkg/types"
)

// MarketContext is the mutable runtime state for one active market.
// Access only through Store.Update / Store.Snapshot.
type MarketContext struct {
	Descriptor types.MarketDescriptor

	// Latest top of book per side. Nil until the first quote arrives, and
	// again while the book is resyncing.
	YesPrice *float64 // best YES ask
	NoPrice  *float64 // best NO ask
	YesBid   *float64
	NoBid    *float64

	// Positions is the single source of truth for holdings; every counter
	// below except CompletedCycles and HighScalpCount is derived from it.
	Positions []types.Position

	// CompletedCycles counts full LEVEL round-trips. It increments exactly
	// when the last non-high-scalp position closes.
	CompletedCycles int

	// HighScalpCount counts opportunistic entries ever made in this market
	// (open or closed) against the per-market cap.
	HighScalpCount int

	// ActiveTPOrders maps resting take-profit order IDs to the side whose
	// ladder they exit.
	ActiveTPOrders map[string]types.Outcome

	LastSignalTime time.Time

	// Quarantined markets produce no further signals; set on invariant
	// violations, cleared only by removing and re-adding the market.
	Quarantined      bool
	QuarantineReason string
}

// clone returns a deep copy of the context.
func (c *MarketContext) clone() MarketContext {
	cp := *c
	cp.Positions = append([]types.Position(nil), c.Positions...)
	cp.ActiveTPOrders = make(map[string]types.Outcome, len(c.ActiveTPOrders))
	for id, side := range c.ActiveTPOrders {
		cp.ActiveTPOrders[id] = side
	}
	return cp
}

// LevelPositions returns the non-high-scalp positions on a side, in entry
// order.
func (c *MarketContext) LevelPositions(side types.Outcome) []types.Position {
	var out []types.Position
	for _, p := range c.Positions {
		if p.Side == side && !p.HighScalp {
			out = append(out, p)
		}
	}
	return out
}

// LadderSize returns the total LEVEL size held on a side.
func (c *MarketContext) LadderSize(side types.Outcome) float64 {
	var sum float64
	for _, p := range c.LevelPositions(side) {
		sum += p.Size
	}
	return sum
}

// AvgEntry returns the size-weighted average entry price of the LEVEL
// ladder on a side. ok is false when the ladder is empty.
func (c *MarketContext) AvgEntry(side types.Outcome) (float64, bool) {
	var cost, size float64
	for _, p := range c.LevelPositions(side) {
		cost += p.Cost()
		size += p.Size
	}
	if size == 0 {
		return 0, false
	}
	return cost / size, true
}

// FirstEntryPrice returns the entry price of the side's dca_level-0
// position. ok is false when no initial entry exists.
func (c *MarketContext) FirstEntryPrice(side types.Outcome) (float64, bool) {
	for _, p := range c.Positions {
		if p.Side == side && !p.HighScalp && p.DCALevel == 0 {
			return p.EntryPrice, true
		}
	}
	return 0, false
}

// HasLevelPositions reports whether any non-high-scalp position is open.
func (c *MarketContext) HasLevelPositions() bool {
	for _, p := range c.Positions {
		if !p.HighScalp {
			return true
		}
	}
	return false
}

// TPOrderIDs returns the resting TP order IDs for a side, sorted for
// deterministic iteration.
func (c *MarketContext) TPOrderIDs(side types.Outcome) []string {
	var ids []string
	for id, s := range c.ActiveTPOrders {
		if s == side {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AllTPOrderIDs returns every resting TP order ID, sorted.
func (c *MarketContext) AllTPOrderIDs() []string {
	ids := make([]string, 0, len(c.ActiveTPOrders))
	for id := range c.ActiveTPOrders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ask returns the latest best ask for a side; nil means no quote.
func (c *MarketContext) Ask(side types.Outcome) *float64 {
	if side == types.YES {
		return c.YesPrice
	}
	return c.NoPrice
}

// Bid returns the latest best bid for a side; nil means no quote.
func (c *MarketContext) Bid(side types.Outcome) *float64 {
	if side == types.YES {
		return c.YesBid
	}
	return c.NoBid
}

// PositionSummary renders holdings compactly for status events,
// e.g. "YES x20 @0.29, NO(hs) x10 @0.89". Empty string when flat.
func (c *MarketContext) PositionSummary() string {
	if len(c.Positions) == 0 {
		return ""
	}

	type bucket struct {
		size, cost float64
	}
	var yes, no, yesHS, noHS bucket
	for _, p := range c.Positions {
		b := &yes
		switch {
		case p.Side == types.YES && p.HighScalp:
			b = &yesHS
		case p.Side == types.NO && !p.HighScalp:
			b = &no
		case p.Side == types.NO && p.HighScalp:
			b = &noHS
		}
		b.size += p.Size
		b.cost += p.Cost()
	}

	var parts []string
	add := func(label string, b bucket) {
		if b.size > 0 {
			parts = append(parts, fmt.Sprintf("%s x%g @%.2f", label, b.size, b.cost/b.size))
		}
	}
	add("YES", yes)
	add("NO", no)
	add("YES(hs)", yesHS)
	add("NO(hs)", noHS)
	return strings.Join(parts, ", ")
}

// Store is the thread-safe MarketContext registry.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	ctx MarketContext
}

// New creates an empty store.
func New() *Store {
	return &Store{contexts: make(map[string]*entry)}
}

// Add registers a new market. Returns an error if the ID already exists.
func (s *Store) Add(desc types.MarketDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[desc.MarketID]; ok {
		return fmt.Errorf("market %s already exists", desc.MarketID)
	}
	s.contexts[desc.MarketID] = &entry{
		ctx: MarketContext{
			Descriptor:     desc,
			ActiveTPOrders: make(map[string]types.Outcome),
		},
	}
	return nil
}

// Remove deletes a market. Reports whether it existed.
func (s *Store) Remove(marketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[marketID]; !ok {
		return false
	}
	delete(s.contexts, marketID)
	return true
}

// Len returns the number of registered markets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// MarketIDs returns the registered IDs, sorted.
func (s *Store) MarketIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// QuarantinedCount returns how many registered markets are quarantined.
func (s *Store) QuarantinedCount() int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.contexts))
	for _, e := range s.contexts {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var n int
	for _, e := range entries {
		e.mu.Lock()
		if e.ctx.Quarantined {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Update runs fn with exclusive access to the market's live context.
// Reports whether the market exists.
func (s *Store) Update(marketID string, fn func(*MarketContext)) bool {
	s.mu.RLock()
	e := s.contexts[marketID]
	s.mu.RUnlock()

	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.ctx)
	return true
}

// Snapshot returns a deep copy of the market's context taken under its
// lock. Safe to read (and discard) from any goroutine.
func (s *Store) Snapshot(marketID string) (MarketContext, bool) {
	s.mu.RLock()
	e := s.contexts[marketID]
	s.mu.RUnlock()

	if e == nil {
		return MarketContext{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx.clone(), true
}

// SnapshotAll returns deep copies of every context, ordered by market ID.
func (s *Store) SnapshotAll() []MarketContext {
	ids := s.MarketIDs()
	out := make([]MarketContext, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}
