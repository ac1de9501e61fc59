// Package risk enforces the portfolio-level limits the engine consults
// before acting:
//
//   - Daily loss:    once realized PnL for the UTC day crosses the limit,
//     the manager latches halted and the engine stops opening positions.
//     Exits and unwinds keep running; the latch clears at the day rollover.
//   - Re-add cooldown: markets dropped on a permanent venue error cannot
//     be re-added until the cooldown passes.
//
// It also accumulates the session statistics (trade counts, win rate,
// realized PnL) surfaced in bot_status events and the dashboard.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"polyscalp/internal/config"
)

// Manager tracks realized PnL and enforces the daily loss halt. All
// methods are safe for concurrent use.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu       sync.Mutex
	day      time.Time // UTC midnight the current tallies belong to
	realized float64
	halted   bool

	completedTrades int
	winningTrades   int

	removedAt map[string]time.Time // market ID → removal time (permanent errors)
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		removedAt: make(map[string]time.Time),
	}
}

// RecordTrade books the realized PnL of one completed round-trip and
// updates the daily tallies. Crossing the loss limit latches the halt.
func (rm *Manager) RecordTrade(pnl float64, now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay(now)

	rm.realized += pnl
	rm.completedTrades++
	if pnl > 0 {
		rm.winningTrades++
	}

	if !rm.halted && rm.realized <= -rm.cfg.DailyLossLimit {
		rm.halted = true
		rm.logger.Error("daily loss limit breached, halting new entries",
			"realized_pnl", rm.realized,
			"limit", rm.cfg.DailyLossLimit,
		)
	}
}

// Halted reports whether the daily loss latch is engaged. The latch
// clears at the next UTC day rollover.
func (rm *Manager) Halted(now time.Time) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay(now)
	return rm.halted
}

// MarkRemoved records that a market was dropped on a permanent venue
// error, starting its re-add cooldown.
func (rm *Manager) MarkRemoved(marketID string, now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.removedAt[marketID] = now
}

// ReAddAllowed reports whether a market's re-add cooldown has passed.
// Markets never marked removed are always allowed.
func (rm *Manager) ReAddAllowed(marketID string, now time.Time) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	removed, ok := rm.removedAt[marketID]
	if !ok {
		return true
	}
	if now.Sub(removed) >= rm.cfg.ReAddCooldown {
		delete(rm.removedAt, marketID)
		return true
	}
	return false
}

// Stats is the session summary surfaced in status events.
type Stats struct {
	RealizedPnL     float64 `json:"realized_pnl"`
	CompletedTrades int     `json:"completed_trades"`
	WinningTrades   int     `json:"winning_trades"`
	WinRate         float64 `json:"win_rate"` // 0..1, zero when no trades
	Halted          bool    `json:"halted"`
}

// Snapshot returns the current session statistics.
func (rm *Manager) Snapshot(now time.Time) Stats {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay(now)

	s := Stats{
		RealizedPnL:     rm.realized,
		CompletedTrades: rm.completedTrades,
		WinningTrades:   rm.winningTrades,
		Halted:          rm.halted,
	}
	if rm.completedTrades > 0 {
		s.WinRate = float64(rm.winningTrades) / float64(rm.completedTrades)
	}
	return s
}

// rollDay resets tallies and the halt latch when now has crossed into a
// new UTC day. Callers hold rm.mu.
func (rm *Manager) rollDay(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.Equal(rm.day) {
		return
	}
	if !rm.day.IsZero() {
		rm.logger.Info("daily risk tallies reset",
			"previous_realized_pnl", rm.realized,
			"previous_trades", rm.completedTrades,
		)
	}
	rm.day = day
	rm.realized = 0
	rm.completedTrades = 0
	rm.winningTrades = 0
	rm.halted = false
}
