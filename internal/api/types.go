package api

import (
	"time"

	"polyscalp/internal/config"
	"polyscalp/internal/events"
	"polyscalp/internal/store"
	"polyscalp/pkg/types"
)

// Snapshot is the complete dashboard state returned by /api/snapshot and
// pushed to every WebSocket client on connect.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Bot-level status (same payload as the heartbeat event)
	Status events.BotStatus `json:"status"`

	// Active markets
	Markets []MarketStatus `json:"markets"`

	// Configuration
	Config ConfigSummary `json:"config"`
}

// MarketStatus is the per-market view of book, holdings and lifecycle state.
type MarketStatus struct {
	MarketID    string    `json:"market_id"`
	ConditionID string    `json:"condition_id"`
	Slug        string    `json:"slug"`
	Question    string    `json:"question,omitempty"`
	EndTime     time.Time `json:"end_time"`
	TimeLeftSec float64   `json:"time_left_sec"`

	// Top of book per side; null until the first quote arrives
	YesAsk *float64 `json:"yes_ask"`
	NoAsk  *float64 `json:"no_ask"`
	YesBid *float64 `json:"yes_bid"`
	NoBid  *float64 `json:"no_bid"`

	// Holdings
	Positions       []PositionView `json:"positions"`
	PositionSummary string         `json:"position_summary,omitempty"`
	CompletedCycles int            `json:"completed_cycles"`
	HighScalpCount  int            `json:"high_scalp_count"`

	// Resting take-profit order IDs
	RestingTPs []string `json:"resting_tp_orders,omitempty"`

	Quarantined      bool   `json:"quarantined,omitempty"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`
}

// PositionView is one open position as shown on the dashboard.
type PositionView struct {
	Side       string    `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	DCALevel   int       `json:"dca_level"`
	HighScalp  bool      `json:"high_scalp,omitempty"`
}

// ConfigSummary exposes the strategy and risk knobs the bot is running
// with. Wallet and API credentials never appear here.
type ConfigSummary struct {
	// Strategy parameters
	EntryTrigger        float64 `json:"entry_trigger"`
	DCADrop1            float64 `json:"dca_drop_1"`
	DCADrop2            float64 `json:"dca_drop_2"`
	ClipSize            float64 `json:"clip_size"`
	UnwindTrigger       float64 `json:"unwind_trigger"`
	TPPrice             float64 `json:"tp_price"`
	HighScalpEntry      float64 `json:"high_scalp_entry"`
	MaxCompletedCycles  int     `json:"max_completed_cycles"`
	MaxHighScalps       int     `json:"max_high_scalps"`
	MinEntryTimeLeft    string  `json:"min_entry_time_left"`
	ForceUnwindTimeLeft string  `json:"force_unwind_time_left"`
	ForceExitTimeLeft   string  `json:"force_exit_time_left"`

	// Risk parameters
	MaxConcurrentMarkets int     `json:"max_concurrent_markets"`
	DailyLossLimit       float64 `json:"daily_loss_limit"`
	ReAddCooldown        string  `json:"re_add_cooldown"`

	// Operational
	TradingEnabled bool `json:"trading_enabled"`
}

// NewConfigSummary builds the dashboard config view.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		EntryTrigger:        cfg.Strategy.EntryTrigger,
		DCADrop1:            cfg.Strategy.DCADrop1,
		DCADrop2:            cfg.Strategy.DCADrop2,
		ClipSize:            cfg.Strategy.ClipSize,
		UnwindTrigger:       cfg.Strategy.UnwindTrigger,
		TPPrice:             cfg.Strategy.TPPrice,
		HighScalpEntry:      cfg.Strategy.HighScalpEntry,
		MaxCompletedCycles:  cfg.Strategy.MaxCompletedCycles,
		MaxHighScalps:       cfg.Strategy.MaxHighScalps,
		MinEntryTimeLeft:    cfg.Strategy.MinEntryTimeLeft.String(),
		ForceUnwindTimeLeft: cfg.Strategy.ForceUnwindTimeLeft.String(),
		ForceExitTimeLeft:   cfg.Strategy.ForceExitTimeLeft.String(),

		MaxConcurrentMarkets: cfg.Risk.MaxConcurrentMarkets,
		DailyLossLimit:       cfg.Risk.DailyLossLimit,
		ReAddCooldown:        cfg.Risk.ReAddCooldown.String(),

		TradingEnabled: cfg.TradingEnabled,
	}
}

// newMarketStatus converts a store snapshot into the dashboard view.
func newMarketStatus(mc store.MarketContext, now time.Time) MarketStatus {
	positions := make([]PositionView, 0, len(mc.Positions))
	for _, p := range mc.Positions {
		positions = append(positions, PositionView{
			Side:       string(p.Side),
			Size:       p.Size,
			EntryPrice: p.EntryPrice,
			EntryTime:  p.EntryTime,
			DCALevel:   p.DCALevel,
			HighScalp:  p.HighScalp,
		})
	}

	return MarketStatus{
		MarketID:         mc.Descriptor.MarketID,
		ConditionID:      mc.Descriptor.ConditionID,
		Slug:             mc.Descriptor.Slug,
		Question:         mc.Descriptor.Question,
		EndTime:          mc.Descriptor.EndTime,
		TimeLeftSec:      mc.Descriptor.TimeLeft(now),
		YesAsk:           mc.Ask(types.YES),
		NoAsk:            mc.Ask(types.NO),
		YesBid:           mc.Bid(types.YES),
		NoBid:            mc.Bid(types.NO),
		Positions:        positions,
		PositionSummary:  mc.PositionSummary(),
		CompletedCycles:  mc.CompletedCycles,
		HighScalpCount:   mc.HighScalpCount,
		RestingTPs:       mc.AllTPOrderIDs(),
		Quarantined:      mc.Quarantined,
		QuarantineReason: mc.QuarantineReason,
	}
}
