package api

import (
	"time"

	"polyscalp/internal/config"
	"polyscalp/internal/events"
	"polyscalp/internal/store"
	"polyscalp/pkg/types"
)

// Controller is the engine surface the dashboard needs: status and state
// reads, the event bus for streaming, and market admission control.
type Controller interface {
	Status() events.BotStatus
	Store() *store.Store
	Bus() *events.Bus
	AddMarket(desc types.MarketDescriptor) error
	RemoveMarket(marketID string, permanent bool) bool
}

// BuildSnapshot aggregates engine state into a dashboard snapshot.
func BuildSnapshot(ctrl Controller, cfg config.Config) Snapshot {
	now := time.Now()

	contexts := ctrl.Store().SnapshotAll()
	markets := make([]MarketStatus, 0, len(contexts))
	for _, mc := range contexts {
		markets = append(markets, newMarketStatus(mc, now))
	}

	return Snapshot{
		Timestamp: now,
		Status:    ctrl.Status(),
		Markets:   markets,
		Config:    NewConfigSummary(cfg),
	}
}
