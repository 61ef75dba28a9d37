package api

import (
	"time"

	"signalbot/internal/risk"
	"signalbot/internal/store"
)

// Deps are the read-only state sources the dashboard aggregates.
type Deps struct {
	Positions  *store.PositionStore
	Stats      *store.StatisticsStore
	Controller *risk.Controller
	Cooldown   *risk.Cooldown
	DryRun     bool
}

// BuildSnapshot aggregates current state into one dashboard snapshot.
func BuildSnapshot(d Deps) DashboardSnapshot {
	snap := DashboardSnapshot{
		Timestamp: time.Now().UTC(),
		Mode:      string(d.Controller.Mode()),
		DryRun:    d.DryRun,
		Cooldown:  newCooldownStatus(d.Cooldown.State()),
	}

	for _, pos := range d.Positions.ListOpen() {
		snap.Positions = append(snap.Positions, newPositionStatus(pos))
		entry := pos.ActualEntry
		if entry <= 0 {
			entry = pos.PlannedEntry
		}
		snap.OpenExposure += pos.RemainingQuantity * entry
	}

	for _, w := range d.Stats.Windows() {
		snap.Statistics = append(snap.Statistics, newWindowSummary(d.Stats.Summarize(w)))
	}
	return snap
}
