package api

import (
	"time"

	"signalbot/pkg/types"
)

// DashboardEvent is the wrapper for everything pushed over the websocket.
type DashboardEvent struct {
	Type      string    `json:"type"` // "snapshot", "position", "close"
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	Data      any       `json:"data"`
}

func newSnapshotEvent(snap DashboardSnapshot) DashboardEvent {
	return DashboardEvent{Type: "snapshot", Timestamp: time.Now().UTC(), Data: snap}
}

func newPositionEvent(pos *types.Position) DashboardEvent {
	return DashboardEvent{
		Type:      "position",
		Timestamp: time.Now().UTC(),
		Symbol:    pos.Symbol,
		Data:      newPositionStatus(pos),
	}
}

func newCloseEvent(pos *types.Position) DashboardEvent {
	return DashboardEvent{
		Type:      "close",
		Timestamp: time.Now().UTC(),
		Symbol:    pos.Symbol,
		Data:      newPositionStatus(pos),
	}
}

// TargetHit implements manager.Notifier: target fills show up as position
// updates on the stream.
func (s *Server) TargetHit(pos *types.Position, _ int, _ float64) {
	s.hub.Broadcast(newPositionEvent(pos))
}

// StopMigrated implements manager.Notifier.
func (s *Server) StopMigrated(pos *types.Position, _, _ float64) {
	s.hub.Broadcast(newPositionEvent(pos))
}

// PositionClosed implements manager.Notifier.
func (s *Server) PositionClosed(pos *types.Position) {
	s.hub.Broadcast(newCloseEvent(pos))
}
