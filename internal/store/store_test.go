package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"signalbot/pkg/types"
)

func samplePosition(id, symbol string, status types.PositionStatus) *types.Position {
	return &types.Position{
		ID:                id,
		SignalID:          "sig-" + id,
		Symbol:            symbol,
		Direction:         types.Long,
		Status:            status,
		PlannedEntry:      100,
		ActualEntry:       100.2,
		StopLoss:          95,
		Leverage:          10,
		InitialQuantity:   20,
		RemainingQuantity: 20,
		Targets: []types.Target{
			{Index: 0, Price: 101, Fraction: 0.5, Quantity: 10},
			{Index: 1, Price: 102, Fraction: 0.5, Quantity: 10, MoveStopLossTo: 100},
		},
		TakeProfitOrderIDs: []string{"tp-1", "tp-2"},
		CreatedAt:          time.Now().UTC(),
	}
}

func TestSaveAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := OpenPositions(dir)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}

	pos := samplePosition("p1", "BTCUSDT", types.StatusOpen)
	if err := s.Save(pos); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh store must rebuild primary and secondary state from disk.
	s2, err := OpenPositions(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	loaded, ok := s2.GetByID("p1")
	if !ok {
		t.Fatal("position missing after reload")
	}
	if loaded.Symbol != "BTCUSDT" || loaded.ActualEntry != 100.2 {
		t.Errorf("loaded = %+v, fields differ from saved", loaded)
	}
	if len(loaded.Targets) != 2 || loaded.Targets[1].MoveStopLossTo != 100 {
		t.Errorf("targets not round-tripped: %+v", loaded.Targets)
	}
	bySym, ok := s2.GetBySymbol("BTCUSDT")
	if !ok || bySym.ID != "p1" {
		t.Error("secondary index not rebuilt on load")
	}
}

func TestRoundTripEquality(t *testing.T) {
	t.Parallel()

	// serialize → deserialize preserves every field the manager reads.
	pos := samplePosition("p1", "BTCUSDT", types.StatusPartialClosed)
	pos.RealizedPnL = 12.5
	pos.CloseReason = ""
	pos.Targets[0].Hit = true
	pos.Targets[0].ActualClosePrice = 101.1

	data, err := json.Marshal(pos)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back types.Position
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.ID != pos.ID || back.Status != pos.Status || back.RealizedPnL != pos.RealizedPnL {
		t.Errorf("round trip changed scalar fields: %+v", back)
	}
	if back.Targets[0].ActualClosePrice != 101.1 || !back.Targets[0].Hit {
		t.Errorf("round trip changed target state: %+v", back.Targets[0])
	}
	if len(back.TakeProfitOrderIDs) != 2 {
		t.Errorf("TakeProfitOrderIDs = %v", back.TakeProfitOrderIDs)
	}
}

func TestSecondaryIndexFollowsStatus(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, _ := OpenPositions(dir)

	pos := samplePosition("p1", "ETHUSDT", types.StatusOpen)
	_ = s.Save(pos)

	if _, ok := s.GetBySymbol("ETHUSDT"); !ok {
		t.Fatal("open position not indexed")
	}

	pos.Status = types.StatusClosed
	pos.RemainingQuantity = 0
	pos.CloseReason = types.CloseAllTargetsHit
	_ = s.Save(pos)

	if _, ok := s.GetBySymbol("ETHUSDT"); ok {
		t.Error("closed position still in the open index")
	}
	if _, ok := s.GetByID("p1"); !ok {
		t.Error("closed position dropped from primary map")
	}
}

func TestGetBySymbolReturnsOldest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := OpenPositions(dir)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}

	base := time.Now().UTC()
	// Saved newest first to make map-iteration ordering visible.
	for i, id := range []string{"p3", "p1", "p2"} {
		p := samplePosition(id, "BTCUSDT", types.StatusOpen)
		switch id {
		case "p1":
			p.CreatedAt = base
		case "p2":
			p.CreatedAt = base.Add(time.Minute)
		case "p3":
			p.CreatedAt = base.Add(2 * time.Minute)
		}
		if err := s.Save(p); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	for i := 0; i < 20; i++ {
		got, ok := s.GetBySymbol("BTCUSDT")
		if !ok || got.ID != "p1" {
			t.Fatalf("GetBySymbol = %v, want the oldest p1", got)
		}
	}

	// Same answer after a reload rebuilds the index.
	s2, err := OpenPositions(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, ok := s2.GetBySymbol("BTCUSDT"); !ok || got.ID != "p1" {
		t.Fatalf("GetBySymbol after reload = %v, want p1", got)
	}
}

func TestListOpenExcludesTerminal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, _ := OpenPositions(dir)

	_ = s.Save(samplePosition("p1", "BTCUSDT", types.StatusOpen))
	_ = s.Save(samplePosition("p2", "ETHUSDT", types.StatusPartialClosed))
	_ = s.Save(samplePosition("p3", "SOLUSDT", types.StatusClosed))
	_ = s.Save(samplePosition("p4", "XRPUSDT", types.StatusCancelled))

	open := s.ListOpen()
	if len(open) != 2 {
		t.Errorf("ListOpen returned %d positions, want 2", len(open))
	}
	if all := s.ListAll(); len(all) != 4 {
		t.Errorf("ListAll returned %d positions, want 4", len(all))
	}
}

func TestReadersGetCopies(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, _ := OpenPositions(dir)

	_ = s.Save(samplePosition("p1", "BTCUSDT", types.StatusOpen))

	snap, _ := s.GetByID("p1")
	snap.Targets[0].Hit = true
	snap.RemainingQuantity = 0

	again, _ := s.GetByID("p1")
	if again.Targets[0].Hit || again.RemainingQuantity != 20 {
		t.Error("mutating a read snapshot leaked into the store")
	}
}

func TestCrashSafeSave(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, _ := OpenPositions(dir)
	_ = s.Save(samplePosition("p1", "BTCUSDT", types.StatusOpen))

	// Simulate a crash mid-write: a corrupt temp file must never shadow
	// the durable snapshot.
	tmp := filepath.Join(dir, positionsFile+".tmp")
	if err := os.WriteFile(tmp, []byte(`{"version":1,"posi`), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}

	s2, err := OpenPositions(dir)
	if err != nil {
		t.Fatalf("reopen after simulated crash: %v", err)
	}
	if _, ok := s2.GetByID("p1"); !ok {
		t.Error("previous consistent snapshot lost")
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, _ := OpenPositions(dir)

	_ = s.Save(samplePosition("p1", "BTCUSDT", types.StatusOpen))
	if err := s.Delete("p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.GetByID("p1"); ok {
		t.Error("position present after delete")
	}
	if _, ok := s.GetBySymbol("BTCUSDT"); ok {
		t.Error("symbol index present after delete")
	}
}

func TestStatisticsSummarize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := OpenStatistics(dir, nil)
	if err != nil {
		t.Fatalf("OpenStatistics: %v", err)
	}

	now := time.Now()
	_ = s.Record(types.TradeRecord{
		PositionID: "p1", Symbol: "BTCUSDT", RealizedPnL: 50,
		CloseReason: types.CloseAllTargetsHit, ClosedAt: now,
	})
	_ = s.Record(types.TradeRecord{
		PositionID: "p2", Symbol: "ETHUSDT", RealizedPnL: -20,
		CloseReason: types.CloseStopLossHit, ClosedAt: now,
	})
	_ = s.Record(types.TradeRecord{
		PositionID: "p3", Symbol: "SOLUSDT", RealizedPnL: -5,
		CloseReason: types.CloseStopLossHit, ClosedAt: now.Add(-48 * time.Hour),
	})

	day := s.Summarize("24h")
	if day.Trades != 2 {
		t.Errorf("24h Trades = %d, want 2", day.Trades)
	}
	if day.RealizedPnL != 30 {
		t.Errorf("24h RealizedPnL = %v, want 30", day.RealizedPnL)
	}
	if day.WinRate != 0.5 {
		t.Errorf("24h WinRate = %v, want 0.5", day.WinRate)
	}
	if day.LargestWin != 50 || day.LargestLoss != -20 {
		t.Errorf("extremes = (%v, %v), want (50, -20)", day.LargestWin, day.LargestLoss)
	}

	week := s.Summarize("7d")
	if week.Trades != 3 {
		t.Errorf("7d Trades = %d, want 3", week.Trades)
	}
}

func TestStatisticsEviction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, _ := OpenStatistics(dir, map[string]time.Duration{"24h": 24 * time.Hour})

	_ = s.Record(types.TradeRecord{PositionID: "old", RealizedPnL: 10, ClosedAt: time.Now().Add(-48 * time.Hour)})
	_ = s.Record(types.TradeRecord{PositionID: "new", RealizedPnL: 5, ClosedAt: time.Now()})

	sum := s.Summarize("24h")
	if sum.Trades != 1 || sum.RealizedPnL != 5 {
		t.Errorf("summary = %+v, expected only the fresh record", sum)
	}

	// Reload: the evicted record must be gone from disk too.
	s2, _ := OpenStatistics(dir, map[string]time.Duration{"24h": 24 * time.Hour})
	if got := s2.Summarize("24h"); got.Trades != 1 {
		t.Errorf("after reload Trades = %d, want 1", got.Trades)
	}
}

func TestSessionPnL(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, _ := OpenStatistics(dir, nil)

	start := time.Now().Add(-time.Hour)
	_ = s.Record(types.TradeRecord{PositionID: "before", RealizedPnL: 100, ClosedAt: start.Add(-time.Hour)})
	_ = s.Record(types.TradeRecord{PositionID: "after", RealizedPnL: -40, ClosedAt: time.Now()})

	if pnl := s.SessionPnL(start); pnl != -40 {
		t.Errorf("SessionPnL = %v, want -40", pnl)
	}
}
