// statistics.go is the append-only archive of closed positions, aggregated
// into rolling windows for reporting.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"signalbot/pkg/types"
)

const statisticsFile = "statistics.json"

// statisticsSnapshot is the on-disk layout of statistics.json.
type statisticsSnapshot struct {
	Version int                 `json:"version"`
	Records []types.TradeRecord `json:"records"`
}

// Summary is the aggregate over one rolling window.
type Summary struct {
	Window      string
	Trades      int
	Wins        int
	Losses      int
	WinRate     float64 // wins / (wins + losses), 0 when no decided trades
	RealizedPnL float64
	LargestWin  float64
	LargestLoss float64 // negative or zero
}

// StatisticsStore appends a TradeRecord per closed position and serves
// rolling aggregates. Records older than the longest configured window are
// evicted on append.
type StatisticsStore struct {
	dir     string
	windows map[string]time.Duration

	mu      sync.Mutex
	records []types.TradeRecord
}

// DefaultWindows are the reporting horizons used when none are configured.
func DefaultWindows() map[string]time.Duration {
	return map[string]time.Duration{
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
	}
}

// OpenStatistics creates the store and loads any existing archive.
func OpenStatistics(dir string, windows map[string]time.Duration) (*StatisticsStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if len(windows) == 0 {
		windows = DefaultWindows()
	}

	s := &StatisticsStore{dir: dir, windows: windows}

	data, err := os.ReadFile(filepath.Join(dir, statisticsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read statistics: %w", err)
	}
	var snap statisticsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal statistics: %w", err)
	}
	s.records = snap.Records
	return s, nil
}

// Record archives one closed position.
func (s *StatisticsStore) Record(rec types.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	s.evict(time.Now())
	return s.persist()
}

// evict drops records older than the longest window. Callers hold the mutex.
func (s *StatisticsStore) evict(now time.Time) {
	var longest time.Duration
	for _, w := range s.windows {
		if w > longest {
			longest = w
		}
	}
	cutoff := now.Add(-longest)

	kept := s.records[:0]
	for _, r := range s.records {
		if r.ClosedAt.After(cutoff) {
			kept = append(kept, r)
		}
	}
	s.records = kept
}

func (s *StatisticsStore) persist() error {
	// Stable order keeps the file diffable across restarts.
	sort.Slice(s.records, func(i, j int) bool {
		return s.records[i].ClosedAt.Before(s.records[j].ClosedAt)
	})

	snap := statisticsSnapshot{Version: 1, Records: s.records}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}

	path := filepath.Join(s.dir, statisticsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write statistics: %w", err)
	}
	return os.Rename(tmp, path)
}

// SessionPnL sums realized PnL of records closed at or after start.
// The emergency monitor uses this for the daily-loss limit.
func (s *StatisticsStore) SessionPnL(start time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pnl float64
	for _, r := range s.records {
		if !r.ClosedAt.Before(start) {
			pnl += r.RealizedPnL
		}
	}
	return pnl
}

// Windows lists the configured window names.
func (s *StatisticsStore) Windows() []string {
	names := make([]string, 0, len(s.windows))
	for name := range s.windows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summarize aggregates the named window. Unknown names return a zero
// summary with the name echoed back.
func (s *StatisticsStore) Summarize(window string) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{Window: window}
	span, ok := s.windows[window]
	if !ok {
		return sum
	}
	cutoff := time.Now().Add(-span)

	for _, r := range s.records {
		if r.ClosedAt.Before(cutoff) {
			continue
		}
		sum.Trades++
		sum.RealizedPnL += r.RealizedPnL
		switch {
		case r.RealizedPnL > 0:
			sum.Wins++
			if r.RealizedPnL > sum.LargestWin {
				sum.LargestWin = r.RealizedPnL
			}
		case r.RealizedPnL < 0:
			sum.Losses++
			if r.RealizedPnL < sum.LargestLoss {
				sum.LargestLoss = r.RealizedPnL
			}
		}
	}
	if decided := sum.Wins + sum.Losses; decided > 0 {
		sum.WinRate = float64(sum.Wins) / float64(decided)
	}
	return sum
}
