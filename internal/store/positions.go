// Package store provides crash-safe persistence for positions and trade
// statistics using JSON files.
//
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save: the file on
// disk is always either the previous consistent snapshot or the new one.
// The trader saves after every state transition, and the bot reloads on
// startup to resume managing whatever was open when it died.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"signalbot/pkg/types"
)

const positionsFile = "positions.json"

// positionsSnapshot is the on-disk layout of positions.json.
type positionsSnapshot struct {
	Version   int               `json:"version"`
	Positions []*types.Position `json:"positions"`
}

// PositionStore is a durable map positionID → Position with a secondary
// index symbol → open position ids. All operations are mutex-protected;
// readers receive deep copies, never aliases of live state.
type PositionStore struct {
	dir string

	mu   sync.Mutex
	byID map[string]*types.Position
	open map[string][]string // symbol → ids with status in the open set
}

// OpenPositions creates the store and loads any existing snapshot. The
// secondary index is rebuilt from the primary records.
func OpenPositions(dir string) (*PositionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &PositionStore{
		dir:  dir,
		byID: make(map[string]*types.Position),
		open: make(map[string][]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PositionStore) load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, positionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh store
		}
		return fmt.Errorf("read positions: %w", err)
	}

	var snap positionsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal positions: %w", err)
	}

	for _, p := range snap.Positions {
		s.byID[p.ID] = p
	}
	for _, p := range snap.Positions {
		if p.Status.IsOpen() {
			s.reindex(p.Symbol)
		}
	}
	return nil
}

// Save upserts a position and persists the full snapshot atomically.
// Open-set statuses register in the symbol index; all others leave it.
func (s *PositionStore) Save(p *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[p.ID] = p.Clone()
	s.reindex(p.Symbol)
	return s.persist()
}

// reindex rebuilds the open-id list for one symbol from the primary map,
// ordered oldest first so symbol lookups are deterministic.
func (s *PositionStore) reindex(symbol string) {
	var ids []string
	for id, p := range s.byID {
		if p.Symbol == symbol && p.Status.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.byID[ids[i]], s.byID[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return ids[i] < ids[j]
	})
	if len(ids) == 0 {
		delete(s.open, symbol)
	} else {
		s.open[symbol] = ids
	}
}

// persist writes the snapshot via temp + rename. Callers hold the mutex.
func (s *PositionStore) persist() error {
	snap := positionsSnapshot{Version: 1, Positions: make([]*types.Position, 0, len(s.byID))}
	for _, p := range s.byID {
		snap.Positions = append(snap.Positions, p)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}

	path := filepath.Join(s.dir, positionsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	return os.Rename(tmp, path)
}

// GetByID returns a copy of one position. Second return is false if absent.
func (s *PositionStore) GetByID(id string) (*types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// GetBySymbol returns the open position for a symbol, if any. When the
// duplicate policy allows several per symbol, the oldest by creation time
// wins.
func (s *PositionStore) GetBySymbol(symbol string) (*types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.open[symbol]
	if len(ids) == 0 {
		return nil, false
	}
	return s.byID[ids[0]].Clone(), true
}

// OpenCountBySymbol returns how many open-set positions exist for a symbol.
func (s *PositionStore) OpenCountBySymbol(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open[symbol])
}

// ListOpen returns copies of every open-set position.
func (s *PositionStore) ListOpen() []*types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Position
	for _, ids := range s.open {
		for _, id := range ids {
			out = append(out, s.byID[id].Clone())
		}
	}
	return out
}

// ListAll returns copies of every stored position.
func (s *PositionStore) ListAll() []*types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Position, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p.Clone())
	}
	return out
}

// Delete removes a position. Exposed for tests and administrative reset
// only; normal operation archives closed positions instead.
func (s *PositionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	s.reindex(p.Symbol)
	return s.persist()
}
