package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/market-sync/internal/model"
)

// MemoryStore implements Store with in-memory maps. It is the default
// mirror; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[int64]*model.MarketSummary
	orders   map[int64][]model.Order
	trades   map[int64][]model.Trade
	tradeIDs map[string]struct{}
	global   *model.GlobalState

	// Time of the newest trade seen per market and direction.
	lastTradeAt map[tradeKey]time.Time
}

type tradeKey struct {
	market    int64
	direction model.Direction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[int64]*model.MarketSummary),
		orders:   make(map[int64][]model.Order),
		trades:   make(map[int64][]model.Trade),
		tradeIDs: make(map[string]struct{}),

		lastTradeAt: make(map[tradeKey]time.Time),
	}
}

func (s *MemoryStore) UpsertMarket(_ context.Context, m model.MarketSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.LastPrice = copyPrices(m.LastPrice)
	if existing, ok := s.markets[m.ID]; ok {
		if len(m.LastPrice) == 0 {
			m.LastPrice = copyPrices(existing.LastPrice)
		}
		if m.Volume.IsZero() {
			m.Volume = existing.Volume
		}
	}
	s.markets[m.ID] = &m
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id int64) (*model.MarketSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	// Return a copy to avoid external mutation.
	out := *m
	out.LastPrice = copyPrices(m.LastPrice)
	return &out, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.MarketSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.MarketSummary, 0, len(s.markets))
	for _, m := range s.markets {
		out := *m
		out.LastPrice = copyPrices(m.LastPrice)
		markets = append(markets, out)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) SetLastPrice(_ context.Context, marketID int64, d model.Direction, p model.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("market %d: %w", marketID, ErrNotFound)
	}
	if m.LastPrice == nil {
		m.LastPrice = make(map[model.Direction]model.Price, 2)
	}
	m.LastPrice[d] = p
	return nil
}

func (s *MemoryStore) ReplaceOrders(_ context.Context, marketID int64, orders []model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[marketID] = append([]model.Order(nil), orders...)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, marketID int64) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Order(nil), s.orders[marketID]...), nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.tradeIDs[t.ID]; dup {
		return nil
	}
	s.tradeIDs[t.ID] = struct{}{}
	s.trades[t.MarketID] = append(s.trades[t.MarketID], *t)

	newest := true
	if t.Direction.Valid() {
		key := tradeKey{t.MarketID, t.Direction}
		if seen, ok := s.lastTradeAt[key]; ok && t.CreatedAt.Before(seen) {
			newest = false
		} else {
			s.lastTradeAt[key] = t.CreatedAt
		}
	}

	if m, ok := s.markets[t.MarketID]; ok {
		m.Volume = m.Volume.Add(t.Amount)
		// Trades can arrive out of order; only the newest sets the price.
		if t.Direction.Valid() && newest {
			if m.LastPrice == nil {
				m.LastPrice = make(map[model.Direction]model.Price, 2)
			}
			m.LastPrice[t.Direction] = t.Price
		}
	}
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, marketID int64, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tape := s.trades[marketID]
	out := make([]model.Trade, 0, len(tape))
	for i := len(tape) - 1; i >= 0; i-- {
		out = append(out, tape[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetGlobal(_ context.Context, g model.GlobalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.global = &g
	return nil
}

func (s *MemoryStore) GetGlobal(_ context.Context) (model.GlobalState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.global == nil {
		return model.GlobalState{}, fmt.Errorf("global state: %w", ErrNotFound)
	}
	return *s.global, nil
}

func copyPrices(src map[model.Direction]model.Price) map[model.Direction]model.Price {
	if src == nil {
		return nil
	}
	out := make(map[model.Direction]model.Price, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
