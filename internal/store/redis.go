package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/market-sync/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary. A Redis failure only costs a cache miss.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertMarket(ctx context.Context, m model.MarketSummary) error {
	if err := s.primary.UpsertMarket(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(m.ID), marketsKey)
	return nil
}

func (s *CachedStore) SetLastPrice(ctx context.Context, marketID int64, d model.Direction, p model.Price) error {
	if err := s.primary.SetLastPrice(ctx, marketID, d, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID), marketsKey)
	return nil
}

func (s *CachedStore) ReplaceOrders(ctx context.Context, marketID int64, orders []model.Order) error {
	if err := s.primary.ReplaceOrders(ctx, marketID, orders); err != nil {
		return err
	}
	// The new snapshot is what the next read wants; cache it directly.
	s.cache(ctx, bookKey(marketID), orders)
	return nil
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(t.MarketID), marketsKey)
	return nil
}

func (s *CachedStore) SetGlobal(ctx context.Context, g model.GlobalState) error {
	if err := s.primary.SetGlobal(ctx, g); err != nil {
		return err
	}
	s.cache(ctx, globalKey, g)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id int64) (*model.MarketSummary, error) {
	var m model.MarketSummary
	if s.lookup(ctx, marketKey(id), &m) {
		return &m, nil
	}

	mp, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), mp)
	return mp, nil
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.MarketSummary, error) {
	var markets []model.MarketSummary
	if s.lookup(ctx, marketsKey, &markets) {
		return markets, nil
	}

	markets, err := s.primary.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketsKey, markets)
	return markets, nil
}

func (s *CachedStore) ListOrders(ctx context.Context, marketID int64) ([]model.Order, error) {
	var orders []model.Order
	if s.lookup(ctx, bookKey(marketID), &orders) {
		return orders, nil
	}

	orders, err := s.primary.ListOrders(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, bookKey(marketID), orders)
	return orders, nil
}

func (s *CachedStore) GetGlobal(ctx context.Context) (model.GlobalState, error) {
	var g model.GlobalState
	if s.lookup(ctx, globalKey, &g) {
		return g, nil
	}

	g, err := s.primary.GetGlobal(ctx)
	if err != nil {
		return g, err
	}
	s.cache(ctx, globalKey, g)
	return g, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTrades(ctx context.Context, marketID int64, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, marketID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	marketsKey = "markets"
	globalKey  = "global"
)

func marketKey(id int64) string { return fmt.Sprintf("market:%d", id) }
func bookKey(id int64) string   { return fmt.Sprintf("book:%d", id) }
