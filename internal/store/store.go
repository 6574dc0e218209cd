// Package store holds the local mirror of venue snapshots: markets with
// their latest prices, the current resting orders per market, the trade
// tape and the global counters. Implementations include in-memory (the
// default), PostgreSQL (durable archive) and Redis (read-through cache).
package store

import (
	"context"
	"errors"

	"github.com/atmx/market-sync/internal/model"
)

// ErrNotFound is returned when a market or the global snapshot is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the mirror interface.
type Store interface {
	// --- Markets ---

	// UpsertMarket inserts or replaces a market. LastPrice and Volume are
	// kept when the incoming summary leaves them empty.
	UpsertMarket(ctx context.Context, m model.MarketSummary) error

	// GetMarket returns a market by id or ErrNotFound.
	GetMarket(ctx context.Context, id int64) (*model.MarketSummary, error)

	// ListMarkets returns all markets ordered by id.
	ListMarkets(ctx context.Context) ([]model.MarketSummary, error)

	// SetLastPrice records the latest price for one side of a market.
	SetLastPrice(ctx context.Context, marketID int64, d model.Direction, p model.Price) error

	// --- Order books ---

	// ReplaceOrders swaps the resting-order snapshot of a market.
	ReplaceOrders(ctx context.Context, marketID int64, orders []model.Order) error

	// ListOrders returns the current snapshot for a market.
	ListOrders(ctx context.Context, marketID int64) ([]model.Order, error)

	// --- Trade tape (append-only) ---

	// InsertTrade appends a trade. Re-inserting a known id is a no-op.
	// A new trade adds to the market's volume and sets its last price.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTrades returns a market's trades, newest first, at most limit
	// (0 means all).
	ListTrades(ctx context.Context, marketID int64, limit int) ([]model.Trade, error)

	// --- Global counters ---

	SetGlobal(ctx context.Context, g model.GlobalState) error
	GetGlobal(ctx context.Context) (model.GlobalState, error)
}
