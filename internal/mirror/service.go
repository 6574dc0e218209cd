// Package mirror keeps a local copy of the venue's markets, books, trades
// and counters. It seeds from REST snapshots, applies stream updates as
// they arrive, and serves the result over a small read API plus a
// WebSocket fan-out for local UIs.
//
// Stream handlers run on the feed's event loop and must not block, so
// updates are queued and applied by a single worker goroutine.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/market-sync/internal/metrics"
	"github.com/atmx/market-sync/internal/model"
	"github.com/atmx/market-sync/internal/orderbook"
	"github.com/atmx/market-sync/internal/position"
	"github.com/atmx/market-sync/internal/store"
	"github.com/atmx/market-sync/internal/stream"
	"github.com/atmx/market-sync/internal/transport"
	"github.com/atmx/market-sync/internal/venue"
)

// Venue is the part of the venue REST client the mirror uses.
type Venue interface {
	ListMarkets(ctx context.Context) ([]model.MarketSummary, error)
	ListOrders(ctx context.Context, f venue.OrderFilter) ([]model.Order, error)
	ListTrades(ctx context.Context, f venue.TradeFilter) ([]model.Trade, error)
	GetGlobal(ctx context.Context) (model.GlobalState, error)
	ListBalances(ctx context.Context, player model.PlayerID) ([]model.Balance, error)
}

var _ Venue = (*venue.Client)(nil)

// Options tunes a Service. Zero values pick defaults.
type Options struct {
	Depth     int
	QueueSize int
	Logger    *slog.Logger
}

const (
	defaultQueueSize  = 1024
	defaultTradeLimit = 50
)

type update struct {
	kind  string
	apply func(ctx context.Context) error
	msg   HubMessage
}

// Service mirrors one feed into a store.
type Service struct {
	store  store.Store
	venue  Venue
	feed   stream.Feed
	hub    *Hub // optional
	depth  int
	logger *slog.Logger

	updates chan update

	mu      sync.Mutex
	unsubs  []stream.Unsubscribe
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewService creates a mirror service. Pass nil for hub if WebSocket
// fan-out is not needed, and nil for v when no REST endpoint is available
// (seeding and position queries are then unavailable).
func NewService(st store.Store, v Venue, feed stream.Feed, hub *Hub, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Depth <= 0 {
		opts.Depth = orderbook.DefaultDepth
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Service{
		store:   st,
		venue:   v,
		feed:    feed,
		hub:     hub,
		depth:   opts.Depth,
		logger:  logger.With("component", "mirror"),
		updates: make(chan update, opts.QueueSize),
	}
}

// Seed loads REST snapshots into the store. Each failed fetch is logged as
// degraded data and skipped; the joined errors are returned for the caller
// to report.
func (s *Service) Seed(ctx context.Context) error {
	if s.venue == nil {
		return nil
	}
	var errs []error
	degraded := func(what string, err error, args ...any) {
		s.logger.Warn("snapshot unavailable, serving degraded data",
			append([]any{"snapshot", what, "err", err}, args...)...)
		errs = append(errs, fmt.Errorf("%s: %w", what, err))
	}

	markets, err := s.venue.ListMarkets(ctx)
	if err != nil {
		degraded("markets", err)
	}
	for _, m := range markets {
		if err := s.store.UpsertMarket(ctx, m); err != nil {
			degraded("markets", err, "market", m.ID)
			continue
		}
		id := m.ID
		orders, err := s.venue.ListOrders(ctx, venue.OrderFilter{MarketID: &id, Status: model.OrderActive})
		if err != nil {
			degraded("orders", err, "market", id)
		} else if err := s.store.ReplaceOrders(ctx, id, orders); err != nil {
			degraded("orders", err, "market", id)
		}

		trades, err := s.venue.ListTrades(ctx, venue.TradeFilter{MarketID: &id})
		if err != nil {
			degraded("trades", err, "market", id)
			continue
		}
		for i := range trades {
			if err := s.store.InsertTrade(ctx, &trades[i]); err != nil {
				degraded("trades", err, "market", id, "trade", trades[i].ID)
				break
			}
		}
	}

	g, err := s.venue.GetGlobal(ctx)
	if err != nil {
		degraded("global", err)
	} else if err := s.store.SetGlobal(ctx, g); err != nil {
		degraded("global", err)
	}

	s.logger.Info("mirror seeded", "markets", len(markets), "failures", len(errs))
	return errors.Join(errs...)
}

// Start subscribes to every mirrored channel, starts the apply worker and
// connects the feed. A connect error is returned, but the worker keeps
// running and the feed keeps reconnecting on its own.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("mirror: already started")
	}
	wctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.unsubs = []stream.Unsubscribe{
		s.feed.SubscribeAllMarkets(s.onMarket),
		s.feed.SubscribeAllOrderBooks(s.onOrderBook),
		s.feed.SubscribeAllTrades(s.onTrade),
		s.feed.SubscribePrices(s.onPrice),
		s.feed.SubscribeGlobal(s.onGlobal),
		s.feed.SubscribeErrors(s.onError),
	}
	stopped := s.stopped
	s.mu.Unlock()

	go s.run(wctx, stopped)

	if err := s.feed.Connect(ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	return nil
}

// Stop unsubscribes, disconnects the feed and waits for the worker.
// Updates still queued are discarded.
func (s *Service) Stop() {
	s.mu.Lock()
	unsubs, cancel, stopped := s.unsubs, s.cancel, s.stopped
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.feed.Disconnect()
	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (s *Service) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.updates:
			if err := u.apply(ctx); err != nil {
				metrics.MirrorUpdates.WithLabelValues(u.kind, "failed").Inc()
				level := slog.LevelWarn
				if errors.Is(err, store.ErrNotFound) {
					level = slog.LevelDebug
				}
				s.logger.Log(ctx, level, "apply update failed", "kind", u.kind, "market", u.msg.MarketID, "err", err)
				continue
			}
			metrics.MirrorUpdates.WithLabelValues(u.kind, "applied").Inc()
			if s.hub != nil {
				s.hub.Broadcast(u.msg)
			}
		}
	}
}

// enqueue is called on the feed loop and never blocks.
func (s *Service) enqueue(u update) {
	select {
	case s.updates <- u:
	default:
		metrics.MirrorUpdates.WithLabelValues(u.kind, "dropped").Inc()
		s.logger.Warn("mirror queue full, dropping update", "kind", u.kind, "market", u.msg.MarketID)
	}
}

func (s *Service) onMarket(m model.Market) {
	s.enqueue(update{
		kind: "market",
		apply: func(ctx context.Context) error {
			return s.store.UpsertMarket(ctx, model.MarketSummary{Market: m})
		},
		msg: HubMessage{Type: "market", MarketID: m.ID, Data: m},
	})
}

func (s *Service) onOrderBook(u stream.OrderBookUpdate) {
	ladders := map[model.Direction]orderbook.Ladder{
		model.Up:   orderbook.Aggregate(orderbook.ForDirection(u.Orders, model.Up), s.depth),
		model.Down: orderbook.Aggregate(orderbook.ForDirection(u.Orders, model.Down), s.depth),
	}
	s.enqueue(update{
		kind: "orderbook",
		apply: func(ctx context.Context) error {
			return s.store.ReplaceOrders(ctx, u.MarketID, u.Orders)
		},
		msg: HubMessage{Type: "orderbook", MarketID: u.MarketID, Data: ladders},
	})
}

func (s *Service) onTrade(t model.Trade) {
	s.enqueue(update{
		kind: "trade",
		apply: func(ctx context.Context) error {
			return s.store.InsertTrade(ctx, &t)
		},
		msg: HubMessage{Type: "trade", MarketID: t.MarketID, Data: t},
	})
}

func (s *Service) onPrice(p stream.PriceUpdate) {
	s.enqueue(update{
		kind: "price",
		apply: func(ctx context.Context) error {
			return s.store.SetLastPrice(ctx, p.MarketID, p.Direction, p.Price)
		},
		msg: HubMessage{Type: "price", MarketID: p.MarketID, Data: p},
	})
}

func (s *Service) onGlobal(g model.GlobalState) {
	s.enqueue(update{
		kind: "global",
		apply: func(ctx context.Context) error {
			return s.store.SetGlobal(ctx, g)
		},
		msg: HubMessage{Type: "global", Data: g},
	})
}

func (s *Service) onError(e stream.ErrorEvent) {
	if errors.Is(e.Err, transport.ErrExhausted) {
		s.logger.Error("stream gave up reconnecting, mirror is stale", "err", e.Err)
		return
	}
	s.logger.Warn("venue error event", "event", e.String())
}

// BuildPortfolio reconstructs a player's positions from the venue's order,
// trade and balance history, marked against markets.
func BuildPortfolio(ctx context.Context, v Venue, markets []model.MarketSummary, player model.PlayerID) (position.Portfolio, error) {
	orders, err := v.ListOrders(ctx, venue.OrderFilter{Player: player})
	if err != nil {
		return position.Portfolio{}, fmt.Errorf("list orders: %w", err)
	}
	trades, err := v.ListTrades(ctx, venue.TradeFilter{Player: player})
	if err != nil {
		return position.Portfolio{}, fmt.Errorf("list trades: %w", err)
	}
	records, err := v.ListBalances(ctx, player)
	if err != nil {
		return position.Portfolio{}, fmt.Errorf("list balances: %w", err)
	}

	states := make(map[int64]position.MarketState, len(markets))
	for _, m := range markets {
		states[m.ID] = position.MarketState{Market: m.Market, LastPrice: m.LastPrice}
	}
	balances := position.BalancesFrom(records)
	res := position.ReconstructAll(position.FillsForPlayer(trades, orders, player), balances, states)
	return position.Summarize(player, res, balances, states), nil
}

// --- HTTP Handlers ---

// Routes mounts the read API. Use with r.Route("/api/v1", svc.Routes).
// The hub's WebSocket endpoint is mounted separately.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/book", s.GetBook)
	r.Get("/markets/{marketID}/trades", s.GetTrades)
	r.Get("/global", s.GetGlobal)
	r.Get("/positions/{player}", s.GetPositions)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.MarketSummary{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	m, err := s.store.GetMarket(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// BookResponse is the JSON body returned from GET /markets/{id}/book.
type BookResponse struct {
	MarketID  int64           `json:"marketId"`
	Direction model.Direction `json:"direction"`
	orderbook.Ladder
}

// GetBook handles GET /api/v1/markets/{marketID}/book?direction=Up&depth=10
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	dir := model.Up
	if v := r.URL.Query().Get("direction"); v != "" {
		dir = model.Direction(v)
		if !dir.Valid() {
			writeError(w, "direction must be Up or Down", http.StatusBadRequest)
			return
		}
	}
	depth := s.depth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "depth must be a positive integer", http.StatusBadRequest)
			return
		}
		depth = n
	}

	orders, err := s.store.ListOrders(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, BookResponse{
		MarketID:  id,
		Direction: dir,
		Ladder:    orderbook.Aggregate(orderbook.ForDirection(orders, dir), depth),
	})
}

// GetTrades handles GET /api/v1/markets/{marketID}/trades?limit=50
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := s.store.ListTrades(r.Context(), id, limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetGlobal handles GET /api/v1/global
func (s *Service) GetGlobal(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGlobal(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "global state not yet received", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GetPositions handles GET /api/v1/positions/{player}
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	player, err := model.ParsePlayerID(chi.URLParam(r, "player"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.venue == nil {
		writeError(w, "venue REST endpoint not configured", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	p, err := BuildPortfolio(ctx, s.venue, markets, player)
	if err != nil {
		s.logger.Warn("position history unavailable", "player", player.String(), "err", err)
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.logger.Info("positions reconstructed",
		"player", player.String(),
		"ledgers", len(p.Ledgers),
		"issues", len(p.Issues),
	)
	writeJSON(w, http.StatusOK, p)
}

// Health handles GET /health. It always answers 200; status reports
// whether the stream is currently open.
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	st := s.feed.Stats()
	status := "ok"
	if st.State != transport.Open {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"feed":   st,
	})
}

// --- Helpers ---

func marketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "marketID"), 10, 64)
	if err != nil {
		writeError(w, "invalid market id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
