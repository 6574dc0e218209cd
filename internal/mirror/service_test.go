package mirror_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sync/internal/mirror"
	"github.com/atmx/market-sync/internal/model"
	"github.com/atmx/market-sync/internal/position"
	"github.com/atmx/market-sync/internal/store"
	"github.com/atmx/market-sync/internal/stream"
	"github.com/atmx/market-sync/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeVenue serves canned snapshots. A non-nil err field fails that call.
type fakeVenue struct {
	markets  []model.MarketSummary
	orders   []model.Order
	trades   []model.Trade
	balances []model.Balance
	global   model.GlobalState

	ordersErr, tradesErr error

	orderFilters []venue.OrderFilter
}

func (v *fakeVenue) ListMarkets(context.Context) ([]model.MarketSummary, error) {
	return v.markets, nil
}

func (v *fakeVenue) ListOrders(_ context.Context, f venue.OrderFilter) ([]model.Order, error) {
	v.orderFilters = append(v.orderFilters, f)
	if v.ordersErr != nil {
		return nil, v.ordersErr
	}
	return v.orders, nil
}

func (v *fakeVenue) ListTrades(context.Context, venue.TradeFilter) ([]model.Trade, error) {
	if v.tradesErr != nil {
		return nil, v.tradesErr
	}
	return v.trades, nil
}

func (v *fakeVenue) GetGlobal(context.Context) (model.GlobalState, error) {
	return v.global, nil
}

func (v *fakeVenue) ListBalances(context.Context, model.PlayerID) ([]model.Balance, error) {
	return v.balances, nil
}

// newTestEnv creates a Service over an in-memory store and a mock feed
// that only advances when stepped.
func newTestEnv(t *testing.T, v mirror.Venue) (*mirror.Service, *stream.MockFeed, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	feed := stream.NewMockFeed(stream.MockConfig{Markets: []int64{1}, Interval: time.Hour, Seed: 7})
	svc := mirror.NewService(ms, v, feed, nil, mirror.Options{})

	r := chi.NewRouter()
	r.Get("/health", svc.Health)
	r.Route("/api/v1", svc.Routes)
	t.Cleanup(svc.Stop)
	return svc, feed, ms, r
}

func get(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func globalTick(ms *store.MemoryStore, tick int64) func() bool {
	return func() bool {
		g, err := ms.GetGlobal(context.Background())
		return err == nil && g.Tick == tick
	}
}

// --- Stream mirroring ---

func TestService_MirrorsFeed(t *testing.T) {
	svc, feed, ms, router := newTestEnv(t, nil)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// The global tick is published last in a step, so everything before
	// it has been applied once it shows up.
	waitFor(t, "first tick", globalTick(ms, 1))

	w := get(t, router, "/api/v1/markets")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var markets []model.MarketSummary
	json.NewDecoder(w.Body).Decode(&markets)
	if len(markets) != 1 || markets[0].ID != 1 || markets[0].Asset != "MOCK" {
		t.Fatalf("unexpected markets %+v", markets)
	}
	up, down := markets[0].LastPrice[model.Up], markets[0].LastPrice[model.Down]
	if up == 0 || up+down != model.PriceScale {
		t.Errorf("expected complementary last prices, got up=%d down=%d", up, down)
	}

	w = get(t, router, "/api/v1/markets/1/book?depth=3")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var book mirror.BookResponse
	json.NewDecoder(w.Body).Decode(&book)
	if book.MarketID != 1 || book.Direction != model.Up {
		t.Errorf("unexpected book header %+v", book)
	}
	if len(book.Bids) != 3 || len(book.Asks) != 3 {
		t.Errorf("expected 3 levels per side, got %d bids %d asks", len(book.Bids), len(book.Asks))
	}
	if !book.Spread.Valid || !book.Spread.Decimal.Equal(d(200)) {
		t.Errorf("expected spread 200, got %+v", book.Spread)
	}

	// The mock only quotes the Up side.
	w = get(t, router, "/api/v1/markets/1/book?direction=Down")
	book = mirror.BookResponse{}
	json.NewDecoder(w.Body).Decode(&book)
	if len(book.Bids) != 0 || len(book.Asks) != 0 || book.Spread.Valid {
		t.Errorf("expected an empty Down book, got %+v", book)
	}

	feed.Step()
	waitFor(t, "second tick", globalTick(ms, 2))

	w = get(t, router, "/api/v1/global")
	var g model.GlobalState
	json.NewDecoder(w.Body).Decode(&g)
	if w.Code != http.StatusOK || g.Tick != 2 {
		t.Errorf("GET /global = %d %+v", w.Code, g)
	}
}

func TestService_HealthReflectsFeedState(t *testing.T) {
	svc, _, ms, router := newTestEnv(t, nil)

	var body struct {
		Status string       `json:"status"`
		Feed   stream.Stats `json:"feed"`
	}
	json.NewDecoder(get(t, router, "/health").Body).Decode(&body)
	if body.Status != "degraded" || body.Feed.StateName != "idle" {
		t.Errorf("before start: %+v", body)
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first tick", globalTick(ms, 1))

	json.NewDecoder(get(t, router, "/health").Body).Decode(&body)
	if body.Status != "ok" || body.Feed.StateName != "open" || body.Feed.ActiveChannels != 6 {
		t.Errorf("after start: %+v", body)
	}
}

func TestService_StartTwice(t *testing.T) {
	svc, _, _, _ := newTestEnv(t, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Error("expected second Start to fail")
	}
}

// --- Seeding ---

func TestSeed_LoadsSnapshots(t *testing.T) {
	v := &fakeVenue{
		markets: []model.MarketSummary{{
			Market:    model.Market{ID: 3, Status: model.MarketActive},
			LastPrice: map[model.Direction]model.Price{model.Up: 6000},
		}},
		orders: []model.Order{{ID: "o1", MarketID: 3, Type: model.LimitBuy, Status: model.OrderActive, Price: 5900, TotalAmount: d(5)}},
		trades: []model.Trade{{ID: "t1", MarketID: 3, Price: 6000, Amount: d(2), Direction: model.Up}},
		global: model.GlobalState{Tick: 42, FeePool: d(3.5)},
	}
	svc, _, ms, router := newTestEnv(t, v)
	ctx := context.Background()

	if err := svc.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if len(v.orderFilters) != 1 || v.orderFilters[0].MarketID == nil || *v.orderFilters[0].MarketID != 3 ||
		v.orderFilters[0].Status != model.OrderActive {
		t.Errorf("unexpected order filters %+v", v.orderFilters)
	}
	m, err := ms.GetMarket(ctx, 3)
	if err != nil || m.LastPrice[model.Up] != 6000 || !m.Volume.Equal(d(2)) {
		t.Errorf("GetMarket = %+v, %v", m, err)
	}
	if g, _ := ms.GetGlobal(ctx); g.Tick != 42 {
		t.Errorf("expected tick 42, got %d", g.Tick)
	}

	w := get(t, router, "/api/v1/markets/3/trades")
	var trades []model.Trade
	json.NewDecoder(w.Body).Decode(&trades)
	if w.Code != http.StatusOK || len(trades) != 1 || trades[0].ID != "t1" {
		t.Errorf("GET trades = %d %+v", w.Code, trades)
	}

	w = get(t, router, "/api/v1/markets/3/book")
	var book mirror.BookResponse
	json.NewDecoder(w.Body).Decode(&book)
	if len(book.Bids) != 1 || book.Bids[0].Price != 5900 || !book.Bids[0].Amount.Equal(d(5)) {
		t.Errorf("unexpected bids %+v", book.Bids)
	}
	if book.MidPrice.Valid {
		t.Error("one-sided book must have no mid price")
	}
}

func TestSeed_DegradedSnapshotKeepsTheRest(t *testing.T) {
	v := &fakeVenue{
		markets:   []model.MarketSummary{{Market: model.Market{ID: 3}}},
		orders:    []model.Order{{ID: "o1", MarketID: 3, Type: model.LimitSell, Status: model.OrderActive, Price: 6100, TotalAmount: d(1)}},
		tradesErr: &venue.StatusError{Endpoint: "trades", Code: http.StatusServiceUnavailable},
		global:    model.GlobalState{Tick: 1},
	}
	svc, _, ms, _ := newTestEnv(t, v)
	ctx := context.Background()

	err := svc.Seed(ctx)
	if !errors.Is(err, venue.ErrStatus) {
		t.Fatalf("expected ErrStatus in seed error, got %v", err)
	}
	if orders, _ := ms.ListOrders(ctx, 3); len(orders) != 1 {
		t.Errorf("orders should still be seeded, got %+v", orders)
	}
	if _, err := ms.GetGlobal(ctx); err != nil {
		t.Errorf("global should still be seeded: %v", err)
	}
}

// --- Positions ---

func TestGetPositions(t *testing.T) {
	player := model.PlayerID{A: "a", B: "b"}
	v := &fakeVenue{
		markets: []model.MarketSummary{{
			Market:    model.Market{ID: 3, Status: model.MarketActive},
			LastPrice: map[model.Direction]model.Price{model.Up: 5000},
		}},
		orders: []model.Order{
			{ID: "o1", PlayerID: player, MarketID: 3, Type: model.LimitBuy, Status: model.OrderFilled, Price: 4000, TotalAmount: d(10), FilledAmount: d(10)},
		},
		trades: []model.Trade{
			{ID: "t1", MarketID: 3, BuyOrderID: "o1", SellOrderID: "x", Price: 4000, Amount: d(10), Direction: model.Up, CreatedAt: time.Now().UTC()},
		},
		balances: []model.Balance{{PlayerID: player, TokenIndex: model.TokenFor(3, model.Up), Balance: d(10)}},
	}
	svc, _, _, router := newTestEnv(t, v)
	if err := svc.Seed(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := get(t, router, "/api/v1/positions/a:b")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p position.Portfolio
	json.NewDecoder(w.Body).Decode(&p)

	if p.Player != "a:b" || len(p.Ledgers) != 1 {
		t.Fatalf("unexpected portfolio %+v", p)
	}
	l := p.Ledgers[0]
	if l.MarketID != 3 || l.Direction != model.Up || !l.NetShares.Equal(d(10)) {
		t.Errorf("unexpected ledger %+v", l)
	}
	if !p.TotalCost.Equal(d(4)) || !p.TotalValue.Equal(d(5)) || !p.UnrealizedPnL.Equal(d(1)) {
		t.Errorf("cost=%s value=%s pnl=%s, want 4 5 1", p.TotalCost, p.TotalValue, p.UnrealizedPnL)
	}
}

func TestGetPositions_Errors(t *testing.T) {
	_, _, _, noVenue := newTestEnv(t, nil)
	if w := get(t, noVenue, "/api/v1/positions/a:b"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("without venue: expected 503, got %d", w.Code)
	}

	v := &fakeVenue{ordersErr: errors.New("connection refused")}
	_, _, _, router := newTestEnv(t, v)
	if w := get(t, router, "/api/v1/positions/nocolon"); w.Code != http.StatusBadRequest {
		t.Errorf("bad player: expected 400, got %d", w.Code)
	}
	if w := get(t, router, "/api/v1/positions/a:b"); w.Code != http.StatusBadGateway {
		t.Errorf("venue down: expected 502, got %d", w.Code)
	}
}

func TestGetPositions_LogsThroughServiceLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	feed := stream.NewMockFeed(stream.MockConfig{Markets: []int64{1}, Interval: time.Hour, Seed: 7})
	svc := mirror.NewService(store.NewMemoryStore(), &fakeVenue{}, feed, nil, mirror.Options{Logger: logger})
	t.Cleanup(svc.Stop)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	if w := get(t, r, "/api/v1/positions/a:b"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "positions reconstructed") {
			line = l
		}
	}
	if !strings.Contains(line, `"component":"mirror"`) {
		t.Errorf("expected a mirror-scoped log line, got %q", buf.String())
	}
}

// --- Request validation ---

func TestHandlers_Validation(t *testing.T) {
	_, _, _, router := newTestEnv(t, nil)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/markets/abc", http.StatusBadRequest},
		{"/api/v1/markets/9", http.StatusNotFound},
		{"/api/v1/markets/1/book?direction=Sideways", http.StatusBadRequest},
		{"/api/v1/markets/1/book?depth=0", http.StatusBadRequest},
		{"/api/v1/markets/1/book", http.StatusOK},
		{"/api/v1/markets/1/trades?limit=-1", http.StatusBadRequest},
		{"/api/v1/markets/1/trades", http.StatusOK},
		{"/api/v1/global", http.StatusNotFound},
		{"/api/v1/markets", http.StatusOK},
	}
	for _, tt := range tests {
		if w := get(t, router, tt.path); w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d (%s)", tt.path, w.Code, tt.want, w.Body.String())
		}
	}
}
