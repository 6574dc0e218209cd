package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/market-sync/internal/model"
	"github.com/atmx/market-sync/internal/orderbook"
	"github.com/atmx/market-sync/internal/transport"
)

func newTestMock(t *testing.T, seed int64) *MockFeed {
	t.Helper()
	f := NewMockFeed(MockConfig{Markets: []int64{1}, Interval: time.Hour, Seed: seed})
	t.Cleanup(f.Disconnect)
	return f
}

func TestMockFeed_PublishesThroughDispatcher(t *testing.T) {
	f := newTestMock(t, 1)

	var books []OrderBookUpdate
	var prices []PriceUpdate
	var globals []model.GlobalState
	var markets []model.Market
	f.SubscribeOrderBook(1, func(u OrderBookUpdate) { books = append(books, u) })
	f.SubscribePrices(func(p PriceUpdate) { prices = append(prices, p) })
	f.SubscribeGlobal(func(g model.GlobalState) { globals = append(globals, g) })
	f.SubscribeAllMarkets(func(m model.Market) { markets = append(markets, m) })

	if err := f.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.Step()

	if len(markets) != 1 || markets[0].Status != model.MarketActive {
		t.Errorf("expected one active market, got %+v", markets)
	}
	if len(books) != 2 || len(globals) != 2 || len(prices) != 4 {
		t.Fatalf("expected 2 books, 2 globals, 4 prices; got %d, %d, %d", len(books), len(globals), len(prices))
	}
	if globals[1].Tick != 2 {
		t.Errorf("expected tick 2, got %d", globals[1].Tick)
	}
	for i := 0; i < len(prices); i += 2 {
		if prices[i].Price.Complement() != prices[i+1].Price {
			t.Errorf("up/down prices should be complements: %d vs %d", prices[i].Price, prices[i+1].Price)
		}
	}

	ladder := orderbook.Aggregate(books[1].Orders, orderbook.DefaultDepth)
	if len(ladder.Bids) != 5 || len(ladder.Asks) != 5 {
		t.Fatalf("expected 5 levels per side, got %d/%d", len(ladder.Bids), len(ladder.Asks))
	}
	if !ladder.Spread.Valid || ladder.Spread.Decimal.IsNegative() {
		t.Errorf("expected a non-negative spread, got %v", ladder.Spread)
	}
	if st := f.Stats(); st.State != transport.Open || st.ActiveChannels != 4 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestMockFeed_DeterministicForSeed(t *testing.T) {
	run := func() []string {
		f := newTestMock(t, 42)
		var ids []string
		f.SubscribeAllOrderBooks(func(u OrderBookUpdate) {
			for _, o := range u.Orders {
				ids = append(ids, o.ID)
			}
		})
		if err := f.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		f.Step()
		f.Disconnect()
		return ids
	}

	a, b := run(), run()
	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("expected equal non-empty runs, got %d and %d ids", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("id %d differs: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestMockFeed_DisconnectIsTerminal(t *testing.T) {
	f := newTestMock(t, 1)
	f.Disconnect()

	if err := f.Connect(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	unsub := f.SubscribeGlobal(func(model.GlobalState) { t.Error("unexpected delivery") })
	unsub()
}
