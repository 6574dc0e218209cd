package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sync/internal/eventloop"
	"github.com/atmx/market-sync/internal/model"
	"github.com/atmx/market-sync/internal/transport"
)

// mockNamespace seeds deterministic ids for synthetic orders and trades.
var mockNamespace = uuid.MustParse("6f1c3b7e-2a44-4c1e-9d3a-5b8e0f7a9c21")

// MockConfig tunes the synthetic feed.
type MockConfig struct {
	Markets  []int64
	Interval time.Duration
	Levels   int
	Seed     int64
	Logger   *slog.Logger
}

// MockFeed is a Feed that random-walks a few markets and publishes order
// books, trades, prices and global ticks. Frames are encoded and decoded
// through the same Dispatcher the live Client uses.
type MockFeed struct {
	*subscriptions

	cfg        MockConfig
	loop       *eventloop.Loop
	dispatcher *Dispatcher
	logger     *slog.Logger
	cancel     context.CancelFunc

	state atomic.Int32
	once  sync.Once

	// Loop-owned.
	rng     *rand.Rand
	mid     map[int64]model.Price
	tick    int64
	seq     uint64
	feePool decimal.Decimal
	timer   *time.Timer
}

var _ Feed = (*MockFeed)(nil)

// NewMockFeed builds a mock feed and starts its loop. Data flows after
// Connect.
func NewMockFeed(cfg MockConfig) *MockFeed {
	if len(cfg.Markets) == 0 {
		cfg.Markets = []int64{1, 2}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loop := eventloop.New(0, logger)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	f := &MockFeed{
		cfg:     cfg,
		loop:    loop,
		logger:  logger.With("component", "mockfeed"),
		cancel:  cancel,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		mid:     make(map[int64]model.Price, len(cfg.Markets)),
		feePool: decimal.Zero,
	}
	router := NewRouter(loop, mockSender{f}, logger)
	f.dispatcher = NewDispatcher(router, logger)
	f.subscriptions = &subscriptions{
		router:    router,
		permanent: func() bool { return transport.State(f.state.Load()) == transport.Closed },
		logger:    f.logger,
	}
	for _, id := range cfg.Markets {
		f.mid[id] = model.PriceScale / 2
	}
	return f
}

// mockSender stands in for the transport. Control frames have nowhere to
// go and are discarded.
type mockSender struct{ f *MockFeed }

func (s mockSender) Send(frame []byte) {
	s.f.logger.Debug("control frame", "frame", string(frame))
}

func (s mockSender) State() transport.State { return transport.State(s.f.state.Load()) }

// Connect starts publishing. The first step runs before Connect returns.
func (f *MockFeed) Connect(ctx context.Context) error {
	if transport.State(f.state.Load()) == transport.Closed {
		return transport.ErrClosed
	}
	done := make(chan struct{})
	if !f.loop.Post(func() {
		defer close(done)
		if transport.State(f.state.Load()) == transport.Open {
			return
		}
		f.state.Store(int32(transport.Open))
		f.logger.Info("mock feed started", "markets", f.cfg.Markets, "interval", f.cfg.Interval)
		f.dispatcher.router.Resubscribe()
		for _, id := range f.cfg.Markets {
			f.publish(TypeMarket, f.market(id))
		}
		f.step()
		f.schedule()
	}) {
		return transport.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops publishing for good.
func (f *MockFeed) Disconnect() {
	f.once.Do(func() {
		f.state.Store(int32(transport.Closed))
		if !f.loop.Enqueue(func() {
			if f.timer != nil {
				f.timer.Stop()
			}
			f.loop.Stop()
			f.cancel()
		}) {
			f.cancel()
		}
	})
}

// Step advances the simulation by one tick and waits for delivery.
func (f *MockFeed) Step() {
	f.loop.Call(func() {
		if transport.State(f.state.Load()) == transport.Open {
			f.step()
		}
	})
}

func (f *MockFeed) Stats() Stats {
	st := transport.State(f.state.Load())
	return Stats{
		State:          st,
		StateName:      st.String(),
		ActiveChannels: f.dispatcher.router.ActiveChannels(),
	}
}

func (f *MockFeed) schedule() {
	f.timer = f.loop.AfterFunc(f.cfg.Interval, func() {
		if transport.State(f.state.Load()) != transport.Open {
			return
		}
		f.step()
		f.schedule()
	})
}

func (f *MockFeed) step() {
	f.tick++
	for _, id := range f.cfg.Markets {
		mid := f.walk(id)
		f.publish(TypeOrderBook, OrderBookUpdate{MarketID: id, Orders: f.book(id, mid)})
		f.publish(TypePrice, PriceUpdate{MarketID: id, Direction: model.Up, Price: mid})
		f.publish(TypePrice, PriceUpdate{MarketID: id, Direction: model.Down, Price: mid.Complement()})

		if f.rng.Intn(2) == 0 {
			amount := decimal.NewFromInt(int64(1 + f.rng.Intn(20)))
			f.feePool = f.feePool.Add(amount.Mul(mid.Probability()).Mul(decimal.NewFromFloat(0.01)))
			f.publish(TypeTrade, model.Trade{
				ID:          f.nextID(),
				MarketID:    id,
				BuyOrderID:  f.nextID(),
				SellOrderID: f.nextID(),
				Price:       mid,
				Amount:      amount,
				Direction:   model.Up,
				CreatedAt:   time.Now().UTC(),
			})
		}
	}
	f.publish(TypeGlobal, model.GlobalState{Tick: f.tick, FeePool: f.feePool.Round(6)})
}

// walk moves the market's mid by up to ±2% and keeps it inside 5–95%.
func (f *MockFeed) walk(id int64) model.Price {
	mid := f.mid[id] + model.Price(f.rng.Intn(401)-200)
	if mid < 500 {
		mid = 500
	}
	if mid > 9500 {
		mid = 9500
	}
	f.mid[id] = mid
	return mid
}

func (f *MockFeed) book(id int64, mid model.Price) []model.Order {
	orders := make([]model.Order, 0, 2*f.cfg.Levels)
	now := time.Now().UTC()
	for i := 1; i <= f.cfg.Levels; i++ {
		offset := model.Price(i * 100)
		for _, side := range []struct {
			typ   model.OrderType
			price model.Price
		}{
			{model.LimitBuy, mid - offset},
			{model.LimitSell, mid + offset},
		} {
			if !side.price.Valid() {
				continue
			}
			orders = append(orders, model.Order{
				ID:           f.nextID(),
				PlayerID:     model.PlayerID{A: "mock", B: fmt.Sprintf("maker-%d", i)},
				MarketID:     id,
				Direction:    model.Up,
				Type:         side.typ,
				Status:       model.OrderActive,
				Price:        side.price,
				TotalAmount:  decimal.NewFromInt(int64(10 + f.rng.Intn(91))),
				FilledAmount: decimal.Zero,
				CreatedAt:    now,
			})
		}
	}
	return orders
}

func (f *MockFeed) market(id int64) model.Market {
	return model.Market{
		ID:             id,
		Asset:          "MOCK",
		Status:         model.MarketActive,
		Direction:      model.Up,
		StartTick:      f.tick,
		EndTick:        f.tick + 3600,
		WinningOutcome: model.OutcomeUnresolved,
	}
}

func (f *MockFeed) nextID() string {
	f.seq++
	return uuid.NewSHA1(mockNamespace, []byte(fmt.Sprintf("%d/%d", f.cfg.Seed, f.seq))).String()
}

func (f *MockFeed) publish(t ChannelType, payload any) {
	frame, err := encode(t, time.Now(), payload)
	if err != nil {
		f.logger.Error("encode mock frame", "type", string(t), "err", err)
		return
	}
	f.dispatcher.Handle(frame)
}
