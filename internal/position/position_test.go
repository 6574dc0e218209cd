package position

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sync/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fill(id string, side Side, dir model.Direction, price model.Price, amount float64, at int) Fill {
	return Fill{
		Side: side,
		Trade: model.Trade{
			ID:        id,
			MarketID:  7,
			Price:     price,
			Amount:    d(amount),
			Direction: dir,
			CreatedAt: t0.Add(time.Duration(at) * time.Second),
		},
	}
}

func active() MarketState {
	return MarketState{Market: model.Market{ID: 7, Status: model.MarketActive}}
}

func ledgerFor(t *testing.T, res Result, dir model.Direction) Ledger {
	t.Helper()
	for _, l := range res.Ledgers {
		if l.Direction == dir {
			return l
		}
	}
	t.Fatalf("no %s ledger in %+v", dir, res.Ledgers)
	return Ledger{}
}

func TestReconstruct_SellUpFundsDown(t *testing.T) {
	res := Reconstruct([]Fill{
		fill("t1", Buy, model.Up, 4000, 10, 1),
		fill("t2", Sell, model.Up, 6000, 4, 2),
	}, nil, active())

	up := ledgerFor(t, res, model.Up)
	if !up.NetShares.Equal(d(6)) || !up.AvgPrice.Equal(d(0.4)) || !up.TotalCost.Equal(d(4)) {
		t.Errorf("unexpected Up ledger: net=%s avg=%s cost=%s", up.NetShares, up.AvgPrice, up.TotalCost)
	}

	down := ledgerFor(t, res, model.Down)
	if !down.NetShares.Equal(d(4)) || !down.AvgPrice.Equal(d(0.4)) || !down.TotalCost.Equal(d(1.6)) {
		t.Errorf("unexpected Down ledger: net=%s avg=%s cost=%s", down.NetShares, down.AvgPrice, down.TotalCost)
	}
	if !down.AcquiredShares.Equal(d(4)) {
		t.Errorf("expected 4 acquired Down shares, got %s", down.AcquiredShares)
	}

	// 4 sold at 0.60 against a 0.40 basis.
	if !up.RealizedPnL.Equal(d(0.8)) {
		t.Errorf("expected realized 0.8, got %s", up.RealizedPnL)
	}
	if len(res.Issues) != 0 {
		t.Errorf("unexpected issues %+v", res.Issues)
	}
}

func TestReconstruct_SellDownFundsUp(t *testing.T) {
	res := Reconstruct([]Fill{
		fill("t1", Sell, model.Down, 2500, 8, 1),
	}, nil, active())

	up := ledgerFor(t, res, model.Up)
	if !up.NetShares.Equal(d(8)) || !up.AvgPrice.Equal(d(0.75)) || !up.TotalCost.Equal(d(6)) {
		t.Errorf("unexpected Up ledger: net=%s avg=%s cost=%s", up.NetShares, up.AvgPrice, up.TotalCost)
	}
	down := ledgerFor(t, res, model.Down)
	if !down.NetShares.Equal(d(-8)) {
		t.Errorf("expected Down net -8, got %s", down.NetShares)
	}
	if down.UnrealizedPct.Valid {
		t.Error("percentage must be unavailable with zero cost")
	}
}

func TestReconstruct_OnlyBuysAveragePrice(t *testing.T) {
	res := Reconstruct([]Fill{
		fill("t1", Buy, model.Up, 4000, 10, 1),
		fill("t2", Buy, model.Up, 5500, 3, 2),
		fill("t3", Buy, model.Up, 3333, 7, 3),
	}, nil, active())

	up := ledgerFor(t, res, model.Up)
	if !up.AvgPrice.Equal(up.TotalCost.Div(up.NetShares)) {
		t.Errorf("avg %s != cost/shares %s", up.AvgPrice, up.TotalCost.Div(up.NetShares))
	}
	if !up.NetShares.Equal(d(20)) {
		t.Errorf("expected 20 shares, got %s", up.NetShares)
	}
	if len(res.Ledgers) != 1 {
		t.Errorf("buys only should produce a single ledger, got %d", len(res.Ledgers))
	}
}

func TestReconstruct_MarkPrice(t *testing.T) {
	fills := []Fill{
		fill("t1", Buy, model.Up, 4000, 10, 1),
		fill("t2", Buy, model.Down, 5000, 2, 2),
	}

	t.Run("last market price", func(t *testing.T) {
		st := active()
		st.LastPrice = map[model.Direction]model.Price{model.Up: 7000}
		res := Reconstruct(fills, nil, st)
		up := ledgerFor(t, res, model.Up)
		down := ledgerFor(t, res, model.Down)
		if !up.MarkPrice.Equal(d(0.7)) {
			t.Errorf("expected Up mark 0.7, got %s", up.MarkPrice)
		}
		if !down.MarkPrice.Equal(d(0.3)) {
			t.Errorf("expected Down mark from complement 0.3, got %s", down.MarkPrice)
		}
		// 10 * 0.7 - 4.0
		if !up.UnrealizedPnL.Equal(d(3)) {
			t.Errorf("expected unrealized 3, got %s", up.UnrealizedPnL)
		}
		if !up.UnrealizedPct.Valid || !up.UnrealizedPct.Decimal.Equal(d(0.75)) {
			t.Errorf("expected 75%%, got %+v", up.UnrealizedPct)
		}
	})

	t.Run("falls back to own fills", func(t *testing.T) {
		res := Reconstruct(fills, nil, active())
		up := ledgerFor(t, res, model.Up)
		// The Down fill is newer, so Up marks at its complement.
		if !up.MarkPrice.Equal(d(0.5)) {
			t.Errorf("expected Up mark 0.5, got %s", up.MarkPrice)
		}
	})

	t.Run("resolved", func(t *testing.T) {
		st := MarketState{Market: model.Market{ID: 7, Status: model.MarketResolved, WinningOutcome: model.OutcomeUp}}
		res := Reconstruct(fills, nil, st)
		if up := ledgerFor(t, res, model.Up); !up.MarkPrice.Equal(d(1)) {
			t.Errorf("winning side should mark at 1, got %s", up.MarkPrice)
		}
		if down := ledgerFor(t, res, model.Down); !down.MarkPrice.IsZero() {
			t.Errorf("losing side should mark at 0, got %s", down.MarkPrice)
		}
	})

	t.Run("tie", func(t *testing.T) {
		st := MarketState{Market: model.Market{ID: 7, Status: model.MarketResolved, WinningOutcome: model.OutcomeTie}}
		res := Reconstruct(fills, nil, st)
		if up := ledgerFor(t, res, model.Up); !up.MarkPrice.Equal(d(0.5)) {
			t.Errorf("tie should mark at 0.5, got %s", up.MarkPrice)
		}
	})
}

func TestReconstruct_SkipsMalformedFills(t *testing.T) {
	res := Reconstruct([]Fill{
		fill("ok", Buy, model.Up, 4000, 1, 1),
		fill("neg", Buy, model.Up, 4000, -3, 2),
		fill("dir", Buy, "Sideways", 4000, 1, 3),
		fill("price", Buy, model.Up, 20000, 1, 4),
	}, nil, active())

	if len(res.Issues) != 3 {
		t.Errorf("expected 3 issues, got %+v", res.Issues)
	}
	if up := ledgerFor(t, res, model.Up); !up.NetShares.Equal(d(1)) {
		t.Errorf("expected 1 share from the valid fill, got %s", up.NetShares)
	}
}

func TestReconstruct_IgnoresOtherMarkets(t *testing.T) {
	other := fill("x", Buy, model.Up, 4000, 5, 1)
	other.Trade.MarketID = 8
	res := Reconstruct([]Fill{other}, nil, active())
	if len(res.Ledgers) != 0 {
		t.Errorf("expected no ledgers, got %+v", res.Ledgers)
	}
}

func TestReconstruct_ConservesShares(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	dirs := []model.Direction{model.Up, model.Down}

	for iter := 0; iter < 200; iter++ {
		var fills []Fill
		rawBuys, rawSells := decimal.Zero, decimal.Zero
		for i := 0; i < rng.Intn(30); i++ {
			amount := float64(rng.Intn(50) + 1)
			side := Side(rng.Intn(2))
			fills = append(fills, fill("t", side, dirs[rng.Intn(2)], model.Price(rng.Intn(model.PriceScale+1)), amount, i))
			if side == Buy {
				rawBuys = rawBuys.Add(d(amount))
			} else {
				rawSells = rawSells.Add(d(amount))
			}
		}

		res := Reconstruct(fills, nil, active())
		net, transferred := decimal.Zero, decimal.Zero
		for _, l := range res.Ledgers {
			net = net.Add(l.NetShares)
			transferred = transferred.Add(l.AcquiredShares)
		}
		if !net.Sub(transferred).Equal(rawBuys.Sub(rawSells)) {
			t.Fatalf("iteration %d: net %s - transferred %s != buys %s - sells %s",
				iter, net, transferred, rawBuys, rawSells)
		}
	}
}

func TestFillsForPlayer(t *testing.T) {
	me := model.PlayerID{A: "a", B: "1"}
	them := model.PlayerID{A: "b", B: "2"}
	orders := []model.Order{
		{ID: "o1", PlayerID: me},
		{ID: "o2", PlayerID: them},
		{ID: "o3", PlayerID: me},
	}
	trades := []model.Trade{
		{ID: "t1", BuyOrderID: "o1", SellOrderID: "o2"},
		{ID: "t2", BuyOrderID: "o2", SellOrderID: "o3"},
		{ID: "t3", BuyOrderID: "o2", SellOrderID: "o2"},
		{ID: "t4", BuyOrderID: "o1", SellOrderID: "o3"},
	}

	fills := FillsForPlayer(trades, orders, me)
	want := []struct {
		id   string
		side Side
	}{{"t1", Buy}, {"t2", Sell}, {"t4", Buy}, {"t4", Sell}}
	if len(fills) != len(want) {
		t.Fatalf("expected %d fills, got %d", len(want), len(fills))
	}
	for i, w := range want {
		if fills[i].Trade.ID != w.id || fills[i].Side != w.side {
			t.Errorf("fill %d: expected %s/%s, got %s/%s", i, w.id, w.side, fills[i].Trade.ID, fills[i].Side)
		}
	}
}

func TestReconstructAll_IncludesBalanceOnlyMarkets(t *testing.T) {
	balances := Balances{
		model.Currency:                d(100),
		model.TokenFor(3, model.Down): d(2),
	}
	res := ReconstructAll([]Fill{fill("t1", Buy, model.Up, 4000, 1, 1)}, balances, nil)
	if len(res.Ledgers) != 2 {
		t.Fatalf("expected 2 ledgers, got %+v", res.Ledgers)
	}
	if res.Ledgers[0].MarketID != 3 || res.Ledgers[0].Direction != model.Down || !res.Ledgers[0].Balance.Equal(d(2)) {
		t.Errorf("unexpected first ledger %+v", res.Ledgers[0])
	}
	if res.Ledgers[1].MarketID != 7 {
		t.Errorf("expected market 7 second, got %d", res.Ledgers[1].MarketID)
	}
}
