// Package position reconstructs a player's per-outcome exposure from the
// append-only trade log.
//
// No average price is stored anywhere in the venue, so cost basis is
// rebuilt on every call. The non-obvious rule: a binary market pays 1 to the
// winning direction and 0 to the other, so selling X at price P is the same
// position change as acquiring not-X at 1−P. Each market therefore folds its
// buy-Up, sell-Up, buy-Down and sell-Down fills into two ledgers.
//
// Everything here is pure and best-effort: malformed fills are skipped and
// reported as Issues rather than returned as errors.
package position

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sync/internal/model"
)

var (
	one  = decimal.NewFromInt(1)
	half = decimal.NewFromFloat(0.5)
)

// Side is the player's side of a fill.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Fill is a trade seen from one player's side.
type Fill struct {
	Trade model.Trade
	Side  Side
}

// Balances maps token index to live balance.
type Balances map[model.TokenIndex]decimal.Decimal

// BalancesFrom indexes raw balance records. Duplicate tokens are summed.
func BalancesFrom(records []model.Balance) Balances {
	out := make(Balances, len(records))
	for _, r := range records {
		out[r.TokenIndex] = out[r.TokenIndex].Add(r.Balance)
	}
	return out
}

// MarketState is what the reconstructor needs to mark a market: its
// lifecycle/outcome and the last traded price per direction, if known.
type MarketState struct {
	Market    model.Market
	LastPrice map[model.Direction]model.Price
}

// Ledger is the derived position in one direction of one market.
type Ledger struct {
	MarketID  int64           `json:"marketId"`
	Direction model.Direction `json:"direction"`

	BoughtShares   decimal.Decimal `json:"boughtShares"`
	SoldShares     decimal.Decimal `json:"soldShares"`
	AcquiredShares decimal.Decimal `json:"acquiredShares"` // from complementary sells
	NetShares      decimal.Decimal `json:"netShares"`

	AvgPrice     decimal.Decimal `json:"avgPrice"`
	TotalCost    decimal.Decimal `json:"totalCost"`
	SellProceeds decimal.Decimal `json:"sellProceeds"`
	RealizedPnL  decimal.Decimal `json:"realizedPnl"`

	MarkPrice     decimal.Decimal     `json:"markPrice"`
	CurrentValue  decimal.Decimal     `json:"currentValue"`
	UnrealizedPnL decimal.Decimal     `json:"unrealizedPnl"`
	UnrealizedPct decimal.NullDecimal `json:"unrealizedPct"`

	Balance decimal.Decimal `json:"balance"`
}

// Issue describes a fill that was skipped.
type Issue struct {
	TradeID string `json:"tradeId"`
	Reason  string `json:"reason"`
}

// Result is the output of a reconstruction.
type Result struct {
	Ledgers []Ledger `json:"ledgers"`
	Issues  []Issue  `json:"issues,omitempty"`
}

// FillsForPlayer selects the trades where one of the player's orders was a
// leg and labels the side. A self-match produces both a buy and a sell fill.
func FillsForPlayer(trades []model.Trade, orders []model.Order, player model.PlayerID) []Fill {
	owned := make(map[string]struct{})
	for _, o := range orders {
		if o.PlayerID == player {
			owned[o.ID] = struct{}{}
		}
	}

	var fills []Fill
	for _, tr := range trades {
		if _, ok := owned[tr.BuyOrderID]; ok {
			fills = append(fills, Fill{Trade: tr, Side: Buy})
		}
		if _, ok := owned[tr.SellOrderID]; ok {
			fills = append(fills, Fill{Trade: tr, Side: Sell})
		}
	}
	return fills
}

// accumulator gathers raw sums for one direction.
type accumulator struct {
	bought, buyCost      decimal.Decimal
	sold, proceeds       decimal.Decimal
	acquired, acqCost    decimal.Decimal
	lastFill             model.Price
	lastFillAt           int64
	hasFill, hasActivity bool
}

// Reconstruct replays fills for market.Market.ID into Up and Down ledgers.
// Fills for other markets are ignored.
func Reconstruct(fills []Fill, balances Balances, market MarketState) Result {
	var res Result
	acc := map[model.Direction]*accumulator{model.Up: {}, model.Down: {}}

	for _, f := range fills {
		tr := f.Trade
		if tr.MarketID != market.Market.ID {
			continue
		}
		if reason := invalidFill(tr); reason != "" {
			res.Issues = append(res.Issues, Issue{TradeID: tr.ID, Reason: reason})
			continue
		}

		p := tr.Price.Probability()
		own := acc[tr.Direction]
		own.hasActivity = true
		if !own.hasFill || tr.CreatedAt.UnixNano() >= own.lastFillAt {
			own.lastFill, own.lastFillAt, own.hasFill = tr.Price, tr.CreatedAt.UnixNano(), true
		}

		switch f.Side {
		case Buy:
			own.bought = own.bought.Add(tr.Amount)
			own.buyCost = own.buyCost.Add(tr.Amount.Mul(p))
		case Sell:
			own.sold = own.sold.Add(tr.Amount)
			own.proceeds = own.proceeds.Add(tr.Amount.Mul(p))

			// Selling X at P funds an acquisition of not-X at 1−P.
			other := acc[tr.Direction.Opposite()]
			other.hasActivity = true
			other.acquired = other.acquired.Add(tr.Amount)
			other.acqCost = other.acqCost.Add(tr.Amount.Mul(one.Sub(p)))
		}
	}

	for _, dir := range []model.Direction{model.Up, model.Down} {
		a := acc[dir]
		bal := balances[model.TokenFor(market.Market.ID, dir)]
		if !a.hasActivity && bal.IsZero() {
			continue
		}
		res.Ledgers = append(res.Ledgers, buildLedger(market, dir, a, acc[dir.Opposite()], bal))
	}
	return res
}

// ReconstructAll runs Reconstruct for every market that has fills or a
// live token balance. Markets missing from the map are treated as active
// with no known last price.
func ReconstructAll(fills []Fill, balances Balances, markets map[int64]MarketState) Result {
	ids := make(map[int64]struct{})
	for _, f := range fills {
		ids[f.Trade.MarketID] = struct{}{}
	}
	for tok, bal := range balances {
		if tok == model.Currency || bal.IsZero() {
			continue
		}
		if id, _, err := tok.Decode(); err == nil {
			ids[id] = struct{}{}
		}
	}

	sorted := make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var res Result
	for _, id := range sorted {
		st, ok := markets[id]
		if !ok {
			st = MarketState{Market: model.Market{ID: id, Status: model.MarketActive}}
		}
		r := Reconstruct(fills, balances, st)
		res.Ledgers = append(res.Ledgers, r.Ledgers...)
		res.Issues = append(res.Issues, r.Issues...)
	}
	return res
}

func buildLedger(market MarketState, dir model.Direction, a, opp *accumulator, bal decimal.Decimal) Ledger {
	l := Ledger{
		MarketID:       market.Market.ID,
		Direction:      dir,
		BoughtShares:   a.bought,
		SoldShares:     a.sold,
		AcquiredShares: a.acquired,
		NetShares:      a.bought.Sub(a.sold).Add(a.acquired),
		TotalCost:      a.buyCost.Add(a.acqCost),
		SellProceeds:   a.proceeds,
		Balance:        bal,
	}

	basisShares := a.bought.Add(a.acquired)
	if basisShares.IsPositive() {
		l.AvgPrice = l.TotalCost.Div(basisShares)
	}
	l.RealizedPnL = a.proceeds.Sub(l.AvgPrice.Mul(a.sold))

	l.MarkPrice = markPrice(market, dir, a, opp, l.AvgPrice)
	l.CurrentValue = l.NetShares.Mul(l.MarkPrice)
	l.UnrealizedPnL = l.CurrentValue.Sub(l.TotalCost)
	if l.TotalCost.IsPositive() {
		l.UnrealizedPct = decimal.NewNullDecimal(l.UnrealizedPnL.Div(l.TotalCost))
	}
	return l
}

// markPrice returns 1/0 (½ on a tie) once resolved, otherwise the most
// recent known price for dir: the market's last trade, the complement of
// the other side's last trade, the player's own last fill, and finally the
// average entry price.
func markPrice(market MarketState, dir model.Direction, a, opp *accumulator, avg decimal.Decimal) decimal.Decimal {
	m := market.Market
	if m.Status == model.MarketResolved {
		if winner, ok := m.WinningOutcome.Winner(); ok {
			if winner == dir {
				return one
			}
			return decimal.Zero
		}
		if m.WinningOutcome == model.OutcomeTie {
			return half
		}
	}

	if p, ok := market.LastPrice[dir]; ok && p.Valid() {
		return p.Probability()
	}
	if p, ok := market.LastPrice[dir.Opposite()]; ok && p.Valid() {
		return p.Complement().Probability()
	}
	if a.hasFill && (!opp.hasFill || a.lastFillAt >= opp.lastFillAt) {
		return a.lastFill.Probability()
	}
	if opp.hasFill {
		return opp.lastFill.Complement().Probability()
	}
	return avg
}

func invalidFill(tr model.Trade) string {
	switch {
	case !tr.Direction.Valid():
		return fmt.Sprintf("unknown direction %q", tr.Direction)
	case !tr.Price.Valid():
		return fmt.Sprintf("price %d out of range", tr.Price)
	case !tr.Amount.IsPositive():
		return "non-positive amount"
	}
	return ""
}
