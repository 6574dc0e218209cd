// Package orderbook turns a flat list of resting orders into priced,
// depth-cumulative bid/ask ladders.
//
// Aggregate is a pure function: it holds no state and never fails. Records
// that cannot contribute to a ladder (bad price, non-positive remaining
// amount, unknown type) are skipped and reported in Ladder.Issues so that
// one bad record never blanks the whole book.
package orderbook

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sync/internal/model"
)

// DefaultDepth is the number of price levels kept per side.
const DefaultDepth = 10

var two = decimal.NewFromInt(2)

// Level is one price level of a ladder.
type Level struct {
	Price  model.Price     `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total"` // this level plus all better levels
	Orders int             `json:"orders"`
}

// Issue describes an input record that was skipped or clamped.
type Issue struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// Ladder is both sides of one market's book. Bids are sorted best (highest)
// first, asks best (lowest) first. Spread and MidPrice are invalid when
// either side is empty.
type Ladder struct {
	Bids     []Level             `json:"bids"`
	Asks     []Level             `json:"asks"`
	Spread   decimal.NullDecimal `json:"spread"`
	MidPrice decimal.NullDecimal `json:"midPrice"`
	Issues   []Issue             `json:"issues,omitempty"`
}

// BestBid returns the highest bid level, if any.
func (l Ladder) BestBid() (Level, bool) {
	if len(l.Bids) == 0 {
		return Level{}, false
	}
	return l.Bids[0], true
}

// BestAsk returns the lowest ask level, if any.
func (l Ladder) BestAsk() (Level, bool) {
	if len(l.Asks) == 0 {
		return Level{}, false
	}
	return l.Asks[0], true
}

// Aggregate builds a ladder from orders. depth <= 0 means DefaultDepth.
// Cancelled and filled orders are ignored; remaining amount is
// TotalAmount − FilledAmount.
func Aggregate(orders []model.Order, depth int) Ladder {
	if depth <= 0 {
		depth = DefaultDepth
	}

	var ladder Ladder
	bids := make(map[model.Price]*Level)
	asks := make(map[model.Price]*Level)

	for _, o := range orders {
		if o.Status != "" && o.Status != model.OrderActive {
			continue
		}

		var side map[model.Price]*Level
		switch {
		case o.Type.IsBuy():
			side = bids
		case o.Type.IsSell():
			side = asks
		default:
			ladder.Issues = append(ladder.Issues, Issue{o.ID, fmt.Sprintf("unknown order type %q", o.Type)})
			continue
		}

		if !o.Price.Valid() {
			ladder.Issues = append(ladder.Issues, Issue{o.ID, fmt.Sprintf("price %d out of range", o.Price)})
			continue
		}
		if o.TotalAmount.IsNegative() || o.FilledAmount.IsNegative() {
			ladder.Issues = append(ladder.Issues, Issue{o.ID, "negative amount"})
			continue
		}
		if o.FilledAmount.GreaterThan(o.TotalAmount) {
			ladder.Issues = append(ladder.Issues, Issue{o.ID, "filled amount exceeds total"})
		}

		remaining := o.Remaining()
		if !remaining.IsPositive() {
			continue
		}

		if lvl, ok := side[o.Price]; ok {
			lvl.Amount = lvl.Amount.Add(remaining)
			lvl.Orders++
		} else {
			side[o.Price] = &Level{Price: o.Price, Amount: remaining, Orders: 1}
		}
	}

	ladder.Bids = cumulate(bids, depth, func(a, b model.Price) bool { return a > b })
	ladder.Asks = cumulate(asks, depth, func(a, b model.Price) bool { return a < b })

	bid, hasBid := ladder.BestBid()
	ask, hasAsk := ladder.BestAsk()
	if hasBid && hasAsk {
		bp := decimal.NewFromInt(int64(bid.Price))
		ap := decimal.NewFromInt(int64(ask.Price))
		spread := ap.Sub(bp)
		if spread.IsNegative() {
			// A crossed book only shows up transiently between engine updates.
			ladder.Issues = append(ladder.Issues, Issue{Reason: "crossed book"})
			spread = decimal.Zero
		}
		ladder.Spread = decimal.NewNullDecimal(spread)
		ladder.MidPrice = decimal.NewNullDecimal(ap.Add(bp).Div(two))
	}

	return ladder
}

// cumulate sorts levels best-first, assigns running totals and truncates.
func cumulate(levels map[model.Price]*Level, depth int, better func(a, b model.Price) bool) []Level {
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, *lvl)
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i].Price, out[j].Price) })

	if len(out) > depth {
		out = out[:depth]
	}

	running := decimal.Zero
	for i := range out {
		running = running.Add(out[i].Amount)
		out[i].Total = running
	}
	return out
}

// ForDirection filters orders to one side of a paired market. Orders
// without a direction are treated as Up.
func ForDirection(orders []model.Order, d model.Direction) []model.Order {
	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		od := o.Direction
		if od == "" {
			od = model.Up
		}
		if od == d {
			out = append(out, o)
		}
	}
	return out
}
