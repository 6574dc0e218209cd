// Package model defines the venue domain types shared across market-sync.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a market:
// Pending → Active → Closed → Resolved.
type MarketStatus string

const (
	MarketPending  MarketStatus = "Pending"
	MarketActive   MarketStatus = "Active"
	MarketClosed   MarketStatus = "Closed"
	MarketResolved MarketStatus = "Resolved"
)

// Direction is one side of a binary up/down market.
type Direction string

const (
	Up   Direction = "Up"
	Down Direction = "Down"
)

// Opposite returns the complementary direction.
func (d Direction) Opposite() Direction {
	if d == Down {
		return Up
	}
	return Down
}

// Valid reports whether d is Up or Down.
func (d Direction) Valid() bool {
	return d == Up || d == Down
}

// Outcome is the settled result of a market.
type Outcome string

const (
	OutcomeUp         Outcome = "Up"
	OutcomeDown       Outcome = "Down"
	OutcomeTie        Outcome = "Tie"
	OutcomeUnresolved Outcome = "Unresolved"
)

// Winner returns the winning direction, or false for Tie/Unresolved.
func (o Outcome) Winner() (Direction, bool) {
	switch o {
	case OutcomeUp:
		return Up, true
	case OutcomeDown:
		return Down, true
	}
	return "", false
}

// OrderType is the kind of order submitted to the matching engine.
type OrderType string

const (
	LimitBuy   OrderType = "LimitBuy"
	LimitSell  OrderType = "LimitSell"
	MarketBuy  OrderType = "MarketBuy"
	MarketSell OrderType = "MarketSell"
)

// IsBuy reports whether the order rests on the bid side.
func (t OrderType) IsBuy() bool { return t == LimitBuy || t == MarketBuy }

// IsSell reports whether the order rests on the ask side.
func (t OrderType) IsSell() bool { return t == LimitSell || t == MarketSell }

// OrderStatus is the engine-reported state of an order.
type OrderStatus string

const (
	OrderActive    OrderStatus = "Active"
	OrderFilled    OrderStatus = "Filled"
	OrderCancelled OrderStatus = "Cancelled"
)

// Market is a binary up/down market over a fixed tick window. Markets are
// usually issued in pairs sharing a window; PairedMarketID points at the
// sibling without owning it.
type Market struct {
	ID               int64           `json:"id" db:"id"`
	Asset            string          `json:"asset" db:"asset"`
	Status           MarketStatus    `json:"status" db:"status"`
	Direction        Direction       `json:"direction" db:"direction"`
	StartTick        int64           `json:"startTick" db:"start_tick"`
	EndTick          int64           `json:"endTick" db:"end_tick"`
	OracleStartPrice decimal.Decimal `json:"oracleStartPrice" db:"oracle_start_price"`
	OracleEndPrice   decimal.Decimal `json:"oracleEndPrice" db:"oracle_end_price"`
	WinningOutcome   Outcome         `json:"winningOutcome" db:"winning_outcome"`
	PairedMarketID   *int64          `json:"pairedMarketId,omitempty" db:"paired_market_id"`
}

// Resolved reports whether the market has settled with a definite outcome.
func (m Market) Resolved() bool {
	return m.Status == MarketResolved && m.WinningOutcome != OutcomeUnresolved && m.WinningOutcome != ""
}

// Order is a resting or historical order. Fill and cancel events from the
// engine are the only mutations; FilledAmount never exceeds TotalAmount.
type Order struct {
	ID           string          `json:"id" db:"id"`
	PlayerID     PlayerID        `json:"playerId" db:"player_id"`
	MarketID     int64           `json:"marketId" db:"market_id"`
	Direction    Direction       `json:"direction,omitempty" db:"direction"`
	Type         OrderType       `json:"type" db:"type"`
	Status       OrderStatus     `json:"status" db:"status"`
	Price        Price           `json:"price" db:"price"`
	TotalAmount  decimal.Decimal `json:"totalAmount" db:"total_amount"`
	FilledAmount decimal.Decimal `json:"filledAmount" db:"filled_amount"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
}

// Remaining returns TotalAmount − FilledAmount, clamped at zero.
func (o Order) Remaining() decimal.Decimal {
	r := o.TotalAmount.Sub(o.FilledAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Trade is an immutable fill between a resting buy and sell order.
// The append-only trade log is the only source for cost basis.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	MarketID    int64           `json:"marketId" db:"market_id"`
	BuyOrderID  string          `json:"buyOrderId" db:"buy_order_id"`
	SellOrderID string          `json:"sellOrderId" db:"sell_order_id"`
	Price       Price           `json:"price" db:"price"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Direction   Direction       `json:"direction" db:"direction"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// Balance is the only persisted quantity a player holds per token.
// Locked is the part reserved against open orders.
type Balance struct {
	PlayerID   PlayerID        `json:"playerId"`
	TokenIndex TokenIndex      `json:"tokenIndex"`
	Balance    decimal.Decimal `json:"balance"`
	Locked     decimal.Decimal `json:"locked"`
}

// GlobalState is the venue-wide counter snapshot.
type GlobalState struct {
	Tick    int64           `json:"tick"`
	FeePool decimal.Decimal `json:"feePool"`
}

// MarketSummary is a market plus its latest traded prices.
type MarketSummary struct {
	Market
	LastPrice map[Direction]Price `json:"lastPrice,omitempty"`
	Volume    decimal.Decimal     `json:"volume"`
}
