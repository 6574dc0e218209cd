package position

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sync/internal/model"
)

// Claim is what a player can redeem from a settled market.
type Claim struct {
	MarketID int64            `json:"marketId"`
	CanClaim bool             `json:"canClaim"`
	Amount   decimal.Decimal  `json:"amount"`
	Token    model.TokenIndex `json:"token,omitempty"`
}

// Claimable is defined only for resolved markets with a winning direction:
// the live balance of the winning token, when positive. Ties and
// unresolved markets are never claimable here.
func Claimable(m model.Market, balances Balances) Claim {
	c := Claim{MarketID: m.ID, Amount: decimal.Zero}
	if !m.Resolved() {
		return c
	}
	winner, ok := m.WinningOutcome.Winner()
	if !ok {
		return c
	}

	tok := model.TokenFor(m.ID, winner)
	bal := balances[tok]
	if !bal.IsPositive() {
		return c
	}
	c.CanClaim = true
	c.Amount = bal
	c.Token = tok
	return c
}

// Portfolio aggregates ledgers and claims across markets.
type Portfolio struct {
	Player        string          `json:"player"`
	Ledgers       []Ledger        `json:"ledgers"`
	Claims        []Claim         `json:"claims"`
	TotalCost     decimal.Decimal `json:"totalCost"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	Claimable     decimal.Decimal `json:"claimable"`
	Issues        []Issue         `json:"issues,omitempty"`
}

// Summarize totals a reconstruction and computes claims for every resolved
// market in markets.
func Summarize(player model.PlayerID, res Result, balances Balances, markets map[int64]MarketState) Portfolio {
	p := Portfolio{
		Player:        player.String(),
		Ledgers:       res.Ledgers,
		Claims:        []Claim{},
		TotalCost:     decimal.Zero,
		TotalValue:    decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		Claimable:     decimal.Zero,
		Issues:        res.Issues,
	}
	if p.Ledgers == nil {
		p.Ledgers = []Ledger{}
	}

	seen := make(map[int64]bool)
	for _, l := range res.Ledgers {
		p.TotalCost = p.TotalCost.Add(l.TotalCost)
		p.TotalValue = p.TotalValue.Add(l.CurrentValue)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(l.UnrealizedPnL)
		p.RealizedPnL = p.RealizedPnL.Add(l.RealizedPnL)

		if seen[l.MarketID] {
			continue
		}
		seen[l.MarketID] = true
		st, ok := markets[l.MarketID]
		if !ok {
			continue
		}
		if c := Claimable(st.Market, balances); c.CanClaim {
			p.Claims = append(p.Claims, c)
			p.Claimable = p.Claimable.Add(c.Amount)
		}
	}
	return p
}
