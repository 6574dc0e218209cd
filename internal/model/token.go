package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed-point denominator of Price: 10000 = 100%.
const PriceScale = 10000

var (
	// ErrInvalidToken is returned for token index 0 or negative indices
	// when a market token is expected.
	ErrInvalidToken = errors.New("model: token index does not denote a market token")

	// ErrInvalidPlayer is returned when a player id is not two tokens.
	ErrInvalidPlayer = errors.New("model: player id must be two tokens")

	scale = decimal.NewFromInt(PriceScale)
)

// Price is a probability in hundredths of a percent (0–10000).
type Price int64

// Valid reports whether p lies within [0, PriceScale].
func (p Price) Valid() bool { return p >= 0 && p <= PriceScale }

// Probability returns p as a fraction in [0, 1].
func (p Price) Probability() decimal.Decimal {
	return decimal.NewFromInt(int64(p)).Div(scale)
}

// Complement returns the price of the opposite outcome.
func (p Price) Complement() Price { return PriceScale - p }

// PriceFromProbability converts a fraction to fixed point, rounding half up.
func PriceFromProbability(f decimal.Decimal) Price {
	return Price(f.Mul(scale).Round(0).IntPart())
}

// TokenIndex identifies a balance slot. 0 is the settlement currency; any
// other index encodes (marketID, direction) as marketID*2+1 for Up and
// marketID*2+2 for Down.
type TokenIndex int64

// Currency is the settlement currency token.
const Currency TokenIndex = 0

// TokenFor returns the token index for a market direction.
func TokenFor(marketID int64, d Direction) TokenIndex {
	if d == Down {
		return TokenIndex(marketID*2 + 2)
	}
	return TokenIndex(marketID*2 + 1)
}

// Decode inverts TokenFor.
func (t TokenIndex) Decode() (marketID int64, d Direction, err error) {
	if t <= 0 {
		return 0, "", fmt.Errorf("%w: %d", ErrInvalidToken, t)
	}
	n := int64(t) - 1
	if n%2 == 0 {
		return n / 2, Up, nil
	}
	return n / 2, Down, nil
}

// PlayerID is the composite of two opaque tokens identifying an owner.
// On the wire it is a two-element array.
type PlayerID struct {
	A string
	B string
}

// ParsePlayerID parses the "a:b" form.
func ParsePlayerID(s string) (PlayerID, error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok || a == "" || b == "" {
		return PlayerID{}, fmt.Errorf("%w: %q", ErrInvalidPlayer, s)
	}
	return PlayerID{A: a, B: b}, nil
}

func (p PlayerID) String() string { return p.A + ":" + p.B }

// IsZero reports whether both tokens are empty.
func (p PlayerID) IsZero() bool { return p.A == "" && p.B == "" }

func (p PlayerID) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.A, p.B})
}

func (p *PlayerID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = PlayerID{}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Accept the "a:b" string form as well.
		var s string
		if json.Unmarshal(data, &s) != nil {
			return fmt.Errorf("%w: %s", ErrInvalidPlayer, data)
		}
		parsed, err := ParsePlayerID(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	if len(raw) != 2 {
		return fmt.Errorf("%w: got %d tokens", ErrInvalidPlayer, len(raw))
	}
	a, err := tokenString(raw[0])
	if err != nil {
		return err
	}
	b, err := tokenString(raw[1])
	if err != nil {
		return err
	}
	*p = PlayerID{A: a, B: b}
	return nil
}

// tokenString accepts either a JSON string or a JSON number.
func tokenString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidPlayer, raw)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidPlayer, raw)
	}
	return n.String(), nil
}
