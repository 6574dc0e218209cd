package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelType names a family of messages on the stream.
type ChannelType string

const (
	TypePrice     ChannelType = "price"
	TypeOrderBook ChannelType = "orderbook"
	TypeTrade     ChannelType = "trade"
	TypeMarket    ChannelType = "market"
	TypeGlobal    ChannelType = "global"
	TypeError     ChannelType = "error"

	typePong ChannelType = "pong"
)

// scopable reports whether messages of this type carry a market id and are
// routed to a market-scoped channel as well as the unscoped one.
func (t ChannelType) scopable() bool {
	return t == TypeOrderBook || t == TypeTrade || t == TypeMarket
}

// remote reports whether the venue serves this type as a topic. Error
// frames arrive unsolicited and exhaustion errors are raised locally, so
// the error channel never goes on the wire.
func (t ChannelType) remote() bool {
	return t != TypeError
}

func (t ChannelType) known() bool {
	switch t {
	case TypePrice, TypeOrderBook, TypeTrade, TypeMarket, TypeGlobal, TypeError:
		return true
	}
	return false
}

// Channel is a logical subscription topic, optionally scoped to one market.
// Its key form is "type" or "type:marketId". Channel is comparable and used
// directly as a map key.
type Channel struct {
	Type     ChannelType
	MarketID int64
	Scoped   bool
}

// All returns the unscoped channel for t.
func All(t ChannelType) Channel {
	return Channel{Type: t}
}

// ForMarket returns the channel for t scoped to one market.
func ForMarket(t ChannelType, marketID int64) Channel {
	return Channel{Type: t, MarketID: marketID, Scoped: true}
}

// String returns the channel key, e.g. "orderbook:42".
func (c Channel) String() string {
	if !c.Scoped {
		return string(c.Type)
	}
	return string(c.Type) + ":" + strconv.FormatInt(c.MarketID, 10)
}

// ParseChannel parses a channel key.
func ParseChannel(key string) (Channel, error) {
	typ, id, scoped := strings.Cut(key, ":")
	t := ChannelType(typ)
	if !t.known() {
		return Channel{}, fmt.Errorf("stream: unknown channel type %q", typ)
	}
	if !scoped {
		return All(t), nil
	}
	if !t.scopable() {
		return Channel{}, fmt.Errorf("stream: channel type %q cannot be scoped to a market", typ)
	}
	marketID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || marketID < 0 {
		return Channel{}, fmt.Errorf("stream: invalid market id in channel %q", key)
	}
	return ForMarket(t, marketID), nil
}
