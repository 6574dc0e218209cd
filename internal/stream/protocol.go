package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/market-sync/internal/model"
)

var (
	// ErrDecode marks an inbound frame that could not be decoded. The frame
	// is logged and dropped.
	ErrDecode = errors.New("stream: decode failed")

	// ErrSubscription is logged when a subscription is requested on a client
	// that will never connect again.
	ErrSubscription = errors.New("stream: subscribe on permanently disconnected client")
)

// DecodeError describes one malformed inbound frame.
type DecodeError struct {
	Type ChannelType
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("stream: decode frame: %v", e.Err)
	}
	return fmt.Sprintf("stream: decode %s frame: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// PriceUpdate is the latest traded price for one side of a market.
type PriceUpdate struct {
	MarketID  int64           `json:"marketId"`
	Direction model.Direction `json:"direction"`
	Price     model.Price     `json:"price"`
}

// OrderBookUpdate is a full snapshot of a market's resting orders. Each
// update replaces the previous one.
type OrderBookUpdate struct {
	MarketID int64         `json:"marketId"`
	Orders   []model.Order `json:"orders"`
}

// ErrorEvent is delivered on the error channel, either relayed from the
// venue (Data) or raised locally (Err), e.g. when reconnects are exhausted.
type ErrorEvent struct {
	Data json.RawMessage
	Err  error
}

func (e ErrorEvent) String() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Data)
}

// Event is one decoded message as delivered to a subscriber. Payload holds
// PriceUpdate, OrderBookUpdate, model.Trade, model.Market, model.GlobalState
// or ErrorEvent according to Channel.Type.
type Event struct {
	Channel   Channel
	Timestamp time.Time
	Payload   any
}

// envelope is the inbound frame shape.
type envelope struct {
	Type      ChannelType     `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// control is the outbound subscribe/unsubscribe frame.
type control struct {
	Action   string      `json:"action"`
	Type     ChannelType `json:"type"`
	MarketID *int64      `json:"marketId,omitempty"`
}

func controlFrame(action string, ch Channel) []byte {
	c := control{Action: action, Type: ch.Type}
	if ch.Scoped {
		id := ch.MarketID
		c.MarketID = &id
	}
	b, _ := json.Marshal(c)
	return b
}

func subscribeFrame(ch Channel) []byte   { return controlFrame("subscribe", ch) }
func unsubscribeFrame(ch Channel) []byte { return controlFrame("unsubscribe", ch) }

// message is a decoded frame before routing.
type message struct {
	Type      ChannelType
	MarketID  int64
	Timestamp time.Time
	Payload   any
}

// decode parses one inbound frame. A pong decodes to a message of type
// typePong with no payload.
func decode(frame []byte) (message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return message{}, &DecodeError{Err: err}
	}
	msg := message{Type: env.Type}
	if env.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(env.Timestamp)
	}
	if env.Type == typePong {
		return msg, nil
	}
	if !env.Type.known() {
		return message{}, &DecodeError{Type: env.Type, Err: errors.New("unknown message type")}
	}
	if env.Type == TypeError {
		msg.Payload = ErrorEvent{Data: env.Data}
		return msg, nil
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return message{}, &DecodeError{Type: env.Type, Err: errors.New("missing data")}
	}

	var err error
	switch env.Type {
	case TypePrice:
		var p PriceUpdate
		if err = json.Unmarshal(env.Data, &p); err == nil {
			switch {
			case !p.Direction.Valid():
				err = fmt.Errorf("invalid direction %q", p.Direction)
			case !p.Price.Valid():
				err = fmt.Errorf("price %d out of range", p.Price)
			}
		}
		msg.MarketID, msg.Payload = p.MarketID, p
	case TypeOrderBook:
		var ob OrderBookUpdate
		err = json.Unmarshal(env.Data, &ob)
		msg.MarketID, msg.Payload = ob.MarketID, ob
	case TypeTrade:
		var tr model.Trade
		err = json.Unmarshal(env.Data, &tr)
		msg.MarketID, msg.Payload = tr.MarketID, tr
	case TypeMarket:
		var m model.Market
		err = json.Unmarshal(env.Data, &m)
		msg.MarketID, msg.Payload = m.ID, m
	case TypeGlobal:
		var g model.GlobalState
		err = json.Unmarshal(env.Data, &g)
		msg.Payload = g
	}
	if err != nil {
		return message{}, &DecodeError{Type: env.Type, Err: err}
	}
	return msg, nil
}

// encode builds an inbound-shaped frame. It is used by MockFeed so that
// synthetic data travels the same decode path as live data.
func encode(t ChannelType, at time.Time, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env := envelope{Type: t, Data: data}
	if !at.IsZero() {
		env.Timestamp = at.UnixMilli()
	}
	return json.Marshal(env)
}
