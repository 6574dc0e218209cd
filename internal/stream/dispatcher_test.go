package stream

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sync/internal/model"
	"github.com/atmx/market-sync/internal/transport"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		typ     ChannelType
		market  int64
		wantErr bool
	}{
		{name: "pong", frame: `{"type":"pong"}`, typ: typePong},
		{name: "price", frame: `{"type":"price","timestamp":1700000000000,"data":{"marketId":3,"direction":"Down","price":4500}}`, typ: TypePrice, market: 3},
		{name: "orderbook", frame: `{"type":"orderbook","data":{"marketId":42,"orders":[]}}`, typ: TypeOrderBook, market: 42},
		{name: "trade", frame: `{"type":"trade","data":{"id":"t1","marketId":5,"buyOrderId":"b","sellOrderId":"s","price":5000,"amount":"2.5","direction":"Up"}}`, typ: TypeTrade, market: 5},
		{name: "market", frame: `{"type":"market","data":{"id":9,"status":"Active","direction":"Up"}}`, typ: TypeMarket, market: 9},
		{name: "global", frame: `{"type":"global","data":{"tick":12,"feePool":"1.5"}}`, typ: TypeGlobal},
		{name: "error", frame: `{"type":"error","data":"rate limited"}`, typ: TypeError},
		{name: "not json", frame: `{oops`, wantErr: true},
		{name: "unknown type", frame: `{"type":"candles","data":{}}`, wantErr: true},
		{name: "missing data", frame: `{"type":"trade"}`, wantErr: true},
		{name: "null data", frame: `{"type":"orderbook","data":null}`, wantErr: true},
		{name: "bad direction", frame: `{"type":"price","data":{"marketId":1,"direction":"Sideways","price":10}}`, wantErr: true},
		{name: "price out of range", frame: `{"type":"price","data":{"marketId":1,"direction":"Up","price":10001}}`, wantErr: true},
		{name: "wrong payload shape", frame: `{"type":"orderbook","data":{"marketId":"x"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decode([]byte(tt.frame))
			if tt.wantErr {
				if !errors.Is(err, ErrDecode) {
					t.Fatalf("expected ErrDecode, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Type != tt.typ || msg.MarketID != tt.market {
				t.Errorf("got type=%s market=%d, want %s/%d", msg.Type, msg.MarketID, tt.typ, tt.market)
			}
		})
	}
}

func TestDecode_Payloads(t *testing.T) {
	msg, err := decode([]byte(`{"type":"orderbook","timestamp":1700000000000,"data":{"marketId":1,"orders":[
		{"id":"o1","playerId":["a","b"],"marketId":1,"type":"LimitBuy","status":"Active","price":4800,"totalAmount":100,"filledAmount":"0"}
	]}}`))
	if err != nil {
		t.Fatal(err)
	}
	ob, ok := msg.Payload.(OrderBookUpdate)
	if !ok || len(ob.Orders) != 1 {
		t.Fatalf("unexpected payload %#v", msg.Payload)
	}
	o := ob.Orders[0]
	if o.PlayerID != (model.PlayerID{A: "a", B: "b"}) || o.Price != 4800 || !o.TotalAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("order decoded wrongly: %+v", o)
	}
	if msg.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}

	msg, err = decode([]byte(`{"type":"global","data":{"tick":7,"feePool":2.25}}`))
	if err != nil {
		t.Fatal(err)
	}
	g := msg.Payload.(model.GlobalState)
	if g.Tick != 7 || !g.FeePool.Equal(decimal.RequireFromString("2.25")) {
		t.Errorf("global decoded wrongly: %+v", g)
	}
}

func TestDispatcher_RoutesScopedAndUnscoped(t *testing.T) {
	r, _, loop := newTestRouter(t, transport.Open)
	d := NewDispatcher(r, nil)

	counts := map[string]int{}
	for _, ch := range []Channel{
		ForMarket(TypeOrderBook, 42), All(TypeOrderBook), ForMarket(TypeOrderBook, 7),
		ForMarket(TypeTrade, 42), All(TypeTrade),
		ForMarket(TypeMarket, 42), All(TypeMarket),
		All(TypePrice), All(TypeGlobal), All(TypeError),
	} {
		key := ch.String()
		r.Subscribe(ch, func(Event) { counts[key]++ })
	}
	drain(loop)

	frames := []string{
		`{"type":"orderbook","data":{"marketId":42,"orders":[]}}`,
		`{"type":"trade","data":{"id":"t","marketId":42,"price":100,"amount":1,"direction":"Up"}}`,
		`{"type":"market","data":{"id":42,"status":"Closed"}}`,
		`{"type":"price","data":{"marketId":42,"direction":"Up","price":100}}`,
		`{"type":"global","data":{"tick":1,"feePool":"0"}}`,
		`{"type":"error","data":{"code":500}}`,
		`{"type":"pong"}`,
	}
	loop.Call(func() {
		for _, f := range frames {
			d.Handle([]byte(f))
		}
	})

	want := map[string]int{
		"orderbook:42": 1, "orderbook": 1, "orderbook:7": 0,
		"trade:42": 1, "trade": 1,
		"market:42": 1, "market": 1,
		"price": 1, "global": 1, "error": 1,
	}
	for key, n := range want {
		if counts[key] != n {
			t.Errorf("channel %s got %d messages, want %d", key, counts[key], n)
		}
	}
}

func TestDispatcher_MalformedFrameDoesNotStopDelivery(t *testing.T) {
	r, _, loop := newTestRouter(t, transport.Open)
	d := NewDispatcher(r, nil)

	var got []int64
	r.Subscribe(All(TypeGlobal), func(ev Event) {
		got = append(got, ev.Payload.(model.GlobalState).Tick)
	})
	drain(loop)

	loop.Call(func() {
		d.Handle([]byte(`{"type":"global","data":{"tick":1,"feePool":"0"}}`))
		d.Handle([]byte(`not json at all`))
		d.Handle([]byte(`{"type":"global","data":{"tick":"two"}}`))
		d.Handle([]byte(`{"type":"global","data":{"tick":3,"feePool":"0"}}`))
	})

	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("expected ticks [1 3], got %v", got)
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		key     string
		want    Channel
		wantErr bool
	}{
		{key: "orderbook:42", want: ForMarket(TypeOrderBook, 42)},
		{key: "trade", want: All(TypeTrade)},
		{key: "global", want: All(TypeGlobal)},
		{key: "global:1", wantErr: true},
		{key: "orderbook:x", wantErr: true},
		{key: "candles", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseChannel(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseChannel(%q) error = %v", tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseChannel(%q) = %v, want %v", tt.key, got, tt.want)
		}
		if !tt.wantErr && got.String() != tt.key {
			t.Errorf("String() = %q, want %q", got.String(), tt.key)
		}
	}
}
