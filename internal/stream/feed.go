package stream

import (
	"context"
	"log/slog"

	"github.com/atmx/market-sync/internal/model"
	"github.com/atmx/market-sync/internal/transport"
)

// Feed is the consumer-facing surface of the stream. Client talks to the
// venue; MockFeed generates synthetic data. Consumers pick one through
// configuration and never branch on which.
type Feed interface {
	Connect(ctx context.Context) error
	Disconnect()
	Stats() Stats

	SubscribePrices(fn func(PriceUpdate)) Unsubscribe
	SubscribeOrderBook(marketID int64, fn func(OrderBookUpdate)) Unsubscribe
	SubscribeAllOrderBooks(fn func(OrderBookUpdate)) Unsubscribe
	SubscribeTrades(marketID int64, fn func(model.Trade)) Unsubscribe
	SubscribeAllTrades(fn func(model.Trade)) Unsubscribe
	SubscribeMarket(marketID int64, fn func(model.Market)) Unsubscribe
	SubscribeAllMarkets(fn func(model.Market)) Unsubscribe
	SubscribeGlobal(fn func(model.GlobalState)) Unsubscribe
	SubscribeErrors(fn func(ErrorEvent)) Unsubscribe
}

// Stats is a point-in-time view of a feed.
type Stats struct {
	State          transport.State `json:"-"`
	StateName      string          `json:"state"`
	Attempt        int             `json:"attempt"`
	ActiveChannels int             `json:"activeChannels"`
}

// subscriptions implements the typed Subscribe* methods on top of a Router.
type subscriptions struct {
	router    *Router
	permanent func() bool
	logger    *slog.Logger
}

func (s *subscriptions) subscribe(ch Channel, fn Handler) Unsubscribe {
	if s.permanent != nil && s.permanent() {
		s.logger.Warn("subscription ignored", "channel", ch.String(), "err", ErrSubscription)
		return noop
	}
	return s.router.Subscribe(ch, fn)
}

// Subscribe registers a raw handler on any channel.
func (s *subscriptions) Subscribe(ch Channel, fn Handler) Unsubscribe {
	return s.subscribe(ch, fn)
}

func (s *subscriptions) SubscribePrices(fn func(PriceUpdate)) Unsubscribe {
	return s.subscribe(All(TypePrice), func(ev Event) {
		if p, ok := ev.Payload.(PriceUpdate); ok {
			fn(p)
		}
	})
}

func (s *subscriptions) SubscribeOrderBook(marketID int64, fn func(OrderBookUpdate)) Unsubscribe {
	return s.subscribe(ForMarket(TypeOrderBook, marketID), orderBookHandler(fn))
}

func (s *subscriptions) SubscribeAllOrderBooks(fn func(OrderBookUpdate)) Unsubscribe {
	return s.subscribe(All(TypeOrderBook), orderBookHandler(fn))
}

func (s *subscriptions) SubscribeTrades(marketID int64, fn func(model.Trade)) Unsubscribe {
	return s.subscribe(ForMarket(TypeTrade, marketID), tradeHandler(fn))
}

func (s *subscriptions) SubscribeAllTrades(fn func(model.Trade)) Unsubscribe {
	return s.subscribe(All(TypeTrade), tradeHandler(fn))
}

func (s *subscriptions) SubscribeMarket(marketID int64, fn func(model.Market)) Unsubscribe {
	return s.subscribe(ForMarket(TypeMarket, marketID), marketHandler(fn))
}

func (s *subscriptions) SubscribeAllMarkets(fn func(model.Market)) Unsubscribe {
	return s.subscribe(All(TypeMarket), marketHandler(fn))
}

func (s *subscriptions) SubscribeGlobal(fn func(model.GlobalState)) Unsubscribe {
	return s.subscribe(All(TypeGlobal), func(ev Event) {
		if g, ok := ev.Payload.(model.GlobalState); ok {
			fn(g)
		}
	})
}

func (s *subscriptions) SubscribeErrors(fn func(ErrorEvent)) Unsubscribe {
	return s.subscribe(All(TypeError), func(ev Event) {
		if e, ok := ev.Payload.(ErrorEvent); ok {
			fn(e)
		}
	})
}

func orderBookHandler(fn func(OrderBookUpdate)) Handler {
	return func(ev Event) {
		if ob, ok := ev.Payload.(OrderBookUpdate); ok {
			fn(ob)
		}
	}
}

func tradeHandler(fn func(model.Trade)) Handler {
	return func(ev Event) {
		if tr, ok := ev.Payload.(model.Trade); ok {
			fn(tr)
		}
	}
}

func marketHandler(fn func(model.Market)) Handler {
	return func(ev Event) {
		if m, ok := ev.Payload.(model.Market); ok {
			fn(m)
		}
	}
}
