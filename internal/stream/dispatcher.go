package stream

import (
	"errors"
	"log/slog"

	"github.com/atmx/market-sync/internal/metrics"
)

// Dispatcher decodes inbound frames and routes each message to its
// channels. Orderbook, trade and market messages go to both the
// market-scoped channel and the unscoped one so list and detail views can
// share a feed.
type Dispatcher struct {
	router *Router
	logger *slog.Logger
}

// NewDispatcher returns a dispatcher publishing into router.
func NewDispatcher(router *Router, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{router: router, logger: logger.With("component", "dispatcher")}
}

// Handle processes one frame. Malformed frames are logged and dropped.
// Loop only.
func (d *Dispatcher) Handle(frame []byte) {
	msg, err := decode(frame)
	if err != nil {
		var derr *DecodeError
		typ := "unknown"
		if errors.As(err, &derr) && derr.Type.known() {
			typ = string(derr.Type)
		}
		metrics.DecodeErrors.WithLabelValues(typ).Inc()
		d.logger.Warn("dropping malformed frame", "type", typ, "err", err, "bytes", len(frame))
		return
	}
	if msg.Type == typePong {
		d.logger.Debug("pong")
		return
	}
	d.route(msg)
}

func (d *Dispatcher) route(msg message) {
	ev := Event{Timestamp: msg.Timestamp, Payload: msg.Payload}
	if msg.Type.scopable() {
		d.router.Publish(ForMarket(msg.Type, msg.MarketID), ev)
	}
	d.router.Publish(All(msg.Type), ev)
	metrics.MessagesRouted.WithLabelValues(string(msg.Type)).Inc()
}
