// Package stream multiplexes typed subscriptions over one venue connection.
//
// A Client composes an event loop, the transport manager, a Router and a
// Dispatcher. Every mutation of subscription or connection state happens on
// the loop; handlers are invoked there too, in the order frames arrived.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/atmx/market-sync/internal/eventloop"
	"github.com/atmx/market-sync/internal/transport"
)

// Options configures a Client.
type Options struct {
	Transport transport.Config
	// Dialer defaults to a gorilla/websocket dialer.
	Dialer    transport.Dialer
	QueueSize int
	Logger    *slog.Logger
}

// Client is the live Feed backed by the venue's WebSocket stream.
type Client struct {
	*subscriptions

	loop       *eventloop.Loop
	manager    *transport.Manager
	dispatcher *Dispatcher
	logger     *slog.Logger

	cancel context.CancelFunc
	once   sync.Once
}

var _ Feed = (*Client)(nil)

// NewClient builds a client and starts its event loop. Nothing is dialled
// until Connect.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWSDialer(opts.Transport.DialTimeout)
	}

	loop := eventloop.New(opts.QueueSize, logger)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	manager := transport.NewManager(opts.Transport, dialer, loop, logger)
	router := NewRouter(loop, manager, logger)
	dispatcher := NewDispatcher(router, logger)

	c := &Client{
		subscriptions: &subscriptions{
			router:    router,
			permanent: manager.Permanent,
			logger:    logger.With("component", "stream"),
		},
		loop:       loop,
		manager:    manager,
		dispatcher: dispatcher,
		logger:     logger.With("component", "stream"),
		cancel:     cancel,
	}

	manager.OnFrame(dispatcher.Handle)
	manager.OnOpen(router.Resubscribe)
	manager.OnExhausted(c.exhausted)
	return c
}

// Connect dials the venue and waits for the first handshake. A failure
// leaves automatic reconnection running; subscriptions registered before
// or after Connect are delivered once a connection opens.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Disconnect closes the connection for good and stops the event loop.
// Subsequent subscriptions are no-ops.
func (c *Client) Disconnect() {
	c.once.Do(func() {
		c.manager.Disconnect()
		// FIFO: the manager's shutdown runs before the loop stops.
		if !c.loop.Enqueue(func() {
			c.loop.Stop()
			c.cancel()
		}) {
			c.cancel()
		}
	})
}

// Stats reports connection state and channel count.
func (c *Client) Stats() Stats {
	st := c.manager.State()
	return Stats{
		State:          st,
		StateName:      st.String(),
		Attempt:        c.manager.Attempt(),
		ActiveChannels: c.router.ActiveChannels(),
	}
}

// exhausted surfaces a single terminal error event once automatic recovery
// has given up.
func (c *Client) exhausted(err error) {
	c.logger.Error("stream unavailable", "err", err)
	c.router.Publish(All(TypeError), Event{Payload: ErrorEvent{Err: err}})
}
