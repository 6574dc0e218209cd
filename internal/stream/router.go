package stream

import (
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/atmx/market-sync/internal/eventloop"
	"github.com/atmx/market-sync/internal/metrics"
	"github.com/atmx/market-sync/internal/transport"
)

// Handler receives events for one channel. It runs on the event loop and
// must not block.
type Handler func(Event)

// Unsubscribe removes a subscription. It is idempotent and takes effect for
// every delivery after it returns.
type Unsubscribe func()

func noop() {}

// Sender is the part of the transport the router needs.
type Sender interface {
	Send(frame []byte)
	State() transport.State
}

type subscription struct {
	ch     Channel
	fn     Handler
	active atomic.Bool
}

// Router fans events out to per-channel subscriber sets and keeps the
// remote side's subscription state in step: the first subscriber of a
// channel sends "subscribe", the last one leaving sends "unsubscribe".
//
// The channel map is owned by the event loop. Subscribe and the returned
// Unsubscribe may be called from any goroutine, handlers included; they
// enqueue their mutation without waiting for room on the loop.
type Router struct {
	loop   *eventloop.Loop
	sender Sender
	logger *slog.Logger

	// Loop-owned.
	channels map[Channel][]*subscription
	wired    map[Channel]bool

	active atomic.Int32
}

// NewRouter creates a router that sends control frames through sender.
func NewRouter(loop *eventloop.Loop, sender Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		loop:     loop,
		sender:   sender,
		logger:   logger.With("component", "router"),
		channels: make(map[Channel][]*subscription),
		wired:    make(map[Channel]bool),
	}
}

// Subscribe registers fn on ch. The returned function unsubscribes
// synchronously: once it returns, fn receives nothing further.
func (r *Router) Subscribe(ch Channel, fn Handler) Unsubscribe {
	sub := &subscription{ch: ch, fn: fn}
	sub.active.Store(true)
	if !r.loop.Enqueue(func() { r.add(sub) }) {
		r.logger.Warn("subscribe on stopped router", "channel", ch.String())
		return noop
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			r.loop.Enqueue(func() { r.remove(sub) })
		})
	}
}

// ActiveChannels returns the number of channels with at least one
// subscriber. Safe from any goroutine.
func (r *Router) ActiveChannels() int {
	return int(r.active.Load())
}

// Resubscribe sends one subscribe per channel that has at least one active
// subscriber. The remote side keeps no subscription state across
// connections, so it runs on every open. Loop only.
func (r *Router) Resubscribe() {
	clear(r.wired)
	keys := make([]Channel, 0, len(r.channels))
	for ch, subs := range r.channels {
		if anyActive(subs) {
			keys = append(keys, ch)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, ch := range keys {
		r.wire(ch)
	}
	if len(keys) > 0 {
		r.logger.Info("resubscribed", "channels", len(keys))
	}
}

// Publish delivers ev to every active subscriber of ch, in registration
// order. A panicking handler is logged and does not affect the others.
// Loop only.
func (r *Router) Publish(ch Channel, ev Event) {
	subs := r.channels[ch]
	if len(subs) == 0 {
		return
	}
	ev.Channel = ch
	for _, sub := range subs {
		if sub.active.Load() {
			r.deliver(sub, ev)
		}
	}
}

func (r *Router) deliver(sub *subscription, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CallbackPanics.WithLabelValues(string(sub.ch.Type)).Inc()
			r.logger.Error("subscriber panicked",
				"channel", sub.ch.String(),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.fn(ev)
}

func (r *Router) add(sub *subscription) {
	if !sub.active.Load() {
		return
	}
	first := len(r.channels[sub.ch]) == 0
	r.channels[sub.ch] = append(r.channels[sub.ch], sub)
	if first {
		r.setActive()
		r.wire(sub.ch)
	}
}

func (r *Router) remove(sub *subscription) {
	subs := r.channels[sub.ch]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) > 0 {
		r.channels[sub.ch] = subs
		return
	}
	delete(r.channels, sub.ch)
	r.setActive()
	if r.wired[sub.ch] {
		delete(r.wired, sub.ch)
		if r.sender.State() == transport.Open {
			r.sender.Send(unsubscribeFrame(sub.ch))
		}
	}
}

// wire sends subscribe for ch if the connection is open. Channels added
// while closed are picked up by the next Resubscribe. Local-only channels
// are never sent.
func (r *Router) wire(ch Channel) {
	if !ch.Type.remote() || r.wired[ch] || r.sender.State() != transport.Open {
		return
	}
	r.wired[ch] = true
	r.sender.Send(subscribeFrame(ch))
}

func (r *Router) setActive() {
	n := len(r.channels)
	r.active.Store(int32(n))
	metrics.ActiveChannels.Set(float64(n))
}

func anyActive(subs []*subscription) bool {
	for _, s := range subs {
		if s.active.Load() {
			return true
		}
	}
	return false
}
