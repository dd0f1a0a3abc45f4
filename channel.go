package browserstream

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler consumes stream events. It returns true when it handled the event.
type Handler interface {
	HandleStreamEvent(ev *Event, s BrowserStream) bool
}

// HandlerFunc is a convenience type for converting functions to Handler
type HandlerFunc func(ev *Event, s BrowserStream) bool

// HandleStreamEvent implements Handler interface
func (f HandlerFunc) HandleStreamEvent(ev *Event, s BrowserStream) bool {
	return f(ev, s)
}

// Attacher is implemented by handlers that want to know which stream they
// were attached to.
type Attacher interface {
	AttachedTo(h Handle)
}

// Subscription binds a handler to a set of event kinds on one channel.
type Subscription struct {
	id      uint64
	kinds   uint32
	handler Handler
	active  atomic.Bool
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

func (s *Subscription) wants(kind EventKind) bool {
	return s.kinds&(1<<uint(kind)) != 0
}

func kindMask(kinds []EventKind) uint32 {
	if len(kinds) == 0 {
		kinds = AllKinds()
	}
	var mask uint32
	for _, k := range kinds {
		if k.Valid() {
			mask |= 1 << uint(k)
		}
	}
	return mask
}

// Channel is a synchronous publish/subscribe point for stream events.
// Handlers run in subscription order on the publishing goroutine and may
// subscribe, unsubscribe or call back into the stream while being invoked.
type Channel struct {
	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64
	logger *slog.Logger
}

// NewChannel creates an empty channel. A nil logger discards output.
func NewChannel(logger *slog.Logger) *Channel {
	return &Channel{logger: orDiscard(logger)}
}

// Subscribe registers h for the given kinds, or for every kind when none are given.
func (c *Channel) Subscribe(h Handler, kinds ...EventKind) *Subscription {
	if h == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	sub := &Subscription{
		id:      c.nextID,
		kinds:   kindMask(kinds),
		handler: h,
	}
	sub.active.Store(true)
	c.subs = append(c.subs, sub)
	return sub
}

// Unsubscribe removes sub. It returns false if sub was not registered here.
func (c *Channel) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subs {
		if s == sub {
			s.active.Store(false)
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of active subscriptions.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Clear drops every subscription.
func (c *Channel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		s.active.Store(false)
	}
	c.subs = nil
}

// Publish delivers ev to every matching handler and reports whether any of
// them handled it.
func (c *Channel) Publish(ev *Event, source BrowserStream) bool {
	if ev == nil {
		return false
	}
	c.mu.RLock()
	snapshot := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		if s.wants(ev.Kind) {
			snapshot = append(snapshot, s)
		}
	}
	c.mu.RUnlock()

	handled := false
	for _, s := range snapshot {
		// A handler earlier in this dispatch may have removed s.
		if !s.active.Load() {
			continue
		}
		if c.invoke(s.handler, ev, source) {
			handled = true
		}
	}
	return handled
}

func (c *Channel) invoke(h Handler, ev *Event, source BrowserStream) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stream event handler panicked",
				"event", ev.Kind.String(),
				"stream_id", ev.Stream.ID().String(),
				"panic", r,
				"stack", string(debug.Stack()))
			handled = false
		}
	}()
	return h.HandleStreamEvent(ev, source)
}
