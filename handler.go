package browserstream

import "sync"

// StreamHooks receives the six lifecycle events of the streams a
// DefaultHandler is attached to. Each hook returns true if it handled the event.
type StreamHooks interface {
	OnStreamCreated(ev *Event, s BrowserStream) bool
	OnStreamOpened(ev *Event, s BrowserStream) bool
	OnStreamFailedOpen(ev *Event, s BrowserStream) bool
	OnStreamDataArrived(ev *Event, s BrowserStream) bool
	OnStreamCompleted(ev *Event, s BrowserStream) bool
	OnStreamDestroyed(ev *Event, s BrowserStream) bool
}

// NopHooks implements every hook as "not handled". Embed it and override
// only the hooks you need.
type NopHooks struct{}

func (NopHooks) OnStreamCreated(*Event, BrowserStream) bool     { return false }
func (NopHooks) OnStreamOpened(*Event, BrowserStream) bool      { return false }
func (NopHooks) OnStreamFailedOpen(*Event, BrowserStream) bool  { return false }
func (NopHooks) OnStreamDataArrived(*Event, BrowserStream) bool { return false }
func (NopHooks) OnStreamCompleted(*Event, BrowserStream) bool   { return false }
func (NopHooks) OnStreamDestroyed(*Event, BrowserStream) bool   { return false }

// DefaultHandler routes stream events to StreamHooks and remembers the
// stream it was most recently attached to.
type DefaultHandler struct {
	hooks StreamHooks

	mu     sync.Mutex
	stream Handle
}

var (
	_ Handler  = (*DefaultHandler)(nil)
	_ Attacher = (*DefaultHandler)(nil)
)

// NewDefaultHandler wraps hooks. A nil hooks value handles nothing.
func NewDefaultHandler(hooks StreamHooks) *DefaultHandler {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &DefaultHandler{hooks: hooks}
}

// AttachedTo records h as the current stream.
func (d *DefaultHandler) AttachedTo(h Handle) {
	d.mu.Lock()
	d.stream = h
	d.mu.Unlock()
}

// Stream returns the most recently attached stream while it is alive.
func (d *DefaultHandler) Stream() (BrowserStream, bool) {
	d.mu.Lock()
	h := d.stream
	d.mu.Unlock()
	return h.Resolve()
}

// HandleStreamEvent implements Handler.
func (d *DefaultHandler) HandleStreamEvent(ev *Event, s BrowserStream) bool {
	switch ev.Kind {
	case KindCreated:
		return d.hooks.OnStreamCreated(ev, s)
	case KindOpened:
		return d.hooks.OnStreamOpened(ev, s)
	case KindFailedOpen:
		return d.hooks.OnStreamFailedOpen(ev, s)
	case KindDataArrived:
		return d.hooks.OnStreamDataArrived(ev, s)
	case KindCompleted:
		return d.hooks.OnStreamCompleted(ev, s)
	case KindDestroyed:
		handled := d.hooks.OnStreamDestroyed(ev, s)
		d.forget(ev.Stream)
		return handled
	default:
		return false
	}
}

func (d *DefaultHandler) forget(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream.ID() == h.ID() {
		d.stream = Handle{}
	}
}
