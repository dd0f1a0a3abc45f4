// Package streamtest provides helpers for testing transports against a real host.
package streamtest

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/OpenListTeam/browserstream"
)

const Timeout = 5 * time.Second

// NewHost starts a host with a private cache directory and metrics registry
// and registers the given transports. The host is closed when the test ends.
func NewHost(t testing.TB, cfg browserstream.Config, register ...func(*browserstream.Host) error) *browserstream.Host {
	t.Helper()
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = t.TempDir()
	}
	h, err := browserstream.NewHost(cfg, browserstream.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	for _, r := range register {
		require.NoError(t, r(h))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), Timeout)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

// Settle waits until everything queued on the host loop has run.
func Settle(t testing.TB, h *browserstream.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	require.NoError(t, h.Call(ctx, func() {}))
}

// Recorder is a Handler that keeps a copy of every event.
type Recorder struct {
	mu     sync.Mutex
	events []browserstream.Event

	// OnEvent, if set, runs on the loop after the event was recorded.
	OnEvent func(ev *browserstream.Event, s browserstream.BrowserStream)
}

func (r *Recorder) HandleStreamEvent(ev *browserstream.Event, s browserstream.BrowserStream) bool {
	cp := *ev
	cp.Data = append([]byte(nil), ev.Data...)
	r.mu.Lock()
	r.events = append(r.events, cp)
	fn := r.OnEvent
	r.mu.Unlock()
	if fn != nil {
		fn(ev, s)
	}
	return true
}

func (r *Recorder) Events() []browserstream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]browserstream.Event(nil), r.events...)
}

func (r *Recorder) Kinds() []browserstream.EventKind {
	evs := r.Events()
	out := make([]browserstream.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

// Last returns the most recent event of kind.
func (r *Recorder) Last(kind browserstream.EventKind) (browserstream.Event, bool) {
	evs := r.Events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == kind {
			return evs[i], true
		}
	}
	return browserstream.Event{}, false
}

// WaitFor blocks until an event of kind was recorded.
func (r *Recorder) WaitFor(t testing.TB, kind browserstream.EventKind) browserstream.Event {
	t.Helper()
	var ev browserstream.Event
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = r.Last(kind)
		return ok
	}, Timeout, 5*time.Millisecond, "no %s event", kind)
	return ev
}

// Body concatenates the sequential data events.
func (r *Recorder) Body() []byte {
	var buf bytes.Buffer
	for _, ev := range r.Events() {
		if ev.Kind == browserstream.KindDataArrived && !ev.Ranged {
			buf.Write(ev.Data)
		}
	}
	return buf.Bytes()
}

// Ranged returns the ranged data events in delivery order.
func (r *Recorder) Ranged() []browserstream.Event {
	var out []browserstream.Event
	for _, ev := range r.Events() {
		if ev.Kind == browserstream.KindDataArrived && ev.Ranged {
			out = append(out, ev)
		}
	}
	return out
}

// RangeBody concatenates the data delivered for rg.
func (r *Recorder) RangeBody(rg browserstream.Range) []byte {
	var buf bytes.Buffer
	for _, ev := range r.Ranged() {
		if ev.Range == rg {
			buf.Write(ev.Data)
		}
	}
	return buf.Bytes()
}

// RangeEnded reports whether the last chunk of rg has been delivered.
func (r *Recorder) RangeEnded(rg browserstream.Range) bool {
	for _, ev := range r.Ranged() {
		if ev.Range == rg && ev.EndOfStream {
			return true
		}
	}
	return false
}
