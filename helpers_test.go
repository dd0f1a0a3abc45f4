package browserstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func newTestHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Cache.Dir = t.TempDir()
	opts = append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)
	h, err := NewHost(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

// settle waits until everything posted to the loop so far has run.
func settle(t *testing.T, h *Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.Call(ctx, func() {}))
}

// recorder collects every event it sees, copying the payload.
type recorder struct {
	mu     sync.Mutex
	events []Event
	onEv   func(ev *Event, s BrowserStream)
}

func (r *recorder) HandleStreamEvent(ev *Event, s BrowserStream) bool {
	cp := *ev
	cp.Data = append([]byte(nil), ev.Data...)
	r.mu.Lock()
	r.events = append(r.events, cp)
	fn := r.onEv
	r.mu.Unlock()
	if fn != nil {
		fn(ev, s)
	}
	return true
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) kinds() []EventKind {
	evs := r.snapshot()
	out := make([]EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) has(kind EventKind) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *recorder) waitFor(t *testing.T, kind EventKind) {
	t.Helper()
	require.Eventually(t, func() bool { return r.has(kind) }, waitTimeout, 5*time.Millisecond, "no %s event", kind)
}

// fakeTransport lets a test drive the controller by hand.
type fakeTransport struct {
	mu         sync.Mutex
	ctrl       Controller
	started    chan struct{}
	ranges     []Range
	written    []byte
	writeLimit int
	rangeErr   error
	closes     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{started: make(chan struct{})}
}

func (f *fakeTransport) factory() TransportFactory {
	return func(_ *TransportEnv, _ Request, ctrl Controller) (Transport, error) {
		f.ctrl = ctrl
		return f, nil
	}
}

func (f *fakeTransport) Start(context.Context) {
	close(f.started)
}

func (f *fakeTransport) RequestRanges(ranges []Range) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rangeErr != nil {
		return f.rangeErr
	}
	f.ranges = append(f.ranges, ranges...)
	return nil
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(p)
	if f.writeLimit > 0 {
		n = min(n, f.writeLimit)
	}
	f.written = append(f.written, p[:n]...)
	return n, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) requested() []Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Range(nil), f.ranges...)
}

func (f *fakeTransport) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(waitTimeout):
		t.Fatal("transport was not started")
	}
}

// startFake registers a fake transport under "fake" and creates a stream on it.
func startFake(t *testing.T, h *Host, req Request) (BrowserStream, *fakeTransport, *recorder) {
	t.Helper()
	ft := newFakeTransport()
	require.NoError(t, h.RegisterTransport("fake", ft.factory()))
	if req.URL == "" {
		req.URL = "fake://example/resource"
	}
	rec := &recorder{}
	s, err := h.CreateStream(req, rec)
	require.NoError(t, err)
	ft.waitStarted(t)
	return s, ft, rec
}
