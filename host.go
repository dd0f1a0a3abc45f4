package browserstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/OpenListTeam/browserstream/cache"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/OpenListTeam/browserstream"

// Host is the initialization context shared by the streams of one plugin
// instance. It owns the loop that delivers every event, the transport
// registry, the cache and the observability plumbing.
type Host struct {
	cfg       Config
	env       *TransportEnv
	loop      *Loop
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	ownsCache bool

	factoryMu sync.RWMutex
	factories map[string]TransportFactory

	mu      sync.Mutex
	streams map[uuid.UUID]*stream
	gen     atomic.Uint64
	closed  atomic.Bool
}

type hostOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	tracers    trace.TracerProvider
	cache      *cache.Store
	client     *http.Client
}

// Option configures a Host.
type Option func(*hostOptions)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *hostOptions) { o.logger = logger }
}

// WithRegisterer registers the host metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *hostOptions) { o.registerer = reg }
}

// WithTracerProvider sets where stream spans go. The default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *hostOptions) { o.tracers = tp }
}

// WithCache shares an existing cache store. The host does not close it.
func WithCache(store *cache.Store) Option {
	return func(o *hostOptions) { o.cache = store }
}

// WithHTTPClient replaces the client used by HTTP based transports.
func WithHTTPClient(client *http.Client) Option {
	return func(o *hostOptions) { o.client = client }
}

// NewHost validates cfg and starts the host loop.
func NewHost(cfg Config, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o hostOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := orDiscard(o.logger).With("component", "host")
	metrics, err := NewMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	h := &Host{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		factories: make(map[string]TransportFactory),
		streams:   make(map[uuid.UUID]*stream),
	}

	store := o.cache
	if store == nil {
		store, err = cache.New(cfg.Cache.Dir, cfg.Cache.MaxEntries, logger)
		if err != nil {
			return nil, err
		}
		h.ownsCache = true
	}

	client := o.client
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTP.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.BytesPerSecond > 0 {
		burst := max(cfg.RateLimit.Burst, cfg.BufferSize)
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.BytesPerSecond), burst)
	}

	h.env = &TransportEnv{
		Config:  cfg,
		Logger:  orDiscard(o.logger),
		Client:  client,
		Cache:   store,
		Limiter: limiter,
	}

	tp := o.tracers
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	h.tracer = tp.Tracer(tracerName)

	h.loop = NewLoop(logger)
	h.loop.onPanic = func(any) { metrics.loopPanics.Inc() }
	go h.loop.Run()

	logger.Debug("host started", "buffer_size", cfg.BufferSize, "cache_dir", store.Dir())
	return h, nil
}

// Config returns the configuration the host was created with.
func (h *Host) Config() Config {
	return h.cfg
}

// Env returns the environment handed to transports.
func (h *Host) Env() *TransportEnv {
	return h.env
}

// Metrics returns the host collectors.
func (h *Host) Metrics() *Metrics {
	return h.metrics
}

// CreateStream builds a stream for req with the transport registered for
// the URL scheme. handlers are attached before the Created event is
// delivered; the transport starts right after it, on the loop.
func (h *Host) CreateStream(req Request, handlers ...Handler) (BrowserStream, error) {
	if h.closed.Load() {
		return nil, ErrHostClosed
	}
	req.URL = strings.TrimSpace(req.URL)
	create, scheme, err := h.factoryFor(req.URL)
	if err != nil {
		return nil, err
	}

	s := newStream(h, req, scheme)
	transport, err := create(h.env, req, s.controller())
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", scheme, err)
	}
	if transport == nil {
		return nil, fmt.Errorf("create %s transport: %w", scheme, ErrUnsupported)
	}
	s.transport = transport

	for _, handler := range handlers {
		s.Attach(handler)
	}

	if err := h.track(s); err != nil {
		s.cancel()
		_ = transport.Close()
		return nil, err
	}
	h.metrics.streamCreated(scheme)
	if !h.loop.Post(s.start) {
		s.abandon()
		return nil, ErrHostClosed
	}
	return s, nil
}

// Post runs fn on the host loop.
func (h *Host) Post(fn func()) bool {
	return h.loop.Post(fn)
}

// Call runs fn on the host loop and waits for it. It must not be called
// from an event handler.
func (h *Host) Call(ctx context.Context, fn func()) error {
	return h.loop.PostWait(ctx, fn)
}

// Streams returns the number of streams not yet destroyed.
func (h *Host) Streams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Close closes every live stream, waits for their Destroyed events and
// stops the loop.
func (h *Host) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrHostClosed
	}

	h.mu.Lock()
	live := make([]*stream, 0, len(h.streams))
	for _, s := range h.streams {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		if err := s.Close(); err != nil && !errors.Is(err, ErrAlreadyClosed) {
			h.logger.Warn("close stream failed", "stream_id", s.id.String(), "error", err)
		}
	}

	var errs []error
	// Destroy tasks were queued by Close, so a marker behind them means they ran.
	if err := h.loop.PostWait(ctx, func() {}); err != nil {
		errs = append(errs, err)
	}
	h.loop.Stop()
	select {
	case <-h.loop.Done():
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if h.ownsCache {
		if err := h.env.Cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.logger.Debug("host closed", "streams", len(live))
	return errors.Join(errs...)
}

func (h *Host) nextGeneration() uint64 {
	return h.gen.Add(1)
}

// track registers s unless Close already took its snapshot of live streams.
func (h *Host) track(s *stream) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return ErrHostClosed
	}
	h.streams[s.id] = s
	return nil
}

func (h *Host) untrack(s *stream) {
	h.mu.Lock()
	delete(h.streams, s.id)
	h.mu.Unlock()
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
