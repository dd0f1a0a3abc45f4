package browserstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// stream is the single BrowserStream implementation. Host differences live
// in the Transport; the lifecycle rules live here.
type stream struct {
	id        uuid.UUID
	gen       atomic.Uint64 // zero once destroyed
	host      *Host
	req       Request
	scheme    string
	transport Transport
	events    *Channel
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	props       Properties
	closed      bool
	destroyed   bool
	writeClosed bool
	hash        hash.Hash
	checksum    string
	span        trace.Span
}

var _ BrowserStream = (*stream)(nil)

func newStream(h *Host, req Request, scheme string) *stream {
	id := uuid.New()
	logger := h.env.Logger.With("component", "stream", "stream_id", id.String(), "url", req.URL)
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		id:     id,
		host:   h,
		req:    req,
		scheme: scheme,
		events: NewChannel(logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		hash:   sha256.New(),
		props: Properties{
			URL:                req.URL,
			Cached:             req.Cache,
			InternalBufferSize: h.cfg.bufferSize(req.InternalBufferSize),
		},
	}
	s.gen.Store(h.nextGeneration())
	return s
}

func (s *stream) ID() uuid.UUID {
	return s.id
}

func (s *stream) Handle() Handle {
	return newHandle(s)
}

func (s *stream) URL() string {
	return s.props.URL // immutable
}

func (s *stream) IsSeekable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Seekable
}

func (s *stream) IsCached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Cached
}

func (s *stream) IsCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Completed
}

func (s *stream) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Opened
}

func (s *stream) MimeType() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.MimeType
}

func (s *stream) CacheFilename() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.CacheFilename
}

func (s *stream) Headers() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Headers
}

func (s *stream) InternalBufferSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.InternalBufferSize
}

func (s *stream) Length() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Length
}

func (s *stream) Properties() Properties {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props
}

// Checksum returns the SHA-256 of the bytes delivered sequentially, or
// written for uploads. It is known once the stream completed successfully
// and until it is destroyed.
func (s *stream) Checksum() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return "", ErrClosed
	}
	if !s.props.Completed || s.checksum == "" {
		return "", ErrNotCompleted
	}
	return s.checksum, nil
}

func (s *stream) Attach(h Handler, kinds ...EventKind) *Subscription {
	if h == nil {
		return nil
	}
	s.mu.RLock()
	destroyed := s.destroyed
	s.mu.RUnlock()
	if destroyed {
		return nil
	}

	sub := s.events.Subscribe(h, kinds...)
	if a, ok := h.(Attacher); ok {
		a.AttachedTo(s.Handle())
	}
	return sub
}

func (s *stream) Detach(sub *Subscription) bool {
	return s.events.Unsubscribe(sub)
}

func (s *stream) ReadRange(start, end int64) error {
	return s.ReadRanges([]Range{{Start: start, End: end}})
}

func (s *stream) ReadRanges(ranges []Range) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkRanges(ranges); err != nil {
		s.host.metrics.rangeResult("rejected", len(ranges))
		return err
	}
	requested := make([]Range, len(ranges))
	copy(requested, ranges)
	if err := s.transport.RequestRanges(requested); err != nil {
		s.host.metrics.rangeResult("rejected", len(ranges))
		return fmt.Errorf("request ranges: %w", err)
	}
	s.host.metrics.rangeResult("accepted", len(ranges))
	return nil
}

func (s *stream) checkRanges(ranges []Range) error {
	switch {
	case s.closed:
		return ErrClosed
	case !s.props.Seekable:
		return ErrNotSeekable
	case len(ranges) == 0:
		return ErrInvalidRange
	}
	for _, r := range ranges {
		if !r.Valid() {
			return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, r.Start, r.End)
		}
		if s.props.Length > 0 && r.Start >= s.props.Length {
			return fmt.Errorf("%w: [%d, %d) starts past length %d", ErrInvalidRange, r.Start, r.End, s.props.Length)
		}
	}
	return nil
}

func (s *stream) Write(p []byte) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return WriteResult{}, ErrClosed
	case !s.req.IsUpload():
		return WriteResult{}, ErrNotWritable
	case !s.props.Opened:
		return WriteResult{}, ErrNotOpen
	case s.props.Completed || s.writeClosed:
		return WriteResult{}, ErrCompleted
	}

	n, err := s.transport.Write(p)
	if n > 0 {
		s.hash.Write(p[:n])
		s.host.metrics.written(n)
	}
	if err != nil {
		return WriteResult{Written: n}, fmt.Errorf("write: %w", err)
	}
	if len(p) == 0 {
		s.writeClosed = true
	}
	return WriteResult{Written: n, Done: n == len(p)}, nil
}

// Close requests cancellation. The Destroyed event, delivered on a later
// loop turn, signals that the transport released its resources.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if !s.host.loop.Post(s.destroy) {
		// The loop is gone; nothing else can be delivered anyway.
		s.destroy()
	}
	return nil
}

func (s *stream) controller() Controller {
	return &streamController{s: s}
}

// start runs on the loop right after construction.
func (s *stream) start() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	_, span := s.host.tracer.Start(s.ctx, "browserstream.stream",
		trace.WithAttributes(
			attribute.String("stream.id", s.id.String()),
			attribute.String("stream.url", s.req.URL),
			attribute.String("stream.scheme", s.scheme),
			attribute.Bool("stream.cache", s.req.Cache),
			attribute.Bool("stream.seekable_requested", s.req.Seekable),
			attribute.Bool("stream.upload", s.req.IsUpload()),
		))
	s.span = span
	s.mu.Unlock()

	s.publish(newEvent(KindCreated, s.Handle()))

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	// A Created handler may already have closed the stream.
	if !closed {
		s.transport.Start(s.ctx)
	}
}

func (s *stream) publish(ev *Event) {
	s.host.metrics.event(ev)
	s.mu.RLock()
	span := s.span
	s.mu.RUnlock()
	if span != nil {
		span.AddEvent(ev.Kind.String(), trace.WithAttributes(
			attribute.Int64("offset", ev.Offset),
			attribute.Int("length", len(ev.Data)),
		))
	}
	s.logger.Debug("stream event", "event", ev.Kind.String(), "offset", ev.Offset, "length", len(ev.Data))
	s.events.Publish(ev, s)
}

func (s *stream) applyOpened(info OpenInfo) {
	s.mu.Lock()
	if s.closed || s.props.Opened || s.props.Completed {
		s.mu.Unlock()
		return
	}
	s.props.Opened = true
	s.props.Seekable = info.Seekable
	s.props.Length = max(info.Length, 0)
	s.props.MimeType = info.MimeType
	s.props.Headers = info.Headers
	s.mu.Unlock()

	s.publish(newEvent(KindOpened, s.Handle()))
}

func (s *stream) applyFailedOpen(err error) {
	s.mu.Lock()
	if s.closed || s.props.Completed {
		s.mu.Unlock()
		return
	}
	if s.props.Opened {
		// Too late to fail the open; the transfer itself failed.
		s.mu.Unlock()
		s.applyCompleted(err)
		return
	}
	s.props.Completed = true
	s.props.Opened = false
	s.mu.Unlock()

	s.logger.Info("stream failed to open", "error", err)
	ev := newEvent(KindFailedOpen, s.Handle())
	ev.Err = err
	s.publish(ev)
}

func (s *stream) applyData(offset int64, data []byte, eos bool) {
	s.mu.Lock()
	if s.closed || !s.props.Opened || s.props.Completed {
		s.mu.Unlock()
		return
	}
	s.hash.Write(data)
	s.mu.Unlock()

	ev := newEvent(KindDataArrived, s.Handle())
	ev.Data = data
	ev.Offset = offset
	ev.EndOfStream = eos
	s.publish(ev)
}

// eos marks the last chunk of r. A transport that clips r to the end of the
// resource reports it on a shorter chunk than r.End implies.
func (s *stream) applyRangeData(r Range, offset int64, data []byte, eos bool) {
	s.mu.RLock()
	drop := s.closed || !s.props.Opened
	s.mu.RUnlock()
	if drop {
		return
	}

	ev := newEvent(KindDataArrived, s.Handle())
	ev.Data = data
	ev.Offset = offset
	ev.Range = r
	ev.Ranged = true
	ev.EndOfStream = eos || offset+int64(len(data)) >= r.End
	s.publish(ev)
}

func (s *stream) applyRangeFailed(r Range, err error) {
	s.host.metrics.rangeResult("failed", 1)
	s.mu.RLock()
	closed, opened, completed := s.closed, s.props.Opened, s.props.Completed
	s.mu.RUnlock()
	if closed {
		return
	}
	if opened && !completed {
		s.applyCompleted(fmt.Errorf("range [%d, %d): %w", r.Start, r.End, err))
		return
	}
	s.logger.Warn("range request failed", "start", r.Start, "end", r.End, "error", err)
}

func (s *stream) applyCompleted(err error) {
	s.mu.Lock()
	if s.closed || s.props.Completed {
		s.mu.Unlock()
		return
	}
	if !s.props.Opened {
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: transport completed before opening", ErrNotOpen)
		}
		s.applyFailedOpen(err)
		return
	}
	s.props.Completed = true
	if err == nil {
		s.checksum = hex.EncodeToString(s.hash.Sum(nil))
	}
	span := s.span
	s.mu.Unlock()

	if err != nil {
		s.logger.Info("stream completed with error", "error", err)
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	ev := newEvent(KindCompleted, s.Handle())
	ev.Success = err == nil
	ev.Err = err
	s.publish(ev)
}

func (s *stream) applyCacheFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.props.CacheFilename = path
}

// destroy runs once, on the loop, after Close.
func (s *stream) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	span := s.span
	s.mu.Unlock()

	s.publish(newEvent(KindDestroyed, s.Handle()))
	s.gen.Store(0)
	s.events.Clear()

	if err := s.transport.Close(); err != nil {
		s.logger.Warn("close transport failed", "error", err)
	}
	s.host.untrack(s)
	s.host.metrics.streamDestroyed()
	if span != nil {
		span.End()
	}
}

// abandon releases a stream whose start never reached the loop. Nothing was
// delivered for it, so no Destroyed event is published.
func (s *stream) abandon() {
	s.mu.Lock()
	already := s.destroyed
	s.closed, s.destroyed = true, true
	s.mu.Unlock()

	s.cancel()
	if already {
		return
	}
	s.gen.Store(0)
	s.events.Clear()
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("close transport failed", "error", err)
	}
	s.host.untrack(s)
	s.host.metrics.streamDestroyed()
}

// streamController marshals transport reports onto the host loop.
type streamController struct {
	s *stream
}

func (c *streamController) post(fn func()) {
	if !c.s.host.loop.Post(fn) {
		c.s.logger.Debug("dropping transport report, host loop stopped")
	}
}

// deliver waits until the loop ran fn so a fast transport cannot queue
// unbounded data ahead of the consumer.
func (c *streamController) deliver(fn func()) {
	if err := c.s.host.loop.PostWait(c.s.ctx, fn); err != nil {
		c.s.logger.Debug("data delivery abandoned", "error", err)
	}
}

func (c *streamController) Opened(info OpenInfo) {
	c.post(func() { c.s.applyOpened(info) })
}

func (c *streamController) FailedOpen(err error) {
	c.post(func() { c.s.applyFailedOpen(err) })
}

func (c *streamController) Data(offset int64, data []byte, eos bool) {
	buf := append([]byte(nil), data...)
	c.deliver(func() { c.s.applyData(offset, buf, eos) })
}

func (c *streamController) RangeData(r Range, offset int64, data []byte, eos bool) {
	buf := append([]byte(nil), data...)
	c.deliver(func() { c.s.applyRangeData(r, offset, buf, eos) })
}

func (c *streamController) RangeFailed(r Range, err error) {
	c.post(func() { c.s.applyRangeFailed(r, err) })
}

func (c *streamController) Completed(err error) {
	c.post(func() { c.s.applyCompleted(err) })
}

func (c *streamController) CacheFileReady(path string) {
	c.post(func() { c.s.applyCacheFile(path) })
}
