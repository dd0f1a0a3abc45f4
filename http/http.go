// Package http is the callback driven host transport: the server pushes the
// body and every chunk is reported as it arrives. Byte ranges are fetched
// with separate Range requests.
package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/OpenListTeam/browserstream"
	"github.com/OpenListTeam/browserstream/internal/httpx"
)

type httpTransport struct {
	env     *browserstream.TransportEnv
	req     browserstream.Request
	ctrl    browserstream.Controller
	logger  *slog.Logger
	bufSize int
	method  string

	ranges *browserstream.RangeQueue
	upload *browserstream.WriteBuffer // upload mode only

	mu        sync.Mutex
	cacheFile *os.File
	closed    bool
}

// Register binds the transport to the http and https schemes of h.
func Register(h *browserstream.Host) error {
	for _, scheme := range []string{"http", "https"} {
		if err := h.RegisterTransport(scheme, Factory); err != nil {
			return err
		}
	}
	return nil
}

// Factory builds an HTTP transport for one stream.
func Factory(env *browserstream.TransportEnv, req browserstream.Request, ctrl browserstream.Controller) (browserstream.Transport, error) {
	t := &httpTransport{
		env:     env,
		req:     req,
		ctrl:    ctrl,
		logger:  env.Logger.With("component", "http_transport", "url", req.URL),
		bufSize: env.BufferSize(req),
		method:  http.MethodGet,
		ranges:  browserstream.NewRangeQueue(),
	}
	if req.IsUpload() {
		t.method = req.Method
		t.upload = browserstream.NewWriteBuffer(t.bufSize)
	}
	return t, nil
}

func (t *httpTransport) Start(ctx context.Context) {
	if t.upload != nil {
		go t.runUpload(ctx)
		return
	}
	go t.runDownload(ctx)
	go t.serveRanges(ctx)
}

func (t *httpTransport) RequestRanges(ranges []browserstream.Range) error {
	if t.upload != nil {
		return browserstream.ErrNotSeekable
	}
	return t.ranges.Push(ranges)
}

func (t *httpTransport) Write(p []byte) (int, error) {
	if t.upload == nil {
		return 0, browserstream.ErrNotWritable
	}
	return t.upload.Write(p)
}

func (t *httpTransport) Close() error {
	t.ranges.Close()
	if t.upload != nil {
		t.upload.Abort(browserstream.ErrClosed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.dropCacheFile()
}

func (t *httpTransport) runDownload(ctx context.Context) {
	resp, err := httpx.Open(ctx, t.env, t.req, http.MethodGet, "")
	if err != nil {
		if ctx.Err() == nil {
			t.ctrl.FailedOpen(err)
		}
		return
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if t.req.Cache {
		if f := t.openCacheFile(); f != nil {
			body = io.TeeReader(resp.Body, f)
		}
	}

	t.ctrl.Opened(httpx.Info(resp, t.req.Seekable))
	_, err = browserstream.Pump(ctx, body, 0, t.bufSize, t.env.Limiter, t.ctrl.Data)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.abandonCacheFile()
		t.ctrl.Completed(&browserstream.TransportError{URL: t.req.URL, Op: "read", Err: err})
		return
	}
	if path, ok := t.commitCacheFile(); ok {
		t.ctrl.CacheFileReady(path)
	}
	t.ctrl.Completed(nil)
}

func (t *httpTransport) serveRanges(ctx context.Context) {
	for {
		r, ok := t.ranges.Next(ctx)
		if !ok {
			return
		}
		if err := t.fetchRange(ctx, r); err != nil && ctx.Err() == nil {
			t.ctrl.RangeFailed(r, err)
		}
	}
}

func (t *httpTransport) fetchRange(ctx context.Context, r browserstream.Range) error {
	resp, err := httpx.Open(ctx, t.env, t.req, http.MethodGet, httpx.RangeHeader(r))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return &browserstream.TransportError{URL: t.req.URL, Op: "range", StatusCode: resp.StatusCode, Err: httpx.ErrRangeIgnored}
	}

	body := io.LimitReader(resp.Body, r.Len())
	_, err = browserstream.Pump(ctx, body, r.Start, t.bufSize, t.env.Limiter, func(offset int64, p []byte, eos bool) {
		if len(p) > 0 || eos {
			t.ctrl.RangeData(r, offset, p, eos)
		}
	})
	return err
}

func (t *httpTransport) runUpload(ctx context.Context) {
	// The body can be fed once the server connection exists.
	var connected atomic.Bool
	traced := httpx.WithConnected(ctx, func() {
		connected.Store(true)
		t.ctrl.Opened(browserstream.OpenInfo{MimeType: t.req.Headers["Content-Type"]})
	})

	resp, err := httpx.Do(traced, t.env, t.req, t.method, "", t.upload)
	if err != nil {
		t.upload.Abort(err)
		switch {
		case ctx.Err() != nil:
		case connected.Load():
			t.ctrl.Completed(err)
		default:
			t.ctrl.FailedOpen(err)
		}
		return
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.logger.Debug("drain upload response failed", "error", err)
	}
	t.upload.Abort(browserstream.ErrCompleted)
	t.logger.Debug("upload finished", "status", resp.StatusCode)
	t.ctrl.Completed(nil)
}

func (t *httpTransport) openCacheFile() *os.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	f, err := t.env.Cache.Create(t.req.URL)
	if err != nil {
		t.logger.Warn("cache file unavailable, streaming without a local copy", "error", err)
		return nil
	}
	t.cacheFile = f
	return f
}

func (t *httpTransport) commitCacheFile() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cacheFile == nil || t.closed {
		return "", false
	}
	path := t.cacheFile.Name()
	if err := t.cacheFile.Sync(); err != nil {
		t.logger.Warn("sync cache file failed", "path", path, "error", err)
	}
	if err := t.cacheFile.Close(); err != nil {
		t.logger.Warn("close cache file failed", "path", path, "error", err)
		return "", false
	}
	t.cacheFile = nil
	t.env.Cache.Commit(t.req.URL, path)
	return path, true
}

func (t *httpTransport) abandonCacheFile() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.dropCacheFile(); err != nil {
		t.logger.Warn("discard cache file failed", "error", err)
	}
}

// dropCacheFile removes an uncommitted cache file. Callers hold t.mu.
func (t *httpTransport) dropCacheFile() error {
	if t.cacheFile == nil {
		return nil
	}
	path := t.cacheFile.Name()
	t.cacheFile.Close()
	t.cacheFile = nil
	if err := t.env.Cache.Discard(path); err != nil {
		return fmt.Errorf("discard cache file: %w", err)
	}
	return nil
}
