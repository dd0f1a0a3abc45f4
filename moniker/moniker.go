// Package moniker is the pull model host transport. The download is bound
// to a local file first, the way a URL moniker binds to a storage stream,
// and both sequential data and byte ranges are served from that file.
// Ranges therefore work whenever they were requested, whatever the server
// supports, but a range waits until its bytes are on disk.
package moniker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/OpenListTeam/browserstream"
	"github.com/OpenListTeam/browserstream/internal/httpx"
)

var ErrBeyondEnd = errors.New("range starts past the end of the resource")

type monikerTransport struct {
	env     *browserstream.TransportEnv
	req     browserstream.Request
	ctrl    browserstream.Controller
	logger  *slog.Logger
	bufSize int
	ranges  *browserstream.RangeQueue

	mu         sync.Mutex
	cond       *sync.Cond
	file       *os.File
	downloaded int64
	finished   bool
	failed     error
	committed  bool
	closed     bool
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

// Factory builds a moniker transport. Uploads are not supported.
func Factory(env *browserstream.TransportEnv, req browserstream.Request, ctrl browserstream.Controller) (browserstream.Transport, error) {
	if req.IsUpload() {
		return nil, fmt.Errorf("moniker %s: %w", req.Method, browserstream.ErrUnsupported)
	}
	t := &monikerTransport{
		env:     env,
		req:     req,
		ctrl:    ctrl,
		logger:  env.Logger.With("component", "moniker_transport", "url", req.URL),
		bufSize: env.BufferSize(req),
		ranges:  browserstream.NewRangeQueue(),
	}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
}

func (t *monikerTransport) Start(ctx context.Context) {
	go t.bind(ctx)
	go t.serveRanges(ctx)
}

func (t *monikerTransport) RequestRanges(ranges []browserstream.Range) error {
	return t.ranges.Push(ranges)
}

func (t *monikerTransport) Write([]byte) (int, error) {
	return 0, browserstream.ErrNotWritable
}

func (t *monikerTransport) Close() error {
	t.ranges.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cond.Broadcast()
	if t.file == nil {
		return nil
	}
	path := t.file.Name()
	err := t.file.Close()
	if !t.committed {
		if derr := t.env.Cache.Discard(path); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

func (t *monikerTransport) bind(ctx context.Context) {
	resp, err := httpx.Open(ctx, t.env, t.req, http.MethodGet, "")
	if err != nil {
		if ctx.Err() == nil {
			t.ctrl.FailedOpen(err)
		}
		return
	}
	defer resp.Body.Close()

	f, err := t.env.Cache.Create(t.req.URL)
	if err != nil {
		t.ctrl.FailedOpen(&browserstream.TransportError{URL: t.req.URL, Op: "bind", Err: err})
		return
	}
	if !t.setFile(f) {
		return
	}

	info := httpx.Info(resp, false)
	info.Seekable = t.req.Seekable
	t.ctrl.Opened(info)

	body := io.TeeReader(resp.Body, progressWriter{t})
	_, err = browserstream.Pump(ctx, body, 0, t.bufSize, t.env.Limiter, t.ctrl.Data)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		err = &browserstream.TransportError{URL: t.req.URL, Op: "read", Err: err}
		t.finish(err)
		t.ctrl.Completed(err)
		return
	}
	t.finish(nil)
	if t.req.Cache {
		if path, ok := t.commit(); ok {
			t.ctrl.CacheFileReady(path)
		}
	}
	t.ctrl.Completed(nil)
}

func (t *monikerTransport) setFile(f *os.File) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		f.Close()
		_ = t.env.Cache.Discard(f.Name())
		return false
	}
	t.file = f
	return true
}

// progressWriter appends downloaded bytes to the bound file and wakes
// range readers waiting for them.
type progressWriter struct {
	t *monikerTransport
}

func (w progressWriter) Write(p []byte) (int, error) {
	t := w.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, browserstream.ErrClosed
	}
	n, err := t.file.Write(p)
	t.downloaded += int64(n)
	t.cond.Broadcast()
	return n, err
}

func (t *monikerTransport) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	t.failed = err
	if err == nil && t.file != nil {
		if serr := t.file.Sync(); serr != nil {
			t.logger.Warn("sync bound file failed", "error", serr)
		}
	}
	t.cond.Broadcast()
}

func (t *monikerTransport) commit() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.file == nil {
		return "", false
	}
	path := t.file.Name()
	t.env.Cache.Commit(t.req.URL, path)
	t.committed = true
	return path, true
}

func (t *monikerTransport) serveRanges(ctx context.Context) {
	for {
		r, ok := t.ranges.Next(ctx)
		if !ok {
			return
		}
		if err := t.readRange(ctx, r); err != nil && ctx.Err() == nil {
			t.ctrl.RangeFailed(r, err)
		}
	}
}

// available blocks until the bytes of r are on disk or the download ended,
// and returns the readable end of r.
func (t *monikerTransport) available(r browserstream.Range) (*os.File, int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.closed && !t.finished && t.downloaded < r.End {
		t.cond.Wait()
	}
	switch {
	case t.closed:
		return nil, 0, browserstream.ErrClosed
	case t.downloaded >= r.End:
		return t.file, r.End, nil
	case t.failed != nil:
		return nil, 0, t.failed
	case r.Start >= t.downloaded:
		return nil, 0, ErrBeyondEnd
	default:
		return t.file, t.downloaded, nil
	}
}

func (t *monikerTransport) readRange(ctx context.Context, r browserstream.Range) error {
	f, end, err := t.available(r)
	if err != nil {
		return err
	}
	section := io.NewSectionReader(f, r.Start, end-r.Start)
	_, err = browserstream.Pump(ctx, section, r.Start, t.bufSize, t.env.Limiter, func(offset int64, p []byte, eos bool) {
		if len(p) > 0 || eos {
			t.ctrl.RangeData(r, offset, p, eos)
		}
	})
	return err
}
