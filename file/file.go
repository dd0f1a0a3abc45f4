// Package file serves file:// URLs. Reads come straight from disk and PUT
// or POST requests write the uploaded bytes to the target path.
package file

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/OpenListTeam/browserstream"
)

const defaultMimeType = "application/octet-stream"

type fileTransport struct {
	env     *browserstream.TransportEnv
	req     browserstream.Request
	ctrl    browserstream.Controller
	logger  *slog.Logger
	path    string
	bufSize int

	ranges *browserstream.RangeQueue
	upload *browserstream.WriteBuffer

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// Register binds the transport to the file scheme of h.
func Register(h *browserstream.Host) error {
	return h.RegisterTransport("file", Factory)
}

// Factory builds a file transport. The path is resolved here, the file
// itself is opened once the stream starts.
func Factory(env *browserstream.TransportEnv, req browserstream.Request, ctrl browserstream.Controller) (browserstream.Transport, error) {
	path, err := Path(req.URL)
	if err != nil {
		return nil, err
	}
	t := &fileTransport{
		env:     env,
		req:     req,
		ctrl:    ctrl,
		logger:  env.Logger.With("component", "file_transport", "path", path),
		path:    path,
		bufSize: env.BufferSize(req),
		ranges:  browserstream.NewRangeQueue(),
	}
	if req.IsUpload() {
		t.upload = browserstream.NewWriteBuffer(t.bufSize)
	}
	return t, nil
}

// Path extracts the local path of a file URL. file://host/path is joined
// into host/path.
func Path(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", browserstream.ErrInvalidURL, err)
	}
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		p = filepath.Join(u.Host, u.Path)
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty path in %q", browserstream.ErrInvalidURL, rawURL)
	}
	return filepath.FromSlash(p), nil
}

func (t *fileTransport) Start(ctx context.Context) {
	if t.upload != nil {
		go t.runUpload(ctx)
		return
	}
	go t.runRead(ctx)
}

func (t *fileTransport) RequestRanges(ranges []browserstream.Range) error {
	if t.upload != nil {
		return browserstream.ErrNotSeekable
	}
	return t.ranges.Push(ranges)
}

func (t *fileTransport) Write(p []byte) (int, error) {
	if t.upload == nil {
		return 0, browserstream.ErrNotWritable
	}
	return t.upload.Write(p)
}

func (t *fileTransport) Close() error {
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
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}

func (t *fileTransport) setFile(f *os.File, size int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		f.Close()
		return false
	}
	t.file = f
	t.size = size
	return true
}

func (t *fileTransport) runRead(ctx context.Context) {
	f, err := os.Open(t.path)
	if err != nil {
		t.ctrl.FailedOpen(&browserstream.TransportError{URL: t.req.URL, Op: "open", Err: err})
		return
	}
	fi, err := f.Stat()
	if err == nil && fi.IsDir() {
		err = fmt.Errorf("%s is a directory", t.path)
	}
	if err != nil {
		f.Close()
		t.ctrl.FailedOpen(&browserstream.TransportError{URL: t.req.URL, Op: "stat", Err: err})
		return
	}
	if !t.setFile(f, fi.Size()) {
		return
	}

	if t.req.Cache {
		// The file already is the local copy.
		t.ctrl.CacheFileReady(t.path)
	}
	t.ctrl.Opened(browserstream.OpenInfo{
		Seekable: t.req.Seekable,
		Length:   fi.Size(),
		MimeType: mimeType(t.path),
	})
	go t.serveRanges(ctx)

	_, err = browserstream.Pump(ctx, io.NewSectionReader(f, 0, fi.Size()), 0, t.bufSize, t.env.Limiter, t.ctrl.Data)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.ctrl.Completed(&browserstream.TransportError{URL: t.req.URL, Op: "read", Err: err})
		return
	}
	t.ctrl.Completed(nil)
}

func (t *fileTransport) serveRanges(ctx context.Context) {
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

func (t *fileTransport) readRange(ctx context.Context, r browserstream.Range) error {
	t.mu.Lock()
	f, size := t.file, t.size
	t.mu.Unlock()
	if r.Start >= size {
		return fmt.Errorf("%w: %d-%d past end %d", browserstream.ErrInvalidRange, r.Start, r.End, size)
	}
	end := min(r.End, size)
	_, err := browserstream.Pump(ctx, io.NewSectionReader(f, r.Start, end-r.Start), r.Start, t.bufSize, t.env.Limiter, func(offset int64, p []byte, eos bool) {
		if len(p) > 0 || eos {
			t.ctrl.RangeData(r, offset, p, eos)
		}
	})
	return err
}

func (t *fileTransport) runUpload(ctx context.Context) {
	if dir := filepath.Dir(t.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.ctrl.FailedOpen(&browserstream.TransportError{URL: t.req.URL, Op: "mkdir", Err: err})
			return
		}
	}
	f, err := os.Create(t.path)
	if err != nil {
		t.ctrl.FailedOpen(&browserstream.TransportError{URL: t.req.URL, Op: "create", Err: err})
		return
	}
	if !t.setFile(f, 0) {
		return
	}
	t.ctrl.Opened(browserstream.OpenInfo{MimeType: mimeType(t.path)})

	n, err := io.Copy(f, t.upload)
	if err == nil {
		err = f.Sync()
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.upload.Abort(err)
		t.ctrl.Completed(&browserstream.TransportError{URL: t.req.URL, Op: "write", Err: err})
		return
	}
	t.logger.Debug("upload written", "bytes", n)
	t.ctrl.Completed(nil)
}

func mimeType(path string) string {
	if typ := mime.TypeByExtension(filepath.Ext(path)); typ != "" {
		return typ
	}
	return defaultMimeType
}
