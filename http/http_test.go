package http

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenListTeam/browserstream"
	"github.com/OpenListTeam/browserstream/internal/streamtest"
)

func payload(n int) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.IntN(256))
	}
	return b
}

func serveBytes(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newHost(t *testing.T) *browserstream.Host {
	cfg := browserstream.DefaultConfig()
	cfg.Retry.InitialInterval = time.Millisecond
	return streamtest.NewHost(t, cfg, Register)
}

func TestDownloadCachedSeekable(t *testing.T) {
	content := payload(200 * 1024)
	srv := serveBytes(t, content)
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: srv.URL + "/file.bin", Cache: true, Seekable: true}, rec)
	require.NoError(t, err)

	done := rec.WaitFor(t, browserstream.KindCompleted)
	require.True(t, done.Success, "completed with %v", done.Err)

	kinds := rec.Kinds()
	assert.Equal(t, browserstream.KindCreated, kinds[0])
	assert.Equal(t, browserstream.KindOpened, kinds[1])
	assert.Equal(t, browserstream.KindCompleted, kinds[len(kinds)-1])
	for _, k := range kinds[2 : len(kinds)-1] {
		assert.Equal(t, browserstream.KindDataArrived, k)
	}
	data, _ := rec.Last(browserstream.KindDataArrived)
	assert.True(t, data.EndOfStream)

	assert.Equal(t, content, rec.Body())
	assert.True(t, s.IsOpen())
	assert.True(t, s.IsSeekable())
	assert.Equal(t, int64(len(content)), s.Length())
	assert.Equal(t, "application/octet-stream", s.MimeType())
	assert.Contains(t, s.Headers(), "Accept-Ranges: bytes")

	require.NotEmpty(t, s.CacheFilename())
	cached, err := os.ReadFile(s.CacheFilename())
	require.NoError(t, err)
	assert.Equal(t, content, cached)

	sum := sha256.Sum256(content)
	got, err := s.Checksum()
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	require.NoError(t, s.Close())
	rec.WaitFor(t, browserstream.KindDestroyed)
	assert.FileExists(t, s.CacheFilename(), "committed cache files outlive the stream")
}

func TestDownloadFailedOpen(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: srv.URL + "/missing"}, rec)
	require.NoError(t, err)

	ev := rec.WaitFor(t, browserstream.KindFailedOpen)
	var te *browserstream.TransportError
	require.ErrorAs(t, ev.Err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.False(t, s.IsOpen())
	assert.True(t, s.IsCompleted())

	require.NoError(t, s.Close())
	rec.WaitFor(t, browserstream.KindDestroyed)
	assert.Equal(t, []browserstream.EventKind{
		browserstream.KindCreated, browserstream.KindFailedOpen, browserstream.KindDestroyed,
	}, rec.Kinds())
}

// Each range is delivered completely, in request order, before the next
// one starts.
func TestReadRangesFromOpenedHandler(t *testing.T) {
	content := payload(300 * 1024)
	srv := serveBytes(t, content)
	h := newHost(t)

	ranges := []browserstream.Range{
		{Start: 250_000, End: 250_100},
		{Start: 0, End: 70_000},
		{Start: 1000, End: 1001},
	}
	var rangeErr error
	rec := &streamtest.Recorder{OnEvent: func(ev *browserstream.Event, s browserstream.BrowserStream) {
		if ev.Kind == browserstream.KindOpened {
			rangeErr = s.ReadRanges(ranges)
		}
	}}
	_, err := h.CreateStream(browserstream.Request{URL: srv.URL, Seekable: true, InternalBufferSize: 16 * 1024}, rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		finished := 0
		for _, ev := range rec.Ranged() {
			if ev.EndOfStream {
				finished++
			}
		}
		return finished == len(ranges)
	}, streamtest.Timeout, 5*time.Millisecond)
	require.NoError(t, rangeErr)

	for _, r := range ranges {
		assert.Equal(t, content[r.Start:r.End], rec.RangeBody(r))
	}

	var order []browserstream.Range
	for _, ev := range rec.Ranged() {
		if len(order) == 0 || order[len(order)-1] != ev.Range {
			order = append(order, ev.Range)
		}
	}
	assert.Equal(t, ranges, order)

	big := rec.Ranged()
	for _, ev := range big {
		if ev.Range == ranges[1] {
			assert.LessOrEqual(t, ev.Length(), 16*1024)
		}
	}
}

func TestReadRangeOnNonSeekableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "no ranges here")
	}))
	defer srv.Close()
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: srv.URL, Seekable: true}, rec)
	require.NoError(t, err)
	rec.WaitFor(t, browserstream.KindCompleted)

	assert.False(t, s.IsSeekable())
	before := len(rec.Events())
	assert.ErrorIs(t, s.ReadRange(100, 200), browserstream.ErrNotSeekable)
	streamtest.Settle(t, h)
	assert.Len(t, rec.Events(), before)
	assert.Equal(t, "no ranges here", string(rec.Body()))
}

func TestCloseAbortsTransfer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write(make([]byte, 4096))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: srv.URL, Cache: true, InternalBufferSize: 1024}, rec)
	require.NoError(t, err)
	rec.WaitFor(t, browserstream.KindDataArrived)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), browserstream.ErrAlreadyClosed)
	rec.WaitFor(t, browserstream.KindDestroyed)
	count := len(rec.Events())

	time.Sleep(50 * time.Millisecond)
	streamtest.Settle(t, h)
	evs := rec.Events()
	assert.Len(t, evs, count, "no events after Destroyed")
	assert.Equal(t, browserstream.KindDestroyed, evs[len(evs)-1].Kind)
	_, completed := rec.Last(browserstream.KindCompleted)
	assert.False(t, completed)
	assert.Empty(t, s.CacheFilename())
	assert.Zero(t, h.Streams())
}

func writeAll(t *testing.T, s browserstream.BrowserStream, p []byte) {
	t.Helper()
	deadline := time.Now().Add(streamtest.Timeout)
	for len(p) > 0 {
		res, err := s.Write(p)
		require.NoError(t, err)
		p = p[res.Written:]
		if !res.Done {
			require.True(t, time.Now().Before(deadline), "upload stalled")
			time.Sleep(time.Millisecond)
		}
	}
	res, err := s.Write(nil)
	require.NoError(t, err)
	assert.True(t, res.Done)
}

func TestUpload(t *testing.T) {
	var (
		mu       sync.Mutex
		received []byte
		method   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received, method = body, r.Method
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	h := newHost(t)

	content := payload(150 * 1024)
	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{
		URL:                srv.URL + "/upload",
		Method:             http.MethodPut,
		InternalBufferSize: 8 * 1024,
	}, rec)
	require.NoError(t, err)
	rec.WaitFor(t, browserstream.KindOpened)

	assert.ErrorIs(t, s.ReadRange(0, 10), browserstream.ErrNotSeekable)
	writeAll(t, s, content)

	done := rec.WaitFor(t, browserstream.KindCompleted)
	require.True(t, done.Success, "completed with %v", done.Err)
	mu.Lock()
	assert.Equal(t, content, received)
	assert.Equal(t, http.MethodPut, method)
	mu.Unlock()

	sum := sha256.Sum256(content)
	got, err := s.Checksum()
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	_, err = s.Write([]byte("late"))
	assert.ErrorIs(t, err, browserstream.ErrCompleted)
}

func TestUploadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: srv.URL, Method: http.MethodPost}, rec)
	require.NoError(t, err)
	rec.WaitFor(t, browserstream.KindOpened)
	writeAll(t, s, []byte("payload"))

	done := rec.WaitFor(t, browserstream.KindCompleted)
	assert.False(t, done.Success)
	var te *browserstream.TransportError
	require.ErrorAs(t, done.Err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
}

func TestUploadConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	url := "http://" + ln.Addr().String() + "/upload"
	require.NoError(t, ln.Close())
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: url, Method: http.MethodPut}, rec)
	require.NoError(t, err)

	ev := rec.WaitFor(t, browserstream.KindFailedOpen)
	var te *browserstream.TransportError
	require.ErrorAs(t, ev.Err, &te)
	assert.Zero(t, te.StatusCode)
	assert.False(t, s.IsOpen())
	assert.Equal(t, []browserstream.EventKind{browserstream.KindCreated, browserstream.KindFailedOpen}, rec.Kinds())

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, browserstream.ErrNotOpen)
}

func TestDownloadRejectsWrites(t *testing.T) {
	srv := serveBytes(t, []byte("abc"))
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: srv.URL}, rec)
	require.NoError(t, err)
	rec.WaitFor(t, browserstream.KindOpened)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, browserstream.ErrNotWritable)
}
