package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenListTeam/browserstream"
	"github.com/OpenListTeam/browserstream/internal/streamtest"
)

func newHost(t *testing.T) *browserstream.Host {
	return streamtest.NewHost(t, browserstream.DefaultConfig(), Register)
}

func fileURL(path string) string {
	return "file://" + filepath.ToSlash(path)
}

func TestPath(t *testing.T) {
	p, err := Path("file:///tmp/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/tmp/data/a.txt"), p)

	p, err = Path("file://localhost/tmp/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/tmp/a.txt"), p)

	p, err = Path("file://share/dir/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("share", "dir", "a.txt"), p)

	_, err = Path("file://")
	assert.ErrorIs(t, err, browserstream.ErrInvalidURL)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	body := strings.Repeat("line of text\n", 1000)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: fileURL(path), Cache: true, InternalBufferSize: 1024}, rec)
	require.NoError(t, err)

	done := rec.WaitFor(t, browserstream.KindCompleted)
	require.True(t, done.Success)
	assert.Equal(t, body, string(rec.Body()))
	assert.Equal(t, int64(len(body)), s.Length())
	assert.True(t, strings.HasPrefix(s.MimeType(), "text/plain"))
	assert.Equal(t, path, s.CacheFilename())
	assert.False(t, s.IsSeekable())

	for _, ev := range rec.Events() {
		if ev.Kind == browserstream.KindDataArrived {
			assert.LessOrEqual(t, ev.Length(), 1024)
		}
	}
}

func TestReadRanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	body := []byte(strings.Repeat("0123456789", 100))
	require.NoError(t, os.WriteFile(path, body, 0o644))
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: fileURL(path), Seekable: true}, rec)
	require.NoError(t, err)
	rec.WaitFor(t, browserstream.KindOpened)
	assert.True(t, s.IsSeekable())
	assert.Equal(t, "application/octet-stream", s.MimeType())

	ranges := []browserstream.Range{{Start: 990, End: 1000}, {Start: 5, End: 8}, {Start: 995, End: 2000}}
	require.NoError(t, s.ReadRanges(ranges))
	// the last range runs past the end of the file and is clipped to it
	require.Eventually(t, func() bool {
		return rec.RangeEnded(ranges[2])
	}, streamtest.Timeout, 5*time.Millisecond)
	assert.True(t, rec.RangeEnded(ranges[0]))
	assert.True(t, rec.RangeEnded(ranges[1]))

	assert.Equal(t, "0123456789", string(rec.RangeBody(ranges[0])))
	assert.Equal(t, "567", string(rec.RangeBody(ranges[1])))
	assert.Equal(t, "56789", string(rec.RangeBody(ranges[2])))

	got := rec.Ranged()
	assert.Equal(t, ranges[0], got[0].Range)
	assert.Equal(t, ranges[2], got[len(got)-1].Range)
}

func TestMissingFileFailsOpen(t *testing.T) {
	h := newHost(t)
	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: fileURL(filepath.Join(t.TempDir(), "absent"))}, rec)
	require.NoError(t, err)

	ev := rec.WaitFor(t, browserstream.KindFailedOpen)
	assert.ErrorIs(t, ev.Err, os.ErrNotExist)
	assert.False(t, s.IsOpen())
}

func TestDirectoryFailsOpen(t *testing.T) {
	h := newHost(t)
	rec := &streamtest.Recorder{}
	_, err := h.CreateStream(browserstream.Request{URL: fileURL(t.TempDir())}, rec)
	require.NoError(t, err)
	rec.WaitFor(t, browserstream.KindFailedOpen)
}

func TestUploadCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.json")
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: fileURL(path), Method: "PUT"}, rec)
	require.NoError(t, err)
	rec.WaitFor(t, browserstream.KindOpened)
	assert.Equal(t, "application/json", s.MimeType())

	content := []byte(strings.Repeat(`{"k":"v"}`, 20000))
	pending := content
	for len(pending) > 0 {
		res, err := s.Write(pending)
		require.NoError(t, err)
		pending = pending[res.Written:]
		if !res.Done {
			time.Sleep(time.Millisecond)
		}
	}
	_, err = s.Write(nil)
	require.NoError(t, err)

	done := rec.WaitFor(t, browserstream.KindCompleted)
	require.True(t, done.Success, "completed with %v", done.Err)
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestCloseBeforeUploadEnds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.bin")
	h := newHost(t)

	rec := &streamtest.Recorder{}
	s, err := h.CreateStream(browserstream.Request{URL: fileURL(path), Method: "POST"}, rec)
	require.NoError(t, err)
	rec.WaitFor(t, browserstream.KindOpened)
	_, err = s.Write([]byte("some"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	rec.WaitFor(t, browserstream.KindDestroyed)
	_, completed := rec.Last(browserstream.KindCompleted)
	assert.False(t, completed)
}
