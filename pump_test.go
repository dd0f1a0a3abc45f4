package browserstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type chunk struct {
	offset int64
	data   string
	eos    bool
}

func collect(chunks *[]chunk) EmitFunc {
	return func(offset int64, p []byte, eos bool) {
		*chunks = append(*chunks, chunk{offset, string(p), eos})
	}
}

func TestPumpChunksWithOffsets(t *testing.T) {
	var got []chunk
	n, err := Pump(context.Background(), strings.NewReader("abcdefghij"), 100, 4, nil, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, []chunk{
		{100, "abcd", false},
		{104, "efgh", false},
		{108, "ij", true},
	}, got)
}

func TestPumpExactMultipleMarksLastChunk(t *testing.T) {
	var got []chunk
	_, err := Pump(context.Background(), iotest.OneByteReader(strings.NewReader("abcdefgh")), 0, 4, nil, collect(&got))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].eos)
	assert.True(t, got[1].eos)
	assert.Equal(t, "efgh", got[1].data)
}

func TestPumpEmptyBody(t *testing.T) {
	var got []chunk
	n, err := Pump(context.Background(), bytes.NewReader(nil), 0, 4, nil, collect(&got))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []chunk{{0, "", true}}, got)
}

func TestPumpReadError(t *testing.T) {
	cause := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("abcdef"), iotest.ErrReader(cause))

	var got []chunk
	n, err := Pump(context.Background(), r, 0, 4, nil, collect(&got))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int64(4), n)
	for _, c := range got {
		assert.False(t, c.eos)
	}
}

func TestPumpStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var got []chunk
	_, err := Pump(ctx, strings.NewReader(strings.Repeat("x", 64)), 0, 8, nil, func(offset int64, p []byte, eos bool) {
		got = append(got, chunk{offset, string(p), eos})
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, got, 1)
}

func TestThrottle(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(1000), 100)
	start := time.Now()
	require.NoError(t, Throttle(context.Background(), limiter, 300))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	require.NoError(t, Throttle(context.Background(), nil, 1<<20))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, Throttle(ctx, rate.NewLimiter(1, 1), 10))
}
