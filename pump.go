package browserstream

import (
	"context"
	"errors"
	"io"

	"golang.org/x/time/rate"
)

// EmitFunc receives one chunk of a pumped body. p is only valid during the call.
type EmitFunc func(offset int64, p []byte, eos bool)

// Pump reads r in chunks of size bytes, starting at offset, and hands each
// chunk to emit. The last chunk carries eos; an empty body produces a single
// empty eos chunk. It returns the number of bytes emitted.
func Pump(ctx context.Context, r io.Reader, offset int64, size int, limiter *rate.Limiter, emit EmitFunc) (int64, error) {
	if size <= 0 {
		size = DefaultBufferSize
	}
	cur := make([]byte, size)
	next := make([]byte, size)

	n, err := readChunk(r, cur)
	if err != nil && err != io.EOF {
		return 0, err
	}
	if n == 0 {
		emit(offset, nil, true)
		return 0, nil
	}

	var total int64
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return total, ctxErr
		}

		m, nextErr := 0, io.EOF
		if err == nil {
			m, nextErr = readChunk(r, next)
		}
		if nextErr != nil && nextErr != io.EOF {
			if werr := Throttle(ctx, limiter, n); werr != nil {
				return total, werr
			}
			emit(offset+total, cur[:n], false)
			return total + int64(n), nextErr
		}

		eos := m == 0
		if werr := Throttle(ctx, limiter, n); werr != nil {
			return total, werr
		}
		emit(offset+total, cur[:n], eos)
		total += int64(n)
		if eos {
			return total, nil
		}
		cur, next = next, cur
		n, err = m, nextErr
	}
}

// readChunk fills buf as far as r allows. A short read at the end of r
// returns io.EOF together with the bytes read.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return n, io.EOF
	}
	return n, err
}

// Throttle waits until limiter allows n more bytes. A nil limiter never waits.
func Throttle(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil || limiter.Limit() == rate.Inf {
		return nil
	}
	burst := limiter.Burst()
	if burst <= 0 {
		return nil
	}
	for n > 0 {
		step := min(n, burst)
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
