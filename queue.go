package browserstream

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// RangeQueue hands range requests from the stream to a transport worker
// without blocking the caller.
type RangeQueue struct {
	mu     sync.Mutex
	items  []Range
	closed bool
	notify chan struct{}
}

func NewRangeQueue() *RangeQueue {
	return &RangeQueue{notify: make(chan struct{}, 1)}
}

// Push appends ranges in request order.
func (q *RangeQueue) Push(ranges []Range) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, ranges...)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a range is queued. It returns false once ctx is done or
// the queue is closed.
func (q *RangeQueue) Next(ctx context.Context) (Range, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Range{}, false
		}
		if len(q.items) > 0 {
			r := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Range{}, false
		}
	}
}

// Len returns the number of ranges waiting.
func (q *RangeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *RangeQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// WriteBuffer is a bounded buffer between a stream's Write calls and an
// upload body. Write never blocks and accepts only what fits; Read blocks
// until data arrives, the writer closed or the buffer was aborted.
type WriteBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	limit  int
	closed bool
	err    error
}

var _ io.Reader = (*WriteBuffer)(nil)

func NewWriteBuffer(limit int) *WriteBuffer {
	if limit <= 0 {
		limit = DefaultBufferSize
	}
	b := &WriteBuffer{limit: limit}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write accepts up to the free capacity of the buffer. A zero-length write
// closes the writing side.
func (b *WriteBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return 0, b.err
	}
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		b.closed = true
		b.cond.Broadcast()
		return 0, nil
	}
	n := min(len(p), b.limit-b.buf.Len())
	if n > 0 {
		b.buf.Write(p[:n])
		b.cond.Broadcast()
	}
	return n, nil
}

func (b *WriteBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buf.Len() == 0 && !b.closed && b.err == nil {
		b.cond.Wait()
	}
	if b.err != nil {
		return 0, b.err
	}
	if b.buf.Len() == 0 {
		return 0, io.EOF
	}
	n, _ := b.buf.Read(p)
	b.cond.Broadcast()
	return n, nil
}

// CloseWrite ends the data; readers see io.EOF once the buffer drained.
func (b *WriteBuffer) CloseWrite() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Abort fails pending and future reads and writes with err.
func (b *WriteBuffer) Abort(err error) {
	if err == nil {
		err = io.ErrClosedPipe
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Buffered returns the number of bytes waiting to be read.
func (b *WriteBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
