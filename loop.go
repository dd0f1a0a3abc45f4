package browserstream

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Loop runs tasks one at a time on a single goroutine. It plays the role of
// the browser's UI thread: every stream event is delivered from here.
// The queue is unbounded so a task may post further tasks without blocking.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool
	started bool

	wake   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	onPanic func(recovered any)
}

// NewLoop creates a loop. Call Run to start processing.
func NewLoop(logger *slog.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: orDiscard(logger),
	}
}

// Post queues fn. It returns false once the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PostWait queues fn and waits until it ran. It must not be called from a
// task running on the loop.
func (l *Loop) PostWait(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrHostClosed
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// Stop drains the queue, so fn ran or never will.
		select {
		case <-ran:
			return nil
		default:
			return ErrHostClosed
		}
	}
}

// Run processes tasks until Stop is called and the queue is drained.
func (l *Loop) Run() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.stopped {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.execute(task)
	}
}

// Stop rejects further posts. Tasks already queued still run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", "panic", r, "stack", string(debug.Stack()))
			if l.onPanic != nil {
				l.onPanic(r)
			}
		}
	}()
	task()
}
