package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Executor runs completion callbacks in the caller's chosen execution
// context.
type Executor interface {
	Post(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

// Post implements Executor.
func (f ExecutorFunc) Post(fn func()) { f(fn) }

// GoExecutor runs every callback on its own goroutine. It is the default.
type GoExecutor struct{}

// Post implements Executor.
func (GoExecutor) Post(fn func()) { go fn() }

// MainLoop is a FIFO callback queue drained by a single owning goroutine.
//
// It models an application main thread: dispatch goroutines Post into it
// and the owner runs callbacks with Run or Drain, so callbacks never race
// with state owned by that goroutine.
//
//	loop := dispatch.NewMainLoop(logger)
//	d := dispatch.New(dispatch.WithExecutor(loop))
//	go loop.Run(ctx)
type MainLoop struct {
	logger zerolog.Logger
	wake   chan struct{}

	mu     sync.Mutex
	queue  []func()
	closed bool
}

// NewMainLoop creates an empty loop.
func NewMainLoop(logger zerolog.Logger) *MainLoop {
	return &MainLoop{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Post enqueues fn. After Close the callback is dropped and a warning logged.
func (l *MainLoop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Warn().Msg("main loop closed, dropping callback")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Drain runs every callback queued at the time of the call on the calling
// goroutine and returns how many ran.
func (l *MainLoop) Drain() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Len returns the number of queued callbacks.
func (l *MainLoop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run drains the queue until ctx ends or the loop is closed. Callbacks
// queued before Close are still run.
func (l *MainLoop) Run(ctx context.Context) error {
	for {
		l.Drain()

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			l.Drain()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Close stops accepting callbacks and wakes Run.
func (l *MainLoop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}
