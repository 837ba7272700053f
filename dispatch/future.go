package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// Callback receives the outcome of a dispatch in callback mode.
//
// On success body holds the response text and err is nil. On failure body
// is empty and err is one of the package errors.
type Callback func(body string, err error)

// Future is a single-assignment result slot for one dispatch.
//
// It is resolved exactly once. Callers either block on Wait or register a
// continuation; both observe the same outcome.
type Future struct {
	done chan struct{}

	mu            sync.Mutex
	resolved      bool
	body          string
	err           error
	continuations []func(string, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve stores the outcome and runs registered continuations.
// Later calls are ignored and report false.
func (f *Future) resolve(body string, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.body, f.err = body, err
	conts := f.continuations
	f.continuations = nil
	close(f.done)
	f.mu.Unlock()

	for _, c := range conts {
		c(body, err)
	}
	return true
}

// Done returns a channel closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or ctx ends.
//
// When ctx ends first Wait returns ErrCanceled; the dispatch itself keeps
// its own context and is unaffected.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.body, f.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}
}

// Resolved reports whether the outcome is available.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Then registers cb to be posted to exec once the future resolves. If the
// future is already resolved cb is posted immediately.
func (f *Future) Then(exec Executor, cb Callback) {
	deliver := func(body string, err error) {
		exec.Post(func() { cb(body, err) })
	}

	f.mu.Lock()
	if f.resolved {
		body, err := f.body, f.err
		f.mu.Unlock()
		deliver(body, err)
		return
	}
	f.continuations = append(f.continuations, deliver)
	f.mu.Unlock()
}

// resolvedFuture returns a future that already holds err.
func resolvedFuture(err error) *Future {
	f := newFuture()
	f.resolve("", err)
	return f
}
