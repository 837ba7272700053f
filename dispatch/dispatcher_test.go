package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const statusURL = "https://api.example.test/status"

// newTestDispatcher returns a dispatcher backed by mock with a 1ms retry
// delay, silent logging and automatic shutdown.
func newTestDispatcher(t *testing.T, mock *MockTransport, opts ...Option) *Dispatcher {
	t.Helper()

	base := []Option{
		WithMockTransport(mock),
		WithLogger(zerolog.Nop()),
		WithRetryConfig(RetryConfig{MaxRetries: DefaultMaxRetries, Delay: time.Millisecond}),
	}
	d := New(append(base, opts...)...)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

// waitGroupTimeout fails the test if wg does not finish in time.
func waitGroupTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for requests")
	}
}

func TestDispatcher_Get(t *testing.T) {
	tests := []struct {
		name         string
		mockFn       func(*MockTransport)
		opts         []Option
		wantBody     string
		wantErr      assert.ErrorAssertionFunc
		wantRequests int
		wantWaits    int
	}{
		{
			name: "given first attempt succeeds, then returns body verbatim",
			mockFn: func(m *MockTransport) {
				m.StubResponse(http.StatusOK, `{"status":1}`)
			},
			wantBody:     `{"status":1}`,
			wantErr:      assert.NoError,
			wantRequests: 1,
			wantWaits:    0,
		},
		{
			name: "given two network errors then success, then returns body after two waits",
			mockFn: func(m *MockTransport) {
				m.EnqueueError(io.ErrUnexpectedEOF).
					EnqueueError(errors.New("connection reset by peer")).
					StubResponse(http.StatusOK, "ok")
			},
			wantBody:     "ok",
			wantErr:      assert.NoError,
			wantRequests: 3,
			wantWaits:    2,
		},
		{
			name: "given five failures then success, then returns body on the last allowed attempt",
			mockFn: func(m *MockTransport) {
				for range 5 {
					m.Enqueue(http.StatusInternalServerError, "boom")
				}
				m.StubResponse(http.StatusOK, "finally")
			},
			wantBody:     "finally",
			wantErr:      assert.NoError,
			wantRequests: 6,
			wantWaits:    5,
		},
		{
			name: "given every attempt fails, then returns ErrRetryExhausted after six attempts",
			mockFn: func(m *MockTransport) {
				m.StubResponse(http.StatusServiceUnavailable, "down")
			},
			wantBody:     "",
			wantErr:      errorIs(ErrRetryExhausted),
			wantRequests: 6,
			wantWaits:    5,
		},
		{
			name: "given NoRetryConfig and failure, then makes a single attempt",
			mockFn: func(m *MockTransport) {
				m.StubError(errors.New("connection refused"))
			},
			opts:         []Option{WithRetryConfig(NoRetryConfig())},
			wantErr:      errorIs(ErrRetryExhausted),
			wantRequests: 1,
			wantWaits:    0,
		},
		{
			name: "given semantic classifier and 404, then stops without retry",
			mockFn: func(m *MockTransport) {
				m.StubResponse(http.StatusNotFound, "missing")
			},
			opts: []Option{WithRetryClassifier(SemanticClassifier)},
			wantErr: func(t assert.TestingT, err error, _ ...any) bool {
				var te *TransportError
				return assert.ErrorAs(t, err, &te) &&
					assert.Equal(t, http.StatusNotFound, te.StatusCode) &&
					assert.NotErrorIs(t, err, ErrRetryExhausted)
			},
			wantRequests: 1,
			wantWaits:    0,
		},
		{
			name: "given semantic classifier and 503 then success, then retries",
			mockFn: func(m *MockTransport) {
				m.Enqueue(http.StatusServiceUnavailable, "").StubResponse(http.StatusOK, "up")
			},
			opts:         []Option{WithRetryClassifier(SemanticClassifier)},
			wantBody:     "up",
			wantErr:      assert.NoError,
			wantRequests: 2,
			wantWaits:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTransport()
			tt.mockFn(mock)

			var waits atomic.Int32
			var delays []time.Duration
			var mu sync.Mutex
			hook := WithRetryHook(func(_ int, delay time.Duration, _ error) {
				waits.Add(1)
				mu.Lock()
				delays = append(delays, delay)
				mu.Unlock()
			})

			d := newTestDispatcher(t, mock, append([]Option{hook}, tt.opts...)...)

			body, err := d.Get(context.Background(), statusURL)

			tt.wantErr(t, err)
			assert.Equal(t, tt.wantBody, body)
			assert.Equal(t, tt.wantRequests, mock.RequestCount())
			assert.Equal(t, int32(tt.wantWaits), waits.Load())
			for _, delay := range delays {
				assert.Equal(t, time.Millisecond, delay)
			}

			stats := d.Stats()
			assert.Zero(t, stats.Pool.Busy, "worker must be idle after completion")
		})
	}
}

func TestDispatcher_Scenarios(t *testing.T) {
	t.Run("given empty pool, then first dispatch creates the minimum workers and returns body", func(t *testing.T) {
		mock := NewMockTransport().StubPath("/status", http.StatusOK, `{"status":1}`)
		d := newTestDispatcher(t, mock)

		assert.Zero(t, d.Stats().Pool.Total)

		body, err := d.Get(context.Background(), statusURL)
		require.NoError(t, err)
		assert.Equal(t, `{"status":1}`, body)

		stats := d.Stats()
		assert.Equal(t, DefaultMinWorkers, stats.Pool.Total)
		assert.Equal(t, DefaultMinWorkers, stats.Pool.Idle)
	})

	t.Run("given errors on attempts one to three, then succeeds on the fourth with retry count three", func(t *testing.T) {
		mock := NewMockTransport().
			EnqueueError(errors.New("connection reset by peer")).
			EnqueueError(errors.New("connection reset by peer")).
			EnqueueError(errors.New("connection reset by peer")).
			StubResponse(http.StatusOK, `{"status":1}`)

		var waits []int
		d := newTestDispatcher(t, mock, WithRetryHook(func(attempt int, _ time.Duration, _ error) {
			waits = append(waits, attempt)
		}))

		body, err := d.Get(context.Background(), statusURL)
		require.NoError(t, err)
		assert.Equal(t, `{"status":1}`, body)
		assert.Equal(t, []int{1, 2, 3}, waits)

		var served []WorkerStats
		for _, w := range d.Stats().Pool.Workers {
			if w.Served > 0 {
				served = append(served, w)
			}
		}
		require.Len(t, served, 1)
		assert.Equal(t, 3, served[0].RetryCount)
		assert.False(t, served[0].Busy)
	})

	t.Run("given always failing backend, then callback fires once with empty body and ErrRetryExhausted", func(t *testing.T) {
		mock := NewMockTransport().StubError(errors.New("connection refused"))
		loop := NewMainLoop(zerolog.Nop())
		d := newTestDispatcher(t, mock, WithExecutor(loop))

		var calls int
		var gotBody string
		var gotErr error
		d.GetAsync(context.Background(), statusURL, func(body string, err error) {
			calls++
			gotBody, gotErr = body, err
		})

		require.Eventually(t, func() bool {
			loop.Drain()
			return calls > 0
		}, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, d.Shutdown(context.Background()))
		loop.Drain()

		assert.Equal(t, 1, calls)
		assert.Empty(t, gotBody)
		assert.ErrorIs(t, gotErr, ErrRetryExhausted)
		assert.Equal(t, DefaultMaxRetries+1, mock.RequestCount())

		var te *TransportError
		require.ErrorAs(t, gotErr, &te)
		assert.Equal(t, DefaultMaxRetries+1, te.Attempt)
	})
}

func TestDispatcher_Post(t *testing.T) {
	t.Run("given raw JSON body, then sends it with JSON content type", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusOK, `{"ok":true}`)
		d := newTestDispatcher(t, mock)

		body, err := d.Post(context.Background(), "https://api.example.test/login",
			[]byte(`{"user":"a"}`), H("X-Client", "probe"))
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, body)

		req := mock.LastRequest()
		require.NotNil(t, req)
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Equal(t, "probe", req.Header.Get("X-Client"))
		assert.Equal(t, `{"user":"a"}`, string(mock.Bodies()[0]))
	})

	t.Run("given retries, then every attempt re-sends the identical body", func(t *testing.T) {
		mock := NewMockTransport().
			Enqueue(http.StatusBadGateway, "").
			StubResponse(http.StatusOK, "ok")
		d := newTestDispatcher(t, mock)

		_, err := d.Post(context.Background(), "https://api.example.test/login", []byte(`{"n":1}`))
		require.NoError(t, err)

		bodies := mock.Bodies()
		require.Len(t, bodies, 2)
		assert.Equal(t, bodies[0], bodies[1])
	})

	t.Run("given typed payload, then PostJSON serializes it", func(t *testing.T) {
		type login struct {
			User string `json:"user"`
			Seq  int    `json:"seq"`
		}
		mock := NewMockTransport().StubResponse(http.StatusOK, "ok")
		d := newTestDispatcher(t, mock)

		_, err := d.PostJSON(context.Background(), "https://api.example.test/login", login{User: "a", Seq: 2})
		require.NoError(t, err)

		var got login
		require.NoError(t, json.Unmarshal(mock.Bodies()[0], &got))
		assert.Equal(t, login{User: "a", Seq: 2}, got)
	})

	t.Run("given unserializable payload, then returns ErrInvalidDescriptor", func(t *testing.T) {
		mock := NewMockTransport()
		d := newTestDispatcher(t, mock)

		_, err := d.PostJSON(context.Background(), "https://api.example.test/login", make(chan int))
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
		assert.Zero(t, mock.RequestCount())
	})

	t.Run("given empty body, then rejects before dispatch", func(t *testing.T) {
		mock := NewMockTransport()
		d := newTestDispatcher(t, mock)

		_, err := d.Post(context.Background(), "https://api.example.test/login", nil)
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
		assert.Zero(t, d.Stats().Pool.Total)
	})
}

func TestDispatcher_Headers(t *testing.T) {
	t.Run("given default headers, then descriptor headers override them", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusOK, "ok")
		d := newTestDispatcher(t, mock,
			WithDefaultHeaders(H("X-App", "probe"), H("X-Client", "default")),
		)

		_, err := d.Get(context.Background(), statusURL, H("X-Client", "mine"))
		require.NoError(t, err)

		req := mock.LastRequest()
		assert.Equal(t, "probe", req.Header.Get("X-App"))
		assert.Equal(t, "mine", req.Header.Get("X-Client"))
	})

	t.Run("given a recording tracer, then trace context is injected", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusOK, "ok")
		tp, _ := newTestTracerProvider()
		d := newTestDispatcher(t, mock, WithTracerProvider(tp))

		_, err := d.Get(context.Background(), statusURL)
		require.NoError(t, err)
		assert.NotEmpty(t, mock.LastRequest().Header.Get("Traceparent"))
	})
}

func TestDispatcher_Async(t *testing.T) {
	tests := []struct {
		name     string
		mockFn   func(*MockTransport)
		call     func(d *Dispatcher, cb Callback)
		wantBody string
		wantErr  assert.ErrorAssertionFunc
	}{
		{
			name:   "given GetAsync success, then callback receives body",
			mockFn: func(m *MockTransport) { m.StubResponse(http.StatusOK, "pong") },
			call: func(d *Dispatcher, cb Callback) {
				d.GetAsync(context.Background(), statusURL, cb)
			},
			wantBody: "pong",
			wantErr:  assert.NoError,
		},
		{
			name:   "given PostAsync success, then callback receives body",
			mockFn: func(m *MockTransport) { m.StubResponse(http.StatusOK, "created") },
			call: func(d *Dispatcher, cb Callback) {
				d.PostAsync(context.Background(), statusURL, []byte(`{}`), cb)
			},
			wantBody: "created",
			wantErr:  assert.NoError,
		},
		{
			name:   "given PostJSONAsync success, then callback receives body",
			mockFn: func(m *MockTransport) { m.StubResponse(http.StatusOK, "created") },
			call: func(d *Dispatcher, cb Callback) {
				d.PostJSONAsync(context.Background(), statusURL, map[string]int{"a": 1}, cb)
			},
			wantBody: "created",
			wantErr:  assert.NoError,
		},
		{
			name:   "given invalid target, then callback receives ErrInvalidDescriptor",
			mockFn: func(*MockTransport) {},
			call: func(d *Dispatcher, cb Callback) {
				d.GetAsync(context.Background(), "not a url", cb)
			},
			wantErr: errorIs(ErrInvalidDescriptor),
		},
		{
			name:   "given POST without body, then callback receives ErrInvalidDescriptor",
			mockFn: func(*MockTransport) {},
			call: func(d *Dispatcher, cb Callback) {
				d.PostAsync(context.Background(), statusURL, nil, cb)
			},
			wantErr: errorIs(ErrInvalidDescriptor),
		},
		{
			name:   "given nil descriptor, then callback receives ErrInvalidDescriptor",
			mockFn: func(*MockTransport) {},
			call: func(d *Dispatcher, cb Callback) {
				d.DoAsync(context.Background(), nil, cb)
			},
			wantErr: errorIs(ErrInvalidDescriptor),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTransport()
			tt.mockFn(mock)
			d := newTestDispatcher(t, mock)

			type result struct {
				body string
				err  error
			}
			results := make(chan result, 2)
			tt.call(d, func(body string, err error) {
				results <- result{body: body, err: err}
			})

			select {
			case r := <-results:
				tt.wantErr(t, r.err)
				assert.Equal(t, tt.wantBody, r.body)
			case <-time.After(2 * time.Second):
				t.Fatal("callback not delivered")
			}

			require.NoError(t, d.Shutdown(context.Background()))
			time.Sleep(10 * time.Millisecond)
			assert.Empty(t, results, "callback must be delivered exactly once")
		})
	}
}

func TestDispatcher_Concurrency(t *testing.T) {
	t.Run("given more concurrent dispatches than idle workers, then the pool grows and all complete", func(t *testing.T) {
		const n = 20

		var arrived sync.WaitGroup
		arrived.Add(n)
		release := make(chan struct{})
		mock := NewMockTransport().
			OnRequest(func(*http.Request) {
				arrived.Done()
				<-release
			}).
			StubResponse(http.StatusOK, "ok")

		d := newTestDispatcher(t, mock, WithPoolConfig(UnboundedPoolConfig()))

		var g errgroup.Group
		for i := 0; i < n; i++ {
			g.Go(func() error {
				body, err := d.Get(context.Background(), fmt.Sprintf("%s?i=%d", statusURL, i))
				if err != nil {
					return err
				}
				if body != "ok" {
					return fmt.Errorf("unexpected body %q", body)
				}
				return nil
			})
		}

		waitGroupTimeout(t, &arrived, 2*time.Second)

		stats := d.Stats()
		assert.GreaterOrEqual(t, stats.Pool.Total, n)
		assert.Equal(t, n, stats.Pool.Busy)

		close(release)
		require.NoError(t, g.Wait())

		stats = d.Stats()
		assert.Zero(t, stats.Pool.Busy)
		var served int64
		for _, w := range stats.Pool.Workers {
			served += w.Served
		}
		assert.Equal(t, int64(n), served)
	})
}

func TestDispatcher_Overflow(t *testing.T) {
	t.Run("given saturated pool with reject policy, then returns ErrOverloaded", func(t *testing.T) {
		var arrived sync.WaitGroup
		arrived.Add(2)
		release := make(chan struct{})
		mock := NewMockTransport().
			OnRequest(func(*http.Request) {
				arrived.Done()
				<-release
			}).
			StubResponse(http.StatusOK, "ok")

		d := newTestDispatcher(t, mock, WithPoolConfig(PoolConfig{
			MinWorkers: 1,
			MaxWorkers: 2,
			Overflow:   OverflowReject,
		}))

		var g errgroup.Group
		for range 2 {
			g.Go(func() error {
				_, err := d.Get(context.Background(), statusURL)
				return err
			})
		}
		waitGroupTimeout(t, &arrived, 2*time.Second)

		_, err := d.Get(context.Background(), statusURL)
		assert.ErrorIs(t, err, ErrOverloaded)
		assert.Equal(t, int64(1), d.Stats().Pool.Overloaded)
		assert.Equal(t, 2, d.Stats().Pool.Total)

		close(release)
		require.NoError(t, g.Wait())
	})

	t.Run("given saturated pool with queue policy, then waits for a free worker", func(t *testing.T) {
		first := make(chan struct{})
		release := make(chan struct{})
		var calls atomic.Int32
		mock := NewMockTransport().
			OnRequest(func(*http.Request) {
				if calls.Add(1) == 1 {
					close(first)
					<-release
				}
			}).
			StubResponse(http.StatusOK, "ok")

		d := newTestDispatcher(t, mock, WithPoolConfig(PoolConfig{
			MinWorkers: 1,
			MaxWorkers: 1,
			Overflow:   OverflowQueue,
		}))

		errCh := make(chan error, 1)
		go func() {
			_, err := d.Get(context.Background(), statusURL)
			errCh <- err
		}()
		<-first

		queued := make(chan error, 1)
		go func() {
			_, err := d.Get(context.Background(), statusURL)
			queued <- err
		}()

		select {
		case <-queued:
			t.Fatal("queued dispatch finished while the only worker was busy")
		case <-time.After(30 * time.Millisecond):
		}

		close(release)
		require.NoError(t, <-errCh)
		require.NoError(t, <-queued)
		assert.Equal(t, 1, d.Stats().Pool.Total)
	})

	t.Run("given queued dispatch whose context ends, then returns ErrCanceled", func(t *testing.T) {
		first := make(chan struct{})
		release := make(chan struct{})
		mock := NewMockTransport().
			OnRequest(func(*http.Request) {
				close(first)
				<-release
			}).
			StubResponse(http.StatusOK, "ok")

		d := newTestDispatcher(t, mock, WithPoolConfig(PoolConfig{
			MinWorkers: 1,
			MaxWorkers: 1,
			Overflow:   OverflowQueue,
		}))

		go func() { _, _ = d.Get(context.Background(), statusURL) }()
		<-first

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := d.Get(ctx, statusURL)
		assert.ErrorIs(t, err, ErrCanceled)

		close(release)
	})
}

func TestDispatcher_Cancellation(t *testing.T) {
	t.Run("given context canceled during backoff wait, then returns ErrCanceled not ErrRetryExhausted", func(t *testing.T) {
		mock := NewMockTransport().StubError(errors.New("connection refused"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		d := newTestDispatcher(t, mock,
			WithRetryConfig(RetryConfig{MaxRetries: 5, Delay: time.Hour}),
			WithRetryHook(func(int, time.Duration, error) { cancel() }),
		)

		_, err := d.Get(ctx, statusURL)
		assert.ErrorIs(t, err, ErrCanceled)
		assert.NotErrorIs(t, err, ErrRetryExhausted)
		assert.Equal(t, 1, mock.RequestCount())

		require.Eventually(t, func() bool {
			return d.Stats().Pool.Busy == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("given context canceled during an attempt, then returns ErrCanceled", func(t *testing.T) {
		mock := NewMockTransport().
			OnRequest(func(r *http.Request) { <-r.Context().Done() }).
			StubResponse(http.StatusOK, "late")

		d := newTestDispatcher(t, mock)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := d.Get(ctx, statusURL)
		assert.ErrorIs(t, err, ErrCanceled)
	})

	t.Run("given already canceled context, then nothing is sent", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusOK, "ok")
		d := newTestDispatcher(t, mock)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := d.Get(ctx, statusURL)
		assert.ErrorIs(t, err, ErrCanceled)
		assert.Zero(t, mock.RequestCount())
	})
}

func TestDispatcher_Shutdown(t *testing.T) {
	t.Run("given shutdown, then new dispatches fail with ErrClosed", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusOK, "ok")
		d := newTestDispatcher(t, mock)

		require.NoError(t, d.Shutdown(context.Background()))
		require.NoError(t, d.Shutdown(context.Background()))

		_, err := d.Get(context.Background(), statusURL)
		assert.ErrorIs(t, err, ErrClosed)
		assert.Zero(t, mock.RequestCount())
	})

	t.Run("given in-flight dispatch, then shutdown waits until ctx expires", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		mock := NewMockTransport().
			OnRequest(func(*http.Request) {
				close(started)
				<-release
			}).
			StubResponse(http.StatusOK, "ok")
		d := newTestDispatcher(t, mock)

		errCh := make(chan error, 1)
		go func() {
			_, err := d.Get(context.Background(), statusURL)
			errCh <- err
		}()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := d.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(release)
		require.NoError(t, <-errCh, "in-flight dispatch still completes")
		require.NoError(t, d.Shutdown(context.Background()))
	})
}

func TestDispatcher_Coalescing(t *testing.T) {
	t.Run("given concurrent identical GETs, then one request is sent and both share the body", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		mock := NewMockTransport().
			OnRequest(func(*http.Request) {
				once.Do(func() { close(started) })
				<-release
			}).
			StubResponse(http.StatusOK, "shared")

		d := newTestDispatcher(t, mock, WithCoalescing())

		var g errgroup.Group
		bodies := make([]string, 2)
		g.Go(func() error {
			var err error
			bodies[0], err = d.Get(context.Background(), statusURL)
			return err
		})
		<-started
		g.Go(func() error {
			var err error
			bodies[1], err = d.Get(context.Background(), statusURL)
			return err
		})

		time.Sleep(50 * time.Millisecond)
		close(release)
		require.NoError(t, g.Wait())

		assert.Equal(t, []string{"shared", "shared"}, bodies)
		assert.Equal(t, 1, mock.RequestCount())
	})

	t.Run("given the first caller cancels, then the other caller still gets the body", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		mock := NewMockTransport().
			OnRequest(func(*http.Request) {
				once.Do(func() { close(started) })
				<-release
			}).
			StubResponse(http.StatusOK, "ok")

		d := newTestDispatcher(t, mock, WithCoalescing())

		firstCtx, cancelFirst := context.WithCancel(context.Background())
		firstErr := make(chan error, 1)
		go func() {
			_, err := d.Get(firstCtx, statusURL)
			firstErr <- err
		}()
		<-started

		type result struct {
			body string
			err  error
		}
		second := make(chan result, 1)
		go func() {
			body, err := d.Get(context.Background(), statusURL)
			second <- result{body: body, err: err}
		}()

		// let the second caller join the shared request
		time.Sleep(50 * time.Millisecond)
		cancelFirst()

		select {
		case err := <-firstErr:
			assert.ErrorIs(t, err, ErrCanceled)
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("canceled caller did not return")
		}

		close(release)

		select {
		case res := <-second:
			require.NoError(t, res.err)
			assert.Equal(t, "ok", res.body)
		case <-time.After(2 * time.Second):
			t.Fatal("second caller did not return")
		}
		assert.Equal(t, 1, mock.RequestCount())
	})
}

func TestDispatcher_RealTransport(t *testing.T) {
	t.Run("given httptest server failing once, then retries over a real connection", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write(append([]byte("echo:"), body...))
		}))
		defer server.Close()

		d := New(
			WithLogger(zerolog.Nop()),
			WithRetryConfig(RetryConfig{MaxRetries: 2, Delay: time.Millisecond}),
		)
		defer d.Shutdown(context.Background())

		body, err := d.Post(context.Background(), server.URL+"/echo", []byte(`{"x":1}`))
		require.NoError(t, err)
		assert.Equal(t, `echo:{"x":1}`, body)
		assert.Equal(t, int32(2), hits.Load())
	})
}

func TestDispatcher_Stats(t *testing.T) {
	t.Run("given completed dispatches, then latency percentiles are reported", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusOK, "ok")
		d := newTestDispatcher(t, mock)

		for range 10 {
			_, err := d.Get(context.Background(), statusURL)
			require.NoError(t, err)
		}

		stats := d.Stats()
		assert.Equal(t, int64(10), stats.Latency.Count)
		assert.LessOrEqual(t, stats.Latency.P50, stats.Latency.P99)
		assert.LessOrEqual(t, stats.Latency.P99, stats.Latency.Max)
		assert.Equal(t, DefaultMaxWorkers, stats.Pool.Max)
		assert.Equal(t, "reject", stats.Pool.Overflow)
	})
}
