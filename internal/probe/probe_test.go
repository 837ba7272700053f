package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/sentinel-dispatch/dispatch"
	"github.com/kroma-labs/sentinel-dispatch/statuscheck"
)

type fakeStatus struct {
	status  statuscheck.GameStatus
	checked time.Time
	ok      bool
}

func (f fakeStatus) Last() (statuscheck.GameStatus, time.Time, bool) {
	return f.status, f.checked, f.ok
}

type fakeStats struct {
	stats dispatch.Stats
}

func (f fakeStats) Stats() dispatch.Stats {
	return f.stats
}

func serve(t *testing.T, cfg Config, path string) *httptest.ResponseRecorder {
	t.Helper()
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = fakeStats{}
	}
	cfg.Logger = zerolog.Nop()
	rec := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) Response[T] {
	t.Helper()
	var resp Response[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRouter_Status(t *testing.T) {
	tests := []struct {
		name        string
		source      fakeStatus
		wantCode    int
		wantMessage string
	}{
		{
			name:        "given no successful check, then 503",
			source:      fakeStatus{},
			wantCode:    http.StatusServiceUnavailable,
			wantMessage: "status unavailable",
		},
		{
			name: "given last status, then 200 with payload",
			source: fakeStatus{
				status:  statuscheck.GameStatus{Status: 1, ContentCatalog: "c1"},
				checked: time.Now(),
				ok:      true,
			},
			wantCode:    http.StatusOK,
			wantMessage: "ok",
		},
		{
			name: "given maintenance, then 200 flagged as maintenance",
			source: fakeStatus{
				status:  statuscheck.GameStatus{Status: 2, IsMaintenance: true},
				checked: time.Now(),
				ok:      true,
			},
			wantCode:    http.StatusOK,
			wantMessage: "maintenance",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, Config{Status: tt.source}, "/status")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			resp := decode[StatusResponse](t, rec)
			assert.Equal(t, tt.wantMessage, resp.Message)
			if tt.source.ok {
				assert.Equal(t, tt.source.status.Status, resp.Data.Status)
				assert.Equal(t, tt.source.status.IsMaintenance, resp.Data.IsMaintenance)
				assert.NotEmpty(t, resp.Data.CheckedAt)
			}
		})
	}
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		source     fakeStatus
		staleAfter time.Duration
		wantCode   int
		wantStatus string
	}{
		{
			name:       "given no successful check, then 503",
			source:     fakeStatus{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
		},
		{
			name:       "given recent check, then 200",
			source:     fakeStatus{checked: time.Now(), ok: true},
			staleAfter: time.Minute,
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "given stale check, then 503",
			source:     fakeStatus{checked: time.Now().Add(-time.Hour), ok: true},
			staleAfter: time.Minute,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
		},
		{
			name:       "given old check and no staleness limit, then 200",
			source:     fakeStatus{checked: time.Now().Add(-time.Hour), ok: true},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, Config{
				ServiceName: "statusprobe",
				Version:     "1.2.3",
				Status:      tt.source,
				StaleAfter:  tt.staleAfter,
			}, "/healthz")
			assert.Equal(t, tt.wantCode, rec.Code)

			resp := decode[HealthResponse](t, rec)
			assert.Equal(t, tt.wantStatus, resp.Data.Status)
			assert.Equal(t, "statusprobe", resp.Data.Service)
			assert.Equal(t, "1.2.3", resp.Data.Version)
			assert.Equal(t, tt.wantStatus, resp.Data.Checks["status_check"].Status)
			if tt.wantStatus == "fail" {
				assert.NotEmpty(t, resp.Errors)
			}
		})
	}
}

func TestRouter_Pool(t *testing.T) {
	t.Run("given dispatcher traffic, then reports pool statistics", func(t *testing.T) {
		rt := dispatch.NewMockTransport().StubResponse(http.StatusOK, `{"status":1}`)
		d := dispatch.New(dispatch.WithMockTransport(rt), dispatch.WithLogger(zerolog.Nop()))
		t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

		_, err := d.Get(context.Background(), "https://api.example.test/status")
		require.NoError(t, err)

		rec := serve(t, Config{Dispatcher: d, Status: fakeStatus{}}, "/pool")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[dispatch.Stats](t, rec)
		assert.Equal(t, dispatch.DefaultMinWorkers, resp.Data.Pool.Total)
		assert.Equal(t, dispatch.DefaultMinWorkers, resp.Data.Pool.Idle)
		assert.Equal(t, "reject", resp.Data.Pool.Overflow)
		assert.Equal(t, int64(1), resp.Data.Latency.Count)
	})
}

func TestRouter_Metrics(t *testing.T) {
	t.Run("given metrics handler, then /metrics is routed", func(t *testing.T) {
		metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("probe_up 1\n"))
		})
		rec := serve(t, Config{Status: fakeStatus{}, Metrics: metrics}, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "probe_up 1\n", rec.Body.String())
	})

	t.Run("given no metrics handler, then /metrics is not found", func(t *testing.T) {
		rec := serve(t, Config{Status: fakeStatus{}}, "/metrics")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRecovery(t *testing.T) {
	t.Run("given panicking handler, then 500 JSON", func(t *testing.T) {
		h := recovery(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		resp := decode[any](t, rec)
		assert.Equal(t, "internal server error", resp.Message)
	})
}

func TestServer_Serve(t *testing.T) {
	t.Run("given canceled context, then shuts down gracefully", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		router := NewRouter(Config{Status: fakeStatus{}, Dispatcher: fakeStats{}, Logger: zerolog.Nop()})
		srv := NewServer(ServerConfig{ShutdownTimeout: time.Second}, router, zerolog.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Serve(ctx, ln) }()

		url := "http://" + ln.Addr().String() + "/healthz"
		require.Eventually(t, func() bool {
			resp, err := http.Get(url) //nolint:noctx // test
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusServiceUnavailable
		}, time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("server did not stop")
		}
	})
}
