// Package probe serves the statusprobe HTTP surface: the last game status,
// dispatcher pool statistics, a health endpoint and Prometheus metrics.
package probe

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/sentinel-dispatch/dispatch"
	"github.com/kroma-labs/sentinel-dispatch/statuscheck"
)

// StatsSource reports dispatcher statistics.
type StatsSource interface {
	Stats() dispatch.Stats
}

// StatusSource reports the last successful status check.
type StatusSource interface {
	Last() (status statuscheck.GameStatus, checked time.Time, ok bool)
}

// Config wires the probe handlers.
type Config struct {
	ServiceName string
	Version     string

	Dispatcher StatsSource
	Status     StatusSource

	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	// StaleAfter fails /healthz when the last successful check is older.
	// Zero disables the age check.
	StaleAfter time.Duration

	Logger zerolog.Logger
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	statuscheck.GameStatus
	CheckedAt string `json:"checkedAt"`
}

// CheckResult is one named health check.
type CheckResult struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	LastChecked string `json:"last_checked,omitempty"`
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Hostname  string                 `json:"hostname,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type handler struct {
	cfg       Config
	startTime time.Time
	hostname  string
}

// NewRouter returns the probe routes:
//
//	GET /status   last GameStatus, 503 before the first successful check
//	GET /pool     dispatcher pool and latency statistics
//	GET /healthz  200 when a recent status check succeeded, 503 otherwise
//	GET /metrics  Prometheus metrics (when cfg.Metrics is set)
func NewRouter(cfg Config) chi.Router {
	hostname, _ := os.Hostname()
	h := &handler{cfg: cfg, startTime: time.Now(), hostname: hostname}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(cfg.Logger, "/healthz", "/metrics"))
	r.Use(recovery(cfg.Logger))

	r.Get("/status", h.status)
	r.Get("/pool", h.pool)
	r.Get("/healthz", h.health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	return r
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	status, checked, ok := h.cfg.Status.Last()
	if !ok {
		writeError(w, h.cfg.Logger, http.StatusServiceUnavailable,
			"status unavailable",
			Error{Field: "status", Message: "no successful status check yet"},
		)
		return
	}

	message := "ok"
	if status.IsMaintenance {
		message = "maintenance"
	}
	writeJSON(w, h.cfg.Logger, http.StatusOK, Response[StatusResponse]{
		Data: StatusResponse{
			GameStatus: status,
			CheckedAt:  checked.UTC().Format(time.RFC3339),
		},
		Message: message,
	})
}

func (h *handler) pool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.cfg.Logger, http.StatusOK, Response[dispatch.Stats]{
		Data: h.cfg.Dispatcher.Stats(),
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	check := CheckResult{Status: "ok", Message: "status check succeeded"}

	_, checked, ok := h.cfg.Status.Last()
	switch {
	case !ok:
		check = CheckResult{Status: "fail", Message: "no successful status check yet"}
	case h.cfg.StaleAfter > 0 && now.Sub(checked) > h.cfg.StaleAfter:
		check.Status = "fail"
		check.Message = "last successful status check is stale"
	}
	if ok {
		check.LastChecked = checked.UTC().Format(time.RFC3339)
	}

	statusCode := http.StatusOK
	message := "all checks passed"
	var errs []Error
	if check.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
		message = "one or more checks failed"
		errs = append(errs, Error{Field: "status_check", Message: check.Message})
	}

	writeJSON(w, h.cfg.Logger, statusCode, Response[HealthResponse]{
		Data: HealthResponse{
			Status:    check.Status,
			Service:   h.cfg.ServiceName,
			Version:   h.cfg.Version,
			Uptime:    now.Sub(h.startTime).Round(time.Second).String(),
			Hostname:  h.hostname,
			Timestamp: now.UTC().Format(time.RFC3339),
			Checks:    map[string]CheckResult{"status_check": check},
		},
		Errors:  errs,
		Message: message,
	})
}
