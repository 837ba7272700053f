package dispatch

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram range in microseconds: 1µs to 1h, 3 significant figures.
const (
	latencyMin     = 1
	latencyMax     = int64(time.Hour / time.Microsecond)
	latencySigFigs = 3
)

// LatencyStats summarizes completed dispatch durations, retries included.
type LatencyStats struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// latencyRecorder keeps an in-process HDR histogram of dispatch durations.
type latencyRecorder struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{
		hist: hdrhistogram.New(latencyMin, latencyMax, latencySigFigs),
	}
}

func (r *latencyRecorder) record(d time.Duration) {
	us := d.Microseconds()
	if us < latencyMin {
		us = latencyMin
	}
	if us > latencyMax {
		us = latencyMax
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.hist.RecordValue(us) // in range by construction
}

func (r *latencyRecorder) snapshot() LatencyStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hist.TotalCount() == 0 {
		return LatencyStats{}
	}

	return LatencyStats{
		Count: r.hist.TotalCount(),
		Mean:  time.Duration(r.hist.Mean()) * time.Microsecond,
		P50:   time.Duration(r.hist.ValueAtQuantile(50)) * time.Microsecond,
		P95:   time.Duration(r.hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:   time.Duration(r.hist.ValueAtQuantile(99)) * time.Microsecond,
		Max:   time.Duration(r.hist.Max()) * time.Microsecond,
	}
}
