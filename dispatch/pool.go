package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// OverflowPolicy decides what happens when every worker is busy and the
// pool is already at MaxWorkers.
type OverflowPolicy int

const (
	// OverflowReject fails the dispatch immediately with ErrOverloaded.
	OverflowReject OverflowPolicy = iota

	// OverflowQueue waits for a worker to be released, honouring the
	// dispatch context.
	OverflowQueue
)

// String returns the policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowReject:
		return "reject"
	case OverflowQueue:
		return "queue"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy parses "reject" or "queue".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "reject", "":
		return OverflowReject, nil
	case "queue":
		return OverflowQueue, nil
	default:
		return OverflowReject, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// MinWorkers is created on the first dispatch.
	//
	// Default: 5
	MinWorkers int

	// MaxWorkers caps pool growth. Zero means unbounded.
	//
	// Default: 64
	MaxWorkers int

	// Overflow applies once MaxWorkers workers are all busy.
	//
	// Default: OverflowReject
	Overflow OverflowPolicy
}

// Default pool sizes.
const (
	DefaultMinWorkers = 5
	DefaultMaxWorkers = 64
)

// DefaultPoolConfig returns 5 initial workers growing to at most 64.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinWorkers: DefaultMinWorkers,
		MaxWorkers: DefaultMaxWorkers,
		Overflow:   OverflowReject,
	}
}

// UnboundedPoolConfig grows without limit: a new worker is created whenever
// none is idle.
func UnboundedPoolConfig() PoolConfig {
	return PoolConfig{
		MinWorkers: DefaultMinWorkers,
		MaxWorkers: 0,
	}
}

func (c PoolConfig) normalize() PoolConfig {
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MaxWorkers < 0 {
		c.MaxWorkers = 0
	}
	if c.MaxWorkers > 0 && c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	return c
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Total      int           `json:"total"`
	Idle       int           `json:"idle"`
	Busy       int           `json:"busy"`
	Max        int           `json:"max"`
	Overflow   string        `json:"overflow"`
	Overloaded int64         `json:"overloaded"`
	Workers    []WorkerStats `json:"workers,omitempty"`
}

// pool owns the workers. Workers are created on demand and live until the
// dispatcher is discarded.
type pool struct {
	cfg       PoolConfig
	sem       *semaphore.Weighted // nil when unbounded
	newWorker func(id int) *worker
	metrics   *metrics
	logger    zerolog.Logger
	attrs     []attribute.KeyValue

	mu      sync.Mutex
	workers []*worker

	overloaded atomic.Int64
}

func newPool(
	cfg PoolConfig,
	newWorker func(id int) *worker,
	m *metrics,
	logger zerolog.Logger,
	attrs []attribute.KeyValue,
) *pool {
	p := &pool{
		cfg:       cfg,
		newWorker: newWorker,
		metrics:   m,
		logger:    logger,
		attrs:     attrs,
	}
	if cfg.MaxWorkers > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxWorkers))
	}
	return p
}

// ensureMinimumCapacity seeds an empty pool with MinWorkers and adds one
// worker when none is idle, within MaxWorkers.
func (p *pool) ensureMinimumCapacity() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) == 0 {
		for range p.cfg.MinWorkers {
			p.growLocked()
		}
	}

	if p.idleLocked() == 0 && p.canGrowLocked() {
		p.growLocked()
	}
}

// acquire claims a worker for exclusive use.
//
// With a bounded pool a permit is taken first; holding a permit guarantees
// an idle worker exists or one more can be created.
func (p *pool) acquire(ctx context.Context) (*worker, error) {
	if p.sem != nil {
		if p.cfg.Overflow == OverflowQueue {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return nil, fmt.Errorf("%w: waiting for worker: %w", ErrCanceled, err)
			}
		} else if !p.sem.TryAcquire(1) {
			p.overloaded.Add(1)
			return nil, ErrOverloaded
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.busy.CompareAndSwap(false, true) {
			p.metrics.recordWorkerBusy(context.Background(), 1, p.attrs)
			return w, nil
		}
	}

	w := p.growLocked()
	w.busy.Store(true)
	p.metrics.recordWorkerBusy(context.Background(), 1, p.attrs)
	return w, nil
}

// release returns w to the idle set.
func (p *pool) release(w *worker) {
	w.busy.Store(false)
	p.metrics.recordWorkerBusy(context.Background(), -1, p.attrs)
	if p.sem != nil {
		p.sem.Release(1)
	}
}

func (p *pool) growLocked() *worker {
	w := p.newWorker(len(p.workers) + 1)
	p.workers = append(p.workers, w)
	p.metrics.recordWorkerCreated(context.Background(), p.attrs)
	p.logger.Debug().
		Int("worker_id", w.id).
		Int("pool_size", len(p.workers)).
		Msg("worker created")
	return w
}

func (p *pool) idleLocked() int {
	idle := 0
	for _, w := range p.workers {
		if !w.busy.Load() {
			idle++
		}
	}
	return idle
}

func (p *pool) canGrowLocked() bool {
	return p.cfg.MaxWorkers == 0 || len(p.workers) < p.cfg.MaxWorkers
}

func (p *pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Total:      len(p.workers),
		Max:        p.cfg.MaxWorkers,
		Overflow:   p.cfg.Overflow.String(),
		Overloaded: p.overloaded.Load(),
		Workers:    make([]WorkerStats, 0, len(p.workers)),
	}
	for _, w := range p.workers {
		ws := w.stats()
		if ws.Busy {
			s.Busy++
		} else {
			s.Idle++
		}
		s.Workers = append(s.Workers, ws)
	}
	return s
}

func (p *pool) closeIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.closeIdleConnections()
	}
}
