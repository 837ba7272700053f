// Package statuscheck polls a game status endpoint through a dispatcher.
//
// Example:
//
//	d := dispatch.New(dispatch.WithServiceName("status"))
//	checker := statuscheck.New(d, "https://api.example.test/status")
//
//	status, err := checker.Check(ctx)
//	if err != nil {
//	    return err
//	}
//	if status.IsMaintenance {
//	    // show the maintenance screen
//	}
package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroma-labs/sentinel-dispatch/dispatch"
)

var (
	// ErrEmptyStatus is returned when the endpoint answers 2xx with no body.
	ErrEmptyStatus = errors.New("statuscheck: empty status response")

	// ErrInvalidInterval is returned by Watch for a non-positive interval.
	ErrInvalidInterval = errors.New("statuscheck: watch interval must be positive")
)

// MasterVersion is the version of one master data table.
type MasterVersion struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// GameStatus is the payload served by the status endpoint.
type GameStatus struct {
	Status         int             `json:"status"`
	IsMaintenance  bool            `json:"isMaintenance"`
	ContentCatalog string          `json:"contentCatalog"`
	MasterVersion  []MasterVersion `json:"masterVersion"`
}

// Getter is the part of *dispatch.Dispatcher the checker needs.
type Getter interface {
	Get(ctx context.Context, uri string, headers ...dispatch.Header) (string, error)
}

// Checker fetches and remembers the game status.
type Checker struct {
	getter Getter
	uri    string
	logger zerolog.Logger

	mu      sync.RWMutex
	last    *GameStatus
	checked time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the checker logger. Default: disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Checker) {
		c.logger = l
	}
}

// New creates a Checker for uri.
func New(getter Getter, uri string, opts ...Option) *Checker {
	c := &Checker{
		getter: getter,
		uri:    uri,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URI returns the status endpoint.
func (c *Checker) URI() string {
	return c.uri
}

// Check fetches the status once. On success the result replaces the one
// returned by Last; on failure Last is left untouched.
func (c *Checker) Check(ctx context.Context) (*GameStatus, error) {
	c.logger.Debug().Str("url", c.uri).Msg("status check started")

	body, err := c.getter.Get(ctx, c.uri)
	if err != nil {
		return nil, fmt.Errorf("status check: %w", err)
	}

	status, err := dispatch.DecodeJSON[GameStatus](body)
	if err != nil {
		if errors.Is(err, dispatch.ErrEmptyBody) {
			return nil, ErrEmptyStatus
		}
		return nil, fmt.Errorf("status check: %w", err)
	}

	c.mu.Lock()
	c.last = &status
	c.checked = time.Now()
	c.mu.Unlock()

	c.logger.Info().
		Int("status", status.Status).
		Bool("maintenance", status.IsMaintenance).
		Int("master_tables", len(status.MasterVersion)).
		Msg("status check completed")

	out := status
	out.MasterVersion = append([]MasterVersion(nil), status.MasterVersion...)
	return &out, nil
}

// Last returns a copy of the most recent successful result and when it was
// fetched. ok is false until a check has succeeded.
func (c *Checker) Last() (status GameStatus, checked time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.last == nil {
		return GameStatus{}, time.Time{}, false
	}
	status = *c.last
	status.MasterVersion = append([]MasterVersion(nil), c.last.MasterVersion...)
	return status, c.checked, true
}

// Watch checks immediately and then every interval until ctx is done,
// passing each outcome to fn. It returns ctx.Err(), or ErrInvalidInterval
// without checking when interval is not positive.
func (c *Checker) Watch(ctx context.Context, interval time.Duration, fn func(*GameStatus, error)) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Check(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("url", c.uri).Msg("status check failed")
		}
		if fn != nil {
			fn(status, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
