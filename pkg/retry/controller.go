// Package retry governs the conversation snapshot fetch: exponential backoff
// for transient failures, a terminal Failed state exited only by an explicit
// user retry, and an independent periodic refresh that heals silent event
// loss regardless of socket health.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/tinyinbox/pkg/logger"
)

// State is the controller's fetch state.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateBackoff  State = "backoff"
	StateFailed   State = "failed"
)

// ErrFetchInFlight is returned when Load is called while a fetch is running.
var ErrFetchInFlight = errors.New("fetch already in flight")

// Classifier reports whether an error is transient and worth retrying.
type Classifier func(error) bool

// Option configures a Controller.
type Option func(*Controller)

// WithBase sets the backoff base delay.
func WithBase(d time.Duration) Option {
	return func(c *Controller) { c.base = d }
}

// WithMaxAttempts caps the number of fetch attempts before Failed.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) { c.maxAttempts = n }
}

// WithClassifier replaces the transient-error classifier.
func WithClassifier(fn Classifier) Option {
	return func(c *Controller) { c.classify = fn }
}

// Controller wraps a snapshot fetch with the retry state machine
// Idle -> Fetching -> {Idle | Backoff -> Fetching | Failed}.
type Controller struct {
	fetch       func(ctx context.Context) error
	base        time.Duration
	maxAttempts int
	classify    Classifier

	mu      sync.Mutex
	state   State
	lastErr error

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

// NewController creates a controller for the given fetch func.
func NewController(fetch func(ctx context.Context) error, opts ...Option) *Controller {
	c := &Controller{
		fetch:       fetch,
		base:        time.Second,
		maxAttempts: 5,
		classify:    func(error) bool { return true },
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current fetch state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastErr returns the error that drove the controller into Failed.
func (c *Controller) LastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Load runs the fetch with exponential backoff. On terminal failure the
// controller stays Failed until Retry is called.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateFetching || c.state == StateBackoff {
		c.mu.Unlock()
		return ErrFetchInFlight
	}
	c.state = StateFetching
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.base << (attempt - 1)
			c.setState(StateBackoff)
			logger.DebugCF("retry", "Backing off before refetch", map[string]any{
				"attempt": attempt,
				"delay":   delay.String(),
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.fail(ctx.Err())
				return ctx.Err()
			}
			c.setState(StateFetching)
		}

		err := c.fetch(ctx)
		if err == nil {
			c.mu.Lock()
			c.state = StateIdle
			c.lastErr = nil
			c.mu.Unlock()
			return nil
		}
		lastErr = err
		if !c.classify(err) {
			break
		}
		logger.WarnCF("retry", "Transient fetch failure", map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}

	c.fail(lastErr)
	return fmt.Errorf("conversation fetch failed: %w", lastErr)
}

// Retry re-enters Fetching after a terminal failure. It is the only way out
// of Failed and is driven by an explicit user action.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateFetching || c.state == StateBackoff {
		c.mu.Unlock()
		return ErrFetchInFlight
	}
	c.state = StateIdle
	c.mu.Unlock()
	return c.Load(ctx)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	c.mu.Unlock()
}

// StartRefresh launches the long-period fallback refresh. When cronExpr is
// non-empty it schedules with it; otherwise interval is used. Refresh
// failures are logged, not escalated: the next tick tries again.
func (c *Controller) StartRefresh(ctx context.Context, interval time.Duration, cronExpr string) error {
	if cronExpr != "" && !gronx.New().IsValid(cronExpr) {
		return fmt.Errorf("invalid refresh cron expression %q", cronExpr)
	}
	if cronExpr == "" && interval <= 0 {
		return errors.New("refresh interval must be positive")
	}

	c.mu.Lock()
	if c.refreshCancel != nil {
		c.mu.Unlock()
		return errors.New("refresh already started")
	}
	refreshCtx, cancel := context.WithCancel(ctx)
	c.refreshCancel = cancel
	c.mu.Unlock()

	c.refreshWG.Add(1)
	go c.refreshLoop(refreshCtx, interval, cronExpr)
	return nil
}

// StopRefresh cancels the fallback timer. Skipping it on teardown leaks the
// timer goroutine across remounts.
func (c *Controller) StopRefresh() {
	c.mu.Lock()
	cancel := c.refreshCancel
	c.refreshCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.refreshWG.Wait()
	}
}

func (c *Controller) refreshLoop(ctx context.Context, interval time.Duration, cronExpr string) {
	defer c.refreshWG.Done()

	for {
		wait := interval
		if cronExpr != "" {
			next, err := gronx.NextTick(cronExpr, false)
			if err != nil {
				logger.ErrorCF("retry", "Cron schedule error, stopping refresh", map[string]any{
					"error": err.Error(),
				})
				return
			}
			wait = time.Until(next)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		if err := c.fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WarnCF("retry", "Fallback refresh failed", map[string]any{
				"error": err.Error(),
			})
		} else {
			logger.DebugC("retry", "Fallback refresh completed")
		}
	}
}
