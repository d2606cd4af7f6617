/*
scheduler.go - Periodic validation of stored device histories

PURPOSE:
  Histories can be written by older releases, the legacy importer or
  other processes sharing the store. The scheduler re-validates every
  stored history on an interval so invalid columns surface in logs,
  metrics and /api/validation without waiting for someone to open them.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs immediately on start
  - Keeps the last result for the API
  - RunNow triggers a sweep outside the schedule

USAGE:
  scheduler := NewValidationScheduler(ledger, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - devices/sweep.go: The sweep itself
  - handlers.go: GetValidation / RunValidation
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/device-ledger/devices"
)

// Sweeper runs one validation pass. *devices.DeviceLedger implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (*devices.SweepResult, error)
}

// ValidationScheduler sweeps stored histories periodically.
type ValidationScheduler struct {
	Sweeper       Sweeper
	CheckInterval time.Duration
	Enabled       bool

	logger *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// run serializes sweeps; lastMu guards last.
	run    sync.Mutex
	lastMu sync.RWMutex
	last   *devices.SweepResult
}

// NewValidationScheduler creates a new scheduler with a one hour interval.
func NewValidationScheduler(sweeper Sweeper, logger *slog.Logger) *ValidationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidationScheduler{
		Sweeper:       sweeper,
		CheckInterval: time.Hour,
		Enabled:       true,
		logger:        logger,
	}
}

// Start begins the scheduler.
func (vs *ValidationScheduler) Start() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !vs.Enabled || vs.CheckInterval <= 0 {
		vs.logger.Info("validation scheduler disabled")
		return
	}
	if vs.ticker != nil {
		return
	}

	vs.ticker = time.NewTicker(vs.CheckInterval)
	vs.stop = make(chan struct{})
	vs.wg.Add(1)

	go vs.loop(vs.ticker, vs.stop)

	vs.logger.Info("validation scheduler started", "interval", vs.CheckInterval)
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (vs *ValidationScheduler) Stop() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.ticker == nil {
		return
	}
	vs.ticker.Stop()
	close(vs.stop)
	vs.wg.Wait()
	vs.ticker = nil
	vs.logger.Info("validation scheduler stopped")
}

func (vs *ValidationScheduler) loop(ticker *time.Ticker, stop <-chan struct{}) {
	defer vs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	vs.sweepLogged(ctx)
	for {
		select {
		case <-ticker.C:
			vs.sweepLogged(ctx)
		case <-stop:
			return
		}
	}
}

func (vs *ValidationScheduler) sweepLogged(ctx context.Context) {
	if _, err := vs.RunNow(ctx); err != nil && ctx.Err() == nil {
		vs.logger.Error("scheduled validation failed", "error", err)
	}
}

// RunNow sweeps immediately and records the result.
func (vs *ValidationScheduler) RunNow(ctx context.Context) (*devices.SweepResult, error) {
	vs.run.Lock()
	defer vs.run.Unlock()

	result, err := vs.Sweeper.Sweep(ctx)
	if err != nil {
		return nil, err
	}

	vs.lastMu.Lock()
	vs.last = result
	vs.lastMu.Unlock()
	return result, nil
}

// Last returns the most recent result, or nil before the first sweep.
func (vs *ValidationScheduler) Last() *devices.SweepResult {
	vs.lastMu.RLock()
	defer vs.lastMu.RUnlock()
	return vs.last
}
