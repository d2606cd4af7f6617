package devices

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/device-ledger/generic"
)

// ErrScanUnsupported is returned by Sweep when the store cannot list keys.
var ErrScanUnsupported = errors.New("history store does not support key scans")

// sweepConcurrency bounds parallel loads during a sweep.
const sweepConcurrency = 8

// InvalidColumn is one stored history that failed validation.
type InvalidColumn struct {
	Key        generic.HistoryKey
	Diagnostic string
	Err        error
}

// SweepResult summarizes a validation pass over every stored history.
type SweepResult struct {
	StartedAt  generic.TimePoint
	FinishedAt generic.TimePoint
	Checked    int
	Invalid    []InvalidColumn
}

func (r *SweepResult) Valid() bool { return len(r.Invalid) == 0 }

// Sweep loads and validates every stored history. Histories for columns
// missing from the column set, and documents that cannot be decoded, are
// reported as invalid. Other storage errors abort the sweep.
func (l *DeviceLedger) Sweep(ctx context.Context) (*SweepResult, error) {
	scanner, ok := l.store.(generic.HistoryScanner)
	if !ok {
		return nil, ErrScanUnsupported
	}

	started := time.Now()
	result := &SweepResult{StartedAt: l.clock.Now()}

	keys, err := scanner.Keys(ctx)
	if err != nil {
		return nil, &generic.StorageError{Op: "keys", Err: err}
	}

	var mu sync.Mutex
	invalid := make(map[generic.HistoryKey]InvalidColumn)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			h, err := scanner.Load(ctx, key)
			if errors.Is(err, generic.ErrNotFound) {
				return nil
			}
			if err != nil && !errors.Is(err, generic.ErrCorruptHistory) {
				return &generic.StorageError{Op: "load", Key: key, Err: err}
			}

			var reason error
			if err != nil {
				reason = err
			} else if !l.columns.Contains(key.Column) {
				reason = generic.ErrColumnNotFound
			} else if _, verr := generic.Validate(key.Column, h.Entries); verr != nil {
				reason = verr
			}
			if reason == nil {
				return nil
			}

			diag := &generic.InvalidHistoryError{Column: key.Column, Reason: reason}
			mu.Lock()
			invalid[key] = InvalidColumn{Key: key, Diagnostic: diag.Error(), Err: reason}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Report in key order regardless of completion order.
	for _, key := range keys {
		if ic, ok := invalid[key]; ok {
			result.Invalid = append(result.Invalid, ic)
		}
	}
	result.Checked = len(keys)
	result.FinishedAt = l.clock.Now()

	l.metrics.ObserveSweep(len(result.Invalid), time.Since(started))
	l.logger.InfoContext(ctx, "validation sweep finished",
		"checked", result.Checked, "invalid", len(result.Invalid), "duration", time.Since(started))
	for _, ic := range result.Invalid {
		l.logger.WarnContext(ctx, ic.Diagnostic, "participant", ic.Key.Participant, "column", ic.Key.Column)
	}
	return result, nil
}
