package devices_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/device-ledger/devices"
	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/generic/store"
	"github.com/warp/device-ledger/metrics"
	"github.com/warp/device-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	watchColumn  generic.ColumnID = "ParticipantDevice.Watch"
	holterColumn generic.ColumnID = "ParticipantDevice.Holter"
)

var (
	t0 = generic.At(time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC))
	t1 = t0.AddDays(2)
	t2 = t0.AddDays(7)
	t3 = t0.AddDays(14)

	watchKey = generic.HistoryKey{Participant: "GUMC1234567", Column: watchColumn}
)

type testLedger struct {
	*devices.DeviceLedger
	clock   *generic.FixedClock
	store   generic.HistoryScanner
	audit   *store.MemoryAudit
	metrics *metrics.Metrics
}

func testColumns(t *testing.T) *generic.ColumnSet {
	t.Helper()
	set, err := generic.NewColumnSet([]generic.ColumnDefinition{
		{ID: watchColumn, Description: "Wrist sensor", SerialNumberFormat: `^SN-\d{3}$`},
		{ID: holterColumn, Description: "Holter recorder"},
	})
	require.NoError(t, err)
	return set
}

func newTestLedgerWith(t *testing.T, s generic.HistoryScanner) *testLedger {
	t.Helper()
	clock := generic.NewFixedClock(t0)
	audit := store.NewMemoryAudit()
	m := metrics.New(prometheus.NewRegistry())
	l, err := devices.New(s, testColumns(t),
		devices.WithClock(clock),
		devices.WithAuditLog(audit),
		devices.WithMetrics(m),
		devices.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return &testLedger{DeviceLedger: l, clock: clock, store: s, audit: audit, metrics: m}
}

func newTestLedger(t *testing.T) *testLedger {
	return newTestLedgerWith(t, store.NewMemory())
}

func (tl *testLedger) register(t *testing.T, device string, start generic.TimePoint) *generic.MutationResult {
	t.Helper()
	res, err := tl.Register(context.Background(), generic.RegisterCommand{
		Key: watchKey, DeviceID: device, Start: start, Actor: "assessor",
	})
	require.NoError(t, err)
	return res
}

func (tl *testLedger) storedVersion(t *testing.T) int64 {
	t.Helper()
	h, err := tl.store.Load(context.Background(), watchKey)
	if errors.Is(err, generic.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return h.Version
}

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestDeviceLedger_Scenario(t *testing.T) {
	backends := map[string]func(t *testing.T) generic.HistoryScanner{
		"memory": func(t *testing.T) generic.HistoryScanner { return store.NewMemory() },
		"sqlite": func(t *testing.T) generic.HistoryScanner {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLedgerWith(t, newStore(t))

			// GIVEN: an empty column, now = T0
			// WHEN: SN-001 registered at T0
			res := l.register(t, "SN-001", t0)

			// THEN: Active with a single open entry
			assert.Equal(t, generic.ColumnActive, res.Report.State)
			require.Len(t, res.Report.Entries, 1)
			assert.Equal(t, "SN-001", res.Report.Entries[0].DeviceID)
			assert.Equal(t, generic.LabelPresent, res.Report.Entries[0].UntilLabel)

			// WHEN: SN-002 registered at T1 > T0
			_, err := l.Register(ctx, generic.RegisterCommand{Key: watchKey, DeviceID: "SN-002", Start: t1})

			// THEN: ColumnOccupied naming SN-001
			var occupied *generic.OccupiedError
			require.ErrorAs(t, err, &occupied)
			assert.Equal(t, "SN-001", occupied.Existing.DeviceID)

			// WHEN: deregistered at T2 (now = T2)
			l.clock.Set(t2)
			res, err = l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, End: t2})
			require.NoError(t, err)

			// THEN: Closed, entry [T0, T2)
			assert.Equal(t, generic.ColumnClosed, res.Report.State)
			assert.True(t, res.Assignment.Interval.Equal(generic.Between(t0, t2)))

			// WHEN: SN-002 registered at T2
			res = l.register(t, "SN-002", t2)
			assert.Equal(t, generic.ColumnActive, res.Report.State)
			assert.Equal(t, "SN-002", res.Report.Current.DeviceID)

			// WHEN: first entry corrected to end at T2+1ms
			before := l.storedVersion(t)
			bad := generic.Between(t0, t2.Add(time.Millisecond))
			_, err = l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, Interval: &bad})

			// THEN: ColumnOverlap, storage untouched
			var overlap *generic.OverlapError
			require.ErrorAs(t, err, &overlap)
			assert.Equal(t, "SN-001", overlap.Earlier.DeviceID)
			assert.Equal(t, "SN-002", overlap.Later.DeviceID)
			assert.Equal(t, before, l.storedVersion(t))
		})
	}
}

// =============================================================================
// REGISTER
// =============================================================================

func TestRegister_ZeroStartMeansNow(t *testing.T) {
	l := newTestLedger(t)
	res := l.register(t, "SN-001", generic.TimePoint{})
	assert.True(t, res.Assignment.Interval.Start.Equal(t0))
	assert.Equal(t, generic.Actor("assessor"), res.Assignment.RecordedBy)
	assert.True(t, res.Assignment.RecordedAt.Equal(t0))
}

func TestRegister_NormalizesDeviceID(t *testing.T) {
	l := newTestLedger(t)
	res := l.register(t, "  sn-042 ", t0)
	assert.Equal(t, "SN-042", res.Assignment.DeviceID)

	_, err := l.Register(context.Background(), generic.RegisterCommand{Key: watchKey, DeviceID: "ABC"})
	assert.ErrorIs(t, err, generic.ErrInvalidDeviceID)
	assert.Equal(t, int64(1), l.storedVersion(t))
}

func TestRegister_FutureStartIsScheduled(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	// GIVEN: registration at T2 while now = T0
	res := l.register(t, "SN-001", t2)
	assert.Equal(t, generic.ColumnScheduled, res.Report.State)
	assert.Equal(t, generic.LabelScheduled, res.Report.Entries[0].UntilLabel)
	version := l.storedVersion(t)

	// WHEN: time passes T2 without any write
	l.clock.Set(t3)
	report, err := l.Report(ctx, watchKey)

	// THEN: reclassified as Active, stored data unchanged
	require.NoError(t, err)
	assert.Equal(t, generic.ColumnActive, report.State)
	assert.Equal(t, version, l.storedVersion(t))
}

func TestRegister_ScheduledColumnIsOccupied(t *testing.T) {
	l := newTestLedger(t)
	l.register(t, "SN-001", t2)

	// Even a registration that would end before the scheduled one starts
	// is open-ended and therefore overlaps.
	_, err := l.Register(context.Background(), generic.RegisterCommand{Key: watchKey, DeviceID: "SN-002", Start: t1})
	assert.ErrorIs(t, err, generic.ErrColumnOccupied)
	assert.True(t, generic.IsPolicyError(err))
}

func TestRegister_AfterScheduledDeregistration(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)

	// Deregistration scheduled for T2: still active now
	res, err := l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, End: t2})
	require.NoError(t, err)
	assert.Equal(t, generic.ColumnActive, res.Report.State)

	// Next device can be scheduled from T2
	_, err = l.Register(ctx, generic.RegisterCommand{Key: watchKey, DeviceID: "SN-002", Start: t1})
	assert.ErrorIs(t, err, generic.ErrColumnOccupied)
	res = l.register(t, "SN-002", t2)
	require.NotNil(t, res.Report.Next)
	assert.Equal(t, "SN-002", res.Report.Next.DeviceID)
}

func TestRegister_UnknownColumn(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Register(context.Background(), generic.RegisterCommand{
		Key:      generic.HistoryKey{Participant: "P1", Column: "ParticipantDevice.Ring"},
		DeviceID: "SN-001",
	})
	assert.ErrorIs(t, err, generic.ErrColumnNotFound)
}

func TestRegister_ColumnsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)

	_, err := l.Register(ctx, generic.RegisterCommand{
		Key:      generic.HistoryKey{Participant: watchKey.Participant, Column: holterColumn},
		DeviceID: "H-7",
	})
	assert.NoError(t, err)
}

// =============================================================================
// DEREGISTER
// =============================================================================

func TestDeregister_EndEqualsStartRejected(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)

	_, err := l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, End: t0})

	var ie *generic.IntervalError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, generic.AssignmentID(1), ie.Assignment.ID)
	assert.Equal(t, int64(1), l.storedVersion(t))
}

func TestDeregister_ScheduledBlocks(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t2)
	version := l.storedVersion(t)

	// WHEN: deregistering while the only entry is scheduled
	_, err := l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey})

	// THEN: rejected, stored sequence unchanged
	var sched *generic.ScheduledRegistrationError
	require.ErrorAs(t, err, &sched)
	assert.Equal(t, "SN-001", sched.Scheduled.DeviceID)
	assert.ErrorIs(t, err, generic.ErrScheduledRegistrationBlocksDeregistration)
	assert.Equal(t, version, l.storedVersion(t))

	// Follow-up: cancel the scheduled entry, column is Empty again
	res, err := l.Cancel(ctx, generic.CancelCommand{Key: watchKey, AssignmentID: sched.Scheduled.ID})
	require.NoError(t, err)
	assert.Equal(t, generic.ColumnEmpty, res.Report.State)
	require.Len(t, res.Report.Superseded, 1)
	assert.Nil(t, res.Report.Superseded[0].SupersededBy)

	_, err = l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey})
	assert.ErrorIs(t, err, generic.ErrNoActiveAssignment)
}

func TestDeregister_EmptyAndClosed(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey})
	var none *generic.NoActiveAssignmentError
	require.ErrorAs(t, err, &none)
	assert.Equal(t, int64(0), l.storedVersion(t), "nothing stored for a rejected first mutation")

	l.register(t, "SN-001", t0)
	l.clock.Set(t1)
	_, err = l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey})
	require.NoError(t, err)

	_, err = l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey})
	assert.ErrorIs(t, err, generic.ErrNoActiveAssignment)
}

func TestDeregister_DeviceMismatch(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)
	l.clock.Set(t1)

	_, err := l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, DeviceID: "SN-002"})
	assert.ErrorIs(t, err, generic.ErrDeviceMismatch)

	_, err = l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, DeviceID: "sn-001"})
	assert.NoError(t, err)
}

// =============================================================================
// CORRECT / CANCEL
// =============================================================================

func TestCorrect_NarrowSupersedes(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)
	l.clock.Set(t3)
	_, err := l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, End: t2})
	require.NoError(t, err)

	// WHEN: narrowing entry 1 to [T0, T1)
	narrowed := generic.Between(t0, t1)
	res, err := l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, Interval: &narrowed, Actor: "monitor"})

	// THEN: new entry 2 replaces entry 1
	require.NoError(t, err)
	assert.Equal(t, generic.AssignmentID(2), res.Assignment.ID)
	require.NotNil(t, res.Assignment.CorrectionOf)
	assert.Equal(t, generic.AssignmentID(1), *res.Assignment.CorrectionOf)

	require.Len(t, res.Report.Entries, 1)
	assert.Equal(t, generic.AssignmentID(2), res.Report.Entries[0].AssignmentID)
	require.Len(t, res.Report.Superseded, 1)
	require.NotNil(t, res.Report.Superseded[0].SupersededBy)
	assert.Equal(t, generic.AssignmentID(2), *res.Report.Superseded[0].SupersededBy)

	// Entry 1 can no longer be edited
	_, err = l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, DeviceID: "SN-009"})
	assert.ErrorIs(t, err, generic.ErrAlreadySuperseded)
}

func TestCorrect_OverlapWithThirdEntryRejected(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	// GIVEN: [T0, T1) SN-001, [T1, T2) SN-002, [T2, ∞) SN-003
	l.register(t, "SN-001", t0)
	l.clock.Set(t3)
	_, err := l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, End: t1})
	require.NoError(t, err)
	l.register(t, "SN-002", t1)
	_, err = l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, End: t2})
	require.NoError(t, err)
	l.register(t, "SN-003", t2)
	before, err := l.store.Load(ctx, watchKey)
	require.NoError(t, err)

	// WHEN: stretching SN-001 into SN-002's window
	stretched := generic.Between(t0, t1.AddDays(1))
	_, err = l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, Interval: &stretched})

	// THEN: rejected in full
	assert.ErrorIs(t, err, generic.ErrColumnOverlap)
	after, err := l.store.Load(ctx, watchKey)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, after.Entries, 3)
	assert.False(t, after.Entries[0].Superseded)
}

func TestCorrect_DeviceID(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)

	res, err := l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, DeviceID: "sn-010"})
	require.NoError(t, err)
	assert.Equal(t, "SN-010", res.Report.Current.DeviceID)
	assert.Equal(t, generic.ColumnActive, res.Report.State)
}

func TestCorrect_Errors(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)

	_, err := l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, DeviceID: "SN-001"})
	assert.ErrorIs(t, err, generic.ErrInvalidCorrection, "no change")

	_, err = l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 99, DeviceID: "SN-002"})
	assert.ErrorIs(t, err, generic.ErrAssignmentNotFound)

	empty := generic.Between(t1, t1)
	_, err = l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, Interval: &empty})
	assert.ErrorIs(t, err, generic.ErrInvalidInterval)

	note := "strap replaced"
	res, err := l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, Note: &note})
	require.NoError(t, err)
	assert.Equal(t, "strap replaced", res.Assignment.Note)
}

// interleavingStore runs hook once, right after a Load has read the stored
// history, to commit a competing write before the caller saves.
type interleavingStore struct {
	*store.Memory

	mu   sync.Mutex
	hook func()
}

func (s *interleavingStore) Load(ctx context.Context, key generic.HistoryKey) (generic.History, error) {
	h, err := s.Memory.Load(ctx, key)
	s.mu.Lock()
	hook := s.hook
	s.hook = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return h, err
}

func TestCorrect_StartOnlyKeepsConcurrentDeregistration(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory()
	hooked := &interleavingStore{Memory: shared}
	l := newTestLedgerWith(t, hooked)
	other := newTestLedgerWith(t, shared)
	l.register(t, "SN-001", t0)
	l.clock.Set(t2)
	other.clock.Set(t2)

	// GIVEN: another process deregisters SN-001 at T1 after our load
	hooked.hook = func() {
		_, err := other.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, End: t1, Actor: "site-b"})
		require.NoError(t, err)
	}

	// WHEN: only the start is corrected
	start := t0.AddDays(-1)
	res, err := l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, Start: &start, Actor: "monitor"})

	// THEN: the correction is applied to the deregistered entry
	require.NoError(t, err)
	assert.True(t, res.Assignment.Interval.Equal(generic.Between(start, t1)), "got %s", res.Assignment.Interval)
	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.Conflicts.WithLabelValues("correct")))

	a, err := l.Query(ctx, watchKey, t2)
	require.NoError(t, err)
	assert.Nil(t, a, "deregistration must survive the correction")

	h, err := shared.Load(ctx, watchKey)
	require.NoError(t, err)
	require.Len(t, h.Entries, 2)
	assert.True(t, h.Entries[0].Superseded)
	require.NotNil(t, h.Entries[1].Interval.End)
	assert.True(t, h.Entries[1].Interval.End.Equal(t1))
}

func TestCorrect_PartialInterval(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)
	l.clock.Set(t3)
	_, err := l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, End: t2})
	require.NoError(t, err)

	// WHEN: the end is moved back
	res, err := l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 1, End: &t1})
	require.NoError(t, err)
	assert.True(t, res.Assignment.Interval.Equal(generic.Between(t0, t1)))

	// AND: reopened
	res, err = l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 2, OpenEnded: true})
	require.NoError(t, err)
	assert.True(t, res.Assignment.IsOpen())

	// End and OpenEnded together are rejected
	_, err = l.Correct(ctx, generic.CorrectCommand{Key: watchKey, AssignmentID: 3, End: &t2, OpenEnded: true})
	assert.ErrorIs(t, err, generic.ErrInvalidInterval)
}

// =============================================================================
// QUERY / REPORT
// =============================================================================

func TestQuery(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	got, err := l.Query(ctx, watchKey, t0)
	require.NoError(t, err)
	assert.Nil(t, got, "never-used column")

	l.register(t, "SN-001", t0)
	l.clock.Set(t2)
	_, err = l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, End: t1})
	require.NoError(t, err)

	got, err = l.Query(ctx, watchKey, t0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "SN-001", got.DeviceID)

	got, err = l.Query(ctx, watchKey, t1)
	require.NoError(t, err)
	assert.Nil(t, got, "end is exclusive")

	_, err = l.Query(ctx, generic.HistoryKey{Participant: "P", Column: "Nope"}, t0)
	assert.ErrorIs(t, err, generic.ErrColumnNotFound)
}

func TestReport_InvalidStoredHistory(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	// GIVEN: a history written around the ledger with two open entries
	_, err := l.store.Save(ctx, generic.History{Key: watchKey, Entries: []generic.Assignment{
		{ID: 1, DeviceID: "SN-001", Interval: generic.OpenFrom(t0)},
		{ID: 2, DeviceID: "SN-002", Interval: generic.OpenFrom(t1)},
	}})
	require.NoError(t, err)

	report, err := l.Report(ctx, watchKey)

	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Diagnostic, "Device history for column ParticipantDevice.Watch is invalid")

	// Mutations refuse to build on it
	l.clock.Set(t2)
	_, err = l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey})
	assert.ErrorIs(t, err, generic.ErrMultipleOpenAssignments)
}

func TestParticipantReport(t *testing.T) {
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)

	reports, err := l.ParticipantReport(context.Background(), watchKey.Participant)

	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, generic.ColumnActive, reports[0].State)
	assert.Equal(t, generic.ColumnEmpty, reports[1].State)
}

// =============================================================================
// AUDIT / METRICS
// =============================================================================

func TestAudit_RecordsCommittedMutations(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	l.register(t, "SN-001", t0)
	_, _ = l.Register(ctx, generic.RegisterCommand{Key: watchKey, DeviceID: "SN-002"}) // rejected
	l.clock.Set(t1)
	_, err := l.Deregister(ctx, generic.DeregisterCommand{Key: watchKey, Actor: "assessor"})
	require.NoError(t, err)

	entries, err := l.Audit(ctx, generic.AuditFilter{Participant: &watchKey.Participant})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, generic.AuditRegistered, entries[0].Action)
	assert.Equal(t, generic.AuditDeregistered, entries[1].Action)
	assert.Equal(t, int64(2), entries[1].Version)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "SN-001", entries[1].Payload["device_id"])

	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.Operations.WithLabelValues("register", "policy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.Operations.WithLabelValues("register", "ok")))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRegister_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	const writers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		occupied int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Register(ctx, generic.RegisterCommand{Key: watchKey, DeviceID: "SN-001"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, generic.ErrColumnOccupied):
				occupied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, occupied)
	h, err := l.store.Load(ctx, watchKey)
	require.NoError(t, err)
	assert.Len(t, h.Entries, 1)
}

func TestRegister_ConcurrentLedgersShareStore(t *testing.T) {
	// Two ledgers (two processes) over one store: only CAS protects them.
	ctx := context.Background()
	shared := store.NewMemory()
	a := newTestLedgerWith(t, shared)
	b := newTestLedgerWith(t, shared)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, l := range []*testLedger{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = l.Register(ctx, generic.RegisterCommand{Key: watchKey, DeviceID: "SN-001"})
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, generic.ErrColumnOccupied)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

// =============================================================================
// IMPORT
// =============================================================================

func TestImport(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	entries := []generic.Assignment{
		{ID: 1, DeviceID: "sn-001", Interval: generic.Between(t0, t1)},
		{ID: 2, DeviceID: "SN-002", Interval: generic.OpenFrom(t1)},
	}
	res, err := l.Import(ctx, watchKey, entries, "importer")
	require.NoError(t, err)
	assert.Equal(t, generic.ColumnActive, res.Report.State)
	assert.Equal(t, "SN-001", res.Report.Entries[0].DeviceID)

	_, err = l.Import(ctx, watchKey, entries, "importer")
	assert.ErrorIs(t, err, generic.ErrColumnOccupied, "only into empty columns")

	invalid := []generic.Assignment{
		{ID: 1, DeviceID: "SN-001", Interval: generic.OpenFrom(t0)},
		{ID: 2, DeviceID: "SN-002", Interval: generic.OpenFrom(t1)},
	}
	_, err = l.Import(ctx, generic.HistoryKey{Participant: "P2", Column: watchColumn}, invalid, "importer")
	assert.ErrorIs(t, err, generic.ErrMultipleOpenAssignments)
}

func TestImport_RejectsBrokenArena(t *testing.T) {
	ctx := context.Background()
	one := generic.AssignmentID(1)
	nine := generic.AssignmentID(9)

	tests := []struct {
		name    string
		entries []generic.Assignment
	}{
		{"duplicate ids", []generic.Assignment{
			{ID: 1, DeviceID: "SN-001", Interval: generic.Between(t0, t1)},
			{ID: 1, DeviceID: "SN-002", Interval: generic.OpenFrom(t1)},
		}},
		{"zero id", []generic.Assignment{
			{ID: 0, DeviceID: "SN-001", Interval: generic.OpenFrom(t0)},
		}},
		{"negative id", []generic.Assignment{
			{ID: -3, DeviceID: "SN-001", Interval: generic.OpenFrom(t0)},
		}},
		{"dangling correction_of", []generic.Assignment{
			{ID: 1, DeviceID: "SN-001", Interval: generic.OpenFrom(t0), CorrectionOf: &nine},
		}},
		{"dangling superseded_by", []generic.Assignment{
			{ID: 1, DeviceID: "SN-001", Interval: generic.Between(t0, t1), Superseded: true, SupersededBy: &nine},
			{ID: 2, DeviceID: "SN-002", Interval: generic.OpenFrom(t1)},
		}},
		{"self reference", []generic.Assignment{
			{ID: 1, DeviceID: "SN-001", Interval: generic.OpenFrom(t0), CorrectionOf: &one},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)

			_, err := l.Import(ctx, watchKey, tt.entries, "importer")

			assert.ErrorIs(t, err, generic.ErrInvalidArena)
			assert.True(t, generic.IsValidationError(err))
			assert.Zero(t, l.storedVersion(t), "nothing stored")
		})
	}
}

func TestImport_CorrectionChainIsAddressable(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	one, two := generic.AssignmentID(1), generic.AssignmentID(2)

	// GIVEN: an imported correction pair
	_, err := l.Import(ctx, watchKey, []generic.Assignment{
		{ID: 1, DeviceID: "SN-001", Interval: generic.OpenFrom(t0), Superseded: true, SupersededBy: &two},
		{ID: 2, DeviceID: "SN-002", Interval: generic.OpenFrom(t0), CorrectionOf: &one},
	}, "importer")
	require.NoError(t, err)

	// WHEN / THEN: the live entry can be canceled by its id
	res, err := l.Cancel(ctx, generic.CancelCommand{Key: watchKey, AssignmentID: 2})
	require.NoError(t, err)
	assert.Equal(t, "SN-002", res.Assignment.DeviceID)
	assert.Equal(t, generic.ColumnEmpty, res.Report.State)
}
