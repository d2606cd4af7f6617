package devices_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/generic/store"
	"github.com/warp/device-ledger/store/codec"
)

func TestSweep_ReportsInvalidHistories(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	// GIVEN: valid histories for many participants
	for i := 0; i < 20; i++ {
		_, err := l.Register(ctx, generic.RegisterCommand{
			Key:      generic.HistoryKey{Participant: generic.ParticipantID(fmt.Sprintf("P%02d", i)), Column: watchColumn},
			DeviceID: "SN-001",
		})
		require.NoError(t, err)
	}

	// AND: one overlapping history and one for a retired column, written directly
	badKey := generic.HistoryKey{Participant: "P05", Column: holterColumn}
	_, err := l.store.Save(ctx, generic.History{Key: badKey, Entries: []generic.Assignment{
		{ID: 1, DeviceID: "H-1", Interval: generic.Between(t0, t2)},
		{ID: 2, DeviceID: "H-2", Interval: generic.OpenFrom(t1)},
	}})
	require.NoError(t, err)
	retired := generic.HistoryKey{Participant: "P00", Column: "ParticipantDevice.Retired"}
	_, err = l.store.Save(ctx, generic.History{Key: retired})
	require.NoError(t, err)

	// WHEN
	result, err := l.Sweep(ctx)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 22, result.Checked)
	assert.False(t, result.Valid())
	require.Len(t, result.Invalid, 2)

	assert.Equal(t, retired, result.Invalid[0].Key)
	assert.ErrorIs(t, result.Invalid[0].Err, generic.ErrColumnNotFound)

	assert.Equal(t, badKey, result.Invalid[1].Key)
	assert.ErrorIs(t, result.Invalid[1].Err, generic.ErrColumnOverlap)
	assert.Contains(t, result.Invalid[1].Diagnostic, "Device history for column ParticipantDevice.Holter is invalid")

	assert.Equal(t, 2.0, testutil.ToFloat64(l.metrics.InvalidHistories))
}

func TestSweep_Empty(t *testing.T) {
	l := newTestLedger(t)

	result, err := l.Sweep(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Zero(t, result.Checked)
}

// rawDocumentStore serves a fixed stored document for one key through the
// codec, the way the document backends do.
type rawDocumentStore struct {
	*store.Memory

	key generic.HistoryKey
	doc string
}

func (s *rawDocumentStore) Load(ctx context.Context, key generic.HistoryKey) (generic.History, error) {
	if key != s.key {
		return s.Memory.Load(ctx, key)
	}
	return codec.Decode([]byte(s.doc))
}

func TestSweep_UndecodableDocumentIsInvalidColumn(t *testing.T) {
	ctx := context.Background()
	corrupt := generic.HistoryKey{Participant: "P09", Column: watchColumn}
	backend := &rawDocumentStore{
		Memory: store.NewMemory(),
		key:    corrupt,
		// legacy stop with no preceding start
		doc: `{"entries":[{"type":"stop","serial":"SN-100","date":1736121600000}]}`,
	}
	l := newTestLedgerWith(t, backend)

	// GIVEN: valid histories around one document that cannot be decoded
	for _, p := range []generic.ParticipantID{"P01", "P02"} {
		_, err := l.Register(ctx, generic.RegisterCommand{
			Key:      generic.HistoryKey{Participant: p, Column: watchColumn},
			DeviceID: "SN-001",
		})
		require.NoError(t, err)
	}
	_, err := backend.Memory.Save(ctx, generic.History{Key: corrupt})
	require.NoError(t, err)

	// WHEN
	result, err := l.Sweep(ctx)

	// THEN: the sweep completes and reports only the undecodable column
	require.NoError(t, err)
	assert.Equal(t, 3, result.Checked)
	require.Len(t, result.Invalid, 1)
	assert.Equal(t, corrupt, result.Invalid[0].Key)
	assert.ErrorIs(t, result.Invalid[0].Err, codec.ErrLegacyRecord)
	assert.ErrorIs(t, result.Invalid[0].Err, generic.ErrCorruptHistory)
	assert.Contains(t, result.Invalid[0].Diagnostic, "Device history for column ParticipantDevice.Watch is invalid")

	// AND: the column report shows the diagnostic instead of failing
	report, err := l.Report(ctx, corrupt)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Diagnostic, "no device is active")
}

func TestSweep_MalformedJSONIsInvalidColumn(t *testing.T) {
	ctx := context.Background()
	corrupt := generic.HistoryKey{Participant: "P01", Column: holterColumn}
	backend := &rawDocumentStore{Memory: store.NewMemory(), key: corrupt, doc: `{"format":2,"entries":[`}
	l := newTestLedgerWith(t, backend)
	_, err := backend.Memory.Save(ctx, generic.History{Key: corrupt})
	require.NoError(t, err)

	result, err := l.Sweep(ctx)

	require.NoError(t, err)
	require.Len(t, result.Invalid, 1)
	assert.ErrorIs(t, result.Invalid[0].Err, generic.ErrCorruptHistory)
}

// failingStore fails every Load with an I/O error.
type failingStore struct {
	*store.Memory
}

var errDiskGone = errors.New("disk gone")

func (s *failingStore) Load(context.Context, generic.HistoryKey) (generic.History, error) {
	return generic.History{}, errDiskGone
}

func TestSweep_StorageErrorAborts(t *testing.T) {
	ctx := context.Background()
	backend := &failingStore{Memory: store.NewMemory()}
	l := newTestLedgerWith(t, backend)
	_, err := backend.Memory.Save(ctx, generic.History{Key: generic.HistoryKey{Participant: "P01", Column: watchColumn}})
	require.NoError(t, err)

	result, err := l.Sweep(ctx)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, errDiskGone)
	assert.ErrorIs(t, err, generic.ErrStorage)
}
