// Package storetest provides the HistoryStore contract tests shared by every adapter.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/device-ledger/generic"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) generic.HistoryScanner

var (
	t0 = generic.Date(2025, 3, 1)
	t1 = generic.Date(2025, 3, 10)
	t2 = generic.Date(2025, 4, 2)
)

// SampleHistory returns a history with a closed entry, a superseded
// correction chain and an open entry.
func SampleHistory(key generic.HistoryKey) generic.History {
	one, two := generic.AssignmentID(1), generic.AssignmentID(2)
	return generic.History{
		Key: key,
		Entries: []generic.Assignment{
			{
				ID:           1,
				DeviceID:     "SN-001",
				Interval:     generic.Between(t0, t2),
				Note:         "first kit",
				RecordedBy:   "alice",
				RecordedAt:   t0,
				Superseded:   true,
				SupersededBy: &two,
			},
			{
				ID:           2,
				DeviceID:     "SN-001",
				Interval:     generic.Between(t0, t1),
				RecordedBy:   "bob",
				RecordedAt:   t1,
				CorrectionOf: &one,
			},
			{
				ID:         3,
				DeviceID:   "SN-002",
				Interval:   generic.OpenFrom(t2),
				RecordedBy: "bob",
				RecordedAt: t2.Add(1500 * time.Millisecond),
			},
		},
	}
}

// Run exercises the load/save compare-and-swap contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	key := generic.HistoryKey{Participant: "GUMC1234567", Column: "ParticipantDevice.Watch"}

	t.Run("load missing returns ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(context.Background(), key)
		assert.ErrorIs(t, err, generic.ErrNotFound)
	})

	t.Run("save then load round-trips", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		// GIVEN: a history with closed, superseded and open entries
		h := SampleHistory(key)

		// WHEN: saving as a new document
		v, err := s.Save(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		// THEN: load returns the same entries in the same order
		loaded, err := s.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version)
		assert.Equal(t, key, loaded.Key)
		AssertEntriesEqual(t, h.Entries, loaded.Entries)
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		h := SampleHistory(key)
		v, err := s.Save(ctx, h)
		require.NoError(t, err)

		h.Version = v
		h.Entries = h.Entries[:2]
		v2, err := s.Save(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, v+1, v2)

		// Writer that still holds version v loses
		_, err = s.Save(ctx, h)
		assert.ErrorIs(t, err, generic.ErrConcurrentModification)

		loaded, err := s.Load(ctx, key)
		require.NoError(t, err)
		assert.Len(t, loaded.Entries, 2)
		assert.Equal(t, v2, loaded.Version)
	})

	t.Run("create conflicts with existing document", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Save(ctx, SampleHistory(key))
		require.NoError(t, err)

		_, err = s.Save(ctx, generic.History{Key: key})
		assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	})

	t.Run("update of missing document conflicts", func(t *testing.T) {
		s := newStore(t)
		h := SampleHistory(key)
		h.Version = 4
		_, err := s.Save(context.Background(), h)
		assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	})

	t.Run("keys are listed sorted", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		keys := []generic.HistoryKey{
			{Participant: "P2", Column: "ParticipantDevice.Watch"},
			{Participant: "P1", Column: "ParticipantDevice.Watch"},
			{Participant: "P1", Column: "ParticipantDevice.Holter"},
		}
		for _, k := range keys {
			_, err := s.Save(ctx, SampleHistory(k))
			require.NoError(t, err)
		}

		got, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []generic.HistoryKey{keys[2], keys[1], keys[0]}, got)
	})

	t.Run("participant ids with separators stay distinct", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		a := generic.HistoryKey{Participant: "P/1:x", Column: "C"}
		b := generic.HistoryKey{Participant: "P", Column: "1:x/C"}
		_, err := s.Save(ctx, SampleHistory(a))
		require.NoError(t, err)

		_, err = s.Load(ctx, b)
		assert.ErrorIs(t, err, generic.ErrNotFound)

		got, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []generic.HistoryKey{a}, got)
	})
}

// AssertEntriesEqual compares entries field by field, ignoring time.Time
// location and monotonic differences.
func AssertEntriesEqual(t *testing.T, want, got []generic.Assignment) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		assert.Equal(t, w.ID, g.ID, "entry %d id", i)
		assert.Equal(t, w.DeviceID, g.DeviceID, "entry %d device", i)
		assert.True(t, w.Interval.Equal(g.Interval), "entry %d interval: want %s got %s", i, w.Interval, g.Interval)
		assert.Equal(t, w.Note, g.Note, "entry %d note", i)
		assert.Equal(t, w.RecordedBy, g.RecordedBy, "entry %d recorded by", i)
		assert.True(t, w.RecordedAt.Equal(g.RecordedAt), "entry %d recorded at", i)
		assert.Equal(t, w.CorrectionOf, g.CorrectionOf, "entry %d correction of", i)
		assert.Equal(t, w.Superseded, g.Superseded, "entry %d superseded", i)
		assert.Equal(t, w.SupersededBy, g.SupersededBy, "entry %d superseded by", i)
	}
}
