package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/generic/store/storetest"
	"github.com/warp/device-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.HistoryScanner {
		return newStore(t)
	})
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "devices.db")
	key := generic.HistoryKey{Participant: "P1", Column: "ParticipantDevice.Watch"}

	// GIVEN: a history saved to a file database
	s, err := sqlite.New(path)
	require.NoError(t, err)
	_, err = s.Save(ctx, storetest.SampleHistory(key))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// WHEN: the database is reopened
	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	// THEN: the history and its version survive
	h, err := reopened.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.Version)
	storetest.AssertEntriesEqual(t, storetest.SampleHistory(key).Entries, h.Entries)
}

func TestSQLite_Audit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	p1 := generic.ParticipantID("P1")
	at := generic.Date(2025, 3, 1)

	entries := []generic.AuditEntry{
		{ID: "a1", Timestamp: at, Actor: "alice", Action: generic.AuditRegistered, Key: generic.HistoryKey{Participant: p1, Column: "W"}, AssignmentID: 1, Version: 1, Payload: map[string]any{"device_id": "SN-001"}},
		{ID: "a2", Timestamp: at.AddDays(1), Actor: "bob", Action: generic.AuditDeregistered, Key: generic.HistoryKey{Participant: p1, Column: "W"}, AssignmentID: 1, Version: 2},
		{ID: "a3", Timestamp: at.AddDays(2), Actor: "alice", Action: generic.AuditRegistered, Key: generic.HistoryKey{Participant: "P2", Column: "W"}, AssignmentID: 1, Version: 1},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(ctx, e))
	}

	t.Run("by participant", func(t *testing.T) {
		got, err := s.Query(ctx, generic.AuditFilter{Participant: &p1})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a1", got[0].ID)
		assert.Equal(t, "SN-001", got[0].Payload["device_id"])
		assert.True(t, at.Equal(got[0].Timestamp))
	})

	t.Run("by action with limit", func(t *testing.T) {
		got, err := s.Query(ctx, generic.AuditFilter{
			Actions: []generic.AuditAction{generic.AuditRegistered},
			Limit:   1,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a1", got[0].ID)
	})

	t.Run("by time range", func(t *testing.T) {
		from := at.AddDays(1)
		got, err := s.Query(ctx, generic.AuditFilter{From: &from})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		assert.Error(t, s.Append(ctx, entries[0]))
	})
}

func TestSQLite_Reset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	key := generic.HistoryKey{Participant: "P1", Column: "W"}
	_, err := s.Save(ctx, storetest.SampleHistory(key))
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	_, err = s.Load(ctx, key)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
