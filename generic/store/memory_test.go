package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/generic/store"
	"github.com/warp/device-ledger/generic/store/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.HistoryScanner {
		return store.NewMemory()
	})
}

func TestMemory_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	key := generic.HistoryKey{Participant: "P1", Column: "W"}

	_, err := m.Save(ctx, storetest.SampleHistory(key))
	require.NoError(t, err)

	// WHEN: a caller mutates the loaded copy
	h, err := m.Load(ctx, key)
	require.NoError(t, err)
	h.Entries[0].DeviceID = "CHANGED"
	*h.Entries[0].Interval.End = generic.Date(2030, 1, 1)

	// THEN: the stored history is unchanged
	again, err := m.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "SN-001", again.Entries[0].DeviceID)
	assert.Equal(t, generic.Date(2025, 4, 2).Millis(), again.Entries[0].Interval.End.Millis())
}

func TestMemoryAudit_Query(t *testing.T) {
	ctx := context.Background()
	a := store.NewMemoryAudit()
	p1, p2 := generic.ParticipantID("P1"), generic.ParticipantID("P2")

	require.NoError(t, a.Append(ctx, generic.AuditEntry{ID: "1", Action: generic.AuditRegistered, Key: generic.HistoryKey{Participant: p1, Column: "W"}}))
	require.NoError(t, a.Append(ctx, generic.AuditEntry{ID: "2", Action: generic.AuditDeregistered, Key: generic.HistoryKey{Participant: p1, Column: "W"}}))
	require.NoError(t, a.Append(ctx, generic.AuditEntry{ID: "3", Action: generic.AuditRegistered, Key: generic.HistoryKey{Participant: p2, Column: "W"}}))

	got, err := a.Query(ctx, generic.AuditFilter{Participant: &p1})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = a.Query(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditRegistered}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}
