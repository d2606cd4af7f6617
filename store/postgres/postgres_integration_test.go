//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/generic/store/storetest"
	"github.com/warp/device-ledger/store/postgres"
	"github.com/warp/device-ledger/testutil/containers"
)

func TestPostgres_Contract(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx := context.Background()

	s, err := postgres.New(ctx, pg.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	storetest.Run(t, func(t *testing.T) generic.HistoryScanner {
		require.NoError(t, s.Reset(ctx))
		return s
	})
}

func TestPostgres_AuditQueryUsesNumberedPlaceholders(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx := context.Background()

	s, err := postgres.New(ctx, pg.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	p := generic.ParticipantID("P1")
	col := generic.ColumnID("W")
	require.NoError(t, s.Append(ctx, generic.AuditEntry{ID: "a1", Actor: "alice", Action: generic.AuditRegistered, Key: generic.HistoryKey{Participant: p, Column: col}}))
	require.NoError(t, s.Append(ctx, generic.AuditEntry{ID: "a2", Actor: "bob", Action: generic.AuditCanceled, Key: generic.HistoryKey{Participant: p, Column: col}}))

	got, err := s.Query(ctx, generic.AuditFilter{
		Participant: &p,
		Column:      &col,
		Actions:     []generic.AuditAction{generic.AuditCanceled, generic.AuditCorrected},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a2", got[0].ID)
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := postgres.New(context.Background(), "")
	require.Error(t, err)
}
