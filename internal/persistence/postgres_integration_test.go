package persistence_test

import (
	"context"
	"testing"
	"time"

	"TickBook/internal/core"
	"TickBook/internal/event"
	"TickBook/internal/order"
	"TickBook/internal/persistence"
	"TickBook/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// persistAll runs a worker over outs until the input closes.
func persistAll(t *testing.T, pw *persistence.PersistenceWorker, in chan core.CoreOutput, outs []core.CoreOutput) {
	t.Helper()
	for _, o := range outs {
		in <- o
	}
	close(in)
	require.NoError(t, pw.Run(context.Background()))
}

func TestPostgres_WorkerSnapshotAndChain(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	eng, key, ch := newTestEngine(t)
	for _, target := range []int32{120, 180, 240} {
		_, err := eng.CreateOrder(alice, key.ID(), order.SideToken0, target, uint256.NewInt(1_000_000))
		require.NoError(t, err)
	}
	outs := drainOutputs(ch)

	in := make(chan core.CoreOutput, len(outs))
	persistAll(t, persistence.NewPersistenceWorker(db, in, 2, time.Millisecond, nil), in, outs)

	snaps := persistence.NewSnapshotManager(db)
	latest, err := snaps.GetLatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, outs[len(outs)-1].Envelope.Sequence, latest)

	checked, err := snaps.VerifyChain(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, len(outs), checked)

	var journals int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.journal`).Scan(&journals))
	require.Positive(t, journals)

	// A retried flush of the same outputs is a no-op.
	in = make(chan core.CoreOutput, len(outs))
	persistAll(t, persistence.NewPersistenceWorker(db, in, 10, time.Millisecond, nil), in, outs)
	var events int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&events))
	require.Equal(t, len(outs), events)

	snap := eng.Snapshot()
	require.NoError(t, snaps.SaveSnapshot(ctx, snap))
	loaded, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, snap.NextSequence, loaded.NextSequence)
	require.Equal(t, snap.StateHash, loaded.StateHash)
}

func TestPostgres_UnflushedSnapshotStaysUnverified(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	eng, _, _ := newTestEngine(t)
	snaps := persistence.NewSnapshotManager(db)
	require.NoError(t, snaps.SaveSnapshot(ctx, eng.Snapshot()))

	loaded, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestPostgres_SwapDedupSurvivesRestart(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	_, key, _ := newTestEngine(t)
	checker := persistence.NewPostgresIdempotencyChecker(db)
	evt := &event.SwapObserved{
		SwapID:     "swap-42",
		Pool:       key.ID(),
		TargetTick: 60,
		Fee0:       uint256.NewInt(1),
		Fee1:       uint256.NewInt(1),
		Sequence:   1,
		Timestamp:  time.Now(),
	}
	typ := evt.EventType().String()

	dup, err := checker.IsDuplicate(typ, evt.SwapID)
	require.NoError(t, err)
	require.False(t, dup)

	require.NoError(t, checker.RecordSwap(evt))
	require.NoError(t, checker.RecordSwap(evt))

	// A fresh in-memory checker backed by the table sees the swap.
	dedup := core.NewIdempotencyChecker(16, persistence.NewPostgresIdempotencyChecker(db), nil)
	require.True(t, dedup.IsDuplicate(typ, evt.SwapID))
}
