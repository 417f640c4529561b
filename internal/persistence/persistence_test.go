package persistence_test

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"TickBook/internal/core"
	"TickBook/internal/event"
	"TickBook/internal/order"
	"TickBook/internal/persistence"
	"TickBook/internal/settlement"
	"TickBook/migrations"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	token0 = common.HexToAddress("0x1000")
	token1 = common.HexToAddress("0x2000")
	owner  = common.HexToAddress("0x0e")
	alice  = common.HexToAddress("0xa11ce")
)

// newTestEngine returns an engine with one allowed pool at tick 0 and the
// outputs it produced so far.
func newTestEngine(t *testing.T) (*core.Engine, order.PoolKey, chan core.CoreOutput) {
	t.Helper()
	amm := settlement.NewMemoryCore()
	key := order.PoolKey{Currency0: token0, Currency1: token1, Fee: 3000, TickSpacing: 60, Hooks: common.HexToAddress("0x40")}
	require.NoError(t, amm.Initialize(key, 0))
	amm.Fund(alice, token0, uint256.NewInt(1_000_000_000))

	cfg := core.DefaultConfig()
	cfg.Owner = owner
	cfg.Self = common.HexToAddress("0xe0")
	out := make(chan core.CoreOutput, 64)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := core.NewEngine(cfg, amm, out, nil, nil, core.WithClock(func() time.Time { return clock }))
	require.NoError(t, eng.AllowPool(owner, key))
	return eng, key, out
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

// ============================================================================
// Test: output to row conversion
// ============================================================================

func TestRowsFromOutput_GlobalEventHasNoPool(t *testing.T) {
	_, _, ch := newTestEngine(t)
	outs := drainOutputs(ch)
	require.NotEmpty(t, outs)

	row, journals := persistence.RowsFromOutput(outs[0])
	require.Equal(t, int64(0), row.Sequence)
	require.Equal(t, "ConfigChanged", row.EventType)
	require.Nil(t, row.PoolID)
	require.Empty(t, journals)
	require.Len(t, row.StateHash, 32)
	require.Len(t, row.PrevHash, 32)
}

func TestRowsFromOutput_CreateCarriesJournals(t *testing.T) {
	eng, key, ch := newTestEngine(t)
	drainOutputs(ch)

	_, err := eng.CreateOrder(alice, key.ID(), order.SideToken0, 120, uint256.NewInt(1_000_000))
	require.NoError(t, err)
	outs := drainOutputs(ch)
	require.Len(t, outs, 1)

	row, journals := persistence.RowsFromOutput(outs[0])
	require.Equal(t, event.EventTypeOrderCreated.String(), row.EventType)
	require.NotNil(t, row.PoolID)
	require.Equal(t, key.ID().String(), *row.PoolID)
	require.Equal(t, outs[0].Envelope.Payload, row.Payload)
	require.NotEmpty(t, journals)

	for _, j := range journals {
		require.Equal(t, row.Sequence, j.Sequence)
		require.Equal(t, token0.Hex(), j.Currency)
		require.NotEqual(t, j.DebitAccount, j.CreditAccount)
		amount, err := uint256.FromDecimal(j.Amount)
		require.NoError(t, err)
		require.False(t, amount.IsZero())
	}
	require.True(t, strings.HasPrefix(journals[0].CreditAccount, "user:"+alice.Hex()))
}

func TestRowsFromOutput_HashesAreCopies(t *testing.T) {
	_, _, ch := newTestEngine(t)
	out := drainOutputs(ch)[0]

	row, _ := persistence.RowsFromOutput(out)
	row.StateHash[0] ^= 0xff
	require.NotEqual(t, row.StateHash[0], out.Envelope.StateHash[0])
}

// ============================================================================
// Test: migration files
// ============================================================================

func TestMigrations_ListedInVersionOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 0")},
		"notes.txt":         {Data: []byte("x")},
	}
	files, err := persistence.ListMigrations(fsys, ".up.sql")
	require.NoError(t, err)
	require.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, files)
	require.Equal(t, "000002", persistence.ExtractVersion(files[1]))
}

func TestMigrations_EmbeddedPairsAreComplete(t *testing.T) {
	ups, err := persistence.ListMigrations(migrations.FS, ".up.sql")
	require.NoError(t, err)
	downs, err := persistence.ListMigrations(migrations.FS, ".down.sql")
	require.NoError(t, err)
	require.Len(t, downs, len(ups))
	for i, up := range ups {
		require.Equal(t, strings.Replace(up, ".up.sql", ".down.sql", 1), downs[i])
	}
}

// ============================================================================
// Test: pebble snapshot store
// ============================================================================

func TestPebbleSnapshotStore_LatestWins(t *testing.T) {
	store, err := persistence.OpenPebbleSnapshotStore("", 0)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	snap, err := store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)

	for _, next := range []int64{0, 12, 3} {
		require.NoError(t, store.SaveSnapshot(ctx, &core.SnapshotState{NextSequence: next, StateHash: "00"}))
	}
	snap, err = store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(12), snap.NextSequence)
}

func TestPebbleSnapshotStore_RetainsNewest(t *testing.T) {
	store, err := persistence.OpenPebbleSnapshotStore(t.TempDir(), 2)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for next := int64(1); next <= 5; next++ {
		require.NoError(t, store.SaveSnapshot(ctx, &core.SnapshotState{NextSequence: next}))
	}
	n, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	snap, err := store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), snap.NextSequence)
}

func TestPebbleSnapshotStore_EngineRoundTrip(t *testing.T) {
	eng, key, _ := newTestEngine(t)
	_, err := eng.CreateOrder(alice, key.ID(), order.SideToken0, 180, uint256.NewInt(5_000_000))
	require.NoError(t, err)

	store, err := persistence.OpenPebbleSnapshotStore("", 0)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveSnapshot(ctx, eng.Snapshot()))
	snap, err := store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)

	restored := core.NewEngine(core.Config{}, settlement.NewMemoryCore(), nil, nil, nil)
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, eng.StateHash(), restored.StateHash())
	require.Equal(t, eng.GetOrders(alice), restored.GetOrders(alice))
}
