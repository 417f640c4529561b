package query_test

import (
	"context"
	"testing"
	"time"

	"TickBook/internal/core"
	"TickBook/internal/order"
	"TickBook/internal/persistence"
	"TickBook/internal/projection"
	"TickBook/internal/query"
	"TickBook/internal/settlement"
	"TickBook/internal/testutil"

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

// recordOrders places two orders for alice, cancels the first, and returns
// every output the engine emitted.
func recordOrders(t *testing.T) (order.PoolKey, []core.CoreOutput) {
	t.Helper()
	amm := settlement.NewMemoryCore()
	key := order.PoolKey{Currency0: token0, Currency1: token1, Fee: 3000, TickSpacing: 60, Hooks: common.HexToAddress("0x40")}
	require.NoError(t, amm.Initialize(key, 0))
	amm.Fund(alice, token0, uint256.NewInt(1_000_000_000))

	cfg := core.DefaultConfig()
	cfg.Owner = owner
	cfg.Self = common.HexToAddress("0xe0")
	ch := make(chan core.CoreOutput, 64)
	eng := core.NewEngine(cfg, amm, ch, nil, nil)
	require.NoError(t, eng.AllowPool(owner, key))

	first, err := eng.CreateOrder(alice, key.ID(), order.SideToken0, 120, uint256.NewInt(1_000_000))
	require.NoError(t, err)
	_, err = eng.CreateOrder(alice, key.ID(), order.SideToken0, 240, uint256.NewInt(2_000_000))
	require.NoError(t, err)
	_, err = eng.CancelOrder(alice, key.ID(), first.ID)
	require.NoError(t, err)

	var outs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outs = append(outs, o)
		default:
			return key, outs
		}
	}
}

// replay runs outs through the persistence and projection workers.
func replay(t *testing.T, outs []core.CoreOutput, run func(chan core.CoreOutput) error) {
	t.Helper()
	in := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)
	require.NoError(t, run(in))
}

// ============================================================================
// Test: projected order history and balances
// ============================================================================

func TestQuery_OrderHistoryAndIntegrity(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	key, outs := recordOrders(t)
	replay(t, outs, func(in chan core.CoreOutput) error {
		return persistence.NewPersistenceWorker(db, in, 10, time.Millisecond, nil).Run(ctx)
	})
	replay(t, outs, func(in chan core.CoreOutput) error {
		return projection.NewProjectionWorker(db, in).Run(ctx)
	})

	qs := query.NewQueryService(db)
	records, err := qs.GetOrderHistory(ctx, alice, query.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Newest first.
	require.Equal(t, int32(240), records[0].TopTick)
	require.Equal(t, projection.StatusOpen, records[0].Status)
	require.Equal(t, int32(120), records[1].TopTick)
	// The cancel claims what it withdrew in the same call.
	require.Equal(t, projection.StatusClaimed, records[1].Status)
	require.True(t, records[1].Liquidity.IsZero())
	require.True(t, records[1].Principal0.Add(records[1].Principal1).IsPositive())
	require.Equal(t, outs[len(outs)-1].Envelope.Sequence, records[0].AsOfSequence)

	open := projection.StatusOpen
	pool := key.ID().String()
	records, err = qs.GetOrderHistory(ctx, alice, query.OrderFilter{PoolID: &pool, Status: &open})
	require.NoError(t, err)
	require.Len(t, records, 1)

	balances, err := qs.GetBalances(ctx, "user:"+alice.Hex())
	require.NoError(t, err)
	require.NotEmpty(t, balances)

	journals, err := qs.GetJournalHistory(ctx, alice, 50, nil)
	require.NoError(t, err)
	require.NotEmpty(t, journals)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.IsHealthy, "%+v", report)
	require.Equal(t, report.LatestSequence, report.ProjectionWatermark)
}

func TestQuery_RebuildMatchesLiveProjection(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, outs := recordOrders(t)
	replay(t, outs, func(in chan core.CoreOutput) error {
		return persistence.NewPersistenceWorker(db, in, 10, time.Millisecond, nil).Run(ctx)
	})
	replay(t, outs, func(in chan core.CoreOutput) error {
		return projection.NewProjectionWorker(db, in).Run(ctx)
	})

	qs := query.NewQueryService(db)
	live, err := qs.GetOrderHistory(ctx, alice, query.OrderFilter{})
	require.NoError(t, err)
	liveBalances, err := qs.GetBalances(ctx, "")
	require.NoError(t, err)

	require.NoError(t, projection.RebuildProjections(ctx, db))

	rebuilt, err := qs.GetOrderHistory(ctx, alice, query.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, rebuilt, len(live))
	for i := range live {
		require.Equal(t, live[i].PositionKey, rebuilt[i].PositionKey)
		require.Equal(t, live[i].Status, rebuilt[i].Status)
		require.True(t, live[i].Principal0.Equal(rebuilt[i].Principal0))
	}

	rebuiltBalances, err := qs.GetBalances(ctx, "")
	require.NoError(t, err)
	require.Len(t, rebuiltBalances, len(liveBalances))
	for i := range liveBalances {
		require.Equal(t, liveBalances[i].AccountPath, rebuiltBalances[i].AccountPath)
		require.True(t, liveBalances[i].Balance.Equal(rebuiltBalances[i].Balance))
	}
}
