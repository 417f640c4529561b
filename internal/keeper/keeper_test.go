package keeper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"TickBook/internal/keeper"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func pid(top int32, nonce uint64) order.PositionID {
	return order.PositionID{
		BaseID: order.BaseID{BottomTick: top - 60, TopTick: top, Side: order.SideToken0},
		Nonce:  nonce,
	}
}

// ============================================================================
// Test: queue
// ============================================================================

func TestQueue_PushIsFIFOAndDeduplicated(t *testing.T) {
	q := keeper.NewQueue()
	a, b, c := pid(120, 0), pid(180, 0), pid(240, 0)

	require.Equal(t, 2, q.Push(a, b))
	require.Equal(t, 1, q.Push(b, c, a))
	require.Equal(t, 3, q.Len())
	require.Equal(t, []order.PositionID{a, b, c}, q.Peek(0))
	require.Equal(t, []order.PositionID{a, b}, q.Peek(2))
	require.Equal(t, []order.PositionID{a, b, c}, q.Peek(10))
}

func TestQueue_NoncesAreDistinct(t *testing.T) {
	q := keeper.NewQueue()
	require.Equal(t, 2, q.Push(pid(120, 0), pid(120, 1)))
	require.True(t, q.Contains(pid(120, 1)))
	require.False(t, q.Contains(pid(120, 2)))
}

func TestQueue_RemoveAnywhere(t *testing.T) {
	q := keeper.NewQueue()
	a, b, c := pid(120, 0), pid(180, 0), pid(240, 0)
	q.Push(a, b, c)

	q.Remove(b, pid(600, 0))
	require.Equal(t, []order.PositionID{a, c}, q.Peek(0))
	require.False(t, q.Contains(b))

	// A removed id can be queued again.
	require.Equal(t, 1, q.Push(b))
	require.Equal(t, []order.PositionID{a, c, b}, q.Peek(0))
}

func TestQueue_PeekDoesNotAlias(t *testing.T) {
	q := keeper.NewQueue()
	q.Push(pid(120, 0))
	head := q.Peek(1)
	head[0] = pid(999, 9)
	require.Equal(t, pid(120, 0), q.Peek(1)[0])
}

// ============================================================================
// Test: runner
// ============================================================================

type fakeExecutor struct {
	calls    int
	keeper   common.Address
	max      int
	executed int
	err      error
}

func (f *fakeExecutor) ExecutePending(_ context.Context, k common.Address, max int) (int, int, error) {
	f.calls++
	f.keeper, f.max = k, max
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.executed, 1, nil
}

func TestRunner_RunOnceUsesKeeperIdentity(t *testing.T) {
	exec := &fakeExecutor{executed: 3}
	k := common.HexToAddress("0x4ee9")
	r := keeper.NewRunner(exec, k, time.Second, 5, nil)

	executed, discarded, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, executed)
	require.Equal(t, 1, discarded)
	require.Equal(t, k, exec.keeper)
	require.Equal(t, 5, exec.max)
}

func TestRunner_RunOnceReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	r := keeper.NewRunner(&fakeExecutor{err: boom}, common.Address{}, 0, 0, nil)
	_, _, err := r.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	exec := &fakeExecutor{}
	r := keeper.NewRunner(exec, common.Address{}, 5*time.Millisecond, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Positive(t, exec.calls)
}
