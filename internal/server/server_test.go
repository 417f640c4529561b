package server_test

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"TickBook/internal/core"
	"TickBook/internal/ingestion"
	"TickBook/internal/order"
	"TickBook/internal/server"
	"TickBook/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	token0 = common.HexToAddress("0x1000")
	token1 = common.HexToAddress("0x2000")
	owner  = common.HexToAddress("0x0e")
	alice  = common.HexToAddress("0xa11ce")
	hook   = common.HexToAddress("0x40")
)

type testEnv struct {
	srv  *server.GRPCServer
	http http.Handler
	key  order.PoolKey
	pool string
}

// newTestServer serves an engine with one allowed pool at tick 0 whose
// swaps run through the trade hook.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	amm := settlement.NewMemoryCore(settlement.WithSwapFunding())
	key := order.PoolKey{Currency0: token0, Currency1: token1, Fee: 3000, TickSpacing: 60, Hooks: hook}
	require.NoError(t, amm.Initialize(key, 0))
	amm.Fund(alice, token0, uint256.NewInt(1_000_000_000))
	amm.Fund(alice, token1, uint256.NewInt(1_000_000_000))

	cfg := core.DefaultConfig()
	cfg.Owner = owner
	cfg.Self = common.HexToAddress("0xe0")
	eng := core.NewEngine(cfg, amm, make(chan core.CoreOutput, 1024), nil, nil)
	require.NoError(t, eng.AllowPool(owner, key))

	seq := core.NewSequencer(eng, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go seq.Run(ctx)

	amm.SetHook(key.ID(), core.NewTradeHook(eng, 0, zerolog.Nop()))
	feed := core.NewFeedProcessor(seq, amm, core.NewIdempotencyChecker(128, nil, nil), nil, nil, zerolog.Nop())

	srv := server.NewGRPCServer("", "", server.ServerDeps{
		Sequencer: seq,
		Ingest:    ingestion.NewGRPCIngestService(feed),
	})
	h, err := srv.Handler()
	require.NoError(t, err)
	return &testEnv{srv: srv, http: h, key: key, pool: key.ID().String()}
}

func (env *testEnv) do(t *testing.T, method, path string, caller *common.Address, body string) (int, gjson.Result) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if caller != nil {
		req.Header.Set(server.CallerHeader, caller.Hex())
	}
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, req)
	return rec.Code, gjson.ParseBytes(rec.Body.Bytes())
}

func (env *testEnv) createOrder(t *testing.T, target int32) gjson.Result {
	t.Helper()
	code, body := env.do(t, http.MethodPost, "/v1/orders", &alice,
		`{"pool":"`+env.pool+`","side":"token0","target_tick":`+strconv.Itoa(int(target))+`,"amount":"1000000"}`)
	require.Equal(t, http.StatusOK, code, body.Raw)
	return body.Get("orders.0")
}

// ============================================================================
// HTTP: orders
// ============================================================================

func TestHTTP_CreateOrderAndRead(t *testing.T) {
	env := newTestServer(t)

	placed := env.createOrder(t, 120)
	require.Equal(t, int64(60), placed.Get("position.bottom_tick").Int())
	require.Equal(t, int64(120), placed.Get("position.top_tick").Int())
	require.Equal(t, "token0", placed.Get("position.side").String())
	require.NotEqual(t, "0", placed.Get("liquidity").String())

	code, body := env.do(t, http.MethodGet, "/v1/users/"+alice.Hex()+"/orders", nil, "")
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.Len(t, body.Get("orders").Array(), 1)
	require.Equal(t, "open", body.Get("orders.0.status").String())
	require.Equal(t, env.pool, body.Get("orders.0.pool").String())

	code, body = env.do(t, http.MethodGet, "/v1/pools/"+env.pool+"/book?window=600", nil, "")
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.Len(t, body.Get("levels").Array(), 1)
	require.Equal(t, "token0", body.Get("levels.0.side").String())
	require.Equal(t, int64(120), body.Get("levels.0.tick").Int())
}

func TestHTTP_BookPriceWindowInverted(t *testing.T) {
	env := newTestServer(t)
	env.createOrder(t, 120)
	env.createOrder(t, 600)
	env.createOrder(t, 1200)

	code, body := env.do(t, http.MethodGet, "/v1/pools/"+env.pool+"/book?price_window=0.1&invert=true", nil, "")
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.True(t, body.Get("inverted").Bool())
	require.Equal(t, "1.00000000", body.Get("price").String())

	// 1200 is priced beyond 10%; inverted levels run from the highest tick down.
	levels := body.Get("levels").Array()
	require.Len(t, levels, 2)
	require.Equal(t, int64(600), levels[0].Get("tick").Int())
	require.Equal(t, int64(120), levels[1].Get("tick").Int())
	require.Less(t, levels[0].Get("price").Float(), levels[1].Get("price").Float())
	require.Less(t, levels[1].Get("price").Float(), 1.0)

	code, _ = env.do(t, http.MethodGet, "/v1/pools/"+env.pool+"/book?price_window=wide", nil, "")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodGet, "/v1/pools/"+env.pool+"/book?invert=maybe", nil, "")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_CreateOrderFromPrice(t *testing.T) {
	env := newTestServer(t)

	// 1.02 is tick 198, which a token0 order rounds up to the range [180, 240].
	code, body := env.do(t, http.MethodPost, "/v1/orders", &alice,
		`{"pool":"`+env.pool+`","side":"sell","price":"1.02","amount":"500000"}`)
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.Equal(t, int64(180), body.Get("orders.0.position.bottom_tick").Int())
	require.Equal(t, int64(240), body.Get("orders.0.position.top_tick").Int())
}

func TestHTTP_CancelByKey(t *testing.T) {
	env := newTestServer(t)
	placed := env.createOrder(t, 120)

	code, body := env.do(t, http.MethodPost, "/v1/orders/cancel", &alice,
		`{"pool":"`+env.pool+`","key":"`+placed.Get("position.key").String()+`"}`)
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.Len(t, body.Get("cancels").Array(), 1)
	require.Equal(t, placed.Get("liquidity").String(), body.Get("cancels.0.liquidity").String())

	code, body = env.do(t, http.MethodGet, "/v1/users/"+alice.Hex()+"/orders", nil, "")
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, body.Get("orders").Array())
}

func TestHTTP_ExtremeTicksAndCounts(t *testing.T) {
	env := newTestServer(t)

	code, body := env.do(t, http.MethodGet, "/v1/pools/"+env.pool+"/extreme-ticks?side=token0", nil, "")
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.Equal(t, int64(61), body.Get("min").Int())

	code, body = env.do(t, http.MethodGet, "/v1/pools/"+env.pool+"/extreme-counts?lower_tick=60&upper_tick=600", nil, "")
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.Equal(t, int64(1), body.Get("min").Int())
	require.Equal(t, int64(10), body.Get("max").Int())
}

// ============================================================================
// HTTP: errors
// ============================================================================

func TestHTTP_ErrorCodes(t *testing.T) {
	env := newTestServer(t)

	code, body := env.do(t, http.MethodPost, "/v1/orders", nil,
		`{"pool":"`+env.pool+`","side":"token0","target_tick":120,"amount":"1"}`)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "Unauthenticated", body.Get("code").String())

	code, _ = env.do(t, http.MethodPost, "/v1/orders", &alice,
		`{"pool":"0x01","side":"token0","target_tick":120,"amount":"1"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/v1/orders", &alice,
		`{"pool":"`+env.pool+`","side":"token0","target_tick":120,"price":"1.5","amount":"1"}`)
	require.Equal(t, http.StatusBadRequest, code)

	// token0 orders must sit above the current tick.
	code, _ = env.do(t, http.MethodPost, "/v1/orders", &alice,
		`{"pool":"`+env.pool+`","side":"token0","target_tick":-120,"amount":"1000"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/v1/admin/integrity", nil, "")
	require.Equal(t, http.StatusNotImplemented, code)
}

func TestHTTP_AdminRequiresOwner(t *testing.T) {
	env := newTestServer(t)

	code, _ := env.do(t, http.MethodPost, "/v1/admin/pause", &alice, `{}`)
	require.Equal(t, http.StatusForbidden, code)

	code, body := env.do(t, http.MethodPost, "/v1/admin/pause", &owner, `{}`)
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.True(t, body.Get("paused").Bool())

	code, _ = env.do(t, http.MethodPost, "/v1/orders", &alice,
		`{"pool":"`+env.pool+`","side":"token0","target_tick":120,"amount":"1000"}`)
	require.Equal(t, http.StatusServiceUnavailable, code)

	// Reads keep working while paused.
	code, _ = env.do(t, http.MethodGet, "/v1/pools", nil, "")
	require.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodPost, "/v1/admin/max-executions", &owner, `{"value":3}`)
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.Equal(t, int64(3), body.Get("max_executions_per_trade").Int())
}

func TestHTTP_InjectSwapExecutesOrder(t *testing.T) {
	env := newTestServer(t)
	env.createOrder(t, 120)

	code, body := env.do(t, http.MethodPost, "/v1/admin/swaps", &alice, `{"pool":"`+env.pool+`","target_tick":300}`)
	require.Equal(t, http.StatusForbidden, code, body.Raw)

	code, body = env.do(t, http.MethodPost, "/v1/admin/swaps", &owner, `{"pool":"`+env.pool+`","target_tick":300}`)
	require.Equal(t, http.StatusOK, code, body.Raw)
	require.True(t, body.Get("applied").Bool())
	require.Equal(t, int64(300), body.Get("tick_after").Int())
	require.Empty(t, body.Get("hook_error").String())

	code, body = env.do(t, http.MethodGet, "/v1/users/"+alice.Hex()+"/orders", nil, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "executed", body.Get("orders.0.status").String())
}

// ============================================================================
// gRPC
// ============================================================================

func dialBufconn(t *testing.T, env *testEnv) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go env.srv.GRPC().Serve(lis)
	t.Cleanup(env.srv.GRPC().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_ListPools(t *testing.T) {
	env := newTestServer(t)
	conn := dialBufconn(t, env)

	var resp server.ListPoolsResponse
	err := conn.Invoke(context.Background(), "/"+server.OrdersService+"/ListPools", &server.Empty{}, &resp)
	require.NoError(t, err)
	require.Len(t, resp.Pools, 1)
	require.Equal(t, env.pool, resp.Pools[0].ID)
	require.True(t, resp.Pools[0].Allowed)
}

func TestGRPC_CallerFromMetadata(t *testing.T) {
	env := newTestServer(t)
	conn := dialBufconn(t, env)
	target := int32(120)
	req := &server.CreateOrderRequest{Pool: env.pool, Side: "token0", TargetTick: &target, Amount: "1000000"}

	var resp server.CreateOrdersResponse
	err := conn.Invoke(context.Background(), "/"+server.OrdersService+"/CreateOrder", req, &resp)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), server.CallerHeader, alice.Hex())
	require.NoError(t, conn.Invoke(ctx, "/"+server.OrdersService+"/CreateOrder", req, &resp))
	require.Len(t, resp.Orders, 1)
	require.Equal(t, int32(120), resp.Orders[0].Position.TopTick)

	var cfg server.ConfigResponse
	ctx = metadata.AppendToOutgoingContext(context.Background(), server.CallerHeader, alice.Hex())
	err = conn.Invoke(ctx, "/"+server.AdminService+"/Pause", &server.Empty{}, &cfg)
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestServiceDescs_CoverEveryService(t *testing.T) {
	names := map[string]int{}
	for _, d := range server.ServiceDescs() {
		names[d.ServiceName] = len(d.Methods)
	}
	require.Len(t, names, 3)
	require.Greater(t, names[server.OrdersService], 10)
	require.Greater(t, names[server.AdminService], 10)
	require.Equal(t, 3, names[server.QueryService])
}
