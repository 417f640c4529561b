package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"TickBook/internal/core"
	"TickBook/internal/ingestion"
	fpmath "TickBook/internal/math"
	"TickBook/internal/observability"
	"TickBook/internal/order"
	"TickBook/internal/persistence"
	"TickBook/internal/projection"
	"TickBook/internal/query"
	"TickBook/internal/settlement"
	"TickBook/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallerHeader carries the caller's address, as gRPC metadata or as an HTTP
// header. The deployment's edge is expected to authenticate it.
const CallerHeader = "x-caller"

// ServerDeps holds everything the services call into. Optional parts may
// be nil; their methods then report Unimplemented.
type ServerDeps struct {
	Sequencer *core.Sequencer

	Ingest       *ingestion.GRPCIngestService
	QueryService *query.QueryService
	DB           *sql.DB
	SnapshotMgr  *persistence.SnapshotManager
	// TakeSnapshot checkpoints the engine and stores the result.
	TakeSnapshot func(ctx context.Context) (*core.SnapshotState, error)

	StartTime     time.Time
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

// Service implements the Orders, Admin and Query services. Engine access
// goes through the sequencer.
type Service struct {
	deps ServerDeps
}

func NewService(deps ServerDeps) *Service {
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	return &Service{deps: deps}
}

func (s *Service) isService() {}

func (s *Service) do(ctx context.Context, fn func(*core.Engine) error) error {
	return s.deps.Sequencer.Do(ctx, fn)
}

// ============================================================================
// Caller identity
// ============================================================================

type callerKey struct{}

// WithCaller attaches the calling address to ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func callerFrom(ctx context.Context) (common.Address, error) {
	if c, ok := ctx.Value(callerKey{}).(common.Address); ok {
		return c, nil
	}
	return common.Address{}, status.Error(codes.Unauthenticated, CallerHeader+" is required")
}

// callerFromMetadata moves the caller header of an incoming gRPC call into
// the context. A malformed address is rejected; a missing one is left for
// the method to decide.
func callerFromMetadata(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, nil
	}
	vals := md.Get(CallerHeader)
	if len(vals) == 0 {
		return ctx, nil
	}
	addr, err := parseAddress(CallerHeader, vals[0])
	if err != nil {
		return ctx, err
	}
	return WithCaller(ctx, addr), nil
}

func (s *Service) requireOwner(ctx context.Context) (common.Address, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return caller, err
	}
	var owner common.Address
	if err := s.do(ctx, func(e *core.Engine) error {
		owner = e.Config().Owner
		return nil
	}); err != nil {
		return caller, err
	}
	if caller != owner {
		return caller, core.ErrNotOwner
	}
	return caller, nil
}

// ============================================================================
// Error mapping
// ============================================================================

func invalidf(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

func unavailable(what string) error {
	return status.Errorf(codes.Unimplemented, "%s is not configured", what)
}

// toStatus maps engine and settlement errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var stale *core.ErrStaleSequence
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, core.ErrInvalidRange),
		errors.Is(err, core.ErrUnaligned),
		errors.Is(err, core.ErrZeroAmount),
		errors.Is(err, core.ErrBelowMinimum),
		errors.Is(err, core.ErrTooManyOrders),
		errors.Is(err, core.ErrWrongSide),
		errors.Is(err, core.ErrInvalidConfig),
		errors.Is(err, state.ErrZeroLiquidity),
		errors.Is(err, fpmath.ErrTickOutOfBounds),
		errors.Is(err, fpmath.ErrBadRange),
		errors.Is(err, fpmath.ErrBadSkew),
		errors.Is(err, settlement.ErrInvalidTickRange):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrNotHook),
		errors.Is(err, core.ErrNotOwner),
		errors.Is(err, core.ErrNotKeeper):
		code = codes.PermissionDenied
	case errors.Is(err, core.ErrUnknownPool),
		errors.Is(err, settlement.ErrPoolNotFound):
		code = codes.NotFound
	case errors.Is(err, core.ErrPoolNotAllowed),
		errors.Is(err, core.ErrNothingToAct),
		errors.Is(err, core.ErrPositionOpen),
		errors.Is(err, settlement.ErrInsufficientFunds),
		errors.Is(err, settlement.ErrInsufficientLiquidity),
		errors.Is(err, settlement.ErrInsufficientClaims),
		errors.Is(err, settlement.ErrDeliveryFailed),
		errors.As(err, &stale):
		code = codes.FailedPrecondition
	case errors.Is(err, settlement.ErrPoolExists):
		code = codes.AlreadyExists
	case errors.Is(err, core.ErrPaused):
		code = codes.Unavailable
	case errors.Is(err, core.ErrReentrant),
		errors.Is(err, settlement.ErrUnsettledDeltas),
		errors.Is(err, settlement.ErrWindowClosed):
		code = codes.Aborted
	}
	return status.Error(code, err.Error())
}

// ============================================================================
// Orders
// ============================================================================

func (s *Service) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrdersResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	target, err := resolveTick("target", req.TargetTick, req.Price)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		return nil, err
	}

	var receipt core.OrderReceipt
	err = s.do(ctx, func(e *core.Engine) error {
		var err error
		receipt, err = e.CreateOrder(caller, pool, side, target, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CreateOrdersResponse{Orders: orderReceipts([]core.OrderReceipt{receipt})}, nil
}

func (s *Service) CreateScaleOrders(ctx context.Context, req *CreateScaleOrdersRequest) (*CreateOrdersResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}
	params := core.ScaleParams{Count: req.Count, Skew: decimal.NewFromInt(1)}
	if params.Side, err = parseSide(req.Side); err != nil {
		return nil, err
	}
	if params.LowerTick, err = resolveTick("lower", req.LowerTick, req.LowerPrice); err != nil {
		return nil, err
	}
	if params.UpperTick, err = resolveTick("upper", req.UpperTick, req.UpperPrice); err != nil {
		return nil, err
	}
	if params.Total, err = parseAmount("total", req.Total, false); err != nil {
		return nil, err
	}
	if req.Skew != "" {
		if params.Skew, err = decimal.NewFromString(req.Skew); err != nil {
			return nil, invalidf("skew: %v", err)
		}
	}
	if params.Mode, err = parseSkewMode(req.Mode); err != nil {
		return nil, err
	}

	var receipts []core.OrderReceipt
	err = s.do(ctx, func(e *core.Engine) error {
		var err error
		receipts, err = e.CreateScaleOrders(caller, pool, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CreateOrdersResponse{Orders: orderReceipts(receipts)}, nil
}

func (s *Service) CancelOrder(ctx context.Context, req *OrderRef) (*CancelResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	pool, key, err := parseRef(req)
	if err != nil {
		return nil, err
	}

	var receipt core.CancelReceipt
	err = s.do(ctx, func(e *core.Engine) error {
		id, err := e.ResolveKey(pool, key)
		if err != nil {
			return err
		}
		receipt, err = e.CancelOrder(caller, pool, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CancelResponse{Cancels: []CancelReceipt{cancelReceipt(receipt)}}, nil
}

// CancelOrderFor is the keeper's emergency cancel on behalf of req.User.
func (s *Service) CancelOrderFor(ctx context.Context, req *OrderRef) (*CancelResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	pool, key, err := parseRef(req)
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}

	var receipt core.CancelReceipt
	err = s.do(ctx, func(e *core.Engine) error {
		id, err := e.ResolveKey(pool, key)
		if err != nil {
			return err
		}
		receipt, err = e.CancelOrderFor(caller, user, pool, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CancelResponse{Cancels: []CancelReceipt{cancelReceipt(receipt)}}, nil
}

func (s *Service) CancelOrders(ctx context.Context, req *PoolRef) (*CancelResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}

	var receipts []core.CancelReceipt
	err = s.do(ctx, func(e *core.Engine) error {
		var err error
		receipts, err = e.CancelOrders(caller, pool)
		return err
	})
	if err != nil {
		return nil, err
	}
	resp := &CancelResponse{Cancels: make([]CancelReceipt, 0, len(receipts))}
	for _, r := range receipts {
		resp.Cancels = append(resp.Cancels, cancelReceipt(r))
	}
	return resp, nil
}

func (s *Service) ClaimOrder(ctx context.Context, req *OrderRef) (*ClaimResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	pool, key, err := parseRef(req)
	if err != nil {
		return nil, err
	}

	var receipt core.ClaimReceipt
	err = s.do(ctx, func(e *core.Engine) error {
		id, err := e.ResolveKey(pool, key)
		if err != nil {
			return err
		}
		receipt, err = e.ClaimOrder(caller, pool, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ClaimResponse{Claims: []ClaimReceipt{claimReceipt(receipt)}}, nil
}

func (s *Service) ClaimOrders(ctx context.Context, req *PoolRef) (*ClaimResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}

	var receipts []core.ClaimReceipt
	err = s.do(ctx, func(e *core.Engine) error {
		var err error
		receipts, err = e.ClaimOrders(caller, pool)
		return err
	})
	if err != nil {
		return nil, err
	}
	resp := &ClaimResponse{Claims: make([]ClaimReceipt, 0, len(receipts))}
	for _, r := range receipts {
		resp.Claims = append(resp.Claims, claimReceipt(r))
	}
	return resp, nil
}

func (s *Service) KeeperExecute(ctx context.Context, req *KeeperExecuteRequest) (*KeeperExecuteResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}
	keys := make([]order.PositionKey, 0, len(req.Keys))
	for _, k := range req.Keys {
		key, err := parseKey(k)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	var res core.KeeperResult
	err = s.do(ctx, func(e *core.Engine) error {
		ids := make([]order.PositionID, 0, len(keys))
		for _, k := range keys {
			id, err := e.ResolveKey(pool, k)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		var err error
		res, err = e.KeeperExecute(caller, pool, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &KeeperExecuteResponse{
		Tick:      res.Tick,
		Executed:  positions(res.Executed),
		Discarded: positions(res.Discarded),
	}, nil
}

func parseRef(req *OrderRef) (order.PoolID, order.PositionKey, error) {
	pool, err := parsePool(req.Pool)
	if err != nil {
		return pool, order.PositionKey{}, err
	}
	key, err := parseKey(req.Key)
	return pool, key, err
}

// ============================================================================
// Views
// ============================================================================

func (s *Service) GetOrders(ctx context.Context, req *GetOrdersRequest) (*GetOrdersResponse, error) {
	var user common.Address
	if req.User != "" {
		addr, err := parseAddress("user", req.User)
		if err != nil {
			return nil, err
		}
		user = addr
	} else {
		caller, err := callerFrom(ctx)
		if err != nil {
			return nil, err
		}
		user = caller
	}

	var views []core.OrderView
	if err := s.do(ctx, func(e *core.Engine) error {
		views = e.GetOrders(user)
		return nil
	}); err != nil {
		return nil, err
	}
	resp := &GetOrdersResponse{Orders: make([]OrderView, 0, len(views))}
	for _, v := range views {
		resp.Orders = append(resp.Orders, OrderView{
			Pool:               v.Pool.String(),
			Position:           positionOf(v.ID),
			Status:             v.Status.String(),
			Liquidity:          v.Liquidity.Dec(),
			Fees:               pairOf(v.Fees),
			ClaimablePrincipal: pairOf(v.ClaimablePrincipal),
		})
	}
	return resp, nil
}

func (s *Service) GetBook(ctx context.Context, req *GetBookRequest) (*GetBookResponse, error) {
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}
	var fraction decimal.Decimal
	if req.PriceWindow != "" {
		if fraction, err = decimal.NewFromString(req.PriceWindow); err != nil {
			return nil, invalidf("price_window: %v", err)
		}
	}
	var book core.BookView
	err = s.do(ctx, func(e *core.Engine) error {
		var err error
		if req.PriceWindow != "" {
			book, err = e.GetBookWithin(pool, fraction)
		} else {
			book, err = e.GetBook(pool, req.Window)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	price := priceString
	if req.Invert {
		price = func(tick int32) string { return priceString(-tick) }
	}
	resp := &GetBookResponse{
		Pool:     book.Pool.String(),
		Tick:     book.Tick,
		Price:    price(book.Tick),
		Inverted: req.Invert,
		Levels:   make([]BookLevel, 0, len(book.Levels)),
	}
	for _, l := range book.Levels {
		resp.Levels = append(resp.Levels, BookLevel{
			Tick:      l.Tick,
			Price:     price(l.Tick),
			Side:      l.Side.String(),
			Key:       l.Key.String(),
			Liquidity: l.Liquidity.Dec(),
			Amount:    l.Amount.Dec(),
		})
	}
	// Inverted prices fall as ticks rise; keep levels in ascending price.
	if req.Invert {
		slices.Reverse(resp.Levels)
	}
	return resp, nil
}

func (s *Service) ExtremeTicks(ctx context.Context, req *ExtremeTicksRequest) (*ExtremeTicksResponse, error) {
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	var r core.TickRange
	err = s.do(ctx, func(e *core.Engine) error {
		var err error
		r, err = e.ExtremeTicks(pool, side)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ExtremeTicksResponse{Min: r.Min, Max: r.Max}, nil
}

func (s *Service) ExtremeCounts(ctx context.Context, req *ExtremeCountsRequest) (*ExtremeCountsResponse, error) {
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}
	var r core.CountRange
	err = s.do(ctx, func(e *core.Engine) error {
		var err error
		r, err = e.ExtremeCounts(pool, req.LowerTick, req.UpperTick)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ExtremeCountsResponse{Min: r.Min, Max: r.Max}, nil
}

func (s *Service) ListPools(ctx context.Context, _ *Empty) (*ListPoolsResponse, error) {
	var pools []core.PoolView
	if err := s.do(ctx, func(e *core.Engine) error {
		pools = e.Pools()
		return nil
	}); err != nil {
		return nil, err
	}
	resp := &ListPoolsResponse{Pools: make([]PoolView, 0, len(pools))}
	for _, p := range pools {
		resp.Pools = append(resp.Pools, PoolView{
			ID:      p.ID.String(),
			Key:     p.Key,
			Allowed: p.Allowed,
			Active0: p.Active0,
			Active1: p.Active1,
			Pending: p.Pending,
		})
	}
	return resp, nil
}

// ============================================================================
// Admin
// ============================================================================

func (s *Service) GetConfig(ctx context.Context, _ *Empty) (*ConfigResponse, error) {
	var resp *ConfigResponse
	err := s.do(ctx, func(e *core.Engine) error {
		resp = configResponse(e.Config(), e.Keepers(), e.Paused(), e.Sequence())
		return nil
	})
	return resp, err
}

// admin runs an owner operation and returns the resulting configuration.
func (s *Service) admin(ctx context.Context, fn func(e *core.Engine, caller common.Address) error) (*ConfigResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	var resp *ConfigResponse
	err = s.do(ctx, func(e *core.Engine) error {
		if err := fn(e, caller); err != nil {
			return err
		}
		resp = configResponse(e.Config(), e.Keepers(), e.Paused(), e.Sequence())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) SetMaxExecutionsPerTrade(ctx context.Context, req *SetLimitRequest) (*ConfigResponse, error) {
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.SetMaxExecutionsPerTrade(caller, req.Value)
	})
}

func (s *Service) SetMaxScaleOrders(ctx context.Context, req *SetLimitRequest) (*ConfigResponse, error) {
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.SetMaxScaleOrders(caller, req.Value)
	})
}

func (s *Service) SetMinOrderSize(ctx context.Context, req *SetMinOrderSizeRequest) (*ConfigResponse, error) {
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount, true)
	if err != nil {
		return nil, err
	}
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.SetMinOrderSize(caller, token, amount)
	})
}

func (s *Service) SetTreasury(ctx context.Context, req *SetTreasuryRequest) (*ConfigResponse, error) {
	treasury, err := parseAddress("treasury", req.Treasury)
	if err != nil {
		return nil, err
	}
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.SetTreasury(caller, treasury, req.FeeBps)
	})
}

func (s *Service) AllowPool(ctx context.Context, req *AllowPoolRequest) (*ConfigResponse, error) {
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.AllowPool(caller, req.Key)
	})
}

func (s *Service) DisallowPool(ctx context.Context, req *PoolRef) (*ConfigResponse, error) {
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.DisallowPool(caller, pool)
	})
}

func (s *Service) AddKeeper(ctx context.Context, req *KeeperRequest) (*ConfigResponse, error) {
	k, err := parseAddress("keeper", req.Keeper)
	if err != nil {
		return nil, err
	}
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.AddKeeper(caller, k)
	})
}

func (s *Service) RemoveKeeper(ctx context.Context, req *KeeperRequest) (*ConfigResponse, error) {
	k, err := parseAddress("keeper", req.Keeper)
	if err != nil {
		return nil, err
	}
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.RemoveKeeper(caller, k)
	})
}

func (s *Service) Pause(ctx context.Context, _ *Empty) (*ConfigResponse, error) {
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.Pause(caller)
	})
}

func (s *Service) Unpause(ctx context.Context, _ *Empty) (*ConfigResponse, error) {
	return s.admin(ctx, func(e *core.Engine, caller common.Address) error {
		return e.Unpause(caller)
	})
}

// InjectSwap replays a swap by hand through the swap feed. Owner only.
func (s *Service) InjectSwap(ctx context.Context, req *InjectSwapRequest) (*InjectSwapResponse, error) {
	if s.deps.Ingest == nil {
		return nil, unavailable("swap injection")
	}
	if _, err := s.requireOwner(ctx); err != nil {
		return nil, err
	}
	pool, err := parsePool(req.Pool)
	if err != nil {
		return nil, err
	}
	in := ingestion.InjectSwapRequest{
		SwapID:     req.SwapID,
		Pool:       pool,
		TargetTick: req.TargetTick,
		Sequence:   req.Sequence,
	}
	if req.Trader != "" {
		if in.Trader, err = parseAddress("trader", req.Trader); err != nil {
			return nil, err
		}
	}
	var fee0, fee1 *uint256.Int
	if fee0, err = parseAmount("fee0", req.Fee0, true); err != nil {
		return nil, err
	}
	if fee1, err = parseAmount("fee1", req.Fee1, true); err != nil {
		return nil, err
	}
	in.Fee0, in.Fee1 = fee0, fee1

	res, applied, err := s.deps.Ingest.InjectSwap(ctx, in)
	if err != nil {
		return nil, err
	}
	resp := &InjectSwapResponse{Applied: applied, TickBefore: res.TickBefore, TickAfter: res.TickAfter}
	if res.HookErr != nil {
		resp.HookError = res.HookErr.Error()
	}
	return resp, nil
}

func (s *Service) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.deps.TakeSnapshot == nil {
		return nil, unavailable("snapshot store")
	}
	if _, err := s.requireOwner(ctx); err != nil {
		return nil, err
	}
	snap, err := s.deps.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &SnapshotResponse{NextSequence: snap.NextSequence, StateHash: snap.StateHash}, nil
}

func (s *Service) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	resp := &EventLogInfoResponse{
		LastSequence:  -1,
		UptimeSeconds: int64(time.Since(s.deps.StartTime).Seconds()),
	}
	if err := s.do(ctx, func(e *core.Engine) error {
		resp.EngineSequence = e.Sequence()
		resp.StateHash = stateHashHex(e.StateHash())
		return nil
	}); err != nil {
		return nil, err
	}
	if s.deps.SnapshotMgr != nil {
		seq, err := s.deps.SnapshotMgr.GetLatestSequence(ctx)
		if err != nil {
			return nil, err
		}
		resp.LastSequence = seq
	}
	return resp, nil
}

func (s *Service) VerifyChain(ctx context.Context, _ *Empty) (*VerifyChainResponse, error) {
	if s.deps.SnapshotMgr == nil {
		return nil, unavailable("event log")
	}
	checked, err := s.deps.SnapshotMgr.VerifyChain(ctx, 0, 1000)
	if err != nil {
		return nil, status.Errorf(codes.DataLoss, "after %d events: %v", checked, err)
	}
	return &VerifyChainResponse{Checked: checked}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.deps.QueryService == nil {
		return nil, unavailable("query store")
	}
	return s.deps.QueryService.VerifyIntegrity(ctx)
}

func (s *Service) RebuildProjections(ctx context.Context, _ *Empty) (*Empty, error) {
	if s.deps.DB == nil {
		return nil, unavailable("projection store")
	}
	if _, err := s.requireOwner(ctx); err != nil {
		return nil, err
	}
	if err := projection.RebuildProjections(ctx, s.deps.DB); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ============================================================================
// Query
// ============================================================================

func (s *Service) GetOrderHistory(ctx context.Context, req *OrderHistoryRequest) (*OrderHistoryResponse, error) {
	if s.deps.QueryService == nil {
		return nil, unavailable("query store")
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	f := query.OrderFilter{BeforeSequence: req.BeforeSequence, Limit: req.Limit}
	if req.Pool != "" {
		pool, err := parsePool(req.Pool)
		if err != nil {
			return nil, err
		}
		p := pool.String()
		f.PoolID = &p
	}
	if req.Status != "" {
		st := req.Status
		f.Status = &st
	}
	records, err := s.deps.QueryService.GetOrderHistory(ctx, user, f)
	if err != nil {
		return nil, err
	}
	return &OrderHistoryResponse{Orders: records}, nil
}

func (s *Service) GetBalances(ctx context.Context, req *BalancesRequest) (*BalancesResponse, error) {
	if s.deps.QueryService == nil {
		return nil, unavailable("query store")
	}
	balances, err := s.deps.QueryService.GetBalances(ctx, req.Prefix)
	if err != nil {
		return nil, err
	}
	return &BalancesResponse{Balances: balances}, nil
}

func (s *Service) GetJournalHistory(ctx context.Context, req *JournalHistoryRequest) (*JournalHistoryResponse, error) {
	if s.deps.QueryService == nil {
		return nil, unavailable("query store")
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.QueryService.GetJournalHistory(ctx, user, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &JournalHistoryResponse{Journals: entries}, nil
}

func stateHashHex(h [32]byte) string { return hex.EncodeToString(h[:]) }
