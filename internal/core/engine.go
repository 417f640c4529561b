package core

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"TickBook/internal/event"
	"TickBook/internal/keeper"
	"TickBook/internal/ledger"
	"TickBook/internal/observability"
	"TickBook/internal/order"
	"TickBook/internal/settlement"
	"TickBook/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Validation errors.
var (
	ErrInvalidRange   = errors.New("invalid tick range")
	ErrUnaligned      = errors.New("tick not aligned to pool spacing")
	ErrZeroAmount     = errors.New("amount must be positive")
	ErrBelowMinimum   = errors.New("amount below minimum order size")
	ErrPoolNotAllowed = errors.New("pool not allowed")
	ErrTooManyOrders  = errors.New("too many orders")
	ErrWrongSide      = errors.New("range is on the wrong side of the current tick")
	ErrInvalidConfig  = errors.New("invalid configuration value")
	ErrUnknownPool    = errors.New("unknown pool")
)

// Authorization errors.
var (
	ErrNotHook   = errors.New("caller is not the pool hook")
	ErrNotOwner  = errors.New("caller is not the owner")
	ErrNotKeeper = errors.New("caller is not a keeper")
)

// State errors. A second claim of the same record reports ErrNothingToAct.
var (
	ErrNothingToAct = state.ErrNothingToAct
	ErrPositionOpen = errors.New("position is still open")
)

var (
	ErrPaused    = errors.New("engine is paused")
	ErrReentrant = errors.New("reentrant call")
)

// Config holds the engine's operational parameters.
type Config struct {
	Owner common.Address
	// Self is the identity the engine unlocks the AMM with; it owns every
	// AMM position and claim balance the engine holds.
	Self                  common.Address
	Treasury              common.Address
	TreasuryFeeBps        uint16
	MaxExecutionsPerTrade int
	MaxScaleOrders        int
	Keepers               []common.Address
}

func DefaultConfig() Config {
	return Config{
		MaxExecutionsPerTrade: 8,
		MaxScaleOrders:        20,
	}
}

// CoreOutput is one sequenced engine output. The custody batch of a call
// rides on the call's first output.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Payload  event.Payload
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock sets the timestamp source for outputs.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStartSequence resumes numbering after a restore.
func WithStartSequence(seq int64) Option {
	return func(e *Engine) { e.sequence = seq }
}

type poolBook struct {
	key      order.PoolKey
	id       order.PoolID
	allowed  bool
	registry *state.Registry
	queue    *keeper.Queue
}

// Engine owns every order registry and executes orders against the AMM.
// Not safe for concurrent use; see Sequencer.
type Engine struct {
	cfg          Config
	amm          settlement.Core
	pools        map[order.PoolID]*poolBook
	keepers      map[common.Address]bool
	minOrderSize map[common.Address]*uint256.Int
	paused       bool
	inCall       bool

	sequence  int64
	chain     *OutputChain
	balances  *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	metrics   *observability.Metrics
	now       func() time.Time

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewEngine(
	cfg Config,
	amm settlement.Core,
	persistChan, projectionChan chan<- CoreOutput,
	metrics *observability.Metrics,
	opts ...Option,
) *Engine {
	balances := ledger.NewBalanceTracker()
	e := &Engine{
		cfg:            cfg,
		amm:            amm,
		pools:          make(map[order.PoolID]*poolBook),
		keepers:        make(map[common.Address]bool),
		minOrderSize:   make(map[common.Address]*uint256.Int),
		chain:          NewOutputChain(),
		balances:       balances,
		validator:      ledger.NewInvariantValidator(balances),
		metrics:        metrics,
		now:            time.Now,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
	for _, k := range cfg.Keepers {
		e.keepers[k] = true
	}
	e.cfg.Keepers = nil
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ============================================================================
// Call scaffolding
// ============================================================================

// call accumulates what one external call produces. Nothing leaves the
// engine unless the call succeeds.
type call struct {
	op        string
	ref       string
	ts        time.Time
	book      *poolBook
	batch     *ledger.Batch
	outputs   []event.Payload
	after     []func()
	sourceSeq int64
}

func (c *call) emit(p event.Payload) { c.outputs = append(c.outputs, p) }

// onCommit defers a side effect until the call's state is committed.
func (c *call) onCommit(f func()) { c.after = append(c.after, f) }

// run executes fn as one guarded, all-or-nothing call. Registry changes on
// book are rolled back if fn fails.
func (e *Engine) run(op string, book *poolBook, fn func(c *call) error) error {
	if e.inCall {
		return ErrReentrant
	}
	e.inCall = true
	defer func() { e.inCall = false }()

	start := time.Now()
	ts := e.now()
	ref := op + ":" + strconv.FormatInt(e.sequence, 10)
	c := &call{
		op:    op,
		ref:   ref,
		ts:    ts,
		book:  book,
		batch: ledger.NewBatch(ref, e.sequence, ts.UnixMicro()),
	}

	if book != nil {
		book.registry.Begin()
	}
	if err := fn(c); err != nil {
		if book != nil {
			book.registry.Rollback()
		}
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(op, rejectReason(err)).Inc()
		}
		return err
	}
	if book != nil {
		book.registry.Commit()
	}
	for _, f := range c.after {
		f()
	}
	e.commit(c)

	if e.metrics != nil {
		e.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.refreshGauges()
	}
	return nil
}

// guard rejects mutating calls while paused.
func (e *Engine) guard() error {
	if e.paused {
		return ErrPaused
	}
	return nil
}

func (e *Engine) requireOwner(caller common.Address) error {
	if caller != e.cfg.Owner {
		return ErrNotOwner
	}
	return nil
}

func (e *Engine) requireKeeper(caller common.Address) error {
	if !e.keepers[caller] {
		return ErrNotKeeper
	}
	return nil
}

func (e *Engine) book(id order.PoolID) (*poolBook, error) {
	b, ok := e.pools[id]
	if !ok {
		return nil, ErrUnknownPool
	}
	return b, nil
}

// commit applies the call's custody batch and sequences its outputs.
func (e *Engine) commit(c *call) {
	var batch *ledger.Batch
	if len(c.batch.Journals) > 0 {
		batch = c.batch
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := e.balances.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch: %v", err))
		}
		if err := e.validator.ValidateBatchAccounts(batch); err != nil {
			panic(fmt.Sprintf("FATAL: custody invariant violated: %v", err))
		}
	}

	for i, p := range c.outputs {
		payload, err := json.Marshal(p)
		if err != nil {
			panic(fmt.Sprintf("FATAL: encode %s: %v", p.EventType(), err))
		}
		var outBatch *ledger.Batch
		if i == 0 {
			outBatch = batch
		}

		hashStart := time.Now()
		digest := e.computeStateDigest(p.EventType(), payload, outBatch)
		prev := e.chain.Tip()
		hash := e.chain.Append(Link{
			Sequence:  e.sequence,
			EventType: p.EventType(),
			Pool:      p.PoolRef(),
			Digest:    digest,
		})
		if e.metrics != nil {
			e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
			e.metrics.CoreEventsApplied.WithLabelValues(p.EventType().String()).Inc()
		}

		out := CoreOutput{
			Envelope: &event.EventEnvelope{
				Sequence:       e.sequence,
				IdempotencyKey: c.ref + ":" + strconv.Itoa(i),
				EventType:      p.EventType(),
				PoolID:         p.PoolRef(),
				Timestamp:      c.ts,
				SourceSequence: c.sourceSeq,
				Payload:        payload,
				StateHash:      hash,
				PrevHash:       prev,
			},
			Batch:   outBatch,
			Payload: p,
		}
		e.sequence++
		e.send(out)
	}
}

// send delivers to persistence with a blocking send and to projections
// with a non-blocking one; projections rebuild from the log when they drop.
func (e *Engine) send(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("orders").Inc()
			}
		}
	}
}

// computeStateDigest covers the output itself plus the post-apply balance
// of every account its batch touched.
func (e *Engine) computeStateDigest(typ event.EventType, payload []byte, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, len(payload)+64)
	digest = append(digest, typ.String()...)
	digest = append(digest, payload...)
	if batch == nil {
		return digest
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendSigned(digest, e.balances.GetBalance(key))
	}
	return digest
}

func appendSigned(buf []byte, v *big.Int) []byte {
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	mag := v.Bytes()
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}

func (e *Engine) refreshGauges() {
	var active0, active1, pending int
	for _, b := range e.pools {
		active0 += b.registry.Index().Len(order.SideToken0)
		active1 += b.registry.Index().Len(order.SideToken1)
		pending += b.queue.Len()
	}
	e.metrics.ActiveOrders.WithLabelValues(order.SideToken0.String()).Set(float64(active0))
	e.metrics.ActiveOrders.WithLabelValues(order.SideToken1.String()).Set(float64(active1))
	e.metrics.KeeperPending.Set(float64(pending))
}

func rejectReason(err error) string {
	for _, known := range []error{
		ErrInvalidRange, ErrUnaligned, ErrZeroAmount, ErrBelowMinimum, ErrPoolNotAllowed,
		ErrTooManyOrders, ErrWrongSide, ErrInvalidConfig, ErrUnknownPool,
		ErrNotHook, ErrNotOwner, ErrNotKeeper,
		ErrNothingToAct, ErrPositionOpen, ErrPaused, ErrReentrant,
		settlement.ErrInsufficientFunds, settlement.ErrInsufficientClaims,
		settlement.ErrDeliveryFailed, settlement.ErrUnsettledDeltas,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "other"
}

// ============================================================================
// Accessors
// ============================================================================

// Config returns the current parameters, keepers included.
func (e *Engine) Config() Config {
	cfg := e.cfg
	cfg.Keepers = e.Keepers()
	return cfg
}

func (e *Engine) Keepers() []common.Address {
	out := make([]common.Address, 0, len(e.keepers))
	for k := range e.keepers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (e *Engine) Paused() bool { return e.paused }

// Sequence returns the next sequence to be assigned.
func (e *Engine) Sequence() int64 { return e.sequence }

func (e *Engine) StateHash() [32]byte { return e.chain.Tip() }

// Ledger exposes the custody balances for inspection.
func (e *Engine) Ledger() *ledger.BalanceTracker { return e.balances }

// MinOrderSize returns the minimum input amount for token (zero if unset).
func (e *Engine) MinOrderSize(token common.Address) *uint256.Int {
	if v, ok := e.minOrderSize[token]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// ============================================================================
// Operational surface
// ============================================================================

// AllowPool enables order creation on a pool the AMM knows.
func (e *Engine) AllowPool(caller common.Address, key order.PoolKey) error {
	return e.run("allow_pool", nil, func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		id := key.ID()
		if _, ok := e.amm.PoolKey(id); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPool, id)
		}
		b, ok := e.pools[id]
		if !ok {
			b = &poolBook{
				key:      key,
				id:       id,
				registry: state.NewRegistry(key.TickSpacing),
				queue:    keeper.NewQueue(),
			}
			e.pools[id] = b
		}
		b.allowed = true
		c.emit(&event.ConfigChanged{Setting: "allow_pool", Value: id.String(), By: caller})
		return nil
	})
}

// DisallowPool stops new orders. Existing orders still execute, cancel and
// claim.
func (e *Engine) DisallowPool(caller common.Address, id order.PoolID) error {
	return e.run("disallow_pool", nil, func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		b, err := e.book(id)
		if err != nil {
			return err
		}
		b.allowed = false
		c.emit(&event.ConfigChanged{Setting: "disallow_pool", Value: id.String(), By: caller})
		return nil
	})
}

func (e *Engine) SetMaxExecutionsPerTrade(caller common.Address, n int) error {
	return e.run("set_max_executions", nil, func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: max executions %d", ErrInvalidConfig, n)
		}
		e.cfg.MaxExecutionsPerTrade = n
		c.emit(&event.ConfigChanged{Setting: "max_executions_per_trade", Value: strconv.Itoa(n), By: caller})
		return nil
	})
}

func (e *Engine) SetMaxScaleOrders(caller common.Address, n int) error {
	return e.run("set_max_scale_orders", nil, func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if n < 1 {
			return fmt.Errorf("%w: max scale orders %d", ErrInvalidConfig, n)
		}
		e.cfg.MaxScaleOrders = n
		c.emit(&event.ConfigChanged{Setting: "max_scale_orders", Value: strconv.Itoa(n), By: caller})
		return nil
	})
}

func (e *Engine) SetMinOrderSize(caller common.Address, token common.Address, amount *uint256.Int) error {
	return e.run("set_min_order_size", nil, func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if amount == nil || amount.IsZero() {
			delete(e.minOrderSize, token)
		} else {
			e.minOrderSize[token] = new(uint256.Int).Set(amount)
		}
		c.emit(&event.ConfigChanged{
			Setting: "min_order_size",
			Value:   token.Hex() + "=" + event.Amount(amount),
			By:      caller,
		})
		return nil
	})
}

// SetTreasury sets the fee recipient and the share of realized fees, in
// basis points, diverted to it on claim.
func (e *Engine) SetTreasury(caller common.Address, treasury common.Address, feeBps uint16) error {
	return e.run("set_treasury", nil, func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if treasury == (common.Address{}) || feeBps > 10_000 {
			return fmt.Errorf("%w: treasury %s fee %d bps", ErrInvalidConfig, treasury.Hex(), feeBps)
		}
		e.cfg.Treasury = treasury
		e.cfg.TreasuryFeeBps = feeBps
		c.emit(&event.ConfigChanged{
			Setting: "treasury",
			Value:   fmt.Sprintf("%s@%dbps", treasury.Hex(), feeBps),
			By:      caller,
		})
		return nil
	})
}

func (e *Engine) AddKeeper(caller, k common.Address) error {
	return e.run("add_keeper", nil, func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		e.keepers[k] = true
		c.emit(&event.ConfigChanged{Setting: "add_keeper", Value: k.Hex(), By: caller})
		return nil
	})
}

func (e *Engine) RemoveKeeper(caller, k common.Address) error {
	return e.run("remove_keeper", nil, func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		delete(e.keepers, k)
		c.emit(&event.ConfigChanged{Setting: "remove_keeper", Value: k.Hex(), By: caller})
		return nil
	})
}

func (e *Engine) Pause(caller common.Address) error { return e.setPaused(caller, true) }

func (e *Engine) Unpause(caller common.Address) error { return e.setPaused(caller, false) }

func (e *Engine) setPaused(caller common.Address, paused bool) error {
	return e.run("set_paused", nil, func(c *call) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		e.paused = paused
		c.emit(&event.PauseChanged{Paused: paused, By: caller})
		return nil
	})
}
