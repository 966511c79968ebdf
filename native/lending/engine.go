package lending

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"vaultlend/core/events"
	"vaultlend/core/types"
	"vaultlend/crypto"
	nativecommon "vaultlend/native/common"
	"vaultlend/observability"
)

const moduleName = "lending"

// engineState is the transactional store the engine runs on. Collaborators
// must write through the same store so a reverted command reverts them too.
type engineState interface {
	nativecommon.Store
	Snapshot() int
	RevertToSnapshot(int)
}

// Bank is the asset ledger and factory.
type Bank interface {
	CreateAsset(symbol string, existentialDeposit *big.Int) (types.AssetID, error)
	Balance(asset types.AssetID, addr crypto.Address) (*big.Int, error)
	Transfer(asset types.AssetID, from, to crypto.Address, amount *big.Int, keepAlive bool) error
	Mint(asset types.AssetID, to crypto.Address, amount *big.Int) error
	Burn(asset types.AssetID, from crypto.Address, amount *big.Int) error
}

// Vaults sources and absorbs borrow-asset liquidity. The engine is the
// strategy of every market vault.
type Vaults interface {
	Create(asset types.AssetID, manager, strategy crypto.Address, reservedBps uint64) (types.VaultID, error)
	Lock(id types.VaultID, from crypto.Address, amount *big.Int, keepAlive bool) (*big.Int, error)
	AvailableToStrategy(id types.VaultID, strategy crypto.Address) (types.FundsAvailability, error)
	WithdrawToStrategy(id types.VaultID, strategy crypto.Address, amount *big.Int) error
	DepositFromStrategy(id types.VaultID, strategy crypto.Address, amount *big.Int) error
	ReportOutstanding(id types.VaultID, strategy crypto.Address, amount *big.Int) error
	SharePrice(id types.VaultID) (*big.Int, error)
}

// Oracle answers spot prices in ray precision with the block of the quote.
type Oracle interface {
	Price(asset types.AssetID) (types.Price, error)
	IsSupported(asset types.AssetID) bool
}

// Liquidator takes over undercollateralised positions and returns the
// borrowers it accepted.
type Liquidator interface {
	IsRegistered(id uint32) bool
	Liquidate(source crypto.Address, orders []types.LiquidationOrder) ([]crypto.Address, error)
}

// Engine is the lending market state machine. It is not safe for concurrent
// use; callers serialise commands and block ticks.
type Engine struct {
	params     Params
	state      engineState
	bank       Bank
	vaults     Vaults
	oracle     Oracle
	liquidator Liquidator
	emitter    events.Emitter
	pauses     nativecommon.PauseView
	logger     *slog.Logger
	metrics    *observability.LendingMetrics

	depth   int
	pending []events.Event
}

// NewEngine wires the engine to its store and collaborators.
func NewEngine(params Params, state engineState, bank Bank, vaults Vaults, oracle Oracle, liquidator Liquidator) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if state == nil || bank == nil || vaults == nil || oracle == nil || liquidator == nil {
		return nil, fmt.Errorf("lending: state and collaborators are required")
	}
	return &Engine{
		params:     params,
		state:      state,
		bank:       bank,
		vaults:     vaults,
		oracle:     oracle,
		liquidator: liquidator,
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		metrics:    observability.Lending(),
	}, nil
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Params returns the engine-wide limits.
func (e *Engine) Params() Params { return e.params }

// MarketAccount derives the sub-account that holds a market's collateral and
// acts as the strategy of its vault.
func (e *Engine) MarketAccount(id uint64) crypto.Address {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return crypto.DeriveAddress([]byte(e.params.EngineID), []byte("market"), buf[:])
}

// Atomic runs fn as one command. Every store write made by fn, including
// collaborator writes, is reverted when it fails, and events are only
// delivered after it succeeds. Nested calls join the enclosing command.
func (e *Engine) Atomic(op string, fn func() error) error {
	return e.atomic(op, fn)
}

func (e *Engine) atomic(op string, fn func() error) (err error) {
	if e.depth > 0 {
		return fn()
	}
	start := time.Now()
	defer func() { e.metrics.ObserveCommand(op, time.Since(start), err) }()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}

	snapshot := e.state.Snapshot()
	e.depth++
	defer func() {
		if r := recover(); r != nil {
			e.state.RevertToSnapshot(snapshot)
			e.pending = nil
			e.depth--
			panic(r)
		}
	}()
	err = fn()
	e.depth--
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		e.pending = nil
		e.logger.Debug("lending command rejected", slog.String("op", op), slog.Any("error", err))
		return err
	}
	e.flush()
	return nil
}

func (e *Engine) emit(evt events.Event) {
	e.pending = append(e.pending, evt)
}

func (e *Engine) flush() {
	pending := e.pending
	e.pending = nil
	for _, evt := range pending {
		e.metrics.RecordEvent(evt.EventType())
		e.emitter.Emit(evt)
	}
}

func (e *Engine) lastBlock() (blockStamp, error) {
	var stamp blockStamp
	if _, err := e.state.KVGet(lastBlockKey, &stamp); err != nil {
		return blockStamp{}, err
	}
	return stamp, nil
}

// CurrentBlock returns the height and timestamp recorded by the last BeginBlock.
func (e *Engine) CurrentBlock() (height, timestamp uint64, err error) {
	stamp, err := e.lastBlock()
	if err != nil {
		return 0, 0, err
	}
	return stamp.Height, stamp.Timestamp, nil
}

func (e *Engine) maxPriceAge(m *Market) uint64 {
	if m.MaxPriceAge == 0 {
		return e.params.DefaultMaxPriceAge
	}
	return m.MaxPriceAge
}
