// Package node hosts the lending engine and its collaborators over one store
// and produces blocks on a timer.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vaultlend/config"
	"vaultlend/core/events"
	"vaultlend/core/state"
	"vaultlend/core/types"
	"vaultlend/crypto"
	"vaultlend/native/bank"
	nativecommon "vaultlend/native/common"
	"vaultlend/native/lending"
	"vaultlend/native/liquidation"
	"vaultlend/native/oracle"
	"vaultlend/native/vault"
	"vaultlend/observability"
	"vaultlend/storage"
)

// ErrUnknownAsset is returned when a symbol was never registered at genesis.
var ErrUnknownAsset = errors.New("node: unknown asset")

var (
	genesisKey     = []byte("node/genesis")
	assetKeyPrefix = "node/asset/"
)

// Modules exposes the state machines to a command. It is only valid inside
// the callback that received it.
type Modules struct {
	Engine       *lending.Engine
	Bank         *bank.Ledger
	Oracle       *oracle.Registry
	Vaults       *vault.Engine
	Liquidations *liquidation.Engine
	Pauses       *nativecommon.Pauses
	// Height is the block commands are currently applied to.
	Height uint64
}

// Options tunes a Node.
type Options struct {
	Logger  *slog.Logger
	Emitter events.Emitter
	Now     func() time.Time
}

// Node serialises commands and block ticks over a single journaled store.
type Node struct {
	mu      sync.Mutex
	db      storage.Database
	state   *state.Manager
	modules Modules
	logger  *slog.Logger
	metrics *observability.ProducerMetrics
	now     func() time.Time
	height  atomic.Uint64
}

// New wires the collaborators over db and applies the genesis on first start.
func New(db storage.Database, genesis *config.Genesis, opts Options) (*Node, error) {
	if db == nil || genesis == nil {
		return nil, fmt.Errorf("node: database and genesis are required")
	}
	params, err := genesis.EngineParams()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	st := state.NewManager(db)
	ledger := bank.NewLedger(st)
	registry := oracle.NewRegistry(st)
	registry.SetHistoryDepth(genesis.Global.OracleHistoryDepth)
	vaults := vault.NewEngine(st, ledger)
	liq := liquidation.NewEngine(st, ledger)
	engine, err := lending.NewEngine(params, st, ledger, vaults, registry, liq)
	if err != nil {
		return nil, err
	}
	liq.SetSettler(engine)
	engine.SetLogger(opts.Logger.With(slog.String("module", "lending")))
	if opts.Emitter != nil {
		engine.SetEmitter(opts.Emitter)
	}

	n := &Node{
		db:    db,
		state: st,
		modules: Modules{
			Engine:       engine,
			Bank:         ledger,
			Oracle:       registry,
			Vaults:       vaults,
			Liquidations: liq,
			Pauses:       nativecommon.NewPauses(),
		},
		logger:  opts.Logger,
		metrics: observability.Producer(),
		now:     opts.Now,
	}
	if err := n.applyGenesis(genesis); err != nil {
		st.Discard()
		return nil, fmt.Errorf("node: apply genesis: %w", err)
	}
	for _, module := range genesis.Global.PausedModules {
		n.modules.Pauses.Set(module, true)
	}
	engine.SetPauses(n.modules.Pauses)

	height, _, err := engine.CurrentBlock()
	if err != nil {
		return nil, err
	}
	n.height.Store(height)
	return n, nil
}

func (n *Node) applyGenesis(g *config.Genesis) error {
	var applied bool
	ok, err := n.state.KVGet(genesisKey, &applied)
	if err != nil {
		return err
	}
	if ok && applied {
		return nil
	}
	m := n.modules
	if _, err := m.Engine.BeginBlock(0, uint64(n.now().Unix())); err != nil {
		return err
	}

	for _, a := range g.Assets {
		ed, err := g.ExistentialDeposit(a.Symbol)
		if err != nil {
			return err
		}
		id, err := m.Bank.CreateAsset(a.Symbol, ed)
		if err != nil {
			return fmt.Errorf("asset %s: %w", a.Symbol, err)
		}
		if err := n.state.KVPut(assetKey(a.Symbol), uint64(id)); err != nil {
			return err
		}
	}
	for _, b := range g.Balances {
		who, err := crypto.DecodeAddress(b.Account)
		if err != nil {
			return err
		}
		amount, err := g.Amount(b.Asset, b.Amount)
		if err != nil {
			return err
		}
		id, err := n.asset(b.Asset)
		if err != nil {
			return err
		}
		if err := m.Bank.Mint(id, who, amount); err != nil {
			return fmt.Errorf("balance of %s: %w", b.Account, err)
		}
	}
	for _, p := range g.Prices {
		value, err := g.Price(p.Asset, p.Price)
		if err != nil {
			return err
		}
		id, err := n.asset(p.Asset)
		if err != nil {
			return err
		}
		if err := m.Oracle.SetPrice(id, value, 0); err != nil {
			return fmt.Errorf("price of %s: %w", p.Asset, err)
		}
	}
	for _, s := range g.Strategies {
		keeper, err := crypto.DecodeAddress(s.Keeper)
		if err != nil {
			return err
		}
		if err := m.Liquidations.RegisterStrategy(s.ID, s.Name, keeper); err != nil {
			return fmt.Errorf("strategy %d: %w", s.ID, err)
		}
	}
	for i, mk := range g.Markets {
		input, err := g.MarketInput(mk)
		if err != nil {
			return err
		}
		if input.CollateralAsset, err = n.asset(mk.Collateral); err != nil {
			return err
		}
		if input.BorrowAsset, err = n.asset(mk.Borrow); err != nil {
			return err
		}
		manager, err := crypto.DecodeAddress(mk.Manager)
		if err != nil {
			return err
		}
		if _, err := m.Engine.CreateMarket(manager, input, false); err != nil {
			return fmt.Errorf("market %d: %w", i, err)
		}
	}
	if err := n.state.KVPut(genesisKey, true); err != nil {
		return err
	}
	if err := n.state.Commit(); err != nil {
		return err
	}
	n.logger.Info("genesis applied",
		slog.String("chain", g.ChainName),
		slog.Int("assets", len(g.Assets)),
		slog.Int("markets", len(g.Markets)))
	return nil
}

func assetKey(symbol string) []byte {
	return []byte(assetKeyPrefix + strings.ToUpper(strings.TrimSpace(symbol)))
}

func (n *Node) asset(symbol string) (types.AssetID, error) {
	var id uint64
	ok, err := n.state.KVGet(assetKey(symbol), &id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return types.AssetID(id), nil
}

// Asset resolves a genesis symbol to its ledger id.
func (n *Node) Asset(symbol string) (types.AssetID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.asset(symbol)
}

// Height returns the most recently produced block height.
func (n *Node) Height() uint64 {
	return n.height.Load()
}

// Execute runs fn with exclusive access to the modules. Writes stay pending
// until the next block commits them.
func (n *Node) Execute(fn func(m *Modules) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	m := n.modules
	m.Height = n.height.Load()
	return fn(&m)
}

// ProduceBlock opens the next block: it runs the lending block hook and
// commits every write made since the previous block.
func (n *Node) ProduceBlock() (*lending.BlockReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	start := time.Now()
	height := n.height.Load() + 1
	_, last, err := n.modules.Engine.CurrentBlock()
	if err != nil {
		return nil, err
	}
	ts := uint64(n.now().Unix())
	if ts < last {
		n.logger.Warn("wall clock behind last block, reusing its timestamp",
			slog.Uint64("height", height), slog.Uint64("timestamp", last))
		ts = last
	}
	// A failed hook reverts its own writes, so only the commands accepted
	// since the previous block reach the commit below.
	report, hookErr := n.modules.Engine.BeginBlock(height, ts)
	if hookErr == nil {
		n.height.Store(height)
	}
	err = n.state.Commit()
	if err == nil {
		err = hookErr
	}
	n.metrics.RecordBlock(height, time.Since(start), err)
	if err != nil {
		n.logger.Error("block production failed", slog.Uint64("height", height), slog.Any("error", err))
		return nil, err
	}
	n.logger.Debug("block produced",
		slog.Uint64("height", height),
		slog.Int("accrued", len(report.Accrued)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("deferred", report.Deferred),
		slog.Int("warnings", report.Warnings))
	return report, nil
}

// Run produces a block every interval until ctx is cancelled, then commits
// whatever is still pending.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			err := n.state.Commit()
			n.mu.Unlock()
			return err
		case <-ticker.C:
			_, _ = n.ProduceBlock()
		}
	}
}

// Close commits pending writes and closes the database.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.state.Commit()
	return errors.Join(err, n.db.Close())
}
