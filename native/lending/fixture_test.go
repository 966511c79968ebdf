package lending

import (
	"math/big"
	"testing"

	"vaultlend/core/events"
	"vaultlend/core/state"
	"vaultlend/core/types"
	"vaultlend/crypto"
	"vaultlend/native/bank"
	"vaultlend/native/liquidation"
	"vaultlend/native/oracle"
	"vaultlend/native/vault"
	"vaultlend/storage"
)

const unit = 1_000_000_000_000

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(unit))
}

func price(n int64) *big.Int {
	return new(big.Int).Mul(ray, big.NewInt(n))
}

type fixture struct {
	t        *testing.T
	state    *state.Manager
	bank     *bank.Ledger
	oracle   *oracle.Registry
	vaults   *vault.Engine
	liq      *liquidation.Engine
	engine   *Engine
	recorder *events.Recorder

	manager crypto.Address
	alice   crypto.Address
	bob     crypto.Address
	carol   crypto.Address
	keeper  crypto.Address

	borrowAsset     types.AssetID
	collateralAsset types.AssetID

	height uint64
	now    uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(st)
	registry := oracle.NewRegistry(st)
	vaults := vault.NewEngine(st, ledger)
	liq := liquidation.NewEngine(st, ledger)
	params := DefaultParams()
	params.MaxMarketCount = 10
	engine, err := NewEngine(params, st, ledger, vaults, registry, liq)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	liq.SetSettler(engine)
	recorder := &events.Recorder{}
	engine.SetEmitter(recorder)

	f := &fixture{
		t:        t,
		state:    st,
		bank:     ledger,
		oracle:   registry,
		vaults:   vaults,
		liq:      liq,
		engine:   engine,
		recorder: recorder,
		manager:  crypto.DeriveAddress([]byte("manager")),
		alice:    crypto.DeriveAddress([]byte("alice")),
		bob:      crypto.DeriveAddress([]byte("bob")),
		carol:    crypto.DeriveAddress([]byte("carol")),
		keeper:   crypto.DeriveAddress([]byte("keeper")),
		now:      1_700_000_000,
	}
	if f.borrowAsset, err = ledger.CreateAsset("B", nil); err != nil {
		t.Fatalf("create borrow asset: %v", err)
	}
	if f.collateralAsset, err = ledger.CreateAsset("C", nil); err != nil {
		t.Fatalf("create collateral asset: %v", err)
	}
	f.mint(f.borrowAsset, f.manager, units(2_000))
	f.mint(f.borrowAsset, f.alice, units(100))
	f.mint(f.borrowAsset, f.keeper, units(1_000))
	f.mint(f.collateralAsset, f.alice, units(1_000))
	f.mint(f.collateralAsset, f.carol, units(1_000))
	if err := liq.RegisterStrategy(1, "dex", f.keeper); err != nil {
		t.Fatalf("register strategy: %v", err)
	}
	f.advance(0)
	f.setPrice(f.borrowAsset, price(1))
	f.setPrice(f.collateralAsset, price(10))
	return f
}

func (f *fixture) mint(asset types.AssetID, to crypto.Address, amount *big.Int) {
	f.t.Helper()
	if err := f.bank.Mint(asset, to, amount); err != nil {
		f.t.Fatalf("mint: %v", err)
	}
}

func (f *fixture) balance(asset types.AssetID, who crypto.Address) *big.Int {
	f.t.Helper()
	bal, err := f.bank.Balance(asset, who)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return bal
}

// advance opens the next block seconds after the previous one.
func (f *fixture) advance(seconds uint64) *BlockReport {
	f.t.Helper()
	f.height++
	f.now += seconds
	report, err := f.engine.BeginBlock(f.height, f.now)
	if err != nil {
		f.t.Fatalf("begin block %d: %v", f.height, err)
	}
	return report
}

func (f *fixture) setPrice(asset types.AssetID, value *big.Int) {
	f.t.Helper()
	if err := f.oracle.SetPrice(asset, value, f.height); err != nil {
		f.t.Fatalf("set price: %v", err)
	}
}

func (f *fixture) marketInput(rate *big.Int) CreateMarketInput {
	return CreateMarketInput{
		CollateralAsset:     f.collateralAsset,
		BorrowAsset:         f.borrowAsset,
		RateModel:           ConstantRateModel(rate),
		CollateralFactorBps: 5_000,
		WarningBps:          7_000,
		MaxPriceAge:         500,
		Liquidators:         []uint32{1},
		InitialStake:        units(1_000),
	}
}

func (f *fixture) createMarket(rate *big.Int) uint64 {
	f.t.Helper()
	created, err := f.engine.CreateMarket(f.manager, f.marketInput(rate), true)
	if err != nil {
		f.t.Fatalf("create market: %v", err)
	}
	return created.ID
}

func (f *fixture) deposit(who crypto.Address, id uint64, amount *big.Int) {
	f.t.Helper()
	if err := f.engine.DepositCollateral(who, id, amount, false); err != nil {
		f.t.Fatalf("deposit collateral: %v", err)
	}
}

func (f *fixture) borrow(who crypto.Address, id uint64, amount *big.Int) {
	f.t.Helper()
	if err := f.engine.Borrow(who, id, amount); err != nil {
		f.t.Fatalf("borrow: %v", err)
	}
}

func (f *fixture) debt(id uint64, who crypto.Address) *big.Int {
	f.t.Helper()
	debt, err := f.engine.AccountDebt(id, who)
	if err != nil {
		f.t.Fatalf("account debt: %v", err)
	}
	return debt
}

// outstanding is what the market vault believes its strategy holds.
func (f *fixture) outstanding(id uint64) *big.Int {
	f.t.Helper()
	m, err := f.engine.Market(id)
	if err != nil {
		f.t.Fatalf("market: %v", err)
	}
	_, outstanding, err := f.vaults.Balances(m.Vault)
	if err != nil {
		f.t.Fatalf("vault balances: %v", err)
	}
	return outstanding
}

func tenPercent() *big.Int {
	return new(big.Int).Quo(ray, big.NewInt(10))
}
