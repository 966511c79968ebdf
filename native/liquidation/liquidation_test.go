package liquidation

import (
	"errors"
	"math/big"
	"testing"

	"vaultlend/core/state"
	"vaultlend/core/types"
	"vaultlend/crypto"
	"vaultlend/native/bank"
	"vaultlend/storage"
)

type settlement struct {
	market   uint64
	borrower crypto.Address
	proceeds *big.Int
	returned *big.Int
}

type recordingSettler struct {
	calls []settlement
	err   error
}

func (s *recordingSettler) SettleLiquidation(market uint64, borrower crypto.Address, proceeds, returned *big.Int) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, settlement{market, borrower, proceeds, returned})
	return nil
}

type fixture struct {
	ledger     *bank.Ledger
	engine     *Engine
	settler    *recordingSettler
	collateral types.AssetID
	borrow     types.AssetID
	source     crypto.Address
	keeper     crypto.Address
	alice      crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(mgr)
	f := &fixture{
		ledger:  ledger,
		engine:  NewEngine(mgr, ledger),
		settler: &recordingSettler{},
		source:  crypto.DeriveAddress([]byte("market")),
		keeper:  crypto.DeriveAddress([]byte("keeper")),
		alice:   crypto.DeriveAddress([]byte("alice")),
	}
	f.collateral, _ = ledger.CreateAsset("DOT", nil)
	f.borrow, _ = ledger.CreateAsset("USDX", nil)
	if err := ledger.Mint(f.collateral, f.source, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Mint(f.borrow, f.keeper, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.engine.SetSettler(f.settler)
	f.engine.SetIDGenerator(func() string { return "order-1" })
	return f
}

func (f *fixture) order(strategies ...uint32) types.LiquidationOrder {
	return types.LiquidationOrder{
		Market:           1,
		Borrower:         f.alice,
		CollateralAsset:  f.collateral,
		BorrowAsset:      f.borrow,
		DebtAmount:       big.NewInt(40),
		CollateralAmount: big.NewInt(10),
		Strategies:       strategies,
	}
}

func TestLiquidateSkipsOrdersWithoutStrategy(t *testing.T) {
	f := newFixture(t)
	accepted, err := f.engine.Liquidate(f.source, []types.LiquidationOrder{f.order(7)})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(accepted) != 0 {
		t.Fatalf("expected nothing accepted without a registered strategy")
	}
}

func TestLiquidateEscrowsAndSettles(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.RegisterStrategy(1, "dex", f.keeper); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.engine.RegisterStrategy(1, "dup", f.keeper); !errors.Is(err, ErrStrategyExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	accepted, err := f.engine.Liquidate(f.source, []types.LiquidationOrder{f.order(9, 1)})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(accepted) != 1 || accepted[0] != f.alice {
		t.Fatalf("unexpected accepted set %v", accepted)
	}
	escrowed, _ := f.ledger.Balance(f.collateral, f.engine.EscrowAccount())
	if escrowed.Int64() != 10 {
		t.Fatalf("expected 10 escrowed, got %s", escrowed)
	}

	if err := f.engine.Settle(f.alice, "order-1", big.NewInt(45), big.NewInt(2)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected keeper check, got %v", err)
	}
	if err := f.engine.Settle(f.keeper, "order-1", big.NewInt(45), big.NewInt(11)); !errors.Is(err, ErrInvalidSettlement) {
		t.Fatalf("expected invalid settlement, got %v", err)
	}
	if err := f.engine.Settle(f.keeper, "order-1", big.NewInt(45), big.NewInt(2)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(f.settler.calls) != 1 || f.settler.calls[0].proceeds.Int64() != 45 {
		t.Fatalf("unexpected settler calls %+v", f.settler.calls)
	}

	keeperCollateral, _ := f.ledger.Balance(f.collateral, f.keeper)
	sourceCollateral, _ := f.ledger.Balance(f.collateral, f.source)
	sourceBorrow, _ := f.ledger.Balance(f.borrow, f.source)
	if keeperCollateral.Int64() != 8 || sourceCollateral.Int64() != 92 || sourceBorrow.Int64() != 45 {
		t.Fatalf("unexpected balances keeper=%s source=%s proceeds=%s", keeperCollateral, sourceCollateral, sourceBorrow)
	}
	if err := f.engine.Settle(f.keeper, "order-1", nil, nil); !errors.Is(err, ErrOrderSettled) {
		t.Fatalf("expected settled order, got %v", err)
	}

	orders, err := f.engine.Orders()
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 1 || !orders[0].Settled || orders[0].Strategy != 1 {
		t.Fatalf("unexpected orders %+v", orders)
	}
}

func TestDisabledStrategyIsPassedOver(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.RegisterStrategy(1, "dex", f.keeper); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.engine.SetStrategyEnabled(1, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	accepted, err := f.engine.Liquidate(f.source, []types.LiquidationOrder{f.order(1)})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(accepted) != 0 {
		t.Fatalf("expected disabled strategy to reject the order")
	}
}
