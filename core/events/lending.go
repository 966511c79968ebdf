package events

import (
	"math/big"
	"strconv"
	"strings"

	"vaultlend/core/types"
	"vaultlend/crypto"
)

const (
	// TypeLendingMarketCreated is emitted when a new market is registered.
	TypeLendingMarketCreated = "lending.marketCreated"
	// TypeLendingMarketUpdated is emitted when the manager changes market parameters.
	TypeLendingMarketUpdated = "lending.marketUpdated"
	// TypeLendingCollateralDeposited tracks collateral moved into a market.
	TypeLendingCollateralDeposited = "lending.collateralDeposited"
	// TypeLendingCollateralWithdrawn tracks collateral released back to its owner.
	TypeLendingCollateralWithdrawn = "lending.collateralWithdrawn"
	// TypeLendingBorrowed is emitted when liquidity is drawn from a market vault.
	TypeLendingBorrowed = "lending.borrowed"
	// TypeLendingBorrowRepaid is emitted when debt is paid back into the vault.
	TypeLendingBorrowRepaid = "lending.borrowRepaid"
	// TypeLendingLiquidationInitiated lists the borrowers handed to liquidators.
	TypeLendingLiquidationInitiated = "lending.liquidationInitiated"
	// TypeLendingLiquidationSettled is emitted once a liquidator completes an order.
	TypeLendingLiquidationSettled = "lending.liquidationSettled"
	// TypeLendingMayGoUnderCollateralizedSoon flags accounts close to insolvency.
	TypeLendingMayGoUnderCollateralizedSoon = "lending.mayGoUnderCollateralizedSoon"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func addressString(addr crypto.Address) string {
	if addr.IsZero() {
		return ""
	}
	return addr.String()
}

func marketString(id uint64) string {
	return strconv.FormatUint(id, 10)
}

type MarketCreated struct {
	Market          uint64
	Manager         crypto.Address
	Vault           types.VaultID
	CollateralAsset types.AssetID
	BorrowAsset     types.AssetID
	DebtAsset       types.AssetID
	InitialStake    *big.Int
}

func (MarketCreated) EventType() string { return TypeLendingMarketCreated }

func (e MarketCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingMarketCreated,
		Attributes: map[string]string{
			"market":          marketString(e.Market),
			"manager":         addressString(e.Manager),
			"vault":           strconv.FormatUint(uint64(e.Vault), 10),
			"collateralAsset": strconv.FormatUint(uint64(e.CollateralAsset), 10),
			"borrowAsset":     strconv.FormatUint(uint64(e.BorrowAsset), 10),
			"debtAsset":       strconv.FormatUint(uint64(e.DebtAsset), 10),
			"initialStake":    amountString(e.InitialStake),
		},
	}
}

type MarketUpdated struct {
	Market              uint64
	CollateralFactorBps uint64
	WarningBps          uint64
	MaxPriceAge         uint64
	Liquidators         []uint32
}

func (MarketUpdated) EventType() string { return TypeLendingMarketUpdated }

func (e MarketUpdated) Event() *types.Event {
	liquidators := make([]string, 0, len(e.Liquidators))
	for _, id := range e.Liquidators {
		liquidators = append(liquidators, strconv.FormatUint(uint64(id), 10))
	}
	return &types.Event{
		Type: TypeLendingMarketUpdated,
		Attributes: map[string]string{
			"market":           marketString(e.Market),
			"collateralFactor": strconv.FormatUint(e.CollateralFactorBps, 10),
			"warningThreshold": strconv.FormatUint(e.WarningBps, 10),
			"maxPriceAge":      strconv.FormatUint(e.MaxPriceAge, 10),
			"liquidators":      strings.Join(liquidators, ","),
		},
	}
}

type CollateralDeposited struct {
	Market  uint64
	Account crypto.Address
	Amount  *big.Int
}

func (CollateralDeposited) EventType() string { return TypeLendingCollateralDeposited }

func (e CollateralDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingCollateralDeposited,
		Attributes: map[string]string{
			"market":  marketString(e.Market),
			"account": addressString(e.Account),
			"amount":  amountString(e.Amount),
		},
	}
}

type CollateralWithdrawn struct {
	Market  uint64
	Account crypto.Address
	Amount  *big.Int
}

func (CollateralWithdrawn) EventType() string { return TypeLendingCollateralWithdrawn }

func (e CollateralWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingCollateralWithdrawn,
		Attributes: map[string]string{
			"market":  marketString(e.Market),
			"account": addressString(e.Account),
			"amount":  amountString(e.Amount),
		},
	}
}

type Borrowed struct {
	Market  uint64
	Account crypto.Address
	Amount  *big.Int
	Debt    *big.Int
}

func (Borrowed) EventType() string { return TypeLendingBorrowed }

func (e Borrowed) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingBorrowed,
		Attributes: map[string]string{
			"market":  marketString(e.Market),
			"account": addressString(e.Account),
			"amount":  amountString(e.Amount),
			"debt":    amountString(e.Debt),
		},
	}
}

type BorrowRepaid struct {
	Market      uint64
	Payer       crypto.Address
	Beneficiary crypto.Address
	Amount      *big.Int
	Remaining   *big.Int
}

func (BorrowRepaid) EventType() string { return TypeLendingBorrowRepaid }

func (e BorrowRepaid) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingBorrowRepaid,
		Attributes: map[string]string{
			"market":      marketString(e.Market),
			"payer":       addressString(e.Payer),
			"beneficiary": addressString(e.Beneficiary),
			"amount":      amountString(e.Amount),
			"remaining":   amountString(e.Remaining),
		},
	}
}

type LiquidationInitiated struct {
	Market    uint64
	Caller    crypto.Address
	Borrowers []crypto.Address
}

func (LiquidationInitiated) EventType() string { return TypeLendingLiquidationInitiated }

func (e LiquidationInitiated) Event() *types.Event {
	borrowers := make([]string, 0, len(e.Borrowers))
	for _, addr := range e.Borrowers {
		borrowers = append(borrowers, addr.String())
	}
	return &types.Event{
		Type: TypeLendingLiquidationInitiated,
		Attributes: map[string]string{
			"market":    marketString(e.Market),
			"caller":    addressString(e.Caller),
			"borrowers": strings.Join(borrowers, ","),
		},
	}
}

type LiquidationSettled struct {
	Market             uint64
	Borrower           crypto.Address
	Repaid             *big.Int
	Surplus            *big.Int
	ReturnedCollateral *big.Int
	RemainingDebt      *big.Int
}

func (LiquidationSettled) EventType() string { return TypeLendingLiquidationSettled }

func (e LiquidationSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingLiquidationSettled,
		Attributes: map[string]string{
			"market":             marketString(e.Market),
			"borrower":           addressString(e.Borrower),
			"repaid":             amountString(e.Repaid),
			"surplus":            amountString(e.Surplus),
			"returnedCollateral": amountString(e.ReturnedCollateral),
			"remainingDebt":      amountString(e.RemainingDebt),
		},
	}
}

// MayGoUnderCollateralizedSoon warns that an account's debt crossed the
// market's warning threshold.
type MayGoUnderCollateralizedSoon struct {
	Market  uint64
	Account crypto.Address
}

func (MayGoUnderCollateralizedSoon) EventType() string {
	return TypeLendingMayGoUnderCollateralizedSoon
}

func (e MayGoUnderCollateralizedSoon) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingMayGoUnderCollateralizedSoon,
		Attributes: map[string]string{
			"market":  marketString(e.Market),
			"account": addressString(e.Account),
		},
	}
}
