package lending

import (
	"math/big"

	"vaultlend/core/types"
	"vaultlend/crypto"
)

// Market is the persisted configuration of one lending market.
type Market struct {
	ID              uint64
	Manager         crypto.Address
	Vault           types.VaultID
	CollateralAsset types.AssetID
	BorrowAsset     types.AssetID
	DebtAsset       types.AssetID
	RateModel       InterestRateModel
	// CollateralFactorBps is the debt/collateral ceiling for new borrows.
	CollateralFactorBps uint64
	// WarningBps is the ratio past which accounts receive an early warning.
	WarningBps uint64
	// MaxPriceAge is the oracle tolerance in blocks. Zero inherits the engine default.
	MaxPriceAge       uint64
	Liquidators       []uint32
	ReservedFactorBps uint64
	CreatedAt         uint64
}

// CreateMarketInput carries the parameters of a new market.
type CreateMarketInput struct {
	CollateralAsset     types.AssetID
	BorrowAsset         types.AssetID
	RateModel           InterestRateModel
	CollateralFactorBps uint64
	WarningBps          uint64
	MaxPriceAge         uint64
	Liquidators         []uint32
	ReservedFactorBps   uint64
	InitialStake        *big.Int
}

// UpdateMarketInput replaces the mutable parameters of a market.
type UpdateMarketInput struct {
	CollateralFactorBps uint64
	WarningBps          uint64
	MaxPriceAge         uint64
	Liquidators         []uint32
}

// CreatedMarket is returned by CreateMarket.
type CreatedMarket struct {
	ID        uint64
	Vault     types.VaultID
	DebtAsset types.AssetID
	Account   crypto.Address
}

// AccountDebt is a borrower's row. Current debt is
// Tokens * borrowIndex / IndexSnapshot.
type AccountDebt struct {
	Tokens          *big.Int
	Principal       *big.Int
	IndexSnapshot   *big.Int
	LastBorrowBlock uint64
}

func (d *AccountDebt) normalise() {
	if d.Tokens == nil {
		d.Tokens = big.NewInt(0)
	}
	if d.Principal == nil {
		d.Principal = big.NewInt(0)
	}
	if d.IndexSnapshot == nil || d.IndexSnapshot.Sign() == 0 {
		d.IndexSnapshot = Ray()
	}
}

// marketTotals aggregates every borrower of a market. ScaledDebt is the sum
// of Tokens*RAY/IndexSnapshot over all rows.
type marketTotals struct {
	ScaledDebt *big.Int
	Principal  *big.Int
}

type blockStamp struct {
	Height    uint64
	Timestamp uint64
}

type warningCursor struct {
	Market uint64
	Offset uint64
}

// RepayKind selects how much a repayment covers.
type RepayKind uint8

const (
	RepayKindTotal RepayKind = iota
	RepayKindPartial
)

// RepayStrategy is either the full outstanding debt or a capped amount.
type RepayStrategy struct {
	Kind   RepayKind
	Amount *big.Int
}

// RepayTotal repays the full current debt.
func RepayTotal() RepayStrategy { return RepayStrategy{Kind: RepayKindTotal} }

// RepayPartial repays exactly amount.
func RepayPartial(amount *big.Int) RepayStrategy {
	return RepayStrategy{Kind: RepayKindPartial, Amount: amount}
}

// BlockReport summarises one BeginBlock call.
type BlockReport struct {
	Height    uint64
	Timestamp uint64
	Accrued   []uint64
	Failed    []uint64
	Deferred  int
	Warnings  int
}

// MarketStats is a read-only view of a market's aggregates.
type MarketStats struct {
	Market            uint64
	BorrowIndex       *big.Int
	LastAccrual       uint64
	TotalBorrowed     *big.Int
	TotalDebt         *big.Int
	TotalInterest     *big.Int
	AvailableToBorrow *big.Int
	Utilisation       *big.Int
	BorrowRate        *big.Int
	Borrowers         int
}

// AccountPosition is a read-only view of one account in one market.
type AccountPosition struct {
	Market          uint64
	Account         crypto.Address
	Collateral      *big.Int
	Debt            *big.Int
	Principal       *big.Int
	BorrowLimit     *big.Int
	LastBorrowBlock uint64
	Solvent         bool
}
