package types

import (
	"fmt"
	"math/big"

	"vaultlend/crypto"
)

// AssetID identifies a fungible asset held in the bank ledger.
type AssetID uint64

func (id AssetID) String() string { return fmt.Sprintf("asset-%d", id) }

// VaultID identifies a strategic vault.
type VaultID uint64

// Price is an oracle quote in ray precision (1e27 == one canonical unit)
// together with the block in which it was observed.
type Price struct {
	Value *big.Int
	Block uint64
}

// Age returns how many blocks old the quote is at the supplied height.
func (p Price) Age(height uint64) uint64 {
	if height <= p.Block {
		return 0
	}
	return height - p.Block
}

// AvailabilityKind classifies a strategy's position relative to its allocation.
type AvailabilityKind uint8

const (
	// AvailabilityNone means the strategy is exactly at its allocation.
	AvailabilityNone AvailabilityKind = iota
	// AvailabilityWithdrawable means the strategy may pull Amount more.
	AvailabilityWithdrawable
	// AvailabilityDepositable means the strategy holds Amount above its allocation.
	AvailabilityDepositable
	// AvailabilityMustLiquidate means the vault is short and needs Amount back.
	AvailabilityMustLiquidate
)

func (k AvailabilityKind) String() string {
	switch k {
	case AvailabilityWithdrawable:
		return "withdrawable"
	case AvailabilityDepositable:
		return "depositable"
	case AvailabilityMustLiquidate:
		return "must_liquidate"
	default:
		return "none"
	}
}

// FundsAvailability is the answer a vault gives to a strategy asking how much
// liquidity it can move.
type FundsAvailability struct {
	Kind   AvailabilityKind
	Amount *big.Int
}

// Withdrawable returns the amount the strategy may pull, or zero.
func (f FundsAvailability) Withdrawable() *big.Int {
	if f.Kind != AvailabilityWithdrawable || f.Amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(f.Amount)
}

// LiquidationOrder describes one undercollateralised position handed to a
// liquidation strategy.
type LiquidationOrder struct {
	Market           uint64
	Borrower         crypto.Address
	CollateralAsset  AssetID
	BorrowAsset      AssetID
	DebtAmount       *big.Int
	CollateralAmount *big.Int
	Strategies       []uint32
}
