package lending

import (
	"math/big"

	"vaultlend/crypto"
)

// Queries never write. They project the borrow index to the last recorded
// block time instead of accruing it.

func (e *Engine) view(id uint64) (*Market, *accrualView, blockStamp, error) {
	m, err := e.loadMarket(id)
	if err != nil {
		return nil, nil, blockStamp{}, err
	}
	stamp, err := e.lastBlock()
	if err != nil {
		return nil, nil, blockStamp{}, err
	}
	view, err := e.project(m, stamp.Timestamp)
	if err != nil {
		return nil, nil, blockStamp{}, err
	}
	return m, view, stamp, nil
}

// TotalAvailableToBorrow is the liquidity the market vault would release now.
func (e *Engine) TotalAvailableToBorrow(id uint64) (*big.Int, error) {
	m, err := e.loadMarket(id)
	if err != nil {
		return nil, err
	}
	return e.available(m)
}

// TotalBorrowed is the outstanding principal of the market, excluding interest.
func (e *Engine) TotalBorrowed(id uint64) (*big.Int, error) {
	if _, err := e.loadMarket(id); err != nil {
		return nil, err
	}
	totals, err := e.loadTotals(id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(totals.Principal), nil
}

// TotalDebtWithInterest is the market's outstanding principal plus interest.
func (e *Engine) TotalDebtWithInterest(id uint64) (*big.Int, error) {
	_, view, _, err := e.view(id)
	if err != nil {
		return nil, err
	}
	debt, err := debtFromScaled(view.totals.ScaledDebt, view.index)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	return debt, nil
}

// TotalInterest is the interest accrued on the market's outstanding principal.
func (e *Engine) TotalInterest(id uint64) (*big.Int, error) {
	_, view, _, err := e.view(id)
	if err != nil {
		return nil, err
	}
	debt, err := debtFromScaled(view.totals.ScaledDebt, view.index)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	return subFloor(debt, view.totals.Principal), nil
}

// UtilisationRatio is borrowed / (borrowed + available) in ray precision.
func (e *Engine) UtilisationRatio(id uint64) (*big.Int, error) {
	_, view, _, err := e.view(id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(view.utilisation), nil
}

// CollateralOf returns who's collateral balance in the market.
func (e *Engine) CollateralOf(id uint64, who crypto.Address) (*big.Int, error) {
	if _, err := e.loadMarket(id); err != nil {
		return nil, err
	}
	return e.collateralOf(id, who)
}

// AccountDebt returns who's current debt including interest.
func (e *Engine) AccountDebt(id uint64, who crypto.Address) (*big.Int, error) {
	_, view, _, err := e.view(id)
	if err != nil {
		return nil, err
	}
	row, _, err := e.loadDebt(id, who)
	if err != nil {
		return nil, err
	}
	return currentDebt(row, view.index)
}

// BorrowLimit is how much more who can borrow, floored at zero.
func (e *Engine) BorrowLimit(id uint64, who crypto.Address) (*big.Int, error) {
	pos, err := e.Position(id, who)
	if err != nil {
		return nil, err
	}
	return pos.BorrowLimit, nil
}

// IsSolvent reports whether who's debt is within the collateral factor.
func (e *Engine) IsSolvent(id uint64, who crypto.Address) (bool, error) {
	pos, err := e.Position(id, who)
	if err != nil {
		return false, err
	}
	return pos.Solvent, nil
}

// ShouldWarn reports whether who's debt is past the warning threshold.
func (e *Engine) ShouldWarn(id uint64, who crypto.Address) (bool, error) {
	m, view, stamp, err := e.view(id)
	if err != nil {
		return false, err
	}
	prices, err := e.freshPrices(m, stamp.Height)
	if err != nil {
		return false, err
	}
	return e.shouldWarn(m, who, view.index, prices)
}

// Position returns who's collateral, debt and borrow headroom in one market.
func (e *Engine) Position(id uint64, who crypto.Address) (*AccountPosition, error) {
	m, view, stamp, err := e.view(id)
	if err != nil {
		return nil, err
	}
	prices, err := e.freshPrices(m, stamp.Height)
	if err != nil {
		return nil, err
	}
	row, _, err := e.loadDebt(id, who)
	if err != nil {
		return nil, err
	}
	debt, err := currentDebt(row, view.index)
	if err != nil {
		return nil, err
	}
	collateral, err := e.collateralOf(id, who)
	if err != nil {
		return nil, err
	}
	limit, err := capacity(collateral, m.CollateralFactorBps, prices)
	if err != nil {
		return nil, err
	}
	return &AccountPosition{
		Market:          id,
		Account:         who,
		Collateral:      collateral,
		Debt:            debt,
		Principal:       new(big.Int).Set(row.Principal),
		BorrowLimit:     subFloor(limit, debt),
		LastBorrowBlock: row.LastBorrowBlock,
		Solvent:         debt.Cmp(limit) <= 0,
	}, nil
}

// Borrowers lists the accounts with open debt in the market.
func (e *Engine) Borrowers(id uint64) ([]crypto.Address, error) {
	if _, err := e.loadMarket(id); err != nil {
		return nil, err
	}
	return e.borrowers(id)
}

// Stats returns the market aggregates at the last recorded block time.
func (e *Engine) Stats(id uint64) (*MarketStats, error) {
	_, view, _, err := e.view(id)
	if err != nil {
		return nil, err
	}
	debt, err := debtFromScaled(view.totals.ScaledDebt, view.index)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	list, err := e.borrowers(id)
	if err != nil {
		return nil, err
	}
	return &MarketStats{
		Market:            id,
		BorrowIndex:       new(big.Int).Set(view.index),
		LastAccrual:       view.lastUpdate,
		TotalBorrowed:     new(big.Int).Set(view.totals.Principal),
		TotalDebt:         debt,
		TotalInterest:     subFloor(debt, view.totals.Principal),
		AvailableToBorrow: new(big.Int).Set(view.available),
		Utilisation:       new(big.Int).Set(view.utilisation),
		BorrowRate:        new(big.Int).Set(view.rate),
		Borrowers:         len(list),
	}, nil
}
