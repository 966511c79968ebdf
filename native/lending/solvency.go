package lending

import (
	"fmt"
	"math/big"

	"vaultlend/crypto"
)

type marketPrices struct {
	collateral *big.Int
	borrow     *big.Int
}

// freshPrices fetches both legs of a market and rejects quotes older than the
// market tolerance.
func (e *Engine) freshPrices(m *Market, height uint64) (marketPrices, error) {
	maxAge := e.maxPriceAge(m)
	collateral, err := e.oracle.Price(m.CollateralAsset)
	if err != nil {
		return marketPrices{}, fmt.Errorf("lending: collateral price: %w", err)
	}
	if age := collateral.Age(height); age > maxAge {
		return marketPrices{}, fmt.Errorf("%w: collateral quote is %d blocks old", ErrPriceTooOld, age)
	}
	borrow, err := e.oracle.Price(m.BorrowAsset)
	if err != nil {
		return marketPrices{}, fmt.Errorf("lending: borrow price: %w", err)
	}
	if age := borrow.Age(height); age > maxAge {
		return marketPrices{}, fmt.Errorf("%w: borrow quote is %d blocks old", ErrPriceTooOld, age)
	}
	return marketPrices{collateral: collateral.Value, borrow: borrow.Value}, nil
}

// capacity is the debt, in borrow asset units, that collateral supports at
// factorBps.
func capacity(collateral *big.Int, factorBps uint64, prices marketPrices) (*big.Int, error) {
	if collateral == nil || collateral.Sign() == 0 {
		return big.NewInt(0), nil
	}
	weighted, err := mul(collateral, bps(factorBps))
	if err != nil {
		return nil, ErrBorrowLimitCalculationFailed
	}
	denominator, err := mul(prices.borrow, bps(basisPoints))
	if err != nil {
		return nil, ErrBorrowLimitCalculationFailed
	}
	limit, err := mulDiv(weighted, prices.collateral, denominator)
	if err != nil {
		return nil, ErrBorrowLimitCalculationFailed
	}
	return limit, nil
}

// withinFactor reports whether debt stays at or below the capacity of
// collateral at factorBps.
func withinFactor(collateral, debt *big.Int, factorBps uint64, prices marketPrices) (bool, error) {
	if debt == nil || debt.Sign() == 0 {
		return true, nil
	}
	limit, err := capacity(collateral, factorBps, prices)
	if err != nil {
		return false, err
	}
	return debt.Cmp(limit) <= 0, nil
}

// shouldWarn reports whether who's debt at index is past the market's warning
// threshold. Positions without collateral are already with a liquidator.
func (e *Engine) shouldWarn(m *Market, who crypto.Address, index *big.Int, prices marketPrices) (bool, error) {
	row, found, err := e.loadDebt(m.ID, who)
	if err != nil || !found {
		return false, err
	}
	debt, err := currentDebt(row, index)
	if err != nil {
		return false, err
	}
	collateral, err := e.collateralOf(m.ID, who)
	if err != nil || collateral.Sign() == 0 {
		return false, err
	}
	safe, err := withinFactor(collateral, debt, m.WarningBps, prices)
	if err != nil {
		return false, err
	}
	return !safe, nil
}
