package lending

import (
	"fmt"
	"math/big"
)

// accrualView is the state of a market's interest at a point in time.
type accrualView struct {
	index       *big.Int
	lastUpdate  uint64
	totals      *marketTotals
	available   *big.Int
	utilisation *big.Int
	rate        *big.Int
}

func (e *Engine) available(m *Market) (*big.Int, error) {
	avail, err := e.vaults.AvailableToStrategy(m.Vault, e.MarketAccount(m.ID))
	if err != nil {
		return nil, fmt.Errorf("lending: vault availability: %w", err)
	}
	return avail.Withdrawable(), nil
}

// project computes the index the market would reach at now without writing.
func (e *Engine) project(m *Market, now uint64) (*accrualView, error) {
	index, last, err := e.loadIndex(m.ID)
	if err != nil {
		return nil, err
	}
	totals, err := e.loadTotals(m.ID)
	if err != nil {
		return nil, err
	}
	available, err := e.available(m)
	if err != nil {
		return nil, err
	}
	borrowed, err := debtFromScaled(totals.ScaledDebt, index)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	utilisation, err := Utilisation(borrowed, available)
	if err != nil {
		return nil, err
	}
	rate, err := m.RateModel.BorrowRate(utilisation)
	if err != nil {
		return nil, err
	}
	view := &accrualView{
		index:       index,
		lastUpdate:  last,
		totals:      totals,
		available:   available,
		utilisation: utilisation,
		rate:        rate,
	}
	if now <= last {
		return view, nil
	}
	factor, err := accrualFactor(rate, now-last)
	if err != nil {
		return nil, err
	}
	next, err := mulDiv(index, factor, ray)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	view.index = next
	view.lastUpdate = now
	return view, nil
}

// accrue brings the market's borrow index to now and reports the market's
// outstanding debt to its vault. Calling it twice with the same now is a no-op.
func (e *Engine) accrue(m *Market, now uint64) (*accrualView, error) {
	_, last, err := e.loadIndex(m.ID)
	if err != nil {
		return nil, err
	}
	view, err := e.project(m, now)
	if err != nil {
		return nil, err
	}
	if view.lastUpdate == last {
		return view, nil
	}
	if err := e.storeIndex(m.ID, view.index, view.lastUpdate); err != nil {
		return nil, err
	}
	debt, err := debtFromScaled(view.totals.ScaledDebt, view.index)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	if err := e.vaults.ReportOutstanding(m.Vault, e.MarketAccount(m.ID), debt); err != nil {
		return nil, fmt.Errorf("lending: report outstanding: %w", err)
	}
	e.metrics.RecordMarket(m.ID, view.index, view.utilisation, debt)
	return view, nil
}

// Accrue advances the market's borrow index to the current block time.
func (e *Engine) Accrue(id uint64) error {
	return e.atomic("accrue", func() error {
		m, err := e.loadMarket(id)
		if err != nil {
			return err
		}
		stamp, err := e.lastBlock()
		if err != nil {
			return err
		}
		_, err = e.accrue(m, stamp.Timestamp)
		return err
	})
}

// prepare loads a market and accrues it to the current block.
func (e *Engine) prepare(id uint64) (*Market, *accrualView, blockStamp, error) {
	m, err := e.loadMarket(id)
	if err != nil {
		return nil, nil, blockStamp{}, err
	}
	stamp, err := e.lastBlock()
	if err != nil {
		return nil, nil, blockStamp{}, err
	}
	view, err := e.accrue(m, stamp.Timestamp)
	if err != nil {
		return nil, nil, blockStamp{}, err
	}
	return m, view, stamp, nil
}

func (e *Engine) reportOutstanding(m *Market, index *big.Int) error {
	totals, err := e.loadTotals(m.ID)
	if err != nil {
		return err
	}
	debt, err := debtFromScaled(totals.ScaledDebt, index)
	if err != nil {
		return ErrBorrowLimitCalculationFailed
	}
	if err := e.vaults.ReportOutstanding(m.Vault, e.MarketAccount(m.ID), debt); err != nil {
		return fmt.Errorf("lending: report outstanding: %w", err)
	}
	return nil
}

func debtFromScaled(scaled, index *big.Int) (*big.Int, error) {
	if scaled == nil || scaled.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return mulDiv(scaled, index, ray)
}
