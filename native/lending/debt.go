package lending

import (
	"fmt"
	"math/big"

	"vaultlend/core/events"
	"vaultlend/crypto"
)

func (e *Engine) loadDebt(id uint64, who crypto.Address) (*AccountDebt, bool, error) {
	row := new(AccountDebt)
	ok, err := e.state.KVGet(debtKey(id, who), row)
	if err != nil {
		return nil, false, err
	}
	row.normalise()
	return row, ok, nil
}

func scaledOf(row *AccountDebt) (*big.Int, error) {
	if row == nil || row.Tokens == nil || row.Tokens.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return mulDiv(row.Tokens, ray, row.IndexSnapshot)
}

// currentDebt is the row's debt at the given market index.
func currentDebt(row *AccountDebt, index *big.Int) (*big.Int, error) {
	if row == nil || row.Tokens.Sign() == 0 {
		return big.NewInt(0), nil
	}
	debt, err := mulDiv(row.Tokens, index, row.IndexSnapshot)
	if err != nil {
		return nil, ErrBorrowLimitCalculationFailed
	}
	return debt, nil
}

// writeDebt replaces prev with next and keeps the market totals and the
// borrower index in step. A nil or empty next clears the row.
func (e *Engine) writeDebt(m *Market, who crypto.Address, prev, next *AccountDebt) error {
	totals, err := e.loadTotals(m.ID)
	if err != nil {
		return err
	}
	prevScaled, err := scaledOf(prev)
	if err != nil {
		return ErrBorrowLimitCalculationFailed
	}
	nextScaled, err := scaledOf(next)
	if err != nil {
		return ErrBorrowLimitCalculationFailed
	}
	totals.ScaledDebt = new(big.Int).Add(subFloor(totals.ScaledDebt, prevScaled), nextScaled)
	var prevPrincipal, nextPrincipal *big.Int
	if prev != nil {
		prevPrincipal = prev.Principal
	}
	if next != nil {
		nextPrincipal = next.Principal
	}
	totals.Principal = new(big.Int).Add(subFloor(totals.Principal, prevPrincipal), orZero(nextPrincipal))

	if next == nil || next.Tokens.Sign() == 0 {
		if err := e.state.KVDelete(debtKey(m.ID, who)); err != nil {
			return err
		}
		if err := e.state.KVRemove(borrowersKey(m.ID), who.Bytes()); err != nil {
			return err
		}
		remaining, err := e.borrowers(m.ID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			// Rounding dust left once the last borrower is gone.
			totals.ScaledDebt = big.NewInt(0)
			totals.Principal = big.NewInt(0)
		}
	} else {
		if err := e.state.KVPut(debtKey(m.ID, who), next); err != nil {
			return err
		}
		if err := e.state.KVAppend(borrowersKey(m.ID), who.Bytes()); err != nil {
			return err
		}
	}
	return e.storeTotals(m.ID, totals)
}

func (e *Engine) borrowers(id uint64) ([]crypto.Address, error) {
	var list [][]byte
	if err := e.state.KVGetList(borrowersKey(id), &list); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(list))
	for _, raw := range list {
		addr, err := crypto.BytesToAddress(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// rebase rewrites the row at the current index and mints the accrued interest
// as debt tokens so the holder's token balance tracks the stored debt.
func (e *Engine) rebase(m *Market, who crypto.Address, row *AccountDebt, index *big.Int) (*AccountDebt, error) {
	if row.Tokens.Sign() == 0 || row.IndexSnapshot.Cmp(index) == 0 {
		return row, nil
	}
	current, err := currentDebt(row, index)
	if err != nil {
		return nil, err
	}
	next := &AccountDebt{
		Tokens:          current,
		Principal:       new(big.Int).Set(row.Principal),
		IndexSnapshot:   new(big.Int).Set(index),
		LastBorrowBlock: row.LastBorrowBlock,
	}
	if delta := new(big.Int).Sub(current, row.Tokens); delta.Sign() > 0 {
		if err := e.bank.Mint(m.DebtAsset, who, delta); err != nil {
			return nil, fmt.Errorf("lending: mint accrued interest: %w", err)
		}
	}
	if err := e.writeDebt(m, who, row, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Borrow draws amount of the borrow asset from the market vault against the
// caller's collateral.
func (e *Engine) Borrow(who crypto.Address, id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return e.atomic("borrow", func() error {
		m, view, stamp, err := e.prepare(id)
		if err != nil {
			return err
		}
		available, err := e.available(m)
		if err != nil {
			return err
		}
		if available.Sign() == 0 || available.Cmp(amount) < 0 {
			return fmt.Errorf("%w: requested %s, available %s", ErrNotEnoughBorrowAsset, amount, available)
		}
		if _, err := e.vaults.SharePrice(m.Vault); err != nil {
			return fmt.Errorf("%w: %v", ErrCannotBorrowFromMarketWithUnbalancedVault, err)
		}
		prices, err := e.freshPrices(m, stamp.Height)
		if err != nil {
			return err
		}
		row, _, err := e.loadDebt(id, who)
		if err != nil {
			return err
		}
		if row, err = e.rebase(m, who, row, view.index); err != nil {
			return err
		}
		collateral, err := e.collateralOf(id, who)
		if err != nil {
			return err
		}
		newDebt := new(big.Int).Add(row.Tokens, amount)
		ok, err := withinFactor(collateral, newDebt, m.CollateralFactorBps, prices)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotEnoughCollateralToBorrow
		}

		account := e.MarketAccount(id)
		if err := e.vaults.WithdrawToStrategy(m.Vault, account, amount); err != nil {
			return fmt.Errorf("lending: draw from vault: %w", err)
		}
		if err := e.bank.Transfer(m.BorrowAsset, account, who, amount, false); err != nil {
			return err
		}
		if err := e.bank.Mint(m.DebtAsset, who, amount); err != nil {
			return err
		}
		next := &AccountDebt{
			Tokens:          newDebt,
			Principal:       new(big.Int).Add(row.Principal, amount),
			IndexSnapshot:   new(big.Int).Set(view.index),
			LastBorrowBlock: stamp.Height,
		}
		if err := e.writeDebt(m, who, row, next); err != nil {
			return err
		}
		if err := e.reportOutstanding(m, view.index); err != nil {
			return err
		}
		e.emit(events.Borrowed{Market: id, Account: who, Amount: new(big.Int).Set(amount), Debt: new(big.Int).Set(newDebt)})

		safe, err := withinFactor(collateral, newDebt, m.WarningBps, prices)
		if err != nil {
			return err
		}
		if !safe {
			e.emit(events.MayGoUnderCollateralizedSoon{Market: id, Account: who})
		}
		return nil
	})
}

// RepayBorrow pays down the beneficiary's debt from who's balance and returns
// the amount repaid.
func (e *Engine) RepayBorrow(who crypto.Address, id uint64, beneficiary crypto.Address, strategy RepayStrategy, keepAlive bool) (*big.Int, error) {
	if strategy.Kind == RepayKindPartial && (strategy.Amount == nil || strategy.Amount.Sign() <= 0) {
		return nil, ErrZeroAmount
	}
	var repaid *big.Int
	err := e.atomic("repay_borrow", func() error {
		m, view, stamp, err := e.prepare(id)
		if err != nil {
			return err
		}
		row, found, err := e.loadDebt(id, beneficiary)
		if err != nil {
			return err
		}
		if !found {
			return ErrBorrowDoesNotExist
		}
		if beneficiary == who && row.LastBorrowBlock == stamp.Height {
			return ErrBorrowAndRepayInSameBlockIsNotSupported
		}
		if row, err = e.rebase(m, beneficiary, row, view.index); err != nil {
			return err
		}
		if row.Tokens.Sign() == 0 {
			return ErrCannotRepayZeroBalance
		}
		amount := new(big.Int).Set(row.Tokens)
		if strategy.Kind == RepayKindPartial {
			if strategy.Amount.Cmp(row.Tokens) > 0 {
				return fmt.Errorf("%w: requested %s, owed %s", ErrCannotRepayMoreThanTotalDebt, strategy.Amount, row.Tokens)
			}
			amount.Set(strategy.Amount)
		}
		if err := e.bank.Transfer(m.BorrowAsset, who, e.MarketAccount(id), amount, keepAlive); err != nil {
			return err
		}
		remaining, err := e.applyRepayment(m, beneficiary, row, amount, view.index)
		if err != nil {
			return err
		}
		e.emit(events.BorrowRepaid{
			Market:      id,
			Payer:       who,
			Beneficiary: beneficiary,
			Amount:      new(big.Int).Set(amount),
			Remaining:   new(big.Int).Set(remaining.Tokens),
		})
		repaid = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// applyRepayment moves amount, already held by the market account, into the
// vault and retires the same amount of the beneficiary's debt. row must be
// rebased to index.
func (e *Engine) applyRepayment(m *Market, beneficiary crypto.Address, row *AccountDebt, amount, index *big.Int) (*AccountDebt, error) {
	if err := e.vaults.DepositFromStrategy(m.Vault, e.MarketAccount(m.ID), amount); err != nil {
		return nil, fmt.Errorf("lending: return funds to vault: %w", err)
	}
	if err := e.bank.Burn(m.DebtAsset, beneficiary, amount); err != nil {
		return nil, fmt.Errorf("lending: burn debt tokens: %w", err)
	}
	next := &AccountDebt{
		Tokens:          new(big.Int).Sub(row.Tokens, amount),
		Principal:       big.NewInt(0),
		IndexSnapshot:   new(big.Int).Set(index),
		LastBorrowBlock: row.LastBorrowBlock,
	}
	if next.Tokens.Sign() > 0 {
		retired, err := mulDiv(row.Principal, amount, row.Tokens)
		if err != nil {
			return nil, ErrBorrowLimitCalculationFailed
		}
		next.Principal = subFloor(row.Principal, retired)
	}
	if err := e.writeDebt(m, beneficiary, row, next); err != nil {
		return nil, err
	}
	if err := e.reportOutstanding(m, index); err != nil {
		return nil, err
	}
	return next, nil
}
