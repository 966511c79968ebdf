package lending

import (
	"fmt"
	"math/big"

	"vaultlend/core/events"
	"vaultlend/crypto"
)

func (e *Engine) collateralOf(id uint64, who crypto.Address) (*big.Int, error) {
	amount := new(big.Int)
	if _, err := e.state.KVGet(collateralKey(id, who), amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (e *Engine) writeCollateral(id uint64, who crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return e.state.KVDelete(collateralKey(id, who))
	}
	return e.state.KVPut(collateralKey(id, who), amount)
}

// DepositCollateral moves amount of the market's collateral asset from who
// into the market account and credits who's position.
func (e *Engine) DepositCollateral(who crypto.Address, id uint64, amount *big.Int, keepAlive bool) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return e.atomic("deposit_collateral", func() error {
		m, _, _, err := e.prepare(id)
		if err != nil {
			return err
		}
		held, err := e.collateralOf(id, who)
		if err != nil {
			return err
		}
		total, err := add(held, amount)
		if err != nil {
			return fmt.Errorf("lending: collateral overflow: %w", err)
		}
		if err := e.bank.Transfer(m.CollateralAsset, who, e.MarketAccount(id), amount, keepAlive); err != nil {
			return err
		}
		if err := e.writeCollateral(id, who, total); err != nil {
			return err
		}
		e.emit(events.CollateralDeposited{Market: id, Account: who, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

// WithdrawCollateral returns amount of collateral to who as long as the
// remaining position still covers the account's debt.
func (e *Engine) WithdrawCollateral(who crypto.Address, id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return e.atomic("withdraw_collateral", func() error {
		m, view, stamp, err := e.prepare(id)
		if err != nil {
			return err
		}
		held, err := e.collateralOf(id, who)
		if err != nil {
			return err
		}
		if held.Cmp(amount) < 0 {
			return fmt.Errorf("%w: requested %s, held %s", ErrNotEnoughCollateralToWithdraw, amount, held)
		}
		prices, err := e.freshPrices(m, stamp.Height)
		if err != nil {
			return err
		}
		row, found, err := e.loadDebt(id, who)
		if err != nil {
			return err
		}
		remaining := new(big.Int).Sub(held, amount)
		if found {
			if row, err = e.rebase(m, who, row, view.index); err != nil {
				return err
			}
			ok, err := withinFactor(remaining, row.Tokens, m.CollateralFactorBps, prices)
			if err != nil {
				return err
			}
			if !ok {
				return ErrWouldGoUnderCollateralized
			}
		}
		if err := e.bank.Transfer(m.CollateralAsset, e.MarketAccount(id), who, amount, false); err != nil {
			return err
		}
		if err := e.writeCollateral(id, who, remaining); err != nil {
			return err
		}
		e.emit(events.CollateralWithdrawn{Market: id, Account: who, Amount: new(big.Int).Set(amount)})
		return nil
	})
}
