package lending

import (
	"fmt"
	"math/big"

	"vaultlend/core/events"
	"vaultlend/core/types"
	"vaultlend/crypto"
)

// Liquidate hands every undercollateralised borrower in the batch to the
// liquidation collaborator and returns the borrowers it accepted. Solvent
// candidates are skipped.
func (e *Engine) Liquidate(caller crypto.Address, id uint64, borrowers []crypto.Address) ([]crypto.Address, error) {
	if uint64(len(borrowers)) > e.params.MaxLiquidationBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrLiquidationBatchTooLarge, len(borrowers), e.params.MaxLiquidationBatchSize)
	}
	var affected []crypto.Address
	err := e.atomic("liquidate", func() error {
		m, view, stamp, err := e.prepare(id)
		if err != nil {
			return err
		}
		prices, err := e.freshPrices(m, stamp.Height)
		if err != nil {
			return err
		}

		// Rows are only rebased once the collaborator accepts the order, so
		// skipped candidates keep their stored debt untouched.
		rows := make(map[crypto.Address]*AccountDebt, len(borrowers))
		seen := make(map[crypto.Address]struct{}, len(borrowers))
		orders := make([]types.LiquidationOrder, 0, len(borrowers))
		for _, who := range borrowers {
			if _, dup := seen[who]; dup {
				continue
			}
			seen[who] = struct{}{}
			row, found, err := e.loadDebt(id, who)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			debt, err := currentDebt(row, view.index)
			if err != nil {
				return err
			}
			collateral, err := e.collateralOf(id, who)
			if err != nil {
				return err
			}
			if debt.Sign() == 0 || collateral.Sign() == 0 {
				continue
			}
			solvent, err := withinFactor(collateral, debt, m.CollateralFactorBps, prices)
			if err != nil {
				return err
			}
			if solvent {
				continue
			}
			rows[who] = row
			orders = append(orders, types.LiquidationOrder{
				Market:           id,
				Borrower:         who,
				CollateralAsset:  m.CollateralAsset,
				BorrowAsset:      m.BorrowAsset,
				DebtAmount:       debt,
				CollateralAmount: collateral,
				Strategies:       append([]uint32(nil), m.Liquidators...),
			})
		}
		if len(orders) == 0 {
			affected = []crypto.Address{}
			return nil
		}

		accepted, err := e.liquidator.Liquidate(e.MarketAccount(id), orders)
		if err != nil {
			return fmt.Errorf("lending: dispatch liquidation: %w", err)
		}
		forwarded := make(map[crypto.Address]struct{}, len(orders))
		for _, o := range orders {
			forwarded[o.Borrower] = struct{}{}
		}
		affected = make([]crypto.Address, 0, len(accepted))
		for _, who := range accepted {
			if _, ok := forwarded[who]; !ok {
				continue
			}
			delete(forwarded, who)
			if _, err := e.rebase(m, who, rows[who], view.index); err != nil {
				return err
			}
			if err := e.writeCollateral(id, who, nil); err != nil {
				return err
			}
			affected = append(affected, who)
		}
		if len(affected) > 0 {
			e.emit(events.LiquidationInitiated{Market: id, Caller: caller, Borrowers: append([]crypto.Address(nil), affected...)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// SettleLiquidation books the outcome of a dispatched liquidation. proceeds of
// the borrow asset must already sit in the market account and
// returnedCollateral must already be back in it. Proceeds retire the
// borrower's debt; any surplus is paid to the borrower.
func (e *Engine) SettleLiquidation(id uint64, borrower crypto.Address, proceeds, returnedCollateral *big.Int) error {
	proceeds = orZero(proceeds)
	returnedCollateral = orZero(returnedCollateral)
	if proceeds.Sign() < 0 || returnedCollateral.Sign() < 0 {
		return fmt.Errorf("lending: settlement amounts must not be negative")
	}
	return e.atomic("settle_liquidation", func() error {
		m, view, _, err := e.prepare(id)
		if err != nil {
			return err
		}
		row, found, err := e.loadDebt(id, borrower)
		if err != nil {
			return err
		}
		repaid := big.NewInt(0)
		remaining := big.NewInt(0)
		if found {
			if row, err = e.rebase(m, borrower, row, view.index); err != nil {
				return err
			}
			repaid = minBig(proceeds, row.Tokens)
			remaining = new(big.Int).Set(row.Tokens)
			if repaid.Sign() > 0 {
				next, err := e.applyRepayment(m, borrower, row, repaid, view.index)
				if err != nil {
					return err
				}
				remaining = next.Tokens
			}
		}
		surplus := new(big.Int).Sub(proceeds, repaid)
		if surplus.Sign() > 0 {
			if err := e.bank.Transfer(m.BorrowAsset, e.MarketAccount(id), borrower, surplus, false); err != nil {
				return fmt.Errorf("lending: pay liquidation surplus: %w", err)
			}
		}
		if returnedCollateral.Sign() > 0 {
			held, err := e.collateralOf(id, borrower)
			if err != nil {
				return err
			}
			total, err := add(held, returnedCollateral)
			if err != nil {
				return fmt.Errorf("lending: collateral overflow: %w", err)
			}
			if err := e.writeCollateral(id, borrower, total); err != nil {
				return err
			}
		}
		e.emit(events.LiquidationSettled{
			Market:             id,
			Borrower:           borrower,
			Repaid:             repaid,
			Surplus:            surplus,
			ReturnedCollateral: new(big.Int).Set(returnedCollateral),
			RemainingDebt:      remaining,
		})
		return nil
	})
}
