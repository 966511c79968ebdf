package lending

import (
	"fmt"
	"math/big"

	"vaultlend/core/events"
	"vaultlend/crypto"
)

// MarketCount returns the number of markets created so far.
func (e *Engine) MarketCount() (uint64, error) {
	var count uint64
	if _, err := e.state.KVGet(marketCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (e *Engine) loadMarket(id uint64) (*Market, error) {
	m := new(Market)
	ok, err := e.state.KVGet(marketKey(id), m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMarketDoesNotExist, id)
	}
	return m, nil
}

func (e *Engine) storeMarket(m *Market) error {
	return e.state.KVPut(marketKey(m.ID), m)
}

func (e *Engine) loadIndex(id uint64) (*big.Int, uint64, error) {
	index := new(big.Int)
	ok, err := e.state.KVGet(indexKey(id), index)
	if err != nil {
		return nil, 0, err
	}
	if !ok || index.Sign() == 0 {
		index = Ray()
	}
	var last uint64
	if _, err := e.state.KVGet(accruedKey(id), &last); err != nil {
		return nil, 0, err
	}
	return index, last, nil
}

func (e *Engine) storeIndex(id uint64, index *big.Int, at uint64) error {
	if err := e.state.KVPut(indexKey(id), index); err != nil {
		return err
	}
	return e.state.KVPut(accruedKey(id), at)
}

func (e *Engine) loadTotals(id uint64) (*marketTotals, error) {
	totals := new(marketTotals)
	if _, err := e.state.KVGet(totalsKey(id), totals); err != nil {
		return nil, err
	}
	if totals.ScaledDebt == nil {
		totals.ScaledDebt = big.NewInt(0)
	}
	if totals.Principal == nil {
		totals.Principal = big.NewInt(0)
	}
	return totals, nil
}

func (e *Engine) storeTotals(id uint64, totals *marketTotals) error {
	return e.state.KVPut(totalsKey(id), totals)
}

func validateFactors(collateralFactorBps, warningBps uint64) error {
	if collateralFactorBps == 0 || collateralFactorBps >= basisPoints {
		return ErrInvalidCollateralFactor
	}
	if warningBps <= collateralFactorBps || warningBps >= basisPoints {
		return ErrInvalidWarningThreshold
	}
	return nil
}

func (e *Engine) validateLiquidators(ids []uint32) error {
	if uint64(len(ids)) > e.params.MaxLiquidatorsPerMarket {
		return fmt.Errorf("%w: %d > %d", ErrTooManyLiquidators, len(ids), e.params.MaxLiquidatorsPerMarket)
	}
	for _, id := range ids {
		if !e.liquidator.IsRegistered(id) {
			return fmt.Errorf("%w: %d", ErrUnknownLiquidator, id)
		}
	}
	return nil
}

// CreateMarket registers a market, mints its debt asset, opens its vault and
// stakes the initial borrow-asset amount from the manager into that vault.
func (e *Engine) CreateMarket(manager crypto.Address, input CreateMarketInput, keepAlive bool) (*CreatedMarket, error) {
	var created *CreatedMarket
	err := e.atomic("create_market", func() error {
		count, err := e.MarketCount()
		if err != nil {
			return err
		}
		if count >= e.params.MaxMarketCount {
			return ErrExceedLendingCount
		}
		if err := validateFactors(input.CollateralFactorBps, input.WarningBps); err != nil {
			return err
		}
		if err := input.RateModel.Validate(); err != nil {
			return err
		}
		if input.InitialStake == nil || input.InitialStake.Sign() <= 0 || input.InitialStake.Cmp(e.params.MinInitialStake) < 0 {
			return ErrInitialMarketVolumeIncorrect
		}
		if input.CollateralAsset == input.BorrowAsset {
			return ErrSameAssetMarket
		}
		if !e.oracle.IsSupported(input.CollateralAsset) {
			return fmt.Errorf("%w: collateral asset %d", ErrAssetNotSupportedByOracle, input.CollateralAsset)
		}
		if !e.oracle.IsSupported(input.BorrowAsset) {
			return fmt.Errorf("%w: borrow asset %d", ErrAssetNotSupportedByOracle, input.BorrowAsset)
		}
		if err := e.validateLiquidators(input.Liquidators); err != nil {
			return err
		}
		if input.ReservedFactorBps >= basisPoints {
			return fmt.Errorf("lending: reserved factor must be below 100%%")
		}
		stamp, err := e.lastBlock()
		if err != nil {
			return err
		}

		id := count + 1
		account := e.MarketAccount(id)
		debtAsset, err := e.bank.CreateAsset(fmt.Sprintf("DEBT%d", id), nil)
		if err != nil {
			return fmt.Errorf("lending: create debt asset: %w", err)
		}
		vaultID, err := e.vaults.Create(input.BorrowAsset, manager, account, input.ReservedFactorBps)
		if err != nil {
			return fmt.Errorf("lending: create vault: %w", err)
		}
		if _, err := e.vaults.Lock(vaultID, manager, input.InitialStake, keepAlive); err != nil {
			return fmt.Errorf("lending: stake initial volume: %w", err)
		}
		market := &Market{
			ID:                  id,
			Manager:             manager,
			Vault:               vaultID,
			CollateralAsset:     input.CollateralAsset,
			BorrowAsset:         input.BorrowAsset,
			DebtAsset:           debtAsset,
			RateModel:           input.RateModel.Clone(),
			CollateralFactorBps: input.CollateralFactorBps,
			WarningBps:          input.WarningBps,
			MaxPriceAge:         input.MaxPriceAge,
			Liquidators:         append([]uint32(nil), input.Liquidators...),
			ReservedFactorBps:   input.ReservedFactorBps,
			CreatedAt:           stamp.Timestamp,
		}
		if err := e.storeMarket(market); err != nil {
			return err
		}
		if err := e.storeIndex(id, Ray(), stamp.Timestamp); err != nil {
			return err
		}
		if err := e.state.KVPut(marketCountKey, id); err != nil {
			return err
		}
		e.emit(events.MarketCreated{
			Market:          id,
			Manager:         manager,
			Vault:           vaultID,
			CollateralAsset: market.CollateralAsset,
			BorrowAsset:     market.BorrowAsset,
			DebtAsset:       debtAsset,
			InitialStake:    new(big.Int).Set(input.InitialStake),
		})
		created = &CreatedMarket{ID: id, Vault: vaultID, DebtAsset: debtAsset, Account: account}
		e.metrics.SetMarkets(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateMarket replaces the mutable parameters of a market. Only the manager
// may call it, and the collateral factor can only be loosened while the
// market has outstanding debt.
func (e *Engine) UpdateMarket(who crypto.Address, id uint64, input UpdateMarketInput) error {
	return e.atomic("update_market", func() error {
		m, err := e.loadMarket(id)
		if err != nil {
			return err
		}
		if m.Manager != who {
			return ErrUnauthorized
		}
		if err := validateFactors(input.CollateralFactorBps, input.WarningBps); err != nil {
			return err
		}
		if err := e.validateLiquidators(input.Liquidators); err != nil {
			return err
		}
		if input.CollateralFactorBps < m.CollateralFactorBps {
			totals, err := e.loadTotals(id)
			if err != nil {
				return err
			}
			if totals.ScaledDebt.Sign() > 0 {
				return ErrCannotIncreaseCollateralFactorOfOpenMarket
			}
		}
		m.CollateralFactorBps = input.CollateralFactorBps
		m.WarningBps = input.WarningBps
		m.MaxPriceAge = input.MaxPriceAge
		m.Liquidators = append([]uint32(nil), input.Liquidators...)
		if err := e.storeMarket(m); err != nil {
			return err
		}
		e.emit(events.MarketUpdated{
			Market:              id,
			CollateralFactorBps: m.CollateralFactorBps,
			WarningBps:          m.WarningBps,
			MaxPriceAge:         m.MaxPriceAge,
			Liquidators:         append([]uint32(nil), m.Liquidators...),
		})
		return nil
	})
}

// Market returns the configuration of a market.
func (e *Engine) Market(id uint64) (*Market, error) {
	return e.loadMarket(id)
}

// Markets lists every market in creation order.
func (e *Engine) Markets() ([]*Market, error) {
	count, err := e.MarketCount()
	if err != nil {
		return nil, err
	}
	out := make([]*Market, 0, count)
	for id := uint64(1); id <= count; id++ {
		m, err := e.loadMarket(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
