package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"vaultlend/crypto"
	"vaultlend/native/lending"
)

const (
	maxDecimals = 27
	bpsShift    = 4
	rayShift    = 27
)

// Validate checks cross references and converts every decimal once so that
// errors surface at load time rather than while applying the genesis.
func (g *Genesis) Validate() error {
	if _, err := g.EngineParams(); err != nil {
		return err
	}
	if g.Global.OracleHistoryDepth < 0 {
		return fmt.Errorf("Global.OracleHistoryDepth must not be negative")
	}
	for _, module := range g.Global.PausedModules {
		if strings.TrimSpace(module) == "" {
			return fmt.Errorf("Global.PausedModules contains an empty entry")
		}
	}

	assets := make(map[string]AssetGenesis, len(g.Assets))
	for i, asset := range g.Assets {
		if asset.Symbol == "" {
			return fmt.Errorf("Assets[%d]: symbol required", i)
		}
		if _, dup := assets[asset.Symbol]; dup {
			return fmt.Errorf("Assets[%d]: duplicate symbol %s", i, asset.Symbol)
		}
		if asset.Decimals < 0 || asset.Decimals > maxDecimals {
			return fmt.Errorf("Assets[%d]: decimals must be within [0, %d]", i, maxDecimals)
		}
		assets[asset.Symbol] = asset
		if _, err := g.ExistentialDeposit(asset.Symbol); err != nil {
			return fmt.Errorf("Assets[%d]: %w", i, err)
		}
	}

	for i, bal := range g.Balances {
		if _, err := crypto.DecodeAddress(bal.Account); err != nil {
			return fmt.Errorf("Balances[%d]: %w", i, err)
		}
		amount, err := g.Amount(bal.Asset, bal.Amount)
		if err != nil {
			return fmt.Errorf("Balances[%d]: %w", i, err)
		}
		if amount.Sign() <= 0 {
			return fmt.Errorf("Balances[%d]: amount must be positive", i)
		}
	}

	for i, p := range g.Prices {
		if _, err := g.Price(p.Asset, p.Price); err != nil {
			return fmt.Errorf("Prices[%d]: %w", i, err)
		}
	}

	strategies := make(map[uint32]struct{}, len(g.Strategies))
	for i, s := range g.Strategies {
		if s.ID == 0 {
			return fmt.Errorf("Strategies[%d]: id must be positive", i)
		}
		if _, dup := strategies[s.ID]; dup {
			return fmt.Errorf("Strategies[%d]: duplicate id %d", i, s.ID)
		}
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("Strategies[%d]: name required", i)
		}
		if _, err := crypto.DecodeAddress(s.Keeper); err != nil {
			return fmt.Errorf("Strategies[%d]: keeper: %w", i, err)
		}
		strategies[s.ID] = struct{}{}
	}

	for i, m := range g.Markets {
		if _, err := crypto.DecodeAddress(m.Manager); err != nil {
			return fmt.Errorf("Markets[%d]: manager: %w", i, err)
		}
		if m.Collateral == m.Borrow {
			return fmt.Errorf("Markets[%d]: collateral and borrow assets must differ", i)
		}
		for _, id := range m.Liquidators {
			if _, ok := strategies[id]; !ok {
				return fmt.Errorf("Markets[%d]: unknown liquidation strategy %d", i, id)
			}
		}
		if _, err := g.MarketInput(m); err != nil {
			return fmt.Errorf("Markets[%d]: %w", i, err)
		}
	}
	return nil
}

// EngineParams converts the [Engine] section.
func (g *Genesis) EngineParams() (lending.Params, error) {
	stake := big.NewInt(1)
	if s := strings.TrimSpace(g.Engine.MinInitialStake); s != "" {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() <= 0 {
			return lending.Params{}, fmt.Errorf("Engine.MinInitialStake: invalid amount %q", s)
		}
		stake = v
	}
	params := lending.Params{
		EngineID:                g.Engine.EngineID,
		MaxMarketCount:          g.Engine.MaxMarketCount,
		MaxLiquidationBatchSize: g.Engine.MaxLiquidationBatchSize,
		MaxWarningsPerBlock:     g.Engine.MaxWarningsPerBlock,
		AccrualBudgetPerBlock:   g.Engine.AccrualBudgetPerBlock,
		DefaultMaxPriceAge:      g.Engine.DefaultMaxPriceAge,
		MaxLiquidatorsPerMarket: g.Engine.MaxLiquidatorsPerMarket,
		MinInitialStake:         stake,
	}
	if err := params.Validate(); err != nil {
		return lending.Params{}, err
	}
	return params, nil
}

func (g *Genesis) asset(symbol string) (AssetGenesis, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, a := range g.Assets {
		if a.Symbol == symbol {
			return a, nil
		}
	}
	return AssetGenesis{}, fmt.Errorf("unknown asset %q", symbol)
}

// Amount converts a whole-unit decimal into minor units of the asset.
func (g *Genesis) Amount(symbol, value string) (*big.Int, error) {
	asset, err := g.asset(symbol)
	if err != nil {
		return nil, err
	}
	d, err := parseDecimal(value)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %s must not be negative", value)
	}
	minor := d.Shift(asset.Decimals)
	if !minor.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimals", value, asset.Decimals)
	}
	return minor.BigInt(), nil
}

// ExistentialDeposit returns the asset's minimum balance in minor units.
func (g *Genesis) ExistentialDeposit(symbol string) (*big.Int, error) {
	asset, err := g.asset(symbol)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(asset.ExistentialDeposit) == "" {
		return big.NewInt(0), nil
	}
	return g.Amount(symbol, asset.ExistentialDeposit)
}

// Price converts the quote of one whole unit into the oracle's ray-scaled
// price per minor unit.
func (g *Genesis) Price(symbol, value string) (*big.Int, error) {
	asset, err := g.asset(symbol)
	if err != nil {
		return nil, err
	}
	d, err := parseDecimal(value)
	if err != nil {
		return nil, err
	}
	scaled := d.Shift(rayShift - asset.Decimals).Truncate(0)
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("price %s of %s must be positive", value, symbol)
	}
	return scaled.BigInt(), nil
}

// MarketInput converts a [[Markets]] entry. Asset ids are left unset; the
// caller resolves symbols against the ledger.
func (g *Genesis) MarketInput(m MarketGenesis) (lending.CreateMarketInput, error) {
	var in lending.CreateMarketInput
	if _, err := g.asset(m.Collateral); err != nil {
		return in, err
	}
	if _, err := g.asset(m.Borrow); err != nil {
		return in, err
	}
	cf, err := FractionToBps("CollateralFactor", m.CollateralFactor)
	if err != nil {
		return in, err
	}
	warn, err := FractionToBps("WarningThreshold", m.WarningThreshold)
	if err != nil {
		return in, err
	}
	reserved := uint64(0)
	if strings.TrimSpace(m.ReservedFactor) != "" {
		if reserved, err = FractionToBps("ReservedFactor", m.ReservedFactor); err != nil {
			return in, err
		}
	}
	model, err := RateModel(m.Rate)
	if err != nil {
		return in, err
	}
	stake, err := g.Amount(m.Borrow, m.InitialStake)
	if err != nil {
		return in, fmt.Errorf("InitialStake: %w", err)
	}
	return lending.CreateMarketInput{
		RateModel:           model,
		CollateralFactorBps: cf,
		WarningBps:          warn,
		MaxPriceAge:         m.MaxPriceAge,
		Liquidators:         append([]uint32(nil), m.Liquidators...),
		ReservedFactorBps:   reserved,
		InitialStake:        stake,
	}, nil
}

// RateModel converts decimal annual rates into a ray-scaled curve.
func RateModel(r RateGenesis) (lending.InterestRateModel, error) {
	fields := []struct {
		name  string
		value string
	}{
		{"Rate.Base", r.Base},
		{"Rate.SlopeBelowKink", r.SlopeBelowKink},
		{"Rate.SlopeAboveKink", r.SlopeAboveKink},
		{"Rate.Kink", r.Kink},
	}
	out := make([]*big.Int, len(fields))
	for i, f := range fields {
		d, err := parseDecimal(f.value)
		if err != nil {
			return lending.InterestRateModel{}, fmt.Errorf("%s: %w", f.name, err)
		}
		out[i] = d.Shift(rayShift).Truncate(0).BigInt()
	}
	model := lending.InterestRateModel{
		BaseRate:       out[0],
		SlopeBelowKink: out[1],
		SlopeAboveKink: out[2],
		Kink:           out[3],
	}
	if err := model.Validate(); err != nil {
		return lending.InterestRateModel{}, err
	}
	return model, nil
}

// FractionToBps converts a decimal fraction in [0, 1] to basis points. name
// prefixes any error.
func FractionToBps(name, value string) (uint64, error) {
	d, err := parseDecimal(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	bps := d.Shift(bpsShift)
	if !bps.IsInteger() {
		return 0, fmt.Errorf("%s: %s is finer than one basis point", name, value)
	}
	if bps.IsNegative() || bps.GreaterThan(decimal.NewFromInt(10_000)) {
		return 0, fmt.Errorf("%s: %s must be within [0, 1]", name, value)
	}
	return uint64(bps.IntPart()), nil
}

func parseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, fmt.Errorf("value required")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q", value)
	}
	return d, nil
}
