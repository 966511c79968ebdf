package lending

import (
	"fmt"
	"math/big"
	"strings"
)

// Params are the engine-wide limits. Every per-call workload is bounded by one
// of them.
type Params struct {
	// EngineID seeds the derivation of market sub-accounts.
	EngineID                string   `toml:"EngineID" yaml:"engine_id"`
	MaxMarketCount          uint64   `toml:"MaxMarketCount" yaml:"max_market_count"`
	MaxLiquidationBatchSize uint64   `toml:"MaxLiquidationBatchSize" yaml:"max_liquidation_batch_size"`
	MaxWarningsPerBlock     uint64   `toml:"MaxWarningsPerBlock" yaml:"max_warnings_per_block"`
	AccrualBudgetPerBlock   uint64   `toml:"AccrualBudgetPerBlock" yaml:"accrual_budget_per_block"`
	DefaultMaxPriceAge      uint64   `toml:"DefaultMaxPriceAge" yaml:"default_max_price_age"`
	MaxLiquidatorsPerMarket uint64   `toml:"MaxLiquidatorsPerMarket" yaml:"max_liquidators_per_market"`
	MinInitialStake         *big.Int `toml:"-" yaml:"-"`
}

// DefaultParams returns conservative defaults suitable for development networks.
func DefaultParams() Params {
	return Params{
		EngineID:                "lend/engine",
		MaxMarketCount:          64,
		MaxLiquidationBatchSize: 32,
		MaxWarningsPerBlock:     64,
		AccrualBudgetPerBlock:   16,
		DefaultMaxPriceAge:      600,
		MaxLiquidatorsPerMarket: 8,
		MinInitialStake:         big.NewInt(1),
	}
}

// Validate checks the params are usable.
func (p Params) Validate() error {
	if strings.TrimSpace(p.EngineID) == "" {
		return fmt.Errorf("lending: engine id required")
	}
	if p.MaxMarketCount == 0 {
		return fmt.Errorf("lending: MaxMarketCount must be positive")
	}
	if p.MaxLiquidationBatchSize == 0 {
		return fmt.Errorf("lending: MaxLiquidationBatchSize must be positive")
	}
	if p.DefaultMaxPriceAge == 0 {
		return fmt.Errorf("lending: DefaultMaxPriceAge must be positive")
	}
	if p.MinInitialStake == nil || p.MinInitialStake.Sign() <= 0 {
		return fmt.Errorf("lending: MinInitialStake must be positive")
	}
	return nil
}
