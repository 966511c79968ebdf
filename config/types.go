package config

// EngineSection mirrors lending.Params in a hand-editable form.
type EngineSection struct {
	EngineID                string `toml:"EngineID"`
	MaxMarketCount          uint64 `toml:"MaxMarketCount"`
	MaxLiquidationBatchSize uint64 `toml:"MaxLiquidationBatchSize"`
	MaxWarningsPerBlock     uint64 `toml:"MaxWarningsPerBlock"`
	AccrualBudgetPerBlock   uint64 `toml:"AccrualBudgetPerBlock"`
	DefaultMaxPriceAge      uint64 `toml:"DefaultMaxPriceAge"`
	MaxLiquidatorsPerMarket uint64 `toml:"MaxLiquidatorsPerMarket"`
	// MinInitialStake is expressed in minor units of the borrow asset.
	MinInitialStake string `toml:"MinInitialStake"`
}

// Global holds node-wide switches applied at startup.
type Global struct {
	PausedModules      []string `toml:"PausedModules"`
	OracleHistoryDepth int      `toml:"OracleHistoryDepth"`
}

// AssetGenesis registers an asset. Amounts elsewhere in the file that refer
// to the asset are whole units with up to Decimals fractional digits.
type AssetGenesis struct {
	Symbol             string `toml:"Symbol"`
	Decimals           int32  `toml:"Decimals"`
	ExistentialDeposit string `toml:"ExistentialDeposit"`
}

// BalanceGenesis credits an account at genesis.
type BalanceGenesis struct {
	Account string `toml:"Account"`
	Asset   string `toml:"Asset"`
	Amount  string `toml:"Amount"`
}

// PriceGenesis seeds the oracle. Price is the value of one whole unit in the
// quote currency.
type PriceGenesis struct {
	Asset string `toml:"Asset"`
	Price string `toml:"Price"`
}

// StrategyGenesis registers a liquidation keeper.
type StrategyGenesis struct {
	ID     uint32 `toml:"ID"`
	Name   string `toml:"Name"`
	Keeper string `toml:"Keeper"`
}

// RateGenesis is an annual jump-rate curve written as decimal fractions.
type RateGenesis struct {
	Base           string `toml:"Base"`
	SlopeBelowKink string `toml:"SlopeBelowKink"`
	SlopeAboveKink string `toml:"SlopeAboveKink"`
	Kink           string `toml:"Kink"`
}

// MarketGenesis opens a market at genesis. Factors are decimal fractions.
type MarketGenesis struct {
	Manager          string      `toml:"Manager"`
	Collateral       string      `toml:"Collateral"`
	Borrow           string      `toml:"Borrow"`
	CollateralFactor string      `toml:"CollateralFactor"`
	WarningThreshold string      `toml:"WarningThreshold"`
	ReservedFactor   string      `toml:"ReservedFactor"`
	MaxPriceAge      uint64      `toml:"MaxPriceAge"`
	Liquidators      []uint32    `toml:"Liquidators"`
	InitialStake     string      `toml:"InitialStake"`
	Rate             RateGenesis `toml:"Rate"`
}
