package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"vaultlend/native/lending"
)

// Genesis describes the initial state of a lending node.
type Genesis struct {
	ChainName  string            `toml:"ChainName"`
	Engine     EngineSection     `toml:"Engine"`
	Global     Global            `toml:"Global"`
	Assets     []AssetGenesis    `toml:"Assets"`
	Balances   []BalanceGenesis  `toml:"Balances"`
	Prices     []PriceGenesis    `toml:"Prices"`
	Strategies []StrategyGenesis `toml:"Strategies"`
	Markets    []MarketGenesis   `toml:"Markets"`
}

// Load reads the genesis file at path. A missing file is replaced by the
// default genesis, which is written to path first.
func Load(path string) (*Genesis, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	g := &Genesis{}
	meta, err := toml.DecodeFile(path, g)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("genesis %s: unknown key %s", path, undecoded[0])
	}
	g.normalize()
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("genesis %s: %w", path, err)
	}
	return g, nil
}

// Parse decodes a genesis document held in memory.
func Parse(data string) (*Genesis, error) {
	g := &Genesis{}
	if _, err := toml.Decode(data, g); err != nil {
		return nil, err
	}
	g.normalize()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Default returns a genesis with the engine defaults and no assets.
func Default() *Genesis {
	params := lending.DefaultParams()
	return &Genesis{
		ChainName: "vaultlend-local",
		Engine: EngineSection{
			EngineID:                params.EngineID,
			MaxMarketCount:          params.MaxMarketCount,
			MaxLiquidationBatchSize: params.MaxLiquidationBatchSize,
			MaxWarningsPerBlock:     params.MaxWarningsPerBlock,
			AccrualBudgetPerBlock:   params.AccrualBudgetPerBlock,
			DefaultMaxPriceAge:      params.DefaultMaxPriceAge,
			MaxLiquidatorsPerMarket: params.MaxLiquidatorsPerMarket,
			MinInitialStake:         params.MinInitialStake.String(),
		},
		Global: Global{OracleHistoryDepth: 32},
	}
}

func (g *Genesis) normalize() {
	if strings.TrimSpace(g.ChainName) == "" {
		g.ChainName = "vaultlend-local"
	}
	defaults := lending.DefaultParams()
	if strings.TrimSpace(g.Engine.EngineID) == "" {
		g.Engine.EngineID = defaults.EngineID
	}
	fill := func(v *uint64, def uint64) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&g.Engine.MaxMarketCount, defaults.MaxMarketCount)
	fill(&g.Engine.MaxLiquidationBatchSize, defaults.MaxLiquidationBatchSize)
	fill(&g.Engine.MaxWarningsPerBlock, defaults.MaxWarningsPerBlock)
	fill(&g.Engine.DefaultMaxPriceAge, defaults.DefaultMaxPriceAge)
	fill(&g.Engine.MaxLiquidatorsPerMarket, defaults.MaxLiquidatorsPerMarket)
	if g.Global.OracleHistoryDepth == 0 {
		g.Global.OracleHistoryDepth = 32
	}
	for i := range g.Assets {
		g.Assets[i].Symbol = strings.ToUpper(strings.TrimSpace(g.Assets[i].Symbol))
	}
	for i := range g.Balances {
		g.Balances[i].Asset = strings.ToUpper(strings.TrimSpace(g.Balances[i].Asset))
	}
	for i := range g.Prices {
		g.Prices[i].Asset = strings.ToUpper(strings.TrimSpace(g.Prices[i].Asset))
	}
	for i := range g.Markets {
		g.Markets[i].Collateral = strings.ToUpper(strings.TrimSpace(g.Markets[i].Collateral))
		g.Markets[i].Borrow = strings.ToUpper(strings.TrimSpace(g.Markets[i].Borrow))
	}
}

// createDefault creates and saves a default genesis file.
func createDefault(path string) (*Genesis, error) {
	g := Default()
	if err := persist(path, g); err != nil {
		return nil, err
	}
	return g, nil
}

func persist(path string, g *Genesis) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(g)
}
