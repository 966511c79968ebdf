package node

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vaultlend/config"
	"vaultlend/core/events"
	"vaultlend/crypto"
	nativecommon "vaultlend/native/common"
	"vaultlend/storage"
)

var (
	manager = crypto.DeriveAddress([]byte("manager"))
	alice   = crypto.DeriveAddress([]byte("alice"))
	keeper  = crypto.DeriveAddress([]byte("keeper"))
)

func testGenesis(t *testing.T) *config.Genesis {
	t.Helper()
	g, err := config.Parse(fmt.Sprintf(`
[[Assets]]
Symbol = "USDX"
Decimals = 6

[[Assets]]
Symbol = "ETHX"
Decimals = 6

[[Balances]]
Account = "%[1]s"
Asset = "USDX"
Amount = "100000"

[[Balances]]
Account = "%[2]s"
Asset = "ETHX"
Amount = "10"

[[Prices]]
Asset = "USDX"
Price = "1"

[[Prices]]
Asset = "ETHX"
Price = "2000"

[[Strategies]]
ID = 1
Name = "dex"
Keeper = "%[3]s"

[[Markets]]
Manager = "%[1]s"
Collateral = "ETHX"
Borrow = "USDX"
CollateralFactor = "0.5"
WarningThreshold = "0.7"
Liquidators = [1]
InitialStake = "50000"

[Markets.Rate]
Base = "0.1"
SlopeBelowKink = "0"
SlopeAboveKink = "0"
Kink = "1"
`, manager, alice, keeper))
	require.NoError(t, err)
	return g
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestNode(t *testing.T, db storage.Database, c *clock, emitter events.Emitter) *Node {
	t.Helper()
	n, err := New(db, testGenesis(t), Options{Now: c.Now, Emitter: emitter})
	require.NoError(t, err)
	return n
}

func usdx(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func TestGenesisAppliedOnce(t *testing.T) {
	db := storage.NewMemDB()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	n := newTestNode(t, db, c, nil)

	usd, err := n.Asset("usdx")
	require.NoError(t, err)
	eth, err := n.Asset("ETHX")
	require.NoError(t, err)
	require.NotEqual(t, usd, eth)

	require.NoError(t, n.Execute(func(m *Modules) error {
		count, err := m.Engine.MarketCount()
		require.NoError(t, err)
		require.Equal(t, uint64(1), count)
		bal, err := m.Bank.Balance(usd, manager)
		require.NoError(t, err)
		require.Equal(t, usdx(50_000).String(), bal.String())
		return nil
	}))

	c.now = c.now.Add(5 * time.Second)
	_, err = n.ProduceBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n.Height())

	restarted := newTestNode(t, db, c, nil)
	require.Equal(t, uint64(1), restarted.Height())
	require.NoError(t, restarted.Execute(func(m *Modules) error {
		count, err := m.Engine.MarketCount()
		require.NoError(t, err)
		require.Equal(t, uint64(1), count, "genesis must not be applied twice")
		return nil
	}))

	_, err = n.Asset("BTCX")
	require.ErrorIs(t, err, ErrUnknownAsset)
}

func TestBorrowAccruesAcrossBlocks(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	recorder := &events.Recorder{}
	n := newTestNode(t, storage.NewMemDB(), c, recorder)
	_, err := n.ProduceBlock()
	require.NoError(t, err)

	require.NoError(t, n.Execute(func(m *Modules) error {
		if err := m.Engine.DepositCollateral(alice, 1, big.NewInt(10_000_000), false); err != nil {
			return err
		}
		return m.Engine.Borrow(alice, 1, usdx(1_000))
	}))
	require.Len(t, recorder.OfType(events.TypeLendingBorrowed), 1)

	c.now = c.now.Add(365 * 24 * time.Hour)
	_, err = n.ProduceBlock()
	require.NoError(t, err)

	require.NoError(t, n.Execute(func(m *Modules) error {
		debt, err := m.Engine.AccountDebt(1, alice)
		require.NoError(t, err)
		require.Equal(t, 1, debt.Cmp(usdx(1_099)))
		require.Equal(t, -1, debt.Cmp(usdx(1_101)))
		return nil
	}))
}

func TestClockRegressionReusesLastTimestamp(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_100, 0)}
	n := newTestNode(t, storage.NewMemDB(), c, nil)
	c.now = time.Unix(1_700_000_000, 0)
	report, err := n.ProduceBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(1_700_000_100), report.Timestamp)
}

func TestPausedModuleFromGenesis(t *testing.T) {
	g := testGenesis(t)
	g.Global.PausedModules = []string{"lending"}
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	n, err := New(storage.NewMemDB(), g, Options{Now: c.Now})
	require.NoError(t, err)
	err = n.Execute(func(m *Modules) error {
		return m.Engine.DepositCollateral(alice, 1, big.NewInt(1), false)
	})
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)

	_, err = n.ProduceBlock()
	require.NoError(t, err, "block hook keeps running while paused")
	require.Equal(t, []string{"lending"}, n.modules.Pauses.List())
}

func TestFailedBlockHookKeepsAcceptedCommands(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	n := newTestNode(t, storage.NewMemDB(), c, nil)
	_, err := n.ProduceBlock()
	require.NoError(t, err)

	require.NoError(t, n.Execute(func(m *Modules) error {
		return m.Engine.DepositCollateral(alice, 1, big.NewInt(5_000_000), false)
	}))
	cursor := []byte("lending/accrual-cursor")
	require.NoError(t, n.state.KVPut(cursor, "this value does not fit in a uint64"))

	c.now = c.now.Add(time.Minute)
	_, err = n.ProduceBlock()
	require.Error(t, err)
	require.Equal(t, uint64(1), n.Height())

	require.NoError(t, n.Execute(func(m *Modules) error {
		height, ts, err := m.Engine.CurrentBlock()
		require.NoError(t, err)
		require.Equal(t, uint64(1), height)
		require.Equal(t, uint64(1_700_000_000), ts)
		collateral, err := m.Engine.CollateralOf(1, alice)
		require.NoError(t, err)
		require.Zero(t, collateral.Cmp(big.NewInt(5_000_000)))
		return nil
	}))

	require.NoError(t, n.state.KVPut(cursor, uint64(0)))
	report, err := n.ProduceBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(2), report.Height)
	require.Equal(t, uint64(2), n.Height())
}
