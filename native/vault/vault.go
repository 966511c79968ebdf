package vault

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"vaultlend/core/types"
	"vaultlend/crypto"
	nativecommon "vaultlend/native/common"
)

var (
	ErrVaultNotFound          = errors.New("vault: vault not found")
	ErrUnknownStrategy        = errors.New("vault: caller is not the vault strategy")
	ErrInvalidAmount          = errors.New("vault: amount must be positive")
	ErrInvalidReserve         = errors.New("vault: reserved fraction must be below 100%")
	ErrDepositTooSmall        = errors.New("vault: deposit too small to mint a share")
	ErrInsufficientShares     = errors.New("vault: insufficient shares")
	ErrInsufficientLiquidity  = errors.New("vault: insufficient idle liquidity")
	ErrExceedsStrategyAllowed = errors.New("vault: amount exceeds the strategy allocation")
	ErrSharesLocked           = errors.New("vault: locked stake shares cannot be redeemed")
	// ErrUnbalanced is returned by SharePrice when no meaningful price exists.
	ErrUnbalanced = errors.New("vault: unbalanced, share price undefined")
)

const basisPoints = 10_000

var (
	ray         = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	countKey    = []byte("vault/count")
	vaultPrefix = []byte("vault/record/")
)

// Ledger is the subset of the bank the vault moves funds through.
type Ledger interface {
	CreateAsset(symbol string, existentialDeposit *big.Int) (types.AssetID, error)
	Balance(asset types.AssetID, addr crypto.Address) (*big.Int, error)
	TotalIssuance(asset types.AssetID) (*big.Int, error)
	Transfer(asset types.AssetID, from, to crypto.Address, amount *big.Int, keepAlive bool) error
	Mint(asset types.AssetID, to crypto.Address, amount *big.Int) error
	Burn(asset types.AssetID, from crypto.Address, amount *big.Int) error
}

// Vault pools one asset from liquidity providers and lends a share of it to a
// single strategy account.
type Vault struct {
	ID          types.VaultID
	Asset       types.AssetID
	ShareAsset  types.AssetID
	Account     crypto.Address
	Manager     crypto.Address
	Strategy    crypto.Address
	ReservedBps uint64
	// Outstanding is the value the strategy last reported holding.
	Outstanding *big.Int
	// LockedShares are held by the vault account itself and can never be
	// redeemed. They back the stake taken when the vault was opened.
	LockedShares *big.Int `rlp:"optional"`
}

// Engine owns every vault record.
type Engine struct {
	store nativecommon.Store
	bank  Ledger
}

func NewEngine(store nativecommon.Store, bank Ledger) *Engine {
	return &Engine{store: store, bank: bank}
}

func recordKey(id types.VaultID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return append(append([]byte(nil), vaultPrefix...), buf[:]...)
}

// Create registers a vault for asset whose liquidity may be drawn by strategy.
// reservedBps of the vault value is kept idle for provider withdrawals.
func (e *Engine) Create(asset types.AssetID, manager, strategy crypto.Address, reservedBps uint64) (types.VaultID, error) {
	if reservedBps >= basisPoints {
		return 0, ErrInvalidReserve
	}
	var count uint64
	if _, err := e.store.KVGet(countKey, &count); err != nil {
		return 0, err
	}
	count++
	id := types.VaultID(count)
	shareAsset, err := e.bank.CreateAsset(fmt.Sprintf("VS%d", id), nil)
	if err != nil {
		return 0, fmt.Errorf("vault: create share asset: %w", err)
	}
	v := &Vault{
		ID:           id,
		Asset:        asset,
		ShareAsset:   shareAsset,
		Account:      crypto.DeriveIndexedAddress("vault/account", count),
		Manager:      manager,
		Strategy:     strategy,
		ReservedBps:  reservedBps,
		Outstanding:  big.NewInt(0),
		LockedShares: big.NewInt(0),
	}
	if err := e.put(v); err != nil {
		return 0, err
	}
	if err := e.store.KVPut(countKey, count); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Engine) put(v *Vault) error {
	return e.store.KVPut(recordKey(v.ID), v)
}

// Vault loads the record for id.
func (e *Engine) Vault(id types.VaultID) (*Vault, error) {
	v := new(Vault)
	ok, err := e.store.KVGet(recordKey(id), v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVaultNotFound, id)
	}
	if v.Outstanding == nil {
		v.Outstanding = big.NewInt(0)
	}
	if v.LockedShares == nil {
		v.LockedShares = big.NewInt(0)
	}
	return v, nil
}

// Balances returns the idle liquidity held by the vault and the amount the
// strategy reports outstanding.
func (e *Engine) Balances(id types.VaultID) (idle, outstanding *big.Int, err error) {
	v, err := e.Vault(id)
	if err != nil {
		return nil, nil, err
	}
	idle, err = e.bank.Balance(v.Asset, v.Account)
	if err != nil {
		return nil, nil, err
	}
	return idle, new(big.Int).Set(v.Outstanding), nil
}

func (e *Engine) totalValue(v *Vault) (*big.Int, *big.Int, error) {
	idle, err := e.bank.Balance(v.Asset, v.Account)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Add(idle, v.Outstanding), idle, nil
}

// Deposit moves amount from the provider into the vault and mints shares at
// the current share price.
func (e *Engine) Deposit(id types.VaultID, from crypto.Address, amount *big.Int, keepAlive bool) (*big.Int, error) {
	v, err := e.Vault(id)
	if err != nil {
		return nil, err
	}
	return e.deposit(v, from, from, amount, keepAlive)
}

// Lock deposits amount from the provider and mints the shares to the vault
// account, where Withdraw refuses to touch them.
func (e *Engine) Lock(id types.VaultID, from crypto.Address, amount *big.Int, keepAlive bool) (*big.Int, error) {
	v, err := e.Vault(id)
	if err != nil {
		return nil, err
	}
	shares, err := e.deposit(v, from, v.Account, amount, keepAlive)
	if err != nil {
		return nil, err
	}
	v.LockedShares = new(big.Int).Add(v.LockedShares, shares)
	if err := e.put(v); err != nil {
		return nil, err
	}
	return shares, nil
}

func (e *Engine) deposit(v *Vault, from, holder crypto.Address, amount *big.Int, keepAlive bool) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	total, _, err := e.totalValue(v)
	if err != nil {
		return nil, err
	}
	supply, err := e.bank.TotalIssuance(v.ShareAsset)
	if err != nil {
		return nil, err
	}
	shares := new(big.Int).Set(amount)
	if supply.Sign() > 0 && total.Sign() > 0 {
		shares.Mul(amount, supply)
		shares.Quo(shares, total)
	}
	if shares.Sign() == 0 {
		return nil, ErrDepositTooSmall
	}
	if err := e.bank.Transfer(v.Asset, from, v.Account, amount, keepAlive); err != nil {
		return nil, err
	}
	if err := e.bank.Mint(v.ShareAsset, holder, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// Withdraw burns shares and pays out their value from idle liquidity.
func (e *Engine) Withdraw(id types.VaultID, to crypto.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	v, err := e.Vault(id)
	if err != nil {
		return nil, err
	}
	if to == v.Account {
		return nil, ErrSharesLocked
	}
	held, err := e.bank.Balance(v.ShareAsset, to)
	if err != nil {
		return nil, err
	}
	if held.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	total, idle, err := e.totalValue(v)
	if err != nil {
		return nil, err
	}
	supply, err := e.bank.TotalIssuance(v.ShareAsset)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Mul(shares, total)
	amount.Quo(amount, supply)
	if amount.Cmp(idle) > 0 {
		return nil, fmt.Errorf("%w: need %s, idle %s", ErrInsufficientLiquidity, amount, idle)
	}
	if err := e.bank.Burn(v.ShareAsset, to, shares); err != nil {
		return nil, err
	}
	if amount.Sign() > 0 {
		if err := e.bank.Transfer(v.Asset, v.Account, to, amount, false); err != nil {
			return nil, err
		}
	}
	return amount, nil
}

func (e *Engine) strategyVault(id types.VaultID, strategy crypto.Address) (*Vault, error) {
	v, err := e.Vault(id)
	if err != nil {
		return nil, err
	}
	if v.Strategy != strategy {
		return nil, ErrUnknownStrategy
	}
	return v, nil
}

func (e *Engine) availability(v *Vault) (types.FundsAvailability, error) {
	total, idle, err := e.totalValue(v)
	if err != nil {
		return types.FundsAvailability{}, err
	}
	allowed := new(big.Int).Mul(total, big.NewInt(int64(basisPoints-v.ReservedBps)))
	allowed.Quo(allowed, big.NewInt(basisPoints))
	switch cmp := allowed.Cmp(v.Outstanding); {
	case cmp > 0:
		room := new(big.Int).Sub(allowed, v.Outstanding)
		if room.Cmp(idle) > 0 {
			room.Set(idle)
		}
		if room.Sign() == 0 {
			return types.FundsAvailability{Kind: types.AvailabilityNone, Amount: room}, nil
		}
		return types.FundsAvailability{Kind: types.AvailabilityWithdrawable, Amount: room}, nil
	case cmp < 0:
		excess := new(big.Int).Sub(v.Outstanding, allowed)
		if idle.Sign() == 0 {
			return types.FundsAvailability{Kind: types.AvailabilityMustLiquidate, Amount: excess}, nil
		}
		return types.FundsAvailability{Kind: types.AvailabilityDepositable, Amount: excess}, nil
	default:
		return types.FundsAvailability{Kind: types.AvailabilityNone, Amount: big.NewInt(0)}, nil
	}
}

// AvailableToStrategy reports how much the strategy may draw, or how much it
// should hand back.
func (e *Engine) AvailableToStrategy(id types.VaultID, strategy crypto.Address) (types.FundsAvailability, error) {
	v, err := e.strategyVault(id, strategy)
	if err != nil {
		return types.FundsAvailability{}, err
	}
	return e.availability(v)
}

// WithdrawToStrategy pays amount of idle liquidity to the strategy account.
func (e *Engine) WithdrawToStrategy(id types.VaultID, strategy crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v, err := e.strategyVault(id, strategy)
	if err != nil {
		return err
	}
	avail, err := e.availability(v)
	if err != nil {
		return err
	}
	if avail.Withdrawable().Cmp(amount) < 0 {
		return fmt.Errorf("%w: requested %s, available %s", ErrExceedsStrategyAllowed, amount, avail.Withdrawable())
	}
	if err := e.bank.Transfer(v.Asset, v.Account, strategy, amount, false); err != nil {
		return err
	}
	v.Outstanding = new(big.Int).Add(v.Outstanding, amount)
	return e.put(v)
}

// DepositFromStrategy returns amount from the strategy account to the vault.
func (e *Engine) DepositFromStrategy(id types.VaultID, strategy crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v, err := e.strategyVault(id, strategy)
	if err != nil {
		return err
	}
	if err := e.bank.Transfer(v.Asset, strategy, v.Account, amount, false); err != nil {
		return err
	}
	remaining := new(big.Int).Sub(v.Outstanding, amount)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	v.Outstanding = remaining
	return e.put(v)
}

// ReportOutstanding overwrites the value the strategy holds on behalf of the vault.
func (e *Engine) ReportOutstanding(id types.VaultID, strategy crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	v, err := e.strategyVault(id, strategy)
	if err != nil {
		return err
	}
	if v.Outstanding.Cmp(amount) == 0 {
		return nil
	}
	v.Outstanding = new(big.Int).Set(amount)
	return e.put(v)
}

// SharePrice returns the ray-scaled value of one share.
func (e *Engine) SharePrice(id types.VaultID) (*big.Int, error) {
	v, err := e.Vault(id)
	if err != nil {
		return nil, err
	}
	total, _, err := e.totalValue(v)
	if err != nil {
		return nil, err
	}
	supply, err := e.bank.TotalIssuance(v.ShareAsset)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 || total.Sign() == 0 {
		return nil, ErrUnbalanced
	}
	price := new(big.Int).Mul(total, ray)
	return price.Quo(price, supply), nil
}
