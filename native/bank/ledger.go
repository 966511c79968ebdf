package bank

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"vaultlend/core/types"
	"vaultlend/crypto"
	nativecommon "vaultlend/native/common"
)

var (
	ErrUnknownAsset        = errors.New("bank: unknown asset")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrKeepAlive           = errors.New("bank: transfer would leave sender below the existential deposit")
	ErrInvalidSymbol       = errors.New("bank: asset symbol required")
)

var (
	assetCountKey  = []byte("bank/asset-count")
	assetPrefix    = []byte("bank/asset/")
	balancePrefix  = []byte("bank/balance/")
	issuancePrefix = []byte("bank/issuance/")
)

const maxSymbolLength = 16

// Asset is the metadata kept for every registered asset.
type Asset struct {
	ID                 types.AssetID
	Symbol             string
	ExistentialDeposit *big.Int
}

// Ledger is a multi-asset balance book. It doubles as the asset factory that
// hands out globally unique asset identifiers.
type Ledger struct {
	store nativecommon.Store
}

func NewLedger(store nativecommon.Store) *Ledger {
	return &Ledger{store: store}
}

func assetKey(id types.AssetID) []byte {
	return appendUint64(append([]byte(nil), assetPrefix...), uint64(id))
}

func issuanceKey(id types.AssetID) []byte {
	return appendUint64(append([]byte(nil), issuancePrefix...), uint64(id))
}

func balanceKey(id types.AssetID, addr crypto.Address) []byte {
	key := appendUint64(append([]byte(nil), balancePrefix...), uint64(id))
	key = append(key, '/')
	return append(key, addr[:]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// CreateAsset registers a new asset and returns its identifier. Identifiers
// start at 1 and are never reused.
func (l *Ledger) CreateAsset(symbol string, existentialDeposit *big.Int) (types.AssetID, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, ErrInvalidSymbol
	}
	if len(symbol) > maxSymbolLength {
		return 0, fmt.Errorf("bank: symbol %q exceeds %d characters", symbol, maxSymbolLength)
	}
	ed := big.NewInt(0)
	if existentialDeposit != nil {
		if existentialDeposit.Sign() < 0 {
			return 0, fmt.Errorf("bank: existential deposit must not be negative")
		}
		ed.Set(existentialDeposit)
	}
	var count uint64
	if _, err := l.store.KVGet(assetCountKey, &count); err != nil {
		return 0, err
	}
	count++
	id := types.AssetID(count)
	if err := l.store.KVPut(assetKey(id), &Asset{ID: id, Symbol: symbol, ExistentialDeposit: ed}); err != nil {
		return 0, err
	}
	if err := l.store.KVPut(assetCountKey, count); err != nil {
		return 0, err
	}
	return id, nil
}

// Asset returns the metadata for id.
func (l *Ledger) Asset(id types.AssetID) (*Asset, error) {
	asset := new(Asset)
	ok, err := l.store.KVGet(assetKey(id), asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAsset, id)
	}
	if asset.ExistentialDeposit == nil {
		asset.ExistentialDeposit = big.NewInt(0)
	}
	return asset, nil
}

func (l *Ledger) AssetCount() (uint64, error) {
	var count uint64
	_, err := l.store.KVGet(assetCountKey, &count)
	return count, err
}

func (l *Ledger) Balance(id types.AssetID, addr crypto.Address) (*big.Int, error) {
	return l.readAmount(balanceKey(id, addr))
}

func (l *Ledger) TotalIssuance(id types.AssetID) (*big.Int, error) {
	return l.readAmount(issuanceKey(id))
}

func (l *Ledger) readAmount(key []byte) (*big.Int, error) {
	amount := new(big.Int)
	if _, err := l.store.KVGet(key, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (l *Ledger) writeAmount(key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return l.store.KVDelete(key)
	}
	return l.store.KVPut(key, amount)
}

// Transfer moves amount of asset between accounts. With keepAlive set the
// sender must retain at least the asset's existential deposit.
func (l *Ledger) Transfer(id types.AssetID, from, to crypto.Address, amount *big.Int, keepAlive bool) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	asset, err := l.Asset(id)
	if err != nil {
		return err
	}
	fromBal, err := l.Balance(id, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from, fromBal, asset.Symbol, amount)
	}
	remaining := new(big.Int).Sub(fromBal, amount)
	if keepAlive && asset.ExistentialDeposit.Sign() > 0 && remaining.Cmp(asset.ExistentialDeposit) < 0 {
		return ErrKeepAlive
	}
	if from == to {
		return nil
	}
	toBal, err := l.Balance(id, to)
	if err != nil {
		return err
	}
	if err := l.writeAmount(balanceKey(id, from), remaining); err != nil {
		return err
	}
	return l.writeAmount(balanceKey(id, to), toBal.Add(toBal, amount))
}

// Mint credits new units of asset to the recipient.
func (l *Ledger) Mint(id types.AssetID, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, err := l.Asset(id); err != nil {
		return err
	}
	bal, err := l.Balance(id, to)
	if err != nil {
		return err
	}
	supply, err := l.TotalIssuance(id)
	if err != nil {
		return err
	}
	if err := l.writeAmount(balanceKey(id, to), bal.Add(bal, amount)); err != nil {
		return err
	}
	return l.writeAmount(issuanceKey(id), supply.Add(supply, amount))
}

// Burn destroys units of asset held by the account.
func (l *Ledger) Burn(id types.AssetID, from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, err := l.Asset(id); err != nil {
		return err
	}
	bal, err := l.Balance(id, from)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: burn %s from %s", ErrInsufficientBalance, amount, from)
	}
	supply, err := l.TotalIssuance(id)
	if err != nil {
		return err
	}
	if err := l.writeAmount(balanceKey(id, from), bal.Sub(bal, amount)); err != nil {
		return err
	}
	return l.writeAmount(issuanceKey(id), supply.Sub(supply, amount))
}
