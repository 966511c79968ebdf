package liquidation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"vaultlend/core/types"
	"vaultlend/crypto"
	nativecommon "vaultlend/native/common"
)

var (
	ErrStrategyExists    = errors.New("liquidation: strategy already registered")
	ErrStrategyNotFound  = errors.New("liquidation: strategy not found")
	ErrOrderNotFound     = errors.New("liquidation: order not found")
	ErrOrderSettled      = errors.New("liquidation: order already settled")
	ErrUnauthorized      = errors.New("liquidation: caller is not the strategy keeper")
	ErrInvalidSettlement = errors.New("liquidation: returned collateral exceeds the escrowed amount")
	ErrSettlerMissing    = errors.New("liquidation: settler not configured")
)

var (
	strategyPrefix = []byte("liquidation/strategy/")
	orderPrefix    = []byte("liquidation/order/")
	orderIndexKey  = []byte("liquidation/orders")
)

// Ledger is the subset of the bank used to escrow collateral and settle proceeds.
type Ledger interface {
	Transfer(asset types.AssetID, from, to crypto.Address, amount *big.Int, keepAlive bool) error
}

// Settler is notified once a keeper completes an order. The lending engine
// implements it to repay the borrower's debt and restore unsold collateral.
type Settler interface {
	SettleLiquidation(market uint64, borrower crypto.Address, proceeds, returnedCollateral *big.Int) error
}

// Strategy is an off-chain keeper able to sell escrowed collateral.
type Strategy struct {
	ID      uint32
	Name    string
	Keeper  crypto.Address
	Enabled bool
}

// Order tracks one position taken over by a strategy.
type Order struct {
	ID               string
	Market           uint64
	Borrower         crypto.Address
	Source           crypto.Address
	CollateralAsset  types.AssetID
	BorrowAsset      types.AssetID
	DebtAmount       *big.Int
	CollateralAmount *big.Int
	Strategy         uint32
	Settled          bool
}

// Engine escrows collateral of undercollateralised positions until a keeper
// settles them.
type Engine struct {
	store   nativecommon.Store
	bank    Ledger
	escrow  crypto.Address
	settler Settler
	newID   func() string
}

func NewEngine(store nativecommon.Store, bank Ledger) *Engine {
	return &Engine{
		store:  store,
		bank:   bank,
		escrow: crypto.DeriveAddress([]byte("liquidation/escrow")),
		newID:  func() string { return uuid.NewString() },
	}
}

// SetSettler wires the component that finalises settled orders.
func (e *Engine) SetSettler(s Settler) { e.settler = s }

// SetIDGenerator overrides order identifier generation.
func (e *Engine) SetIDGenerator(fn func() string) {
	if fn != nil {
		e.newID = fn
	}
}

// EscrowAccount returns the account holding collateral of open orders.
func (e *Engine) EscrowAccount() crypto.Address { return e.escrow }

func strategyKey(id uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return append(append([]byte(nil), strategyPrefix...), buf[:]...)
}

func orderKey(id string) []byte {
	return append(append([]byte(nil), orderPrefix...), id...)
}

// RegisterStrategy adds a keeper-operated strategy.
func (e *Engine) RegisterStrategy(id uint32, name string, keeper crypto.Address) error {
	if keeper.IsZero() {
		return fmt.Errorf("liquidation: keeper address required")
	}
	if ok, err := e.store.KVGet(strategyKey(id), nil); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %d", ErrStrategyExists, id)
	}
	return e.store.KVPut(strategyKey(id), &Strategy{
		ID:      id,
		Name:    strings.TrimSpace(name),
		Keeper:  keeper,
		Enabled: true,
	})
}

// SetStrategyEnabled toggles whether a strategy accepts new orders.
func (e *Engine) SetStrategyEnabled(id uint32, enabled bool) error {
	s, err := e.Strategy(id)
	if err != nil {
		return err
	}
	s.Enabled = enabled
	return e.store.KVPut(strategyKey(id), s)
}

func (e *Engine) Strategy(id uint32) (*Strategy, error) {
	s := new(Strategy)
	ok, err := e.store.KVGet(strategyKey(id), s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrStrategyNotFound, id)
	}
	return s, nil
}

// IsRegistered reports whether a strategy with the identifier exists.
func (e *Engine) IsRegistered(id uint32) bool {
	ok, err := e.store.KVGet(strategyKey(id), nil)
	return err == nil && ok
}

func (e *Engine) pickStrategy(candidates []uint32) (*Strategy, error) {
	for _, id := range candidates {
		s := new(Strategy)
		ok, err := e.store.KVGet(strategyKey(id), s)
		if err != nil {
			return nil, err
		}
		if ok && s.Enabled {
			return s, nil
		}
	}
	return nil, nil
}

// Liquidate takes over the supplied positions. Collateral of every accepted
// order moves from source into escrow. Orders without an enabled strategy are
// not accepted. The accepted borrowers are returned in input order.
func (e *Engine) Liquidate(source crypto.Address, orders []types.LiquidationOrder) ([]crypto.Address, error) {
	accepted := make([]crypto.Address, 0, len(orders))
	for _, o := range orders {
		strategy, err := e.pickStrategy(o.Strategies)
		if err != nil {
			return nil, err
		}
		if strategy == nil || o.CollateralAmount == nil || o.CollateralAmount.Sign() <= 0 {
			continue
		}
		if err := e.bank.Transfer(o.CollateralAsset, source, e.escrow, o.CollateralAmount, false); err != nil {
			return nil, fmt.Errorf("liquidation: escrow collateral of %s: %w", o.Borrower, err)
		}
		order := &Order{
			ID:               e.newID(),
			Market:           o.Market,
			Borrower:         o.Borrower,
			Source:           source,
			CollateralAsset:  o.CollateralAsset,
			BorrowAsset:      o.BorrowAsset,
			DebtAmount:       new(big.Int).Set(o.DebtAmount),
			CollateralAmount: new(big.Int).Set(o.CollateralAmount),
			Strategy:         strategy.ID,
		}
		if err := e.store.KVPut(orderKey(order.ID), order); err != nil {
			return nil, err
		}
		if err := e.store.KVAppend(orderIndexKey, []byte(order.ID)); err != nil {
			return nil, err
		}
		accepted = append(accepted, o.Borrower)
	}
	return accepted, nil
}

func (e *Engine) Order(id string) (*Order, error) {
	order := new(Order)
	ok, err := e.store.KVGet(orderKey(id), order)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return order, nil
}

// Orders lists every recorded order, oldest first.
func (e *Engine) Orders() ([]*Order, error) {
	var ids [][]byte
	if err := e.store.KVGetList(orderIndexKey, &ids); err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		order, err := e.Order(string(id))
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

// Settle completes an order. The keeper pays proceeds of the borrow asset back
// to the source account, keeps the sold collateral and returns the rest.
func (e *Engine) Settle(keeper crypto.Address, orderID string, proceeds, returnedCollateral *big.Int) error {
	if e.settler == nil {
		return ErrSettlerMissing
	}
	order, err := e.Order(orderID)
	if err != nil {
		return err
	}
	if order.Settled {
		return ErrOrderSettled
	}
	strategy, err := e.Strategy(order.Strategy)
	if err != nil {
		return err
	}
	if strategy.Keeper != keeper {
		return ErrUnauthorized
	}
	if proceeds == nil {
		proceeds = big.NewInt(0)
	}
	if returnedCollateral == nil {
		returnedCollateral = big.NewInt(0)
	}
	if proceeds.Sign() < 0 || returnedCollateral.Sign() < 0 || returnedCollateral.Cmp(order.CollateralAmount) > 0 {
		return ErrInvalidSettlement
	}

	sold := new(big.Int).Sub(order.CollateralAmount, returnedCollateral)
	if sold.Sign() > 0 {
		if err := e.bank.Transfer(order.CollateralAsset, e.escrow, keeper, sold, false); err != nil {
			return err
		}
	}
	if returnedCollateral.Sign() > 0 {
		if err := e.bank.Transfer(order.CollateralAsset, e.escrow, order.Source, returnedCollateral, false); err != nil {
			return err
		}
	}
	if proceeds.Sign() > 0 {
		if err := e.bank.Transfer(order.BorrowAsset, keeper, order.Source, proceeds, false); err != nil {
			return err
		}
	}
	if err := e.settler.SettleLiquidation(order.Market, order.Borrower, proceeds, returnedCollateral); err != nil {
		return err
	}
	order.Settled = true
	return e.store.KVPut(orderKey(order.ID), order)
}
