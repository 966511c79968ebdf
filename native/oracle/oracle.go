package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"vaultlend/core/types"
	nativecommon "vaultlend/native/common"
)

var (
	// ErrPriceNotFound indicates no quote was ever recorded for the asset.
	ErrPriceNotFound   = errors.New("oracle: no price for asset")
	ErrInvalidPrice    = errors.New("oracle: price must be positive")
	ErrStaleUpdate     = errors.New("oracle: quote block precedes the latest quote")
	ErrInvalidWeights  = errors.New("oracle: twap weights must contain a positive entry")
	ErrHistoryTooShort = errors.New("oracle: not enough quotes for the requested weights")
)

// DefaultHistoryDepth bounds how many quotes are retained per asset.
const DefaultHistoryDepth = 32

var historyPrefix = []byte("oracle/history/")

type quote struct {
	Value *big.Int
	Block uint64
}

// Registry stores the latest trusted quotes per asset. Prices are ray-scaled
// values of one minor unit of the asset in the canonical quote unit.
type Registry struct {
	store nativecommon.Store
	depth int
}

func NewRegistry(store nativecommon.Store) *Registry {
	return &Registry{store: store, depth: DefaultHistoryDepth}
}

// SetHistoryDepth adjusts the per-asset quote history bound.
func (r *Registry) SetHistoryDepth(depth int) {
	if depth > 0 {
		r.depth = depth
	}
}

func historyKey(asset types.AssetID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(asset))
	return append(append([]byte(nil), historyPrefix...), buf[:]...)
}

func (r *Registry) history(asset types.AssetID) ([]quote, error) {
	var quotes []quote
	if err := r.store.KVGetList(historyKey(asset), &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

// SetPrice records a quote observed at block. Quotes must arrive in block order.
func (r *Registry) SetPrice(asset types.AssetID, value *big.Int, block uint64) error {
	if value == nil || value.Sign() <= 0 {
		return ErrInvalidPrice
	}
	quotes, err := r.history(asset)
	if err != nil {
		return err
	}
	if n := len(quotes); n > 0 && quotes[n-1].Block > block {
		return fmt.Errorf("%w: %d < %d", ErrStaleUpdate, block, quotes[n-1].Block)
	}
	quotes = append(quotes, quote{Value: new(big.Int).Set(value), Block: block})
	if len(quotes) > r.depth {
		quotes = quotes[len(quotes)-r.depth:]
	}
	return r.store.KVPut(historyKey(asset), quotes)
}

// Price returns the most recent quote together with the block it was observed in.
func (r *Registry) Price(asset types.AssetID) (types.Price, error) {
	quotes, err := r.history(asset)
	if err != nil {
		return types.Price{}, err
	}
	if len(quotes) == 0 {
		return types.Price{}, fmt.Errorf("%w: %d", ErrPriceNotFound, asset)
	}
	latest := quotes[len(quotes)-1]
	return types.Price{Value: new(big.Int).Set(latest.Value), Block: latest.Block}, nil
}

// IsSupported reports whether the asset has at least one recorded quote.
func (r *Registry) IsSupported(asset types.AssetID) bool {
	quotes, err := r.history(asset)
	return err == nil && len(quotes) > 0
}

// TWAP averages the most recent quotes. weights[0] applies to the newest quote,
// weights[1] to the one before it, and so on.
func (r *Registry) TWAP(asset types.AssetID, weights []uint64) (*big.Int, error) {
	quotes, err := r.history(asset)
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrPriceNotFound, asset)
	}
	if len(weights) > len(quotes) {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrHistoryTooShort, len(quotes), len(weights))
	}
	sum := new(big.Int)
	total := new(big.Int)
	for i, w := range weights {
		if w == 0 {
			continue
		}
		weight := new(big.Int).SetUint64(w)
		q := quotes[len(quotes)-1-i]
		sum.Add(sum, new(big.Int).Mul(q.Value, weight))
		total.Add(total, weight)
	}
	if total.Sign() == 0 {
		return nil, ErrInvalidWeights
	}
	return sum.Quo(sum, total), nil
}
