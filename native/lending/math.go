package lending

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// SecondsPerYear converts annual rates into per-second accrual.
	SecondsPerYear = 31_536_000
	basisPoints    = 10_000
)

var (
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	errOverflow = errors.New("lending: fixed point overflow")
)

// Ray returns a fresh copy of the 1e27 fixed point unit.
func Ray() *big.Int { return new(big.Int).Set(ray) }

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func toU256(x *big.Int) (*uint256.Int, error) {
	if x == nil {
		return new(uint256.Int), nil
	}
	if x.Sign() < 0 {
		return nil, errOverflow
	}
	v, overflow := uint256.FromBig(x)
	if overflow {
		return nil, errOverflow
	}
	return v, nil
}

// mulDiv returns floor(x*y/d) with a 512-bit intermediate product. It fails if
// an operand or the result does not fit 256 bits, or d is zero.
func mulDiv(x, y, d *big.Int) (*big.Int, error) {
	a, err := toU256(x)
	if err != nil {
		return nil, err
	}
	b, err := toU256(y)
	if err != nil {
		return nil, err
	}
	c, err := toU256(d)
	if err != nil {
		return nil, err
	}
	if c.IsZero() {
		return nil, errOverflow
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, c)
	if overflow {
		return nil, errOverflow
	}
	return z.ToBig(), nil
}

func mul(x, y *big.Int) (*big.Int, error) {
	a, err := toU256(x)
	if err != nil {
		return nil, err
	}
	b, err := toU256(y)
	if err != nil {
		return nil, err
	}
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, errOverflow
	}
	return z.ToBig(), nil
}

func add(x, y *big.Int) (*big.Int, error) {
	a, err := toU256(x)
	if err != nil {
		return nil, err
	}
	b, err := toU256(y)
	if err != nil {
		return nil, err
	}
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, errOverflow
	}
	return z.ToBig(), nil
}

// subFloor returns max(x-y, 0).
func subFloor(x, y *big.Int) *big.Int {
	out := new(big.Int).Sub(orZero(x), orZero(y))
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return x
}

func minBig(x, y *big.Int) *big.Int {
	if x.Cmp(y) <= 0 {
		return new(big.Int).Set(x)
	}
	return new(big.Int).Set(y)
}

func bps(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
