package lending

import (
	"fmt"
	"math/big"
)

// MaxBorrowRate caps the annual borrow rate a model may produce (100x).
var MaxBorrowRate = new(big.Int).Mul(ray, big.NewInt(100))

// InterestRateModel is a jump-rate curve. Every field is a ray-scaled annual
// figure; Kink is a utilisation in (0, 1].
type InterestRateModel struct {
	// BaseRate is the borrow rate at zero utilisation.
	BaseRate *big.Int
	// SlopeBelowKink is the rate increase per unit of utilisation up to the kink.
	SlopeBelowKink *big.Int
	// SlopeAboveKink is the steeper increase applied past the kink.
	SlopeAboveKink *big.Int
	Kink           *big.Int
}

// ConstantRateModel returns a model that charges rate regardless of utilisation.
func ConstantRateModel(rate *big.Int) InterestRateModel {
	return InterestRateModel{
		BaseRate:       new(big.Int).Set(rate),
		SlopeBelowKink: big.NewInt(0),
		SlopeAboveKink: big.NewInt(0),
		Kink:           Ray(),
	}
}

// Clone returns a deep copy of the model.
func (m InterestRateModel) Clone() InterestRateModel {
	clone := InterestRateModel{}
	if m.BaseRate != nil {
		clone.BaseRate = new(big.Int).Set(m.BaseRate)
	}
	if m.SlopeBelowKink != nil {
		clone.SlopeBelowKink = new(big.Int).Set(m.SlopeBelowKink)
	}
	if m.SlopeAboveKink != nil {
		clone.SlopeAboveKink = new(big.Int).Set(m.SlopeAboveKink)
	}
	if m.Kink != nil {
		clone.Kink = new(big.Int).Set(m.Kink)
	}
	return clone
}

// Validate rejects incomplete curves, kinks outside (0, 1] and curves whose
// rate at full utilisation exceeds MaxBorrowRate.
func (m InterestRateModel) Validate() error {
	for name, v := range map[string]*big.Int{
		"base rate":        m.BaseRate,
		"slope below kink": m.SlopeBelowKink,
		"slope above kink": m.SlopeAboveKink,
		"kink":             m.Kink,
	} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("%w: %s must be set and non-negative", ErrInvalidInterestRateModel, name)
		}
	}
	if m.Kink.Sign() == 0 || m.Kink.Cmp(ray) > 0 {
		return fmt.Errorf("%w: kink must lie in (0, 1]", ErrInvalidInterestRateModel)
	}
	peak, err := m.BorrowRate(ray)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInterestRateModel, err)
	}
	if peak.Cmp(MaxBorrowRate) > 0 {
		return fmt.Errorf("%w: rate at full utilisation exceeds the maximum", ErrInvalidInterestRateModel)
	}
	return nil
}

// Utilisation returns borrowed / (borrowed + available) as a ray clamped to
// [0, 1]. An empty market has zero utilisation.
func Utilisation(borrowed, available *big.Int) (*big.Int, error) {
	borrowed = orZero(borrowed)
	available = orZero(available)
	if borrowed.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	total, err := add(borrowed, available)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	u, err := mulDiv(borrowed, ray, total)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	if u.Cmp(ray) > 0 {
		u.Set(ray)
	}
	return u, nil
}

// BorrowRate maps a ray utilisation onto the annual borrow rate.
func (m InterestRateModel) BorrowRate(utilisation *big.Int) (*big.Int, error) {
	if m.BaseRate == nil || m.SlopeBelowKink == nil || m.SlopeAboveKink == nil || m.Kink == nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	u := orZero(utilisation)
	if u.Sign() < 0 {
		return nil, ErrCannotCalculateBorrowRate
	}
	if u.Cmp(ray) > 0 {
		u = ray
	}
	if u.Cmp(m.Kink) < 0 {
		rise, err := mulDiv(u, m.SlopeBelowKink, ray)
		if err != nil {
			return nil, ErrCannotCalculateBorrowRate
		}
		rate, err := add(m.BaseRate, rise)
		if err != nil {
			return nil, ErrCannotCalculateBorrowRate
		}
		return rate, nil
	}
	normal, err := mulDiv(m.Kink, m.SlopeBelowKink, ray)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	excess, err := mulDiv(new(big.Int).Sub(u, m.Kink), m.SlopeAboveKink, ray)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	rate, err := add(m.BaseRate, normal)
	if err == nil {
		rate, err = add(rate, excess)
	}
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	return rate, nil
}

// accrualFactor returns RAY * (1 + rate*elapsed/year). The product is formed
// before dividing so whole-year spans of a constant rate are exact.
func accrualFactor(annual *big.Int, elapsed uint64) (*big.Int, error) {
	if elapsed == 0 || annual == nil || annual.Sign() == 0 {
		return Ray(), nil
	}
	growth, err := mulDiv(annual, new(big.Int).SetUint64(elapsed), big.NewInt(SecondsPerYear))
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	factor, err := add(ray, growth)
	if err != nil {
		return nil, ErrCannotCalculateBorrowRate
	}
	return factor, nil
}
