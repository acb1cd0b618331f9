package market

import "math/big"

var (
	// expScale is the fixed-point scale of exchange rates and prices.
	expScale = mustBigInt("1000000000000000000") // 1e18
)

// ExpScale returns a copy of the 1e18 fixed-point scale.
func ExpScale() *big.Int {
	return new(big.Int).Set(expScale)
}

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// SharesForUnderlying converts an underlying amount into the shares a deposit
// of that size is credited with. The result is truncated so rounding never
// favours the depositor.
func SharesForUnderlying(amount, rate *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || rate == nil || rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	shares := new(big.Int).Mul(amount, rate)
	return shares.Quo(shares, expScale)
}

// SharesForUnderlyingRoundUp converts an underlying amount into the shares that
// must be burned to release it. The result is rounded up so a redeemer can
// never extract underlying without burning its full share cost.
func SharesForUnderlyingRoundUp(amount, rate *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || rate == nil || rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(amount, rate)
	numerator.Add(numerator, new(big.Int).Sub(expScale, big.NewInt(1)))
	return numerator.Quo(numerator, expScale)
}

// UnderlyingForShares converts a share amount into the underlying it redeems
// for, truncating toward zero.
func UnderlyingForShares(shares, rate *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || rate == nil || rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	underlying := new(big.Int).Mul(shares, expScale)
	return underlying.Quo(underlying, rate)
}

// MulExp multiplies a by a 1e18-scaled mantissa, truncating.
func MulExp(a, mantissa *big.Int) *big.Int {
	if a == nil || mantissa == nil || a.Sign() <= 0 || mantissa.Sign() <= 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, mantissa)
	return product.Quo(product, expScale)
}
