package registry

import "math/big"

const (
	// MaxCollateralFactorBps caps the share of collateral value that may be
	// borrowed against.
	MaxCollateralFactorBps uint64 = 10_000
)

var basisPoints = new(big.Int).SetUint64(MaxCollateralFactorBps)

// ActionPauses exposes fine-grained switches for pausing individual market
// flows.
type ActionPauses struct {
	Supply bool
	Borrow bool
	Repay  bool
	Redeem bool
}

// Any reports whether at least one action is paused.
func (p ActionPauses) Any() bool {
	return p.Supply || p.Borrow || p.Repay || p.Redeem
}

// MarketConfig is a snapshot of a market's registry configuration.
type MarketConfig struct {
	Listed              bool
	CollateralFactorBps uint64
	PriceMantissa       *big.Int
	Pauses              ActionPauses
}

// Liquidity summarises an account's position across listed markets. At most
// one of Excess and Shortfall is non-zero.
type Liquidity struct {
	Collateral *big.Int
	Debt       *big.Int
	Excess     *big.Int
	Shortfall  *big.Int
}
