package helper

import (
	"fmt"
	"math/big"
	"strings"

	"lendhelper/crypto"
)

// Operation names a composite entry point.
type Operation string

const (
	OpMint        Operation = "mint"
	OpMintBorrow  Operation = "mintBorrow"
	OpRepay       Operation = "repay"
	OpRepayRedeem Operation = "repayRedeem"
)

// Phase tracks a call through Admitted, Funded, Applied and Settled. Any
// failure ends the call in Reverted.
type Phase string

const (
	PhaseAdmitted Phase = "admitted"
	PhaseFunded   Phase = "funded"
	PhaseApplied  Phase = "applied"
	PhaseSettled  Phase = "settled"
	PhaseReverted Phase = "reverted"
)

// StepKind names a primitive market action.
type StepKind string

const (
	StepAdmit  StepKind = "admit"
	StepPull   StepKind = "pull"
	StepMint   StepKind = "mint"
	StepBorrow StepKind = "borrow"
	StepRepay  StepKind = "repay"
	StepRedeem StepKind = "redeem"
	StepSettle StepKind = "settle"
)

// RedeemMode selects how a redemption amount is interpreted.
type RedeemMode uint8

const (
	RedeemByShares RedeemMode = iota + 1
	RedeemByUnderlying
)

func (m RedeemMode) String() string {
	switch m {
	case RedeemByShares:
		return "shares"
	case RedeemByUnderlying:
		return "underlying"
	default:
		return fmt.Sprintf("RedeemMode(%d)", uint8(m))
	}
}

// ParseRedeemMode accepts "shares" or "underlying".
func ParseRedeemMode(value string) (RedeemMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "shares", "share":
		return RedeemByShares, nil
	case "underlying":
		return RedeemByUnderlying, nil
	default:
		return 0, &Error{Kind: KindInvalidAmount, Reason: fmt.Sprintf("unknown redeem mode %q", value)}
	}
}

// Redemption is the redeem leg of RepayRedeem: a share count or an exact
// underlying amount, never both.
type Redemption struct {
	Mode   RedeemMode
	Amount *big.Int
}

// RedeemShares builds a redemption burning exactly shares.
func RedeemShares(shares *big.Int) Redemption {
	return Redemption{Mode: RedeemByShares, Amount: shares}
}

// RedeemUnderlying builds a redemption releasing exactly amount of underlying.
func RedeemUnderlying(amount *big.Int) Redemption {
	return Redemption{Mode: RedeemByUnderlying, Amount: amount}
}

// RedemptionFromAmounts maps the dual-amount convention onto a Redemption. A
// non-zero shares value wins and underlying is ignored; zero shares selects
// redemption by underlying; both zero is rejected.
func RedemptionFromAmounts(shares, underlying *big.Int) (Redemption, error) {
	if shares != nil && shares.Sign() < 0 || underlying != nil && underlying.Sign() < 0 {
		return Redemption{}, &Error{Kind: KindInvalidAmount, Op: OpRepayRedeem, Step: StepRedeem, Reason: "redeem amounts must not be negative"}
	}
	if shares != nil && shares.Sign() > 0 {
		return RedeemShares(new(big.Int).Set(shares)), nil
	}
	if underlying != nil && underlying.Sign() > 0 {
		return RedeemUnderlying(new(big.Int).Set(underlying)), nil
	}
	return Redemption{}, &Error{Kind: KindInvalidAmount, Op: OpRepayRedeem, Step: StepRedeem, Reason: "redeem amount must be positive"}
}

func (r Redemption) validate() error {
	if r.Mode != RedeemByShares && r.Mode != RedeemByUnderlying {
		return fmt.Errorf("unknown redeem mode %s", r.Mode)
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("redeem amount must be positive")
	}
	return nil
}

// StepResult records one applied primitive.
type StepResult struct {
	Kind   StepKind
	Market crypto.Address
	// Amount is the underlying moved by the step.
	Amount *big.Int
	// Shares is the share count issued or burned, when the step touches shares.
	Shares *big.Int
}

// Result describes a completed helper call.
type Result struct {
	Operation Operation
	Caller    crypto.Address
	Phase     Phase
	Steps     []StepResult
	StateRoot string
}
