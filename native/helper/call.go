package helper

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"lendhelper/crypto"
)

// call carries the working set of one atomic helper invocation.
type call struct {
	op      Operation
	self    crypto.Address
	caller  crypto.Address
	env     Env
	result  *Result
	touched map[string]crypto.Address
	legs    []crypto.Address
	markets map[string]resolved
	log     *slog.Logger
}

type resolved struct {
	market Market
	asset  Asset
}

func (c *call) fail(kind Kind, step StepKind, market crypto.Address, err error) *Error {
	e := &Error{Kind: kind, Op: c.op, Step: step, Market: market, Err: err}
	if err != nil {
		e.Reason = err.Error()
	}
	return e
}

func (c *call) enter(phase Phase) {
	c.result.Phase = phase
	c.log.Debug("helper phase", slog.String("phase", string(phase)))
}

func (c *call) sequence(steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// admit checks every leg against the registry before anything moves.
func (c *call) admit(markets ...crypto.Address) error {
	registry := c.env.Registry()
	if registry == nil {
		return c.fail(KindInternal, StepAdmit, crypto.Address{}, fmt.Errorf("registry unavailable"))
	}
	for _, market := range markets {
		listed, err := registry.IsListed(market)
		if err != nil {
			return c.fail(KindInternal, StepAdmit, market, err)
		}
		if !listed {
			return &Error{Kind: KindMarketNotListed, Op: c.op, Step: StepAdmit, Market: market, Reason: reasonNotListed}
		}
	}
	for _, market := range markets {
		if _, err := c.resolve(market); err != nil {
			return c.fail(KindInternal, StepAdmit, market, err)
		}
		c.legs = append(c.legs, market)
	}
	c.enter(PhaseAdmitted)
	return nil
}

func (c *call) resolve(addr crypto.Address) (resolved, error) {
	if c.markets == nil {
		c.markets = make(map[string]resolved)
	}
	if r, ok := c.markets[addr.Key()]; ok {
		return r, nil
	}
	market, err := c.env.Market(addr)
	if err != nil {
		return resolved{}, err
	}
	underlying, err := market.Underlying()
	if err != nil {
		return resolved{}, err
	}
	asset, err := c.env.Asset(underlying)
	if err != nil {
		return resolved{}, err
	}
	r := resolved{market: market, asset: asset}
	c.markets[addr.Key()] = r
	c.touch(underlying)
	c.touch(addr)
	return r, nil
}

func (c *call) touch(asset crypto.Address) {
	c.touched[asset.Key()] = asset
}

// pull moves amount of the market's underlying from the caller into the
// helper's custody.
func (c *call) pull(market crypto.Address, amount *big.Int) error {
	r, err := c.resolve(market)
	if err != nil {
		return c.fail(KindInternal, StepPull, market, err)
	}
	allowance, err := r.asset.Allowance(c.caller, c.self)
	if err != nil {
		return c.fail(KindTransferFailed, StepPull, market, err)
	}
	if allowance.Cmp(amount) < 0 {
		return &Error{
			Kind:   KindInsufficientAllowance,
			Op:     c.op,
			Step:   StepPull,
			Market: market,
			Reason: fmt.Sprintf("allowance %s below %s", allowance, amount),
		}
	}
	if err := r.asset.TransferFrom(c.self, c.caller, c.self, amount); err != nil {
		return c.fail(KindTransferFailed, StepPull, market, err)
	}
	c.enter(PhaseFunded)
	return nil
}

// supply deposits amount into market and hands the issued shares to the
// caller so later legs see them as the caller's collateral.
func (c *call) supply(market crypto.Address, amount *big.Int) error {
	r, err := c.resolve(market)
	if err != nil {
		return c.fail(KindInternal, StepMint, market, err)
	}
	if err := c.approve(r, StepMint, market, amount); err != nil {
		return err
	}
	shares, err := r.market.Mint(c.self, amount)
	if err != nil {
		return c.fail(KindMintFailed, StepMint, market, err)
	}
	if err := c.revoke(r, StepMint, market); err != nil {
		return err
	}
	shareToken, err := c.env.Asset(market)
	if err != nil {
		return c.fail(KindInternal, StepMint, market, err)
	}
	if err := shareToken.Transfer(c.self, c.caller, shares); err != nil {
		return c.fail(KindTransferFailed, StepMint, market, err)
	}
	c.record(StepMint, market, amount, shares)
	return nil
}

// borrow opens debt for the caller and forwards whatever the market disbursed
// into the helper's custody.
func (c *call) borrow(market crypto.Address, amount *big.Int) error {
	r, err := c.resolve(market)
	if err != nil {
		return c.fail(KindInternal, StepBorrow, market, err)
	}
	before, err := r.asset.BalanceOf(c.self)
	if err != nil {
		return c.fail(KindInternal, StepBorrow, market, err)
	}
	if err := r.market.BorrowBehalf(c.self, c.caller, amount); err != nil {
		return c.fail(KindBorrowFailed, StepBorrow, market, err)
	}
	if err := c.forwardDelta(r.asset, before, StepBorrow, market); err != nil {
		return err
	}
	c.record(StepBorrow, market, amount, nil)
	return nil
}

// repay pays down the caller's debt with funds already in custody.
func (c *call) repay(market crypto.Address, amount *big.Int) error {
	r, err := c.resolve(market)
	if err != nil {
		return c.fail(KindInternal, StepRepay, market, err)
	}
	if err := c.approve(r, StepRepay, market, amount); err != nil {
		return err
	}
	if err := r.market.RepayBehalf(c.self, c.caller, amount); err != nil {
		return c.fail(KindRepayFailed, StepRepay, market, err)
	}
	if err := c.revoke(r, StepRepay, market); err != nil {
		return err
	}
	c.record(StepRepay, market, amount, nil)
	return nil
}

// redeem burns the caller's shares and forwards the released underlying.
func (c *call) redeem(market crypto.Address, redemption Redemption) error {
	r, err := c.resolve(market)
	if err != nil {
		return c.fail(KindInternal, StepRedeem, market, err)
	}
	before, err := r.asset.BalanceOf(c.self)
	if err != nil {
		return c.fail(KindInternal, StepRedeem, market, err)
	}
	var amount, shares *big.Int
	switch redemption.Mode {
	case RedeemByShares:
		shares = new(big.Int).Set(redemption.Amount)
		amount, err = r.market.RedeemShares(c.self, c.caller, shares)
	case RedeemByUnderlying:
		amount = new(big.Int).Set(redemption.Amount)
		shares, err = r.market.RedeemUnderlying(c.self, c.caller, amount)
	default:
		err = fmt.Errorf("unknown redeem mode %s", redemption.Mode)
	}
	if err != nil {
		return c.fail(KindRedeemFailed, StepRedeem, market, err)
	}
	if err := c.forwardDelta(r.asset, before, StepRedeem, market); err != nil {
		return err
	}
	c.record(StepRedeem, market, amount, shares)
	return nil
}

func (c *call) approve(r resolved, step StepKind, market crypto.Address, amount *big.Int) error {
	if err := r.asset.Approve(c.self, market, amount); err != nil {
		return c.fail(KindTransferFailed, step, market, err)
	}
	return nil
}

// revoke clears any allowance the market left unconsumed.
func (c *call) revoke(r resolved, step StepKind, market crypto.Address) error {
	remaining, err := r.asset.Allowance(c.self, market)
	if err != nil {
		return c.fail(KindTransferFailed, step, market, err)
	}
	if remaining.Sign() == 0 {
		return nil
	}
	if err := r.asset.Approve(c.self, market, big.NewInt(0)); err != nil {
		return c.fail(KindTransferFailed, step, market, err)
	}
	return nil
}

func (c *call) forwardDelta(asset Asset, before *big.Int, step StepKind, market crypto.Address) error {
	after, err := asset.BalanceOf(c.self)
	if err != nil {
		return c.fail(KindTransferFailed, step, market, err)
	}
	received := new(big.Int).Sub(after, before)
	if received.Sign() <= 0 {
		return nil
	}
	if err := asset.Transfer(c.self, c.caller, received); err != nil {
		return c.fail(KindTransferFailed, step, market, err)
	}
	return nil
}

func (c *call) record(kind StepKind, market crypto.Address, amount, shares *big.Int) {
	step := StepResult{Kind: kind, Market: market}
	if amount != nil {
		step.Amount = new(big.Int).Set(amount)
	}
	if shares != nil {
		step.Shares = new(big.Int).Set(shares)
	}
	c.result.Steps = append(c.result.Steps, step)
	c.enter(PhaseApplied)
}

// settle sweeps every touched asset back to the caller and asserts the helper
// ends the call holding nothing and approving nothing.
func (c *call) settle() error {
	assets := make([]crypto.Address, 0, len(c.touched))
	for _, addr := range c.touched {
		assets = append(assets, addr)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].String() < assets[j].String() })

	for _, addr := range assets {
		asset, err := c.env.Asset(addr)
		if err != nil {
			return c.fail(KindInternal, StepSettle, crypto.Address{}, err)
		}
		balance, err := asset.BalanceOf(c.self)
		if err != nil {
			return c.fail(KindTransferFailed, StepSettle, crypto.Address{}, err)
		}
		if balance.Sign() > 0 {
			c.log.Debug("sweeping residue", slog.String("asset", addr.String()), slog.String("amount", balance.String()))
			if err := asset.Transfer(c.self, c.caller, balance); err != nil {
				return c.fail(KindTransferFailed, StepSettle, crypto.Address{}, err)
			}
		}
		residue, err := asset.BalanceOf(c.self)
		if err != nil {
			return c.fail(KindTransferFailed, StepSettle, crypto.Address{}, err)
		}
		if residue.Sign() != 0 {
			return c.fail(KindTransferFailed, StepSettle, crypto.Address{}, fmt.Errorf("residual balance %s of %s", residue, addr))
		}
	}
	for _, market := range c.legs {
		r := c.markets[market.Key()]
		allowance, err := r.asset.Allowance(c.self, market)
		if err != nil {
			return c.fail(KindTransferFailed, StepSettle, market, err)
		}
		if allowance.Sign() != 0 {
			return c.fail(KindTransferFailed, StepSettle, market, fmt.Errorf("residual allowance %s for %s", allowance, market))
		}
	}
	c.enter(PhaseSettled)
	return nil
}
