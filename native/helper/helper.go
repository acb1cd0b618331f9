package helper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"lendhelper/crypto"
	nativecommon "lendhelper/native/common"
)

// Registry answers whether a market is currently operable.
type Registry interface {
	IsListed(market crypto.Address) (bool, error)
}

// Asset is a fungible token the helper can pull from callers, approve for
// markets and forward. Market share tokens are Assets too.
type Asset interface {
	Address() crypto.Address
	BalanceOf(owner crypto.Address) (*big.Int, error)
	Allowance(owner, spender crypto.Address) (*big.Int, error)
	Approve(owner, spender crypto.Address, amount *big.Int) error
	Transfer(from, to crypto.Address, amount *big.Int) error
	TransferFrom(spender, owner, recipient crypto.Address, amount *big.Int) error
}

// Market is the surface of a lending market the helper drives. The operator
// argument is the account invoking the market, which for every helper call is
// the helper itself.
type Market interface {
	Address() crypto.Address
	Underlying() (crypto.Address, error)
	Mint(operator crypto.Address, amount *big.Int) (*big.Int, error)
	BorrowBehalf(operator, borrower crypto.Address, amount *big.Int) error
	RepayBehalf(payer, borrower crypto.Address, amount *big.Int) error
	RedeemShares(operator, owner crypto.Address, shares *big.Int) (*big.Int, error)
	RedeemUnderlying(operator, owner crypto.Address, amount *big.Int) (*big.Int, error)
}

// Env resolves collaborators for the duration of one atomic call. Markets are
// resolved by address at call time, so different market variants may sit
// behind the same interface.
type Env interface {
	Registry() Registry
	Market(addr crypto.Address) (Market, error)
	Asset(addr crypto.Address) (Asset, error)
}

// Executor runs fn atomically. Every effect fn performs through env is
// committed when fn returns nil and discarded otherwise. The returned string
// identifies the resulting state.
type Executor interface {
	Execute(ctx context.Context, fn func(env Env) error) (string, error)
}

// Orchestrator composes market primitives into atomic calls made on behalf of
// a caller. It holds no balances between calls.
type Orchestrator struct {
	self     crypto.Address
	executor Executor
	logger   *slog.Logger
	pauses   nativecommon.PauseView
}

// New constructs an orchestrator acting from the account self.
func New(self crypto.Address, executor Executor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{self: self, executor: executor, logger: logger.With(slog.String("module", nativecommon.ModuleHelper))}
}

func (o *Orchestrator) SetPauses(p nativecommon.PauseView) {
	if o == nil {
		return
	}
	o.pauses = p
}

// Address returns the helper's own account.
func (o *Orchestrator) Address() crypto.Address {
	return o.self
}

// Mint supplies amount of the market's underlying on behalf of caller, who
// receives the issued shares.
func (o *Orchestrator) Mint(ctx context.Context, caller, market crypto.Address, amount *big.Int) (*Result, error) {
	return o.run(ctx, OpMint, caller, func(c *call) error {
		if err := c.requirePositive(StepMint, market, amount); err != nil {
			return err
		}
		return c.sequence(
			func() error { return c.admit(market) },
			func() error { return c.pull(market, amount) },
			func() error { return c.supply(market, amount) },
		)
	})
}

// MintBorrow supplies supplyAmount to supplyMarket and then borrows
// borrowAmount from borrowMarket against it. Both legs commit or neither does.
func (o *Orchestrator) MintBorrow(ctx context.Context, caller, supplyMarket crypto.Address, supplyAmount *big.Int, borrowMarket crypto.Address, borrowAmount *big.Int) (*Result, error) {
	return o.run(ctx, OpMintBorrow, caller, func(c *call) error {
		if err := c.requirePositive(StepMint, supplyMarket, supplyAmount); err != nil {
			return err
		}
		if err := c.requirePositive(StepBorrow, borrowMarket, borrowAmount); err != nil {
			return err
		}
		return c.sequence(
			func() error { return c.admit(supplyMarket, borrowMarket) },
			func() error { return c.pull(supplyMarket, supplyAmount) },
			func() error { return c.supply(supplyMarket, supplyAmount) },
			func() error { return c.borrow(borrowMarket, borrowAmount) },
		)
	})
}

// Repay repays amount of caller's debt in market with funds pulled from
// caller.
func (o *Orchestrator) Repay(ctx context.Context, caller, market crypto.Address, amount *big.Int) (*Result, error) {
	return o.run(ctx, OpRepay, caller, func(c *call) error {
		if err := c.requirePositive(StepRepay, market, amount); err != nil {
			return err
		}
		return c.sequence(
			func() error { return c.admit(market) },
			func() error { return c.pull(market, amount) },
			func() error { return c.repay(market, amount) },
		)
	})
}

// RepayRedeem repays repayAmount of caller's debt in debtMarket and then
// redeems caller's position in redeemMarket. Both legs commit or neither does.
func (o *Orchestrator) RepayRedeem(ctx context.Context, caller, debtMarket crypto.Address, repayAmount *big.Int, redeemMarket crypto.Address, redemption Redemption) (*Result, error) {
	return o.run(ctx, OpRepayRedeem, caller, func(c *call) error {
		if err := c.requirePositive(StepRepay, debtMarket, repayAmount); err != nil {
			return err
		}
		if err := redemption.validate(); err != nil {
			return c.fail(KindInvalidAmount, StepRedeem, redeemMarket, err)
		}
		return c.sequence(
			func() error { return c.admit(debtMarket, redeemMarket) },
			func() error { return c.pull(debtMarket, repayAmount) },
			func() error { return c.repay(debtMarket, repayAmount) },
			func() error { return c.redeem(redeemMarket, redemption) },
		)
	})
}

func (o *Orchestrator) run(ctx context.Context, op Operation, caller crypto.Address, plan func(*call) error) (*Result, error) {
	if o == nil || o.executor == nil {
		return nil, &Error{Kind: KindInternal, Op: op, Reason: "helper not configured"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log := o.logger.With(slog.String("op", string(op)), slog.String("caller", caller.String()))
	if err := ctx.Err(); err != nil {
		// A call that never started was never admitted.
		return nil, &Error{Kind: KindInternal, Op: op, Reason: "call not admitted", Err: err}
	}
	if err := nativecommon.Guard(o.pauses, nativecommon.ModuleHelper); err != nil {
		return nil, &Error{Kind: KindPaused, Op: op, Reason: err.Error(), Err: err}
	}
	if caller.IsZero() || caller.Equal(o.self) {
		return nil, &Error{Kind: KindInvalidCaller, Op: op, Reason: "caller must be an external account"}
	}

	result := &Result{Operation: op, Caller: caller}
	root, err := o.executor.Execute(ctx, func(env Env) error {
		c := &call{
			op:      op,
			self:    o.self,
			caller:  caller,
			env:     env,
			result:  result,
			touched: make(map[string]crypto.Address),
			log:     log,
		}
		if err := plan(c); err != nil {
			return err
		}
		return c.settle()
	})
	if err != nil {
		result.Phase = PhaseReverted
		result.Steps = nil
		var helperErr *Error
		if !errors.As(err, &helperErr) {
			err = &Error{Kind: KindInternal, Op: op, Reason: err.Error(), Err: err}
		}
		log.Warn("helper call reverted",
			slog.String("phase", string(PhaseReverted)),
			slog.String("kind", string(KindOf(err))),
			slog.String("reason", ReasonOf(err)))
		return result, err
	}
	result.StateRoot = root
	log.Info("helper call settled",
		slog.String("phase", string(result.Phase)),
		slog.Int("steps", len(result.Steps)),
		slog.String("root", root))
	return result, nil
}

func (c *call) requirePositive(step StepKind, market crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return c.fail(KindInvalidAmount, step, market, fmt.Errorf("amount must be positive"))
	}
	return nil
}
