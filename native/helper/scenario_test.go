package helper_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"lendhelper/core/genesis"
	"lendhelper/core/runtime"
	"lendhelper/core/state"
	"lendhelper/crypto"
	nativecommon "lendhelper/native/common"
	"lendhelper/native/helper"
	"lendhelper/native/registry"
	"lendhelper/storage"
)

const scenarioFixture = `
helper: helper
assets:
  - symbol: tk1
    decimals: 18
    balances:
      alice: "10000000000000000000000"
  - symbol: tk2
    decimals: 18
    balances:
      alice: "9900000000000000000000"
markets:
  - symbol: lhTK1
    underlying: tk1
    exchange_rate: "100000000000000000000"
    listed: true
    collateral_factor_bps: 10000
  - symbol: lhTK2
    underlying: tk2
    variant: %s
    exchange_rate: "100000000000000000000"
    cash: "100000000000000000000"
    listed: %t
    collateral_factor_bps: 10000
`

var (
	alice   = crypto.DeriveAddress(crypto.AccountPrefix, "alice")
	tk1     = crypto.DeriveAddress(crypto.AssetPrefix, "tk1")
	tk2     = crypto.DeriveAddress(crypto.AssetPrefix, "tk2")
	marketA = crypto.DeriveAddress(crypto.MarketPrefix, "lhtk1")
	marketB = crypto.DeriveAddress(crypto.MarketPrefix, "lhtk2")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type world struct {
	t      *testing.T
	rt     *runtime.Runtime
	helper *helper.Orchestrator
	self   crypto.Address
	pauses *nativecommon.PauseSet
}

type worldOptions struct {
	listB   bool
	variant string
}

func newWorld(t *testing.T, opts worldOptions) *world {
	t.Helper()
	if opts.variant == "" {
		opts.variant = "standard"
	}
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	ledger, err := state.OpenLedger(db, nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	pauses := nativecommon.NewPauseSet()
	rt := runtime.New(ledger, pauses, nil)
	spec, err := genesis.Parse([]byte(fmt.Sprintf(scenarioFixture, opts.variant, opts.listB)))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	if _, err := genesis.Apply(context.Background(), rt, spec); err != nil {
		t.Fatalf("apply fixture: %v", err)
	}
	self, err := spec.HelperAddress()
	if err != nil {
		t.Fatalf("helper address: %v", err)
	}
	orchestrator := helper.New(self, rt, nil)
	orchestrator.SetPauses(pauses)
	return &world{t: t, rt: rt, helper: orchestrator, self: self, pauses: pauses}
}

func (w *world) approve(asset crypto.Address, amount *big.Int) {
	w.t.Helper()
	if _, err := w.rt.Approve(context.Background(), alice, asset, w.self, amount); err != nil {
		w.t.Fatalf("approve: %v", err)
	}
}

func (w *world) balance(asset, owner crypto.Address) *big.Int {
	w.t.Helper()
	var out *big.Int
	if err := w.rt.View(func(env *runtime.Env) error {
		v, err := env.Manager().Balance(asset, owner)
		out = v
		return err
	}); err != nil {
		w.t.Fatalf("balance: %v", err)
	}
	return out
}

func (w *world) debt(market, account crypto.Address) *big.Int {
	w.t.Helper()
	var out *big.Int
	if err := w.rt.View(func(env *runtime.Env) error {
		v, err := env.Manager().BorrowPrincipal(market, account)
		out = v
		return err
	}); err != nil {
		w.t.Fatalf("debt: %v", err)
	}
	return out
}

func (w *world) expectBalance(asset, owner crypto.Address, want *big.Int) {
	w.t.Helper()
	if got := w.balance(asset, owner); got.Cmp(want) != 0 {
		w.t.Fatalf("balance of %s in %s: expected %s, got %s", owner, asset, want, got)
	}
}

// expectNoResidue asserts the helper holds nothing and approves nothing.
func (w *world) expectNoResidue() {
	w.t.Helper()
	if err := w.rt.View(func(env *runtime.Env) error {
		assets, err := env.Manager().AssetList()
		if err != nil {
			return err
		}
		for _, asset := range assets {
			balance, err := env.Manager().Balance(asset, w.self)
			if err != nil {
				return err
			}
			if balance.Sign() != 0 {
				return fmt.Errorf("helper holds %s of %s", balance, asset)
			}
		}
		for _, pair := range [][2]crypto.Address{{tk1, marketA}, {tk2, marketB}} {
			allowance, err := env.Manager().Allowance(pair[0], w.self, pair[1])
			if err != nil {
				return err
			}
			if allowance.Sign() != 0 {
				return fmt.Errorf("helper left allowance %s for %s", allowance, pair[1])
			}
		}
		return nil
	}); err != nil {
		w.t.Fatalf("residue: %v", err)
	}
}

func (w *world) mintBorrow() {
	w.t.Helper()
	w.approve(tk1, e18(1))
	if _, err := w.helper.MintBorrow(context.Background(), alice, marketA, e18(1), marketB, e18(1)); err != nil {
		w.t.Fatalf("mintBorrow: %v", err)
	}
}

func TestMintCreditsSharesAtExchangeRate(t *testing.T) {
	w := newWorld(t, worldOptions{})
	w.approve(tk1, e18(1))

	result, err := w.helper.Mint(context.Background(), alice, marketA, e18(1))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if result.Phase != helper.PhaseSettled || len(result.Steps) != 1 || result.StateRoot != w.rt.Root() {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Steps[0].Shares.Cmp(e18(100)) != 0 {
		t.Fatalf("expected 100e18 shares recorded, got %s", result.Steps[0].Shares)
	}
	w.expectBalance(marketA, alice, e18(100))
	w.expectBalance(tk1, marketA, e18(1))
	w.expectBalance(tk1, alice, e18(9999))
	w.expectNoResidue()
}

func TestMintOnUnlistedMarketFails(t *testing.T) {
	w := newWorld(t, worldOptions{})
	w.approve(tk2, e18(1))
	before := w.rt.Root()

	result, err := w.helper.Mint(context.Background(), alice, marketB, e18(1))
	if !errors.Is(err, helper.ErrMarketNotListed) {
		t.Fatalf("expected MarketNotListed, got %v", err)
	}
	if helper.ReasonOf(err) != "market not list" {
		t.Fatalf("unexpected reason %q", helper.ReasonOf(err))
	}
	if result == nil || result.Phase != helper.PhaseReverted {
		t.Fatalf("expected reverted result, got %+v", result)
	}
	if w.rt.Root() != before {
		t.Fatal("state changed after rejected mint")
	}
	w.expectBalance(tk2, alice, e18(9900))
}

func TestMintBorrowDisbursesToCaller(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()

	w.expectBalance(marketA, alice, e18(100))
	w.expectBalance(tk1, marketA, e18(1))
	w.expectBalance(tk2, alice, e18(9901))
	w.expectBalance(tk2, marketB, e18(99))
	if got := w.debt(marketB, alice); got.Cmp(e18(1)) != 0 {
		t.Fatalf("expected debt 1e18, got %s", got)
	}
	w.expectNoResidue()
}

func TestMintBorrowDirectVariant(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true, variant: "direct"})
	w.mintBorrow()

	w.expectBalance(tk2, alice, e18(9901))
	w.expectNoResidue()
}

func TestMintBorrowRejectsUnlistedBorrowLegBeforeFunding(t *testing.T) {
	w := newWorld(t, worldOptions{})
	w.approve(tk1, e18(1))

	_, err := w.helper.MintBorrow(context.Background(), alice, marketA, e18(1), marketB, e18(1))
	if !errors.Is(err, &helper.Error{Kind: helper.KindMarketNotListed, Market: marketB}) {
		t.Fatalf("expected MarketNotListed for market B, got %v", err)
	}
	w.expectBalance(tk1, alice, e18(10000))
	w.expectBalance(marketA, alice, big.NewInt(0))
}

func TestMintBorrowRollsBackDepositWhenBorrowFails(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.approve(tk1, e18(1))
	before := w.rt.Root()

	_, err := w.helper.MintBorrow(context.Background(), alice, marketA, e18(1), marketB, e18(2))
	if !errors.Is(err, helper.ErrBorrowFailed) {
		t.Fatalf("expected BorrowFailed, got %v", err)
	}
	if !errors.Is(err, registry.ErrInsufficientLiquidity) {
		t.Fatalf("expected the registry cause to be preserved, got %v", err)
	}
	if w.rt.Root() != before {
		t.Fatal("deposit survived a failed borrow")
	}
	w.expectBalance(tk1, alice, e18(10000))
	w.expectBalance(tk1, marketA, big.NewInt(0))
	w.expectBalance(marketA, alice, big.NewInt(0))
	w.expectBalance(tk2, marketB, e18(100))
}

func TestRepayRestoresMarketCash(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()
	w.expectBalance(tk2, marketB, e18(99))

	w.approve(tk2, e18(1))
	if _, err := w.helper.Repay(context.Background(), alice, marketB, e18(1)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	w.expectBalance(tk2, marketB, e18(100))
	if got := w.debt(marketB, alice); got.Sign() != 0 {
		t.Fatalf("expected debt cleared, got %s", got)
	}
	w.expectNoResidue()
}

func TestRepayMoreThanOwedFails(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()

	w.approve(tk2, e18(2))
	_, err := w.helper.Repay(context.Background(), alice, marketB, e18(2))
	if !errors.Is(err, helper.ErrRepayFailed) {
		t.Fatalf("expected RepayFailed, got %v", err)
	}
	w.expectBalance(tk2, alice, e18(9901))
}

func (w *world) unlist(market crypto.Address) {
	w.t.Helper()
	if _, err := w.rt.UnlistMarket(context.Background(), market); err != nil {
		w.t.Fatalf("unlist: %v", err)
	}
}

// expectNotListed asserts err rejects market at admission and left state alone.
func (w *world) expectNotListed(err error, market crypto.Address, result *helper.Result, before string) {
	w.t.Helper()
	if !errors.Is(err, &helper.Error{Kind: helper.KindMarketNotListed, Market: market}) {
		w.t.Fatalf("expected MarketNotListed for %s, got %v", market, err)
	}
	if helper.ReasonOf(err) != "market not list" {
		w.t.Fatalf("unexpected reason %q", helper.ReasonOf(err))
	}
	if result == nil || result.Phase != helper.PhaseReverted {
		w.t.Fatalf("expected reverted result, got %+v", result)
	}
	if w.rt.Root() != before {
		w.t.Fatal("state changed after rejected call")
	}
}

func TestRepayOnUnlistedMarketFails(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()
	w.approve(tk2, e18(1))
	w.unlist(marketB)
	before := w.rt.Root()

	result, err := w.helper.Repay(context.Background(), alice, marketB, e18(1))
	w.expectNotListed(err, marketB, result, before)
	w.expectBalance(tk2, alice, e18(9901))
	w.expectBalance(tk2, marketB, e18(99))
	if got := w.debt(marketB, alice); got.Cmp(e18(1)) != 0 {
		t.Fatalf("expected debt untouched, got %s", got)
	}
}

func TestRepayRedeemOnUnlistedDebtMarketFails(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()
	w.approve(tk2, e18(1))
	w.unlist(marketB)
	before := w.rt.Root()

	result, err := w.helper.RepayRedeem(context.Background(), alice, marketB, e18(1), marketA, helper.RedeemShares(e18(100)))
	w.expectNotListed(err, marketB, result, before)
	w.expectBalance(tk2, alice, e18(9901))
	w.expectBalance(marketA, alice, e18(100))
	w.expectBalance(tk1, alice, e18(9999))
}

func TestRepayRedeemOnUnlistedRedeemMarketFails(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()
	w.approve(tk2, e18(1))
	w.unlist(marketA)
	before := w.rt.Root()

	result, err := w.helper.RepayRedeem(context.Background(), alice, marketB, e18(1), marketA, helper.RedeemShares(e18(100)))
	w.expectNotListed(err, marketA, result, before)
	w.expectBalance(tk2, alice, e18(9901))
	w.expectBalance(tk2, marketB, e18(99))
	w.expectBalance(marketA, alice, e18(100))
	if got := w.debt(marketB, alice); got.Cmp(e18(1)) != 0 {
		t.Fatalf("expected debt untouched, got %s", got)
	}
}

func TestUnlistingDebtMarketKeepsCollateralLocked(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()
	w.unlist(marketB)
	before := w.rt.Root()

	_, err := w.rt.Do(context.Background(), func(env *runtime.Env) error {
		engine, err := env.MarketEngine(marketA)
		if err != nil {
			return err
		}
		_, err = engine.RedeemShares(alice, alice, e18(100))
		return err
	})
	if !errors.Is(err, registry.ErrInsufficientLiquidity) {
		t.Fatalf("expected outstanding debt to block redeem, got %v", err)
	}
	if w.rt.Root() != before {
		t.Fatal("collateral released while debt outstanding")
	}
	w.expectBalance(marketA, alice, e18(100))
	w.expectBalance(tk1, alice, e18(9999))
}

func TestRepayRedeemByUnderlyingRestoresCaller(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()

	w.approve(tk2, e18(1))
	redemption, err := helper.RedemptionFromAmounts(big.NewInt(0), e18(1))
	if err != nil {
		t.Fatalf("redemption: %v", err)
	}
	result, err := w.helper.RepayRedeem(context.Background(), alice, marketB, e18(1), marketA, redemption)
	if err != nil {
		t.Fatalf("repayRedeem: %v", err)
	}
	if len(result.Steps) != 2 || result.Steps[1].Kind != helper.StepRedeem || result.Steps[1].Shares.Cmp(e18(100)) != 0 {
		t.Fatalf("unexpected steps %+v", result.Steps)
	}
	w.expectBalance(tk2, marketB, e18(100))
	w.expectBalance(tk1, alice, e18(10000))
	w.expectBalance(marketA, alice, big.NewInt(0))
	w.expectNoResidue()
}

func TestRepayRedeemBySharesIgnoresUnderlyingArgument(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()

	w.approve(tk2, e18(1))
	redemption, err := helper.RedemptionFromAmounts(e18(50), e18(7))
	if err != nil {
		t.Fatalf("redemption: %v", err)
	}
	if redemption.Mode != helper.RedeemByShares {
		t.Fatalf("expected redeem by shares, got %s", redemption.Mode)
	}
	if _, err := w.helper.RepayRedeem(context.Background(), alice, marketB, e18(1), marketA, redemption); err != nil {
		t.Fatalf("repayRedeem: %v", err)
	}
	w.expectBalance(marketA, alice, e18(50))
	half := new(big.Int).Div(e18(1), big.NewInt(2))
	w.expectBalance(tk1, alice, new(big.Int).Add(e18(9999), half))
	w.expectNoResidue()
}

func TestRepayRedeemRollsBackRepayWhenRedeemFails(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()
	before := w.rt.Root()

	w.approve(tk2, e18(1))
	afterApprove := w.rt.Root()
	if afterApprove == before {
		t.Fatal("approve did not change state")
	}
	_, err := w.helper.RepayRedeem(context.Background(), alice, marketB, e18(1), marketA, helper.RedeemShares(e18(101)))
	if !errors.Is(err, helper.ErrRedeemFailed) {
		t.Fatalf("expected RedeemFailed, got %v", err)
	}
	if w.rt.Root() != afterApprove {
		t.Fatal("repay survived a failed redeem")
	}
	if got := w.debt(marketB, alice); got.Cmp(e18(1)) != 0 {
		t.Fatalf("expected debt untouched, got %s", got)
	}
	w.expectBalance(tk2, marketB, e18(99))
	w.expectBalance(marketA, alice, e18(100))
}

func TestRepayRedeemRefusesCollateralStillBackingDebt(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	w.mintBorrow()

	// Repaying nothing of note leaves the shares locked as collateral.
	w.approve(tk2, big.NewInt(1))
	_, err := w.helper.RepayRedeem(context.Background(), alice, marketB, big.NewInt(1), marketA, helper.RedeemShares(e18(100)))
	if !errors.Is(err, helper.ErrRedeemFailed) {
		t.Fatalf("expected RedeemFailed, got %v", err)
	}
}

func TestInsufficientAllowance(t *testing.T) {
	w := newWorld(t, worldOptions{})
	w.approve(tk1, big.NewInt(5))

	_, err := w.helper.Mint(context.Background(), alice, marketA, big.NewInt(6))
	if helper.KindOf(err) != helper.KindInsufficientAllowance {
		t.Fatalf("expected InsufficientAllowance, got %v", err)
	}
}

func TestPullBeyondBalanceIsTransferFailure(t *testing.T) {
	w := newWorld(t, worldOptions{})
	w.approve(tk1, e18(20000))

	_, err := w.helper.Mint(context.Background(), alice, marketA, e18(20000))
	if helper.KindOf(err) != helper.KindTransferFailed {
		t.Fatalf("expected TransferFailed, got %v", err)
	}
}

func TestPausedSupplyIsMintFailure(t *testing.T) {
	w := newWorld(t, worldOptions{})
	if _, err := w.rt.SetActionPauses(context.Background(), marketA, registry.ActionPauses{Supply: true}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	w.approve(tk1, e18(1))

	_, err := w.helper.Mint(context.Background(), alice, marketA, e18(1))
	if !errors.Is(err, helper.ErrMintFailed) {
		t.Fatalf("expected MintFailed, got %v", err)
	}
	w.expectBalance(tk1, alice, e18(10000))
	w.expectNoResidue()
}

func TestPausedMarketModuleIsMintFailure(t *testing.T) {
	w := newWorld(t, worldOptions{})
	w.approve(tk1, e18(1))
	w.pauses.Set(nativecommon.ModuleMarket, true)

	_, err := w.helper.Mint(context.Background(), alice, marketA, e18(1))
	if !errors.Is(err, helper.ErrMintFailed) {
		t.Fatalf("expected MintFailed, got %v", err)
	}
}

func TestPausedHelper(t *testing.T) {
	w := newWorld(t, worldOptions{})
	w.pauses.Set(nativecommon.ModuleHelper, true)

	_, err := w.helper.Mint(context.Background(), alice, marketA, e18(1))
	if !errors.Is(err, helper.ErrPaused) {
		t.Fatalf("expected Paused, got %v", err)
	}
}

func TestZeroAmountsRejected(t *testing.T) {
	w := newWorld(t, worldOptions{listB: true})
	before := w.rt.Root()

	if _, err := w.helper.Mint(context.Background(), alice, marketA, big.NewInt(0)); !errors.Is(err, helper.ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if _, err := w.helper.MintBorrow(context.Background(), alice, marketA, e18(1), marketB, nil); !errors.Is(err, helper.ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if _, err := helper.RedemptionFromAmounts(big.NewInt(0), big.NewInt(0)); !errors.Is(err, helper.ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if _, err := w.helper.RepayRedeem(context.Background(), alice, marketB, e18(1), marketA, helper.Redemption{}); !errors.Is(err, helper.ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if w.rt.Root() != before {
		t.Fatal("rejected calls changed state")
	}
}

func TestCancelledContextIsNeverAdmitted(t *testing.T) {
	w := newWorld(t, worldOptions{})
	w.approve(tk1, e18(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.helper.Mint(ctx, alice, marketA, e18(1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	w.expectBalance(tk1, alice, e18(10000))
}
