package registry

import (
	"errors"
	"fmt"
	"math/big"

	"lendhelper/core/state"
	"lendhelper/crypto"
	"lendhelper/native/market"
)

var (
	ErrNilState                = errors.New("registry: state not configured")
	ErrUnknownMarket           = errors.New("registry: market does not exist")
	ErrMarketNotListed         = errors.New("registry: market not listed")
	ErrAlreadyListed           = errors.New("registry: market already listed")
	ErrInvalidCollateralFactor = errors.New("registry: collateral factor exceeds 100%")
	ErrInvalidPrice            = errors.New("registry: price must be positive")
	ErrActionPaused            = errors.New("registry: action paused")
	ErrInsufficientLiquidity   = errors.New("registry: insufficient liquidity")
	ErrInvalidAddress          = errors.New("registry: address must not be empty")
)

type engineState interface {
	Market(addr crypto.Address) (*state.MarketRecord, error)
	MarketList() ([]crypto.Address, error)
	RegistryEntry(addr crypto.Address) (*state.RegistryEntry, error)
	PutRegistryEntry(addr crypto.Address, entry *state.RegistryEntry) error
	Balance(asset, owner crypto.Address) (*big.Int, error)
	BorrowPrincipal(addr, account crypto.Address) (*big.Int, error)
	IsDelegate(operator crypto.Address) (bool, error)
	SetDelegate(operator crypto.Address, allowed bool) error
}

// Engine is the market registry. It decides which markets are operable and
// gates every market action through its risk hooks.
type Engine struct {
	state engineState
}

// NewEngine constructs a registry over st.
func NewEngine(st engineState) *Engine {
	return &Engine{state: st}
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	return nil
}

func (e *Engine) existing(addr crypto.Address) (*state.RegistryEntry, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	record, err := e.state.Market(addr)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrUnknownMarket
	}
	return e.state.RegistryEntry(addr)
}

// SupportMarket lists an existing market with the supplied collateral factor.
// Markets without a configured price default to 1e18.
func (e *Engine) SupportMarket(addr crypto.Address, collateralFactorBps uint64) error {
	entry, err := e.existing(addr)
	if err != nil {
		return err
	}
	if entry.Listed {
		return ErrAlreadyListed
	}
	if collateralFactorBps > MaxCollateralFactorBps {
		return ErrInvalidCollateralFactor
	}
	entry.Listed = true
	entry.CollateralFactorBps = collateralFactorBps
	if entry.PriceMantissa == nil || entry.PriceMantissa.Sign() <= 0 {
		entry.PriceMantissa = market.ExpScale()
	}
	return e.state.PutRegistryEntry(addr, entry)
}

// UnlistMarket removes the market from the operable set. Its configuration is
// retained so relisting restores it.
func (e *Engine) UnlistMarket(addr crypto.Address) error {
	entry, err := e.existing(addr)
	if err != nil {
		return err
	}
	if !entry.Listed {
		return ErrMarketNotListed
	}
	entry.Listed = false
	return e.state.PutRegistryEntry(addr, entry)
}

// IsListed reports whether addr is currently operable.
func (e *Engine) IsListed(addr crypto.Address) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	entry, err := e.state.RegistryEntry(addr)
	if err != nil {
		return false, err
	}
	return entry.Listed, nil
}

// Markets returns the listed markets.
func (e *Engine) Markets() ([]crypto.Address, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	all, err := e.state.MarketList()
	if err != nil {
		return nil, err
	}
	listed := make([]crypto.Address, 0, len(all))
	for _, addr := range all {
		entry, err := e.state.RegistryEntry(addr)
		if err != nil {
			return nil, err
		}
		if entry.Listed {
			listed = append(listed, addr)
		}
	}
	return listed, nil
}

// Config returns the registry configuration of addr.
func (e *Engine) Config(addr crypto.Address) (MarketConfig, error) {
	if err := e.ready(); err != nil {
		return MarketConfig{}, err
	}
	entry, err := e.state.RegistryEntry(addr)
	if err != nil {
		return MarketConfig{}, err
	}
	return configFromEntry(entry), nil
}

// SetCollateralFactor updates the collateral factor of a market.
func (e *Engine) SetCollateralFactor(addr crypto.Address, bps uint64) error {
	if bps > MaxCollateralFactorBps {
		return ErrInvalidCollateralFactor
	}
	entry, err := e.existing(addr)
	if err != nil {
		return err
	}
	entry.CollateralFactorBps = bps
	return e.state.PutRegistryEntry(addr, entry)
}

// SetPrice updates the 1e18-scaled price used to value positions in addr.
func (e *Engine) SetPrice(addr crypto.Address, mantissa *big.Int) error {
	if mantissa == nil || mantissa.Sign() <= 0 {
		return ErrInvalidPrice
	}
	entry, err := e.existing(addr)
	if err != nil {
		return err
	}
	entry.PriceMantissa = new(big.Int).Set(mantissa)
	return e.state.PutRegistryEntry(addr, entry)
}

// SetActionPauses replaces the per-action pause switches of addr.
func (e *Engine) SetActionPauses(addr crypto.Address, pauses ActionPauses) error {
	entry, err := e.existing(addr)
	if err != nil {
		return err
	}
	entry.PauseSupply = pauses.Supply
	entry.PauseBorrow = pauses.Borrow
	entry.PauseRepay = pauses.Repay
	entry.PauseRedeem = pauses.Redeem
	return e.state.PutRegistryEntry(addr, entry)
}

// SetDelegate allows or forbids operator to borrow and redeem on behalf of
// other accounts.
func (e *Engine) SetDelegate(operator crypto.Address, allowed bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if operator.IsZero() {
		return ErrInvalidAddress
	}
	return e.state.SetDelegate(operator, allowed)
}

// IsDelegate reports whether operator may act on behalf of other accounts.
func (e *Engine) IsDelegate(operator crypto.Address) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	return e.state.IsDelegate(operator)
}

// MintAllowed gates deposits into addr.
func (e *Engine) MintAllowed(addr, minter crypto.Address, amount *big.Int) error {
	entry, err := e.listed(addr)
	if err != nil {
		return err
	}
	if entry.PauseSupply {
		return fmt.Errorf("%w: supply", ErrActionPaused)
	}
	return nil
}

// RepayAllowed gates repayments into addr.
func (e *Engine) RepayAllowed(addr, payer, borrower crypto.Address, amount *big.Int) error {
	entry, err := e.listed(addr)
	if err != nil {
		return err
	}
	if entry.PauseRepay {
		return fmt.Errorf("%w: repay", ErrActionPaused)
	}
	return nil
}

// BorrowAllowed checks that borrower stays solvent after borrowing amount
// from addr.
func (e *Engine) BorrowAllowed(addr, borrower crypto.Address, amount *big.Int) error {
	entry, err := e.listed(addr)
	if err != nil {
		return err
	}
	if entry.PauseBorrow {
		return fmt.Errorf("%w: borrow", ErrActionPaused)
	}
	liquidity, err := e.hypotheticalLiquidity(borrower, addr, big.NewInt(0), amount)
	if err != nil {
		return err
	}
	if liquidity.Shortfall.Sign() > 0 {
		return fmt.Errorf("%w: shortfall %s", ErrInsufficientLiquidity, liquidity.Shortfall)
	}
	return nil
}

// RedeemAllowed checks that redeemer stays solvent after burning shares of
// addr.
func (e *Engine) RedeemAllowed(addr, redeemer crypto.Address, shares *big.Int) error {
	entry, err := e.listed(addr)
	if err != nil {
		return err
	}
	if entry.PauseRedeem {
		return fmt.Errorf("%w: redeem", ErrActionPaused)
	}
	liquidity, err := e.hypotheticalLiquidity(redeemer, addr, shares, big.NewInt(0))
	if err != nil {
		return err
	}
	if liquidity.Shortfall.Sign() > 0 {
		return fmt.Errorf("%w: shortfall %s", ErrInsufficientLiquidity, liquidity.Shortfall)
	}
	return nil
}

// TransferAllowed checks that moving shares of addr out of from keeps it
// solvent. Redeem pauses do not block transfers.
func (e *Engine) TransferAllowed(addr, from crypto.Address, shares *big.Int) error {
	if _, err := e.listed(addr); err != nil {
		return err
	}
	liquidity, err := e.hypotheticalLiquidity(from, addr, shares, big.NewInt(0))
	if err != nil {
		return err
	}
	if liquidity.Shortfall.Sign() > 0 {
		return fmt.Errorf("%w: shortfall %s", ErrInsufficientLiquidity, liquidity.Shortfall)
	}
	return nil
}

// AccountLiquidity values account's collateral across listed markets and its
// debt across all markets.
func (e *Engine) AccountLiquidity(account crypto.Address) (Liquidity, error) {
	if err := e.ready(); err != nil {
		return Liquidity{}, err
	}
	return e.hypotheticalLiquidity(account, crypto.Address{}, big.NewInt(0), big.NewInt(0))
}

func (e *Engine) listed(addr crypto.Address) (*state.RegistryEntry, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	entry, err := e.state.RegistryEntry(addr)
	if err != nil {
		return nil, err
	}
	if !entry.Listed {
		return nil, ErrMarketNotListed
	}
	return entry, nil
}

// hypotheticalLiquidity computes the account position as if redeemShares were
// burned from and borrowAmount borrowed in target. Only listed markets count
// as collateral; outstanding principal counts in every market, listed or not.
func (e *Engine) hypotheticalLiquidity(account, target crypto.Address, redeemShares, borrowAmount *big.Int) (Liquidity, error) {
	collateral := big.NewInt(0)
	debt := big.NewInt(0)

	markets, err := e.state.MarketList()
	if err != nil {
		return Liquidity{}, err
	}
	for _, addr := range markets {
		entry, err := e.state.RegistryEntry(addr)
		if err != nil {
			return Liquidity{}, err
		}
		record, err := e.state.Market(addr)
		if err != nil {
			return Liquidity{}, err
		}
		if record == nil {
			continue
		}
		shares, err := e.state.Balance(addr, account)
		if err != nil {
			return Liquidity{}, err
		}
		borrowed, err := e.state.BorrowPrincipal(addr, account)
		if err != nil {
			return Liquidity{}, err
		}
		if addr.Equal(target) {
			shares = new(big.Int).Sub(shares, redeemShares)
			if shares.Sign() < 0 {
				shares.SetInt64(0)
			}
			borrowed = new(big.Int).Add(borrowed, borrowAmount)
		}

		price := entry.PriceMantissa
		if price == nil || price.Sign() <= 0 {
			price = market.ExpScale()
		}
		if entry.Listed {
			underlying := market.UnderlyingForShares(shares, record.ExchangeRate)
			value := market.MulExp(underlying, price)
			value.Mul(value, new(big.Int).SetUint64(entry.CollateralFactorBps))
			value.Quo(value, basisPoints)
			collateral.Add(collateral, value)
		}
		debt.Add(debt, market.MulExp(borrowed, price))
	}

	liquidity := Liquidity{
		Collateral: collateral,
		Debt:       debt,
		Excess:     big.NewInt(0),
		Shortfall:  big.NewInt(0),
	}
	if collateral.Cmp(debt) >= 0 {
		liquidity.Excess.Sub(collateral, debt)
	} else {
		liquidity.Shortfall.Sub(debt, collateral)
	}
	return liquidity, nil
}

func configFromEntry(entry *state.RegistryEntry) MarketConfig {
	cfg := MarketConfig{
		Listed:              entry.Listed,
		CollateralFactorBps: entry.CollateralFactorBps,
		PriceMantissa:       big.NewInt(0),
		Pauses: ActionPauses{
			Supply: entry.PauseSupply,
			Borrow: entry.PauseBorrow,
			Repay:  entry.PauseRepay,
			Redeem: entry.PauseRedeem,
		},
	}
	if entry.PriceMantissa != nil {
		cfg.PriceMantissa.Set(entry.PriceMantissa)
	}
	return cfg
}
