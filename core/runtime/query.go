package runtime

import (
	"context"
	"math/big"

	"lendhelper/crypto"
	"lendhelper/native/registry"
)

// MarketInfo is a read-only snapshot of a market and its registry entry.
type MarketInfo struct {
	Address             crypto.Address
	Symbol              string
	Underlying          crypto.Address
	Admin               string
	Variant             string
	ExchangeRate        *big.Int
	TotalBorrows        *big.Int
	Cash                *big.Int
	ShareSupply         *big.Int
	Listed              bool
	CollateralFactorBps uint64
	PriceMantissa       *big.Int
	Pauses              registry.ActionPauses
}

// AssetBalance is an account's holding of one underlying asset.
type AssetBalance struct {
	Asset           crypto.Address
	Symbol          string
	Balance         *big.Int
	HelperAllowance *big.Int
}

// MarketPosition is an account's share and debt position in one market.
type MarketPosition struct {
	Market crypto.Address
	Symbol string
	Shares *big.Int
	Borrow *big.Int
}

// AccountView aggregates an account's holdings across the ledger.
type AccountView struct {
	Account   crypto.Address
	Assets    []AssetBalance
	Markets   []MarketPosition
	Liquidity registry.Liquidity
}

// MarketInfo returns the snapshot of the market at addr.
func (e *Env) MarketInfo(addr crypto.Address) (MarketInfo, error) {
	engine, err := e.MarketEngine(addr)
	if err != nil {
		return MarketInfo{}, err
	}
	record, err := engine.Record()
	if err != nil {
		return MarketInfo{}, err
	}
	underlying, err := engine.Underlying()
	if err != nil {
		return MarketInfo{}, err
	}
	cash, err := engine.Cash()
	if err != nil {
		return MarketInfo{}, err
	}
	supply, err := e.manager.TotalSupply(addr)
	if err != nil {
		return MarketInfo{}, err
	}
	cfg, err := e.registry.Config(addr)
	if err != nil {
		return MarketInfo{}, err
	}
	return MarketInfo{
		Address:             addr,
		Symbol:              record.Symbol,
		Underlying:          underlying,
		Admin:               record.Admin,
		Variant:             record.Variant,
		ExchangeRate:        record.ExchangeRate,
		TotalBorrows:        record.TotalBorrows,
		Cash:                cash,
		ShareSupply:         supply,
		Listed:              cfg.Listed,
		CollateralFactorBps: cfg.CollateralFactorBps,
		PriceMantissa:       cfg.PriceMantissa,
		Pauses:              cfg.Pauses,
	}, nil
}

// Markets returns a snapshot of every market, listed or not.
func (e *Env) Markets() ([]MarketInfo, error) {
	addrs, err := e.manager.MarketList()
	if err != nil {
		return nil, err
	}
	out := make([]MarketInfo, 0, len(addrs))
	for _, addr := range addrs {
		info, err := e.MarketInfo(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Account summarises account's balances. helperAddr is used to report the
// allowance the account has granted the helper.
func (e *Env) Account(account, helperAddr crypto.Address) (AccountView, error) {
	view := AccountView{Account: account}
	assets, err := e.manager.AssetList()
	if err != nil {
		return AccountView{}, err
	}
	for _, addr := range assets {
		if addr.Prefix() != crypto.AssetPrefix {
			continue
		}
		meta, err := e.manager.Asset(addr)
		if err != nil {
			return AccountView{}, err
		}
		balance, err := e.manager.Balance(addr, account)
		if err != nil {
			return AccountView{}, err
		}
		allowance, err := e.manager.Allowance(addr, account, helperAddr)
		if err != nil {
			return AccountView{}, err
		}
		view.Assets = append(view.Assets, AssetBalance{Asset: addr, Symbol: meta.Symbol, Balance: balance, HelperAllowance: allowance})
	}
	markets, err := e.manager.MarketList()
	if err != nil {
		return AccountView{}, err
	}
	for _, addr := range markets {
		record, err := e.manager.Market(addr)
		if err != nil {
			return AccountView{}, err
		}
		shares, err := e.manager.Balance(addr, account)
		if err != nil {
			return AccountView{}, err
		}
		borrow, err := e.manager.BorrowPrincipal(addr, account)
		if err != nil {
			return AccountView{}, err
		}
		view.Markets = append(view.Markets, MarketPosition{Market: addr, Symbol: record.Symbol, Shares: shares, Borrow: borrow})
	}
	liquidity, err := e.registry.AccountLiquidity(account)
	if err != nil {
		return AccountView{}, err
	}
	view.Liquidity = liquidity
	return view, nil
}

// ListMarket lists the market at addr in the registry.
func (r *Runtime) ListMarket(ctx context.Context, addr crypto.Address, collateralFactorBps uint64) (string, error) {
	return r.Do(ctx, func(env *Env) error {
		return env.registry.SupportMarket(addr, collateralFactorBps)
	})
}

// UnlistMarket removes the market at addr from the registry.
func (r *Runtime) UnlistMarket(ctx context.Context, addr crypto.Address) (string, error) {
	return r.Do(ctx, func(env *Env) error {
		return env.registry.UnlistMarket(addr)
	})
}

// SetActionPauses replaces the action pauses of the market at addr.
func (r *Runtime) SetActionPauses(ctx context.Context, addr crypto.Address, pauses registry.ActionPauses) (string, error) {
	return r.Do(ctx, func(env *Env) error {
		return env.registry.SetActionPauses(addr, pauses)
	})
}

// SetCollateralFactor changes the collateral factor of the market at addr.
func (r *Runtime) SetCollateralFactor(ctx context.Context, addr crypto.Address, bps uint64) (string, error) {
	return r.Do(ctx, func(env *Env) error {
		return env.registry.SetCollateralFactor(addr, bps)
	})
}

// SetPrice changes the 1e18-scaled price the registry values addr at.
func (r *Runtime) SetPrice(ctx context.Context, addr crypto.Address, mantissa *big.Int) (string, error) {
	return r.Do(ctx, func(env *Env) error {
		return env.registry.SetPrice(addr, mantissa)
	})
}

// SetExchangeRate overwrites the exchange rate of the market at addr. caller
// must be the market admin.
func (r *Runtime) SetExchangeRate(ctx context.Context, caller, addr crypto.Address, rate *big.Int) (string, error) {
	return r.Do(ctx, func(env *Env) error {
		engine, err := env.MarketEngine(addr)
		if err != nil {
			return err
		}
		return engine.SetExchangeRate(caller, rate)
	})
}

// TransferShares moves shares of the market at addr from one account to
// another, subject to the registry's solvency check.
func (r *Runtime) TransferShares(ctx context.Context, addr, from, to crypto.Address, shares *big.Int) (string, error) {
	return r.Do(ctx, func(env *Env) error {
		engine, err := env.MarketEngine(addr)
		if err != nil {
			return err
		}
		return engine.Transfer(from, to, shares)
	})
}
