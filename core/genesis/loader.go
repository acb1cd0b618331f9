// core/genesis/loader.go
package genesis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"lendhelper/core/runtime"
	"lendhelper/core/state"
	"lendhelper/crypto"
	"lendhelper/native/market"
)

// ErrLedgerNotEmpty is returned when a fixture is applied to a ledger that
// already committed calls.
var ErrLedgerNotEmpty = errors.New("genesis: ledger already initialised")

// Apply seeds rt with the fixture in a single atomic call and returns the
// resulting root. The helper account is always registered as a delegate.
func Apply(ctx context.Context, rt *runtime.Runtime, spec *Spec) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("genesis spec must not be nil")
	}
	if rt.Ledger().Seq() != 0 {
		return "", ErrLedgerNotEmpty
	}
	helperAddr, err := spec.HelperAddress()
	if err != nil {
		return "", fmt.Errorf("helper: %w", err)
	}
	return rt.Do(ctx, func(env *runtime.Env) error {
		manager := env.Manager()

		// 1) Assets and balances (holders sorted)
		for _, asset := range spec.Assets {
			addr, err := ResolveAddress(crypto.AssetPrefix, firstNonEmpty(asset.Address, asset.Symbol))
			if err != nil {
				return fmt.Errorf("asset %q: %w", asset.Symbol, err)
			}
			if err := manager.RegisterAsset(addr, stateMetadata(asset)); err != nil {
				return fmt.Errorf("asset %q: %w", asset.Symbol, err)
			}
			tok, err := env.Token(addr)
			if err != nil {
				return err
			}
			holders := make([]string, 0, len(asset.Balances))
			for holder := range asset.Balances {
				holders = append(holders, holder)
			}
			sort.Strings(holders)
			for _, holder := range holders {
				owner, err := ResolveAddress(crypto.AccountPrefix, holder)
				if err != nil {
					return fmt.Errorf("asset %q holder %q: %w", asset.Symbol, holder, err)
				}
				amount, err := parseAmount(fmt.Sprintf("asset %q holder %q", asset.Symbol, holder), asset.Balances[holder])
				if err != nil {
					return err
				}
				if err := tok.Mint(owner, amount); err != nil {
					return fmt.Errorf("asset %q holder %q: %w", asset.Symbol, holder, err)
				}
			}
		}

		// 2) Markets, cash and registry membership
		for _, m := range spec.Markets {
			if err := applyMarket(env, m); err != nil {
				return fmt.Errorf("market %q: %w", firstNonEmpty(m.Symbol, m.Address), err)
			}
		}

		// 3) Delegates
		if err := env.RegistryEngine().SetDelegate(helperAddr, true); err != nil {
			return fmt.Errorf("helper delegate: %w", err)
		}
		for _, delegate := range spec.Delegates {
			addr, err := ResolveAddress(crypto.AccountPrefix, delegate)
			if err != nil {
				return fmt.Errorf("delegate %q: %w", delegate, err)
			}
			if err := env.RegistryEngine().SetDelegate(addr, true); err != nil {
				return fmt.Errorf("delegate %q: %w", delegate, err)
			}
		}
		return nil
	})
}

func applyMarket(env *runtime.Env, spec MarketSpec) error {
	addr, err := ResolveAddress(crypto.MarketPrefix, firstNonEmpty(spec.Address, spec.Symbol))
	if err != nil {
		return err
	}
	underlying, err := ResolveAddress(crypto.AssetPrefix, spec.Underlying)
	if err != nil {
		return fmt.Errorf("underlying: %w", err)
	}
	admin, err := ResolveAddress(crypto.AccountPrefix, firstNonEmpty(spec.Admin, "admin"))
	if err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	rate, err := parseAmount("exchange_rate", spec.ExchangeRate)
	if err != nil {
		return err
	}
	if rate.Sign() == 0 {
		rate = market.ExpScale()
	}
	engine := env.NewMarketEngine(addr)
	if err := engine.Create(admin, market.CreateParams{
		Symbol:       spec.Symbol,
		Underlying:   underlying,
		Variant:      spec.Variant,
		ExchangeRate: rate,
	}); err != nil {
		return err
	}
	cash, err := parseAmount("cash", spec.Cash)
	if err != nil {
		return err
	}
	if cash.Sign() > 0 {
		tok, err := env.Token(underlying)
		if err != nil {
			return err
		}
		if err := tok.Mint(addr, cash); err != nil {
			return fmt.Errorf("cash: %w", err)
		}
	}
	if spec.Listed {
		if err := env.RegistryEngine().SupportMarket(addr, spec.CollateralFactorBps); err != nil {
			return err
		}
	}
	price, err := parseAmount("price", spec.Price)
	if err != nil {
		return err
	}
	if price.Sign() > 0 {
		if err := env.RegistryEngine().SetPrice(addr, price); err != nil {
			return err
		}
	}
	return nil
}

func stateMetadata(asset AssetSpec) state.AssetMetadata {
	name := asset.Name
	if name == "" {
		name = asset.Symbol
	}
	return state.AssetMetadata{Symbol: asset.Symbol, Name: name, Decimals: asset.Decimals}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
