package genesis

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lendhelper/core/runtime"
	"lendhelper/core/state"
	"lendhelper/crypto"
	"lendhelper/storage"
)

const fixture = `
helper: helper
assets:
  - symbol: tk1
    name: Token One
    decimals: 18
    balances:
      alice: "10_000_000000000000000000"
  - symbol: tk2
    decimals: 18
    balances:
      alice: "9_900_000000000000000000"
markets:
  - symbol: lhTK1
    underlying: tk1
    exchange_rate: "100_000000000000000000"
    listed: true
    collateral_factor_bps: 10000
  - symbol: lhTK2
    underlying: tk2
    variant: direct
    exchange_rate: "100_000000000000000000"
    cash: "100_000000000000000000"
    listed: true
    collateral_factor_bps: 5000
    price: "2_000000000000000000"
delegates: [operator]
`

func newRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	ledger, err := state.OpenLedger(db, nil)
	require.NoError(t, err)
	return runtime.New(ledger, nil, nil)
}

func TestApplySeedsLedger(t *testing.T) {
	spec, err := Parse([]byte(fixture))
	require.NoError(t, err)
	rt := newRuntime(t)

	root, err := Apply(context.Background(), rt, spec)
	require.NoError(t, err)
	require.Equal(t, rt.Root(), root)

	alice := crypto.DeriveAddress(crypto.AccountPrefix, "alice")
	helperAddr, err := spec.HelperAddress()
	require.NoError(t, err)
	marketB := crypto.DeriveAddress(crypto.MarketPrefix, "lhtk2")

	require.NoError(t, rt.View(func(env *runtime.Env) error {
		markets, err := env.Markets()
		require.NoError(t, err)
		require.Len(t, markets, 2)

		info, err := env.MarketInfo(marketB)
		require.NoError(t, err)
		require.Equal(t, "LHTK2", info.Symbol)
		require.Equal(t, "direct", info.Variant)
		require.True(t, info.Listed)
		require.Equal(t, uint64(5000), info.CollateralFactorBps)
		require.Equal(t, "2000000000000000000", info.PriceMantissa.String())
		require.Equal(t, "100000000000000000000", info.Cash.String())
		require.Equal(t, crypto.DeriveAddress(crypto.AssetPrefix, "tk2"), info.Underlying)

		view, err := env.Account(alice, helperAddr)
		require.NoError(t, err)
		require.Len(t, view.Assets, 2)
		balances := make(map[string]*big.Int)
		for _, asset := range view.Assets {
			balances[asset.Symbol] = asset.Balance
		}
		require.Equal(t, "10000000000000000000000", balances["TK1"].String())
		require.Equal(t, "9900000000000000000000", balances["TK2"].String())

		for _, delegate := range []crypto.Address{helperAddr, crypto.DeriveAddress(crypto.AccountPrefix, "operator")} {
			ok, err := env.RegistryEngine().IsDelegate(delegate)
			require.NoError(t, err)
			require.True(t, ok)
		}
		return nil
	}))
}

func TestApplyRejectsInitialisedLedger(t *testing.T) {
	spec, err := Parse([]byte(fixture))
	require.NoError(t, err)
	rt := newRuntime(t)
	_, err = Apply(context.Background(), rt, spec)
	require.NoError(t, err)

	_, err = Apply(context.Background(), rt, spec)
	require.ErrorIs(t, err, ErrLedgerNotEmpty)
}

func TestApplyIsAtomic(t *testing.T) {
	spec, err := Parse([]byte(`
assets:
  - symbol: tk1
    balances:
      alice: "5"
markets:
  - symbol: lhTK1
    underlying: missing
`))
	require.NoError(t, err)
	rt := newRuntime(t)
	before := rt.Root()

	_, err = Apply(context.Background(), rt, spec)
	require.Error(t, err)
	require.Equal(t, before, rt.Root())
	require.Zero(t, rt.Ledger().Seq())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("assets:\n  - symbol: a\n    colour: red\n"))
	require.Error(t, err)

	_, err = Parse([]byte("markets:\n  - symbol: a\n    exchange_rate: nope\n"))
	require.NoError(t, err, "amounts are validated when applied")
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))
	spec, err := Load(path)
	require.NoError(t, err)
	require.Len(t, spec.Markets, 2)
	require.Equal(t, "helper", spec.Helper)
}

func TestResolveAddress(t *testing.T) {
	derived, err := ResolveAddress(crypto.AccountPrefix, "Alice")
	require.NoError(t, err)
	require.Equal(t, crypto.DeriveAddress(crypto.AccountPrefix, "alice"), derived)

	decoded, err := ResolveAddress(crypto.AccountPrefix, derived.String())
	require.NoError(t, err)
	require.Equal(t, derived, decoded)

	_, err = ResolveAddress(crypto.AccountPrefix, "  ")
	require.Error(t, err)
}
