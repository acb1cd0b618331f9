package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"lendhelper/crypto"
	"lendhelper/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	ledger, err := OpenLedger(db, nil)
	require.NoError(t, err)
	return ledger
}

func TestLedgerCommitsSuccessfulCalls(t *testing.T) {
	ledger := newTestLedger(t)
	asset := crypto.DeriveAddress(crypto.AssetPrefix, "usd")
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "alice")

	root, err := ledger.Execute(func(m *Manager) error {
		return m.SetBalance(asset, owner, big.NewInt(42))
	})
	require.NoError(t, err)
	require.Equal(t, root, ledger.Root())
	require.Equal(t, uint64(1), ledger.Seq())

	require.NoError(t, ledger.View(func(m *Manager) error {
		balance, err := m.Balance(asset, owner)
		require.NoError(t, err)
		require.Equal(t, int64(42), balance.Int64())
		return nil
	}))
}

func TestLedgerRollsBackFailedCalls(t *testing.T) {
	ledger := newTestLedger(t)
	asset := crypto.DeriveAddress(crypto.AssetPrefix, "usd")
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "alice")

	_, err := ledger.Execute(func(m *Manager) error {
		return m.SetBalance(asset, owner, big.NewInt(10))
	})
	require.NoError(t, err)
	before := ledger.Root()

	boom := errors.New("second step failed")
	root, err := ledger.Execute(func(m *Manager) error {
		require.NoError(t, m.SetBalance(asset, owner, big.NewInt(0)))
		require.NoError(t, m.SetAllowance(asset, owner, owner, big.NewInt(5)))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, before, root)
	require.Equal(t, before, ledger.Root())
	require.Equal(t, uint64(1), ledger.Seq())

	require.NoError(t, ledger.View(func(m *Manager) error {
		balance, err := m.Balance(asset, owner)
		require.NoError(t, err)
		require.Equal(t, int64(10), balance.Int64())
		allowance, err := m.Allowance(asset, owner, owner)
		require.NoError(t, err)
		require.Zero(t, allowance.Sign())
		return nil
	}))
}

func TestLedgerRecoversPanics(t *testing.T) {
	ledger := newTestLedger(t)
	asset := crypto.DeriveAddress(crypto.AssetPrefix, "usd")
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "bob")

	_, err := ledger.Execute(func(m *Manager) error {
		_ = m.SetBalance(asset, owner, big.NewInt(1))
		panic("unexpected")
	})
	require.Error(t, err)

	require.NoError(t, ledger.View(func(m *Manager) error {
		balance, err := m.Balance(asset, owner)
		require.NoError(t, err)
		require.Zero(t, balance.Sign())
		return nil
	}))
}

func TestLedgerViewIsReadOnly(t *testing.T) {
	ledger := newTestLedger(t)
	asset := crypto.DeriveAddress(crypto.AssetPrefix, "usd")
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "carol")

	err := ledger.View(func(m *Manager) error {
		return m.SetBalance(asset, owner, big.NewInt(1))
	})
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestLedgerReopensAtCommittedHead(t *testing.T) {
	dir := t.TempDir()
	asset := crypto.DeriveAddress(crypto.AssetPrefix, "usd")
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "dave")

	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	ledger, err := OpenLedger(db, nil)
	require.NoError(t, err)
	root, err := ledger.Execute(func(m *Manager) error {
		return m.SetBalance(asset, owner, big.NewInt(7))
	})
	require.NoError(t, err)
	db.Close()

	reopenedDB, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer reopenedDB.Close()
	reopened, err := OpenLedger(reopenedDB, nil)
	require.NoError(t, err)
	require.Equal(t, root, reopened.Root())
	require.Equal(t, uint64(1), reopened.Seq())
}

func TestSetBalanceRejectsOutOfRangeAmounts(t *testing.T) {
	ledger := newTestLedger(t)
	asset := crypto.DeriveAddress(crypto.AssetPrefix, "usd")
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "erin")

	_, err := ledger.Execute(func(m *Manager) error {
		return m.SetBalance(asset, owner, big.NewInt(-1))
	})
	require.ErrorIs(t, err, ErrNegativeAmount)

	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = ledger.Execute(func(m *Manager) error {
		return m.SetBalance(asset, owner, huge)
	})
	require.ErrorIs(t, err, ErrAmountOverflow)
}

func TestMarketAndRegistryRecords(t *testing.T) {
	ledger := newTestLedger(t)
	market := crypto.DeriveAddress(crypto.MarketPrefix, "lhUSD")
	asset := crypto.DeriveAddress(crypto.AssetPrefix, "usd")

	_, err := ledger.Execute(func(m *Manager) error {
		if err := m.RegisterAsset(asset, AssetMetadata{Symbol: "usd", Name: "US Dollar", Decimals: 18}); err != nil {
			return err
		}
		if err := m.PutMarket(market, &MarketRecord{Symbol: "lhUSD", Underlying: asset.String(), ExchangeRate: big.NewInt(100)}); err != nil {
			return err
		}
		return m.PutRegistryEntry(market, &RegistryEntry{Listed: true, CollateralFactorBps: 7500})
	})
	require.NoError(t, err)

	require.NoError(t, ledger.View(func(m *Manager) error {
		meta, err := m.Asset(asset)
		require.NoError(t, err)
		require.Equal(t, "USD", meta.Symbol)

		record, err := m.Market(market)
		require.NoError(t, err)
		require.Equal(t, asset.String(), record.Underlying)
		require.Zero(t, record.TotalBorrows.Sign())

		markets, err := m.MarketList()
		require.NoError(t, err)
		require.Len(t, markets, 1)

		entry, err := m.RegistryEntry(market)
		require.NoError(t, err)
		require.True(t, entry.Listed)
		require.Equal(t, uint64(7500), entry.CollateralFactorBps)

		unknown, err := m.RegistryEntry(crypto.DeriveAddress(crypto.MarketPrefix, "other"))
		require.NoError(t, err)
		require.False(t, unknown.Listed)
		return nil
	}))
}
