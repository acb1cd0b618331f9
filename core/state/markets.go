package state

import (
	"fmt"
	"math/big"

	"lendhelper/crypto"
)

// MarketRecord is the persisted configuration and aggregate accounting of a
// lending market. Addresses are stored in their bech32 form.
type MarketRecord struct {
	Symbol       string
	Underlying   string
	Admin        string
	Variant      string
	ExchangeRate *big.Int
	TotalBorrows *big.Int
}

// Clone returns a deep copy of the record.
func (r *MarketRecord) Clone() *MarketRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.ExchangeRate != nil {
		clone.ExchangeRate = new(big.Int).Set(r.ExchangeRate)
	}
	if r.TotalBorrows != nil {
		clone.TotalBorrows = new(big.Int).Set(r.TotalBorrows)
	}
	return &clone
}

func (r *MarketRecord) ensureDefaults() {
	if r.ExchangeRate == nil {
		r.ExchangeRate = big.NewInt(0)
	}
	if r.TotalBorrows == nil {
		r.TotalBorrows = big.NewInt(0)
	}
}

// RegistryEntry captures the registry's view of a market: membership, risk
// weights and per-action pauses.
type RegistryEntry struct {
	Listed              bool
	CollateralFactorBps uint64
	PriceMantissa       *big.Int
	PauseSupply         bool
	PauseBorrow         bool
	PauseRepay          bool
	PauseRedeem         bool
}

// Clone returns a deep copy of the entry.
func (e *RegistryEntry) Clone() *RegistryEntry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.PriceMantissa != nil {
		clone.PriceMantissa = new(big.Int).Set(e.PriceMantissa)
	}
	return &clone
}

// PutMarket stores the market record, indexing new markets.
func (m *Manager) PutMarket(market crypto.Address, record *MarketRecord) error {
	if market.IsZero() {
		return fmt.Errorf("market address must not be empty")
	}
	if record == nil {
		return fmt.Errorf("market %s: record must not be nil", market)
	}
	stored := record.Clone()
	stored.ensureDefaults()
	if err := m.KVPut(marketKey(market), stored); err != nil {
		return err
	}
	return m.KVAppend(marketListKey, []byte(market.String()))
}

// Market loads the market record or nil when the market does not exist.
func (m *Manager) Market(market crypto.Address) (*MarketRecord, error) {
	record := new(MarketRecord)
	ok, err := m.KVGet(marketKey(market), record)
	if err != nil || !ok {
		return nil, err
	}
	record.ensureDefaults()
	return record, nil
}

// MarketList returns every market ever created, listed or not.
func (m *Manager) MarketList() ([]crypto.Address, error) {
	return m.addressList(marketListKey)
}

// BorrowPrincipal returns the outstanding debt of account in market.
func (m *Manager) BorrowPrincipal(market, account crypto.Address) (*big.Int, error) {
	return m.amount(borrowKey(market, account))
}

// SetBorrowPrincipal overwrites the outstanding debt of account in market.
func (m *Manager) SetBorrowPrincipal(market, account crypto.Address, amount *big.Int) error {
	return m.putAmount(borrowKey(market, account), amount)
}

// RegistryEntry loads the registry entry of market. Unknown markets yield an
// unlisted zero entry.
func (m *Manager) RegistryEntry(market crypto.Address) (*RegistryEntry, error) {
	entry := new(RegistryEntry)
	ok, err := m.KVGet(registryKey(market), entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &RegistryEntry{PriceMantissa: big.NewInt(0)}, nil
	}
	if entry.PriceMantissa == nil {
		entry.PriceMantissa = big.NewInt(0)
	}
	return entry, nil
}

// PutRegistryEntry stores the registry entry of market.
func (m *Manager) PutRegistryEntry(market crypto.Address, entry *RegistryEntry) error {
	if entry == nil {
		return fmt.Errorf("registry entry must not be nil")
	}
	stored := entry.Clone()
	if stored.PriceMantissa == nil {
		stored.PriceMantissa = big.NewInt(0)
	}
	return m.KVPut(registryKey(market), stored)
}

// IsDelegate reports whether operator may act on behalf of account owners.
func (m *Manager) IsDelegate(operator crypto.Address) (bool, error) {
	var allowed bool
	ok, err := m.KVGet(delegateKey(operator), &allowed)
	if err != nil {
		return false, err
	}
	return ok && allowed, nil
}

// SetDelegate grants or revokes operator's delegate status.
func (m *Manager) SetDelegate(operator crypto.Address, allowed bool) error {
	if !allowed {
		return m.KVDelete(delegateKey(operator))
	}
	return m.KVPut(delegateKey(operator), true)
}
