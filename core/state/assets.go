package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/holiman/uint256"

	"lendhelper/crypto"
)

var (
	// ErrNegativeAmount is returned when a balance-like value would drop below zero.
	ErrNegativeAmount = errors.New("state: amount must not be negative")
	// ErrAmountOverflow is returned when a value does not fit in 256 bits.
	ErrAmountOverflow = errors.New("state: amount exceeds 256 bits")
)

// AssetMetadata describes a fungible asset tracked by the ledger.
type AssetMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// Clone returns a deep copy of the metadata.
func (m *AssetMetadata) Clone() *AssetMetadata {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// RegisterAsset stores the metadata for an asset and records it in the asset
// index.
func (m *Manager) RegisterAsset(asset crypto.Address, meta AssetMetadata) error {
	if asset.IsZero() {
		return fmt.Errorf("asset address must not be empty")
	}
	meta.Symbol = strings.ToUpper(strings.TrimSpace(meta.Symbol))
	if meta.Symbol == "" {
		return fmt.Errorf("asset %s: symbol must not be empty", asset)
	}
	existing, err := m.Asset(asset)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("asset %s already registered", asset)
	}
	if err := m.KVPut(assetMetaKey(asset), &meta); err != nil {
		return err
	}
	return m.KVAppend(assetListKey, []byte(asset.String()))
}

// Asset returns the metadata registered for the asset or nil when unknown.
func (m *Manager) Asset(asset crypto.Address) (*AssetMetadata, error) {
	meta := new(AssetMetadata)
	ok, err := m.KVGet(assetMetaKey(asset), meta)
	if err != nil || !ok {
		return nil, err
	}
	return meta, nil
}

// AssetList returns every registered asset in lexical order.
func (m *Manager) AssetList() ([]crypto.Address, error) {
	return m.addressList(assetListKey)
}

func (m *Manager) addressList(key []byte) ([]crypto.Address, error) {
	var raw [][]byte
	if err := m.KVGetList(key, &raw); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(raw))
	for _, entry := range raw {
		addr, err := crypto.DecodeAddress(string(entry))
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Balance returns owner's balance of asset. Unknown entries read as zero.
func (m *Manager) Balance(asset, owner crypto.Address) (*big.Int, error) {
	return m.amount(balanceKey(asset, owner))
}

// SetBalance overwrites owner's balance of asset.
func (m *Manager) SetBalance(asset, owner crypto.Address, amount *big.Int) error {
	return m.putAmount(balanceKey(asset, owner), amount)
}

// Allowance returns how much spender may move from owner's balance of asset.
func (m *Manager) Allowance(asset, owner, spender crypto.Address) (*big.Int, error) {
	return m.amount(allowanceKey(asset, owner, spender))
}

// SetAllowance overwrites the allowance granted by owner to spender.
func (m *Manager) SetAllowance(asset, owner, spender crypto.Address, amount *big.Int) error {
	return m.putAmount(allowanceKey(asset, owner, spender), amount)
}

// TotalSupply returns the outstanding supply of asset.
func (m *Manager) TotalSupply(asset crypto.Address) (*big.Int, error) {
	return m.amount(supplyKey(asset))
}

// SetTotalSupply overwrites the outstanding supply of asset.
func (m *Manager) SetTotalSupply(asset crypto.Address, amount *big.Int) error {
	return m.putAmount(supplyKey(asset), amount)
}

func (m *Manager) amount(key []byte) (*big.Int, error) {
	value := new(big.Int)
	ok, err := m.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

// putAmount bounds the value to the uint256 range. Zero values are deleted so
// an account that returns to zero leaves no trace in the state root.
func (m *Manager) putAmount(key []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return m.KVDelete(key)
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	bounded, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrAmountOverflow
	}
	return m.KVPut(key, bounded.ToBig())
}
