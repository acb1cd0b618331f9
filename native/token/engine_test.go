package token

import (
	"errors"
	"math/big"
	"testing"

	"lendhelper/core/state"
	"lendhelper/crypto"
	nativecommon "lendhelper/native/common"
)

type mockTokenState struct {
	assets     map[string]*state.AssetMetadata
	balances   map[string]*big.Int
	allowances map[string]*big.Int
	supply     map[string]*big.Int
}

func newMockTokenState() *mockTokenState {
	return &mockTokenState{
		assets:     make(map[string]*state.AssetMetadata),
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
		supply:     make(map[string]*big.Int),
	}
}

func (m *mockTokenState) Asset(asset crypto.Address) (*state.AssetMetadata, error) {
	return m.assets[asset.Key()], nil
}

func (m *mockTokenState) Balance(asset, owner crypto.Address) (*big.Int, error) {
	return readAmount(m.balances, asset.Key()+owner.Key()), nil
}

func (m *mockTokenState) SetBalance(asset, owner crypto.Address, amount *big.Int) error {
	m.balances[asset.Key()+owner.Key()] = new(big.Int).Set(amount)
	return nil
}

func (m *mockTokenState) Allowance(asset, owner, spender crypto.Address) (*big.Int, error) {
	return readAmount(m.allowances, asset.Key()+owner.Key()+spender.Key()), nil
}

func (m *mockTokenState) SetAllowance(asset, owner, spender crypto.Address, amount *big.Int) error {
	m.allowances[asset.Key()+owner.Key()+spender.Key()] = new(big.Int).Set(amount)
	return nil
}

func (m *mockTokenState) TotalSupply(asset crypto.Address) (*big.Int, error) {
	return readAmount(m.supply, asset.Key()), nil
}

func (m *mockTokenState) SetTotalSupply(asset crypto.Address, amount *big.Int) error {
	m.supply[asset.Key()] = new(big.Int).Set(amount)
	return nil
}

func readAmount(values map[string]*big.Int, key string) *big.Int {
	if v, ok := values[key]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func newTestEngine(t *testing.T) (*Engine, *mockTokenState) {
	t.Helper()
	st := newMockTokenState()
	asset := crypto.DeriveAddress(crypto.AssetPrefix, "usd")
	st.assets[asset.Key()] = &state.AssetMetadata{Symbol: "USD", Decimals: 18}
	return NewEngine(asset, st), st
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "owner")
	spender := crypto.DeriveAddress(crypto.AccountPrefix, "spender")

	if err := engine.Mint(owner, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := engine.Approve(owner, spender, big.NewInt(60)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := engine.TransferFrom(spender, owner, spender, big.NewInt(40)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}

	allowance, _ := engine.Allowance(owner, spender)
	if allowance.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("expected remaining allowance 20, got %s", allowance)
	}
	ownerBalance, _ := engine.BalanceOf(owner)
	spenderBalance, _ := engine.BalanceOf(spender)
	if ownerBalance.Cmp(big.NewInt(60)) != 0 || spenderBalance.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected balances owner=%s spender=%s", ownerBalance, spenderBalance)
	}
	supply, _ := engine.TotalSupply()
	if supply.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected supply 100, got %s", supply)
	}
}

func TestTransferFromRejectsMissingAllowance(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "owner")
	spender := crypto.DeriveAddress(crypto.AccountPrefix, "spender")
	_ = engine.Mint(owner, big.NewInt(100))
	_ = engine.Approve(owner, spender, big.NewInt(5))

	err := engine.TransferFrom(spender, owner, spender, big.NewInt(6))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	balance, _ := engine.BalanceOf(owner)
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected owner balance untouched, got %s", balance)
	}
}

func TestTransferRejectsOverdraft(t *testing.T) {
	engine, _ := newTestEngine(t)
	from := crypto.DeriveAddress(crypto.AccountPrefix, "from")
	to := crypto.DeriveAddress(crypto.AccountPrefix, "to")
	_ = engine.Mint(from, big.NewInt(1))

	if err := engine.Transfer(from, to, big.NewInt(2)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := engine.Transfer(from, from, big.NewInt(1)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	balance, _ := engine.BalanceOf(from)
	if balance.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("self transfer changed balance to %s", balance)
	}
}

func TestBurnReducesSupply(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "owner")
	_ = engine.Mint(owner, big.NewInt(10))
	if err := engine.Burn(owner, big.NewInt(4)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	supply, _ := engine.TotalSupply()
	if supply.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("expected supply 6, got %s", supply)
	}
	if err := engine.Burn(owner, big.NewInt(7)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestUnknownAssetRejected(t *testing.T) {
	engine := NewEngine(crypto.DeriveAddress(crypto.AssetPrefix, "ghost"), newMockTokenState())
	if _, err := engine.BalanceOf(crypto.DeriveAddress(crypto.AccountPrefix, "a")); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestPausedTokenBlocksTransfers(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := crypto.DeriveAddress(crypto.AccountPrefix, "owner")
	_ = engine.Mint(owner, big.NewInt(10))
	engine.SetPauses(nativecommon.NewPauseSet(nativecommon.ModuleToken))

	err := engine.Transfer(owner, crypto.DeriveAddress(crypto.AccountPrefix, "to"), big.NewInt(1))
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}
