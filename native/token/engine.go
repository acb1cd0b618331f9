package token

import (
	"errors"
	"math/big"

	"lendhelper/core/state"
	"lendhelper/crypto"
	nativecommon "lendhelper/native/common"
)

var (
	ErrNilState              = errors.New("token: state not configured")
	ErrUnknownAsset          = errors.New("token: asset not registered")
	ErrInvalidAmount         = errors.New("token: amount must not be negative")
	ErrInvalidAddress        = errors.New("token: address must not be empty")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

type engineState interface {
	Asset(asset crypto.Address) (*state.AssetMetadata, error)
	Balance(asset, owner crypto.Address) (*big.Int, error)
	SetBalance(asset, owner crypto.Address, amount *big.Int) error
	Allowance(asset, owner, spender crypto.Address) (*big.Int, error)
	SetAllowance(asset, owner, spender crypto.Address, amount *big.Int) error
	TotalSupply(asset crypto.Address) (*big.Int, error)
	SetTotalSupply(asset crypto.Address, amount *big.Int) error
}

// Engine moves balances of a single fungible asset. Market share tokens use
// the same engine keyed by the market address.
type Engine struct {
	state  engineState
	asset  crypto.Address
	pauses nativecommon.PauseView
}

// NewEngine binds an engine to asset.
func NewEngine(asset crypto.Address, st engineState) *Engine {
	return &Engine{state: st, asset: asset}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Address returns the asset identifier.
func (e *Engine) Address() crypto.Address {
	return e.asset
}

// Metadata returns the registered metadata of the asset.
func (e *Engine) Metadata() (*state.AssetMetadata, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	meta, err := e.state.Asset(e.asset)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrUnknownAsset
	}
	return meta, nil
}

func (e *Engine) ready() error {
	_, err := e.Metadata()
	return err
}

// BalanceOf returns owner's balance.
func (e *Engine) BalanceOf(owner crypto.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.Balance(e.asset, owner)
}

// Allowance returns how much spender may pull from owner.
func (e *Engine) Allowance(owner, spender crypto.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.Allowance(e.asset, owner, spender)
}

// TotalSupply returns the outstanding supply.
func (e *Engine) TotalSupply() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.TotalSupply(e.asset)
}

// Approve overwrites the allowance owner grants spender. A zero amount revokes
// the allowance.
func (e *Engine) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if owner.IsZero() || spender.IsZero() {
		return ErrInvalidAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return e.state.SetAllowance(e.asset, owner, spender, amount)
}

// Transfer moves amount from one owner to another.
func (e *Engine) Transfer(from, to crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, nativecommon.ModuleToken); err != nil {
		return err
	}
	return e.move(from, to, amount)
}

// TransferFrom lets spender move amount from owner to recipient, consuming the
// allowance owner granted spender.
func (e *Engine) TransferFrom(spender, owner, recipient crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, nativecommon.ModuleToken); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	allowance, err := e.state.Allowance(e.asset, owner, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := e.move(owner, recipient, amount); err != nil {
		return err
	}
	return e.state.SetAllowance(e.asset, owner, spender, new(big.Int).Sub(allowance, amount))
}

// Mint credits newly issued units to recipient.
func (e *Engine) Mint(recipient crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if recipient.IsZero() {
		return ErrInvalidAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	balance, err := e.state.Balance(e.asset, recipient)
	if err != nil {
		return err
	}
	supply, err := e.state.TotalSupply(e.asset)
	if err != nil {
		return err
	}
	if err := e.state.SetBalance(e.asset, recipient, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return e.state.SetTotalSupply(e.asset, new(big.Int).Add(supply, amount))
}

// Burn destroys amount from owner's balance.
func (e *Engine) Burn(owner crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	balance, err := e.state.Balance(e.asset, owner)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	supply, err := e.state.TotalSupply(e.asset)
	if err != nil {
		return err
	}
	if supply.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := e.state.SetBalance(e.asset, owner, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return e.state.SetTotalSupply(e.asset, new(big.Int).Sub(supply, amount))
}

func (e *Engine) move(from, to crypto.Address, amount *big.Int) error {
	if from.IsZero() || to.IsZero() {
		return ErrInvalidAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBalance, err := e.state.Balance(e.asset, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := e.state.SetBalance(e.asset, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	toBalance, err := e.state.Balance(e.asset, to)
	if err != nil {
		return err
	}
	return e.state.SetBalance(e.asset, to, new(big.Int).Add(toBalance, amount))
}
