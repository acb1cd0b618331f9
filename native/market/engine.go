package market

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"lendhelper/core/state"
	"lendhelper/crypto"
	nativecommon "lendhelper/native/common"
	"lendhelper/native/token"
)

var (
	ErrNilState          = errors.New("market: state not configured")
	ErrNilRisk           = errors.New("market: risk hooks not configured")
	ErrUnknownMarket     = errors.New("market: market does not exist")
	ErrMarketExists      = errors.New("market: market already exists")
	ErrInvalidAmount     = errors.New("market: amount must be positive")
	ErrInvalidRate       = errors.New("market: exchange rate must be positive")
	ErrInvalidVariant    = errors.New("market: unknown variant")
	ErrUnauthorized      = errors.New("market: caller is not the market admin")
	ErrNotDelegate       = errors.New("market: operator may not act for account")
	ErrZeroShares        = errors.New("market: amount converts to zero shares")
	ErrInsufficientCash  = errors.New("market: insufficient cash")
	ErrRepayExceedsDebt  = errors.New("market: repay exceeds outstanding debt")
	ErrInsufficientShare = errors.New("market: insufficient shares")
)

// Variants control where borrowed and redeemed underlying is delivered.
const (
	// VariantStandard disburses to the operator that invoked the action.
	VariantStandard = "standard"
	// VariantDirect disburses straight to the account the action is for.
	VariantDirect = "direct"
)

type engineState interface {
	Asset(asset crypto.Address) (*state.AssetMetadata, error)
	RegisterAsset(asset crypto.Address, meta state.AssetMetadata) error
	Balance(asset, owner crypto.Address) (*big.Int, error)
	SetBalance(asset, owner crypto.Address, amount *big.Int) error
	Allowance(asset, owner, spender crypto.Address) (*big.Int, error)
	SetAllowance(asset, owner, spender crypto.Address, amount *big.Int) error
	TotalSupply(asset crypto.Address) (*big.Int, error)
	SetTotalSupply(asset crypto.Address, amount *big.Int) error
	Market(addr crypto.Address) (*state.MarketRecord, error)
	PutMarket(addr crypto.Address, record *state.MarketRecord) error
	BorrowPrincipal(addr, account crypto.Address) (*big.Int, error)
	SetBorrowPrincipal(addr, account crypto.Address, amount *big.Int) error
	IsDelegate(operator crypto.Address) (bool, error)
}

// RiskHooks is the registry surface consulted before every state-changing
// action.
type RiskHooks interface {
	MintAllowed(market, minter crypto.Address, amount *big.Int) error
	BorrowAllowed(market, borrower crypto.Address, amount *big.Int) error
	RedeemAllowed(market, redeemer crypto.Address, shares *big.Int) error
	RepayAllowed(market, payer, borrower crypto.Address, amount *big.Int) error
	TransferAllowed(market, from crypto.Address, shares *big.Int) error
}

// CreateParams configures a new market.
type CreateParams struct {
	Symbol       string
	Underlying   crypto.Address
	Variant      string
	ExchangeRate *big.Int
}

// Engine operates a single market. The market address doubles as the asset
// identifier of its share token and as the custody account for its cash.
type Engine struct {
	state  engineState
	addr   crypto.Address
	risk   RiskHooks
	pauses nativecommon.PauseView
}

// NewEngine binds an engine to the market at addr.
func NewEngine(addr crypto.Address, st engineState, risk RiskHooks) *Engine {
	return &Engine{state: st, addr: addr, risk: risk}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Address returns the market identifier.
func (e *Engine) Address() crypto.Address {
	return e.addr
}

// NormalizeVariant canonicalises a variant name, defaulting to standard.
func NormalizeVariant(variant string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(variant)); v {
	case "", VariantStandard:
		return VariantStandard, nil
	case VariantDirect:
		return VariantDirect, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVariant, variant)
	}
}

// Create records the market and registers its share token. The caller becomes
// the market admin.
func (e *Engine) Create(admin crypto.Address, params CreateParams) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	existing, err := e.state.Market(e.addr)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrMarketExists
	}
	if params.ExchangeRate == nil || params.ExchangeRate.Sign() <= 0 {
		return ErrInvalidRate
	}
	variant, err := NormalizeVariant(params.Variant)
	if err != nil {
		return err
	}
	meta, err := e.state.Asset(params.Underlying)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("%w: underlying %s", token.ErrUnknownAsset, params.Underlying)
	}
	symbol := strings.TrimSpace(params.Symbol)
	if symbol == "" {
		symbol = "lh" + meta.Symbol
	}
	if err := e.state.RegisterAsset(e.addr, state.AssetMetadata{
		Symbol:   symbol,
		Name:     meta.Name + " market share",
		Decimals: meta.Decimals,
	}); err != nil {
		return err
	}
	return e.state.PutMarket(e.addr, &state.MarketRecord{
		Symbol:       strings.ToUpper(symbol),
		Underlying:   params.Underlying.String(),
		Admin:        admin.String(),
		Variant:      variant,
		ExchangeRate: new(big.Int).Set(params.ExchangeRate),
		TotalBorrows: big.NewInt(0),
	})
}

// Record returns a copy of the stored market record.
func (e *Engine) Record() (*state.MarketRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	record, err := e.state.Market(e.addr)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrUnknownMarket
	}
	return record, nil
}

// Underlying returns the asset the market is denominated in.
func (e *Engine) Underlying() (crypto.Address, error) {
	record, err := e.Record()
	if err != nil {
		return crypto.Address{}, err
	}
	return crypto.DecodeAddressWithPrefix(record.Underlying, crypto.AssetPrefix)
}

// Variant returns the market's disbursement variant.
func (e *Engine) Variant() (string, error) {
	record, err := e.Record()
	if err != nil {
		return "", err
	}
	return NormalizeVariant(record.Variant)
}

// ExchangeRate returns the current 1e18-scaled exchange rate.
func (e *Engine) ExchangeRate() (*big.Int, error) {
	record, err := e.Record()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(record.ExchangeRate), nil
}

// SetExchangeRate overwrites the exchange rate. Only the market admin may call
// it.
func (e *Engine) SetExchangeRate(caller crypto.Address, rate *big.Int) error {
	record, err := e.Record()
	if err != nil {
		return err
	}
	if record.Admin != caller.String() {
		return ErrUnauthorized
	}
	if rate == nil || rate.Sign() <= 0 {
		return ErrInvalidRate
	}
	record.ExchangeRate = new(big.Int).Set(rate)
	return e.state.PutMarket(e.addr, record)
}

// Cash returns the underlying held by the market.
func (e *Engine) Cash() (*big.Int, error) {
	underlying, err := e.underlyingToken()
	if err != nil {
		return nil, err
	}
	return underlying.BalanceOf(e.addr)
}

// BorrowBalance returns the outstanding debt of account.
func (e *Engine) BorrowBalance(account crypto.Address) (*big.Int, error) {
	if _, err := e.Record(); err != nil {
		return nil, err
	}
	return e.state.BorrowPrincipal(e.addr, account)
}

// TotalBorrows returns the aggregate outstanding debt of the market.
func (e *Engine) TotalBorrows() (*big.Int, error) {
	record, err := e.Record()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(record.TotalBorrows), nil
}

// BalanceOf returns owner's share balance.
func (e *Engine) BalanceOf(owner crypto.Address) (*big.Int, error) {
	return e.shareToken().BalanceOf(owner)
}

// Transfer moves shares between accounts. Shares locked as collateral for
// outstanding debt are subject to the same check as a redemption.
func (e *Engine) Transfer(from, to crypto.Address, shares *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if shares == nil || shares.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !from.Equal(to) {
		if err := e.risk.TransferAllowed(e.addr, from, shares); err != nil {
			return err
		}
	}
	return e.shareToken().Transfer(from, to, shares)
}

// Mint pulls amount of underlying from operator, which must have approved the
// market, and credits operator with the issued shares.
func (e *Engine) Mint(operator crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.risk.MintAllowed(e.addr, operator, amount); err != nil {
		return nil, err
	}
	record, err := e.Record()
	if err != nil {
		return nil, err
	}
	shares := SharesForUnderlying(amount, record.ExchangeRate)
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}
	underlying, err := e.underlyingToken()
	if err != nil {
		return nil, err
	}
	if err := underlying.TransferFrom(e.addr, operator, e.addr, amount); err != nil {
		return nil, err
	}
	if err := e.shareToken().Mint(operator, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// RedeemShares burns shares owned by owner and disburses the underlying they
// are worth. Returns the underlying amount released.
func (e *Engine) RedeemShares(operator, owner crypto.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	record, err := e.Record()
	if err != nil {
		return nil, err
	}
	amount := UnderlyingForShares(shares, record.ExchangeRate)
	if amount.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.redeem(operator, owner, shares, amount, record); err != nil {
		return nil, err
	}
	return amount, nil
}

// RedeemUnderlying releases exactly amount of underlying, burning the shares
// it costs rounded up. Returns the shares burned.
func (e *Engine) RedeemUnderlying(operator, owner crypto.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	record, err := e.Record()
	if err != nil {
		return nil, err
	}
	shares := SharesForUnderlyingRoundUp(amount, record.ExchangeRate)
	if err := e.redeem(operator, owner, shares, amount, record); err != nil {
		return nil, err
	}
	return shares, nil
}

func (e *Engine) redeem(operator, owner crypto.Address, shares, amount *big.Int, record *state.MarketRecord) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.authorise(operator, owner); err != nil {
		return err
	}
	balance, err := e.shareToken().BalanceOf(owner)
	if err != nil {
		return err
	}
	if balance.Cmp(shares) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientShare, balance, shares)
	}
	if err := e.risk.RedeemAllowed(e.addr, owner, shares); err != nil {
		return err
	}
	underlying, err := e.underlyingToken()
	if err != nil {
		return err
	}
	cash, err := underlying.BalanceOf(e.addr)
	if err != nil {
		return err
	}
	if cash.Cmp(amount) < 0 {
		return ErrInsufficientCash
	}
	if err := e.shareToken().Burn(owner, shares); err != nil {
		return err
	}
	return underlying.Transfer(e.addr, disbursementTarget(record.Variant, operator, owner), amount)
}

// BorrowBehalf opens amount of debt for borrower and disburses the underlying
// according to the market variant.
func (e *Engine) BorrowBehalf(operator, borrower crypto.Address, amount *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := e.authorise(operator, borrower); err != nil {
		return err
	}
	if err := e.risk.BorrowAllowed(e.addr, borrower, amount); err != nil {
		return err
	}
	record, err := e.Record()
	if err != nil {
		return err
	}
	underlying, err := e.underlyingToken()
	if err != nil {
		return err
	}
	cash, err := underlying.BalanceOf(e.addr)
	if err != nil {
		return err
	}
	if cash.Cmp(amount) < 0 {
		return ErrInsufficientCash
	}
	principal, err := e.state.BorrowPrincipal(e.addr, borrower)
	if err != nil {
		return err
	}
	if err := e.state.SetBorrowPrincipal(e.addr, borrower, new(big.Int).Add(principal, amount)); err != nil {
		return err
	}
	record.TotalBorrows = new(big.Int).Add(record.TotalBorrows, amount)
	if err := e.state.PutMarket(e.addr, record); err != nil {
		return err
	}
	return underlying.Transfer(e.addr, disbursementTarget(record.Variant, operator, borrower), amount)
}

// RepayBehalf pulls amount of underlying from payer, which must have approved
// the market, and reduces borrower's debt by it. Repaying more than the
// outstanding debt is rejected.
func (e *Engine) RepayBehalf(payer, borrower crypto.Address, amount *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := e.risk.RepayAllowed(e.addr, payer, borrower, amount); err != nil {
		return err
	}
	record, err := e.Record()
	if err != nil {
		return err
	}
	principal, err := e.state.BorrowPrincipal(e.addr, borrower)
	if err != nil {
		return err
	}
	if principal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: owed %s, offered %s", ErrRepayExceedsDebt, principal, amount)
	}
	underlying, err := e.underlyingToken()
	if err != nil {
		return err
	}
	if err := underlying.TransferFrom(e.addr, payer, e.addr, amount); err != nil {
		return err
	}
	if err := e.state.SetBorrowPrincipal(e.addr, borrower, new(big.Int).Sub(principal, amount)); err != nil {
		return err
	}
	total := new(big.Int).Sub(record.TotalBorrows, amount)
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	record.TotalBorrows = total
	return e.state.PutMarket(e.addr, record)
}

func (e *Engine) guard() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.risk == nil {
		return ErrNilRisk
	}
	return nativecommon.Guard(e.pauses, nativecommon.ModuleMarket)
}

func (e *Engine) authorise(operator, account crypto.Address) error {
	if operator.Equal(account) {
		return nil
	}
	ok, err := e.state.IsDelegate(operator)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotDelegate
	}
	return nil
}

func (e *Engine) shareToken() *token.Engine {
	return token.NewEngine(e.addr, e.state)
}

func (e *Engine) underlyingToken() (*token.Engine, error) {
	addr, err := e.Underlying()
	if err != nil {
		return nil, err
	}
	return token.NewEngine(addr, e.state), nil
}

func disbursementTarget(variant string, operator, account crypto.Address) crypto.Address {
	if strings.EqualFold(variant, VariantDirect) {
		return account
	}
	return operator
}
