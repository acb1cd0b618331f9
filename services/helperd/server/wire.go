package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"lendhelper/core/runtime"
	"lendhelper/crypto"
	"lendhelper/native/helper"
	"lendhelper/native/registry"
	"lendhelper/services/helperd/receipts"
)

var errInvalidRequest = errors.New("invalid request")

func errInvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

type approveRequest struct {
	Asset   string `json:"asset"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

type mintRequest struct {
	Market string `json:"market"`
	Amount string `json:"amount"`
}

type mintBorrowRequest struct {
	SupplyMarket string `json:"supplyMarket"`
	SupplyAmount string `json:"supplyAmount"`
	BorrowMarket string `json:"borrowMarket"`
	BorrowAmount string `json:"borrowAmount"`
}

type repayRequest struct {
	Market string `json:"market"`
	Amount string `json:"amount"`
}

type transferSharesRequest struct {
	To     string `json:"to"`
	Shares string `json:"shares"`
}

type priceRequest struct {
	Price string `json:"price"`
}

type exchangeRateRequest struct {
	Rate string `json:"rate"`
}

type redeemSpec struct {
	Mode   string `json:"mode"`
	Amount string `json:"amount"`
}

// repayRedeemRequest accepts either the tagged redeem object or the pair of
// amounts, where a non-zero share amount wins.
type repayRedeemRequest struct {
	DebtMarket             string      `json:"debtMarket"`
	RepayAmount            string      `json:"repayAmount"`
	RedeemMarket           string      `json:"redeemMarket"`
	RedeemShares           string      `json:"redeemShares,omitempty"`
	RedeemUnderlyingAmount string      `json:"redeemUnderlyingAmount,omitempty"`
	Redeem                 *redeemSpec `json:"redeem,omitempty"`
}

func (r repayRedeemRequest) redemption() (helper.Redemption, error) {
	if r.Redeem != nil {
		mode, err := helper.ParseRedeemMode(r.Redeem.Mode)
		if err != nil {
			return helper.Redemption{}, err
		}
		amount, err := parseAmount("redeem.amount", r.Redeem.Amount)
		if err != nil {
			return helper.Redemption{}, err
		}
		return helper.Redemption{Mode: mode, Amount: amount}, nil
	}
	shares, err := parseOptionalAmount("redeemShares", r.RedeemShares)
	if err != nil {
		return helper.Redemption{}, err
	}
	underlying, err := parseOptionalAmount("redeemUnderlyingAmount", r.RedeemUnderlyingAmount)
	if err != nil {
		return helper.Redemption{}, err
	}
	return helper.RedemptionFromAmounts(shares, underlying)
}

type stepView struct {
	Kind   string `json:"kind"`
	Market string `json:"market"`
	Amount string `json:"amount,omitempty"`
	Shares string `json:"shares,omitempty"`
}

type callResponse struct {
	Receipt   string     `json:"receipt,omitempty"`
	Operation string     `json:"operation"`
	Phase     string     `json:"phase"`
	StateRoot string     `json:"stateRoot"`
	Steps     []stepView `json:"steps"`
}

func newCallResponse(receiptID string, result *helper.Result) callResponse {
	resp := callResponse{
		Receipt:   receiptID,
		Operation: string(result.Operation),
		Phase:     string(result.Phase),
		StateRoot: result.StateRoot,
		Steps:     make([]stepView, 0, len(result.Steps)),
	}
	for _, step := range result.Steps {
		resp.Steps = append(resp.Steps, stepView{
			Kind:   string(step.Kind),
			Market: step.Market.String(),
			Amount: formatAmount(step.Amount),
			Shares: formatAmount(step.Shares),
		})
	}
	return resp
}

type marketView struct {
	Address             string          `json:"address"`
	Symbol              string          `json:"symbol"`
	Underlying          string          `json:"underlying"`
	Admin               string          `json:"admin"`
	Variant             string          `json:"variant"`
	ExchangeRate        string          `json:"exchangeRate"`
	TotalBorrows        string          `json:"totalBorrows"`
	Cash                string          `json:"cash"`
	ShareSupply         string          `json:"shareSupply"`
	Listed              bool            `json:"listed"`
	CollateralFactorBps uint64          `json:"collateralFactorBps"`
	Price               string          `json:"price"`
	Pauses              actionPausesDTO `json:"pauses"`
}

type actionPausesDTO struct {
	Supply bool `json:"supply"`
	Borrow bool `json:"borrow"`
	Repay  bool `json:"repay"`
	Redeem bool `json:"redeem"`
}

func (p actionPausesDTO) toRegistry() registry.ActionPauses {
	return registry.ActionPauses{Supply: p.Supply, Borrow: p.Borrow, Repay: p.Repay, Redeem: p.Redeem}
}

func newMarketView(info runtime.MarketInfo) marketView {
	return marketView{
		Address:             info.Address.String(),
		Symbol:              info.Symbol,
		Underlying:          info.Underlying.String(),
		Admin:               info.Admin,
		Variant:             info.Variant,
		ExchangeRate:        formatAmount(info.ExchangeRate),
		TotalBorrows:        formatAmount(info.TotalBorrows),
		Cash:                formatAmount(info.Cash),
		ShareSupply:         formatAmount(info.ShareSupply),
		Listed:              info.Listed,
		CollateralFactorBps: info.CollateralFactorBps,
		Price:               formatAmount(info.PriceMantissa),
		Pauses: actionPausesDTO{
			Supply: info.Pauses.Supply,
			Borrow: info.Pauses.Borrow,
			Repay:  info.Pauses.Repay,
			Redeem: info.Pauses.Redeem,
		},
	}
}

type assetBalanceView struct {
	Asset           string `json:"asset"`
	Symbol          string `json:"symbol"`
	Balance         string `json:"balance"`
	HelperAllowance string `json:"helperAllowance"`
}

type positionView struct {
	Market string `json:"market"`
	Symbol string `json:"symbol"`
	Shares string `json:"shares"`
	Borrow string `json:"borrow"`
}

type liquidityView struct {
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
	Excess     string `json:"excess"`
	Shortfall  string `json:"shortfall"`
}

type balancesResponse struct {
	Account   string             `json:"account"`
	Assets    []assetBalanceView `json:"assets"`
	Markets   []positionView     `json:"markets"`
	Liquidity liquidityView      `json:"liquidity"`
}

// newBalancesResponse renders view, keeping only entries for filter when it
// is set. filter may name an underlying asset or a market.
func newBalancesResponse(view runtime.AccountView, filter crypto.Address) balancesResponse {
	resp := balancesResponse{
		Account: view.Account.String(),
		Assets:  []assetBalanceView{},
		Markets: []positionView{},
		Liquidity: liquidityView{
			Collateral: formatAmount(view.Liquidity.Collateral),
			Debt:       formatAmount(view.Liquidity.Debt),
			Excess:     formatAmount(view.Liquidity.Excess),
			Shortfall:  formatAmount(view.Liquidity.Shortfall),
		},
	}
	for _, asset := range view.Assets {
		if !filter.IsZero() && !filter.Equal(asset.Asset) {
			continue
		}
		resp.Assets = append(resp.Assets, assetBalanceView{
			Asset:           asset.Asset.String(),
			Symbol:          asset.Symbol,
			Balance:         formatAmount(asset.Balance),
			HelperAllowance: formatAmount(asset.HelperAllowance),
		})
	}
	for _, position := range view.Markets {
		if !filter.IsZero() && !filter.Equal(position.Market) {
			continue
		}
		resp.Markets = append(resp.Markets, positionView{
			Market: position.Market.String(),
			Symbol: position.Symbol,
			Shares: formatAmount(position.Shares),
			Borrow: formatAmount(position.Borrow),
		})
	}
	return resp
}

type receiptView struct {
	receipts.Receipt
	Steps []receipts.StepRecord `json:"steps"`
}

func newReceiptView(r *receipts.Receipt) receiptView {
	steps, err := r.StepList()
	if err != nil || steps == nil {
		steps = []receipts.StepRecord{}
	}
	return receiptView{Receipt: *r, Steps: steps}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data after JSON body", errInvalidRequest)
	}
	return nil
}

func parseAddress(field string, prefix crypto.AddressPrefix, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddressWithPrefix(strings.TrimSpace(value), prefix)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errInvalidRequest, field, err)
	}
	return addr, nil
}

// parseTokenAddress accepts an underlying asset or a market share token.
func parseTokenAddress(field, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errInvalidRequest, field, err)
	}
	switch addr.Prefix() {
	case crypto.AssetPrefix, crypto.MarketPrefix:
		return addr, nil
	default:
		return crypto.Address{}, fmt.Errorf("%w: %s: not an asset or market address", errInvalidRequest, field)
	}
}

// parseAmount decodes a base-10 integer. Sign checks are left to the helper
// so that zero amounts are reported as InvalidAmount failures.
func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s is required", errInvalidRequest, field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s: invalid integer %q", errInvalidRequest, field, value)
	}
	return amount, nil
}

func parseOptionalAmount(field, value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return big.NewInt(0), nil
	}
	return parseAmount(field, value)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
