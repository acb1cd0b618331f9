package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lendhelper/core/runtime"
	"lendhelper/crypto"
	"lendhelper/native/helper"
	"lendhelper/services/helperd/middleware"
	"lendhelper/services/helperd/receipts"
)

const maxReceiptPage = 200

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, err := middleware.CallerFromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req approveRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	asset, err := parseTokenAddress("asset", req.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	spender := s.helper.Address()
	if strings.TrimSpace(req.Spender) != "" {
		if spender, err = parseAddress("spender", crypto.AccountPrefix, req.Spender); err != nil {
			writeError(w, err)
			return
		}
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	root, err := s.runtime.Approve(r.Context(), caller, asset, spender, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":     caller.String(),
		"asset":     asset.String(),
		"spender":   spender.String(),
		"amount":    amount.String(),
		"stateRoot": root,
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	market, err := parseAddress("market", crypto.MarketPrefix, req.Market)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.invoke(w, r, helper.OpMint, func(ctx context.Context, caller crypto.Address) (*helper.Result, error) {
		return s.helper.Mint(ctx, caller, market, amount)
	})
}

func (s *Server) handleMintBorrow(w http.ResponseWriter, r *http.Request) {
	var req mintBorrowRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	supplyMarket, err := parseAddress("supplyMarket", crypto.MarketPrefix, req.SupplyMarket)
	if err != nil {
		writeError(w, err)
		return
	}
	supplyAmount, err := parseAmount("supplyAmount", req.SupplyAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	borrowMarket, err := parseAddress("borrowMarket", crypto.MarketPrefix, req.BorrowMarket)
	if err != nil {
		writeError(w, err)
		return
	}
	borrowAmount, err := parseAmount("borrowAmount", req.BorrowAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.invoke(w, r, helper.OpMintBorrow, func(ctx context.Context, caller crypto.Address) (*helper.Result, error) {
		return s.helper.MintBorrow(ctx, caller, supplyMarket, supplyAmount, borrowMarket, borrowAmount)
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	market, err := parseAddress("market", crypto.MarketPrefix, req.Market)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.invoke(w, r, helper.OpRepay, func(ctx context.Context, caller crypto.Address) (*helper.Result, error) {
		return s.helper.Repay(ctx, caller, market, amount)
	})
}

func (s *Server) handleRepayRedeem(w http.ResponseWriter, r *http.Request) {
	var req repayRedeemRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	debtMarket, err := parseAddress("debtMarket", crypto.MarketPrefix, req.DebtMarket)
	if err != nil {
		writeError(w, err)
		return
	}
	repayAmount, err := parseAmount("repayAmount", req.RepayAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	redeemMarket, err := parseAddress("redeemMarket", crypto.MarketPrefix, req.RedeemMarket)
	if err != nil {
		writeError(w, err)
		return
	}
	redemption, err := req.redemption()
	if err != nil && !isHelperError(err) {
		writeError(w, err)
		return
	}
	redemptionErr := err
	s.invoke(w, r, helper.OpRepayRedeem, func(ctx context.Context, caller crypto.Address) (*helper.Result, error) {
		if redemptionErr != nil {
			// Rejected like any other InvalidAmount so the caller gets a receipt.
			return &helper.Result{Operation: helper.OpRepayRedeem, Caller: caller, Phase: helper.PhaseReverted}, redemptionErr
		}
		return s.helper.RepayRedeem(ctx, caller, debtMarket, repayAmount, redeemMarket, redemption)
	})
}

// invoke runs one helper operation for the authenticated caller, records its
// receipt and writes the response.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request, op helper.Operation, call func(context.Context, crypto.Address) (*helper.Result, error)) {
	caller, err := middleware.CallerFromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	result, callErr := call(r.Context(), caller)
	elapsed := time.Since(start)

	phase := string(helper.PhaseSettled)
	if callErr != nil {
		phase = string(helper.PhaseReverted)
	}
	s.metrics.ObserveCall(string(op), phase, string(helper.KindOf(callErr)), elapsed)
	receiptID := s.recordReceipt(r.Context(), op, caller, result, callErr)

	if callErr != nil {
		writeHelperError(w, receiptID, callErr)
		return
	}
	writeJSON(w, http.StatusOK, newCallResponse(receiptID, result))
}

func isHelperError(err error) bool {
	var helperErr *helper.Error
	return errors.As(err, &helperErr)
}

func (s *Server) recordReceipt(ctx context.Context, op helper.Operation, caller crypto.Address, result *helper.Result, callErr error) string {
	if s.receipts == nil {
		return ""
	}
	receipt, err := receipts.FromResult(op, caller, result, callErr, s.now())
	if err != nil {
		s.logger.Error("build receipt", slog.String("error", err.Error()))
		return ""
	}
	// The ledger already committed or reverted; the receipt write must not
	// be cancelled with the client request.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.receipts.Save(saveCtx, receipt); err != nil {
		s.logger.Error("save receipt", slog.String("error", err.Error()), slog.String("operation", string(op)))
		return ""
	}
	s.metrics.RecordReceipt(receipt.Status)
	if dropped := s.hub.Publish(*receipt); dropped > 0 {
		s.logger.Warn("receipt stream subscribers lagging", slog.Int("dropped", dropped))
	}
	return receipt.ID
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("address", crypto.AccountPrefix, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var filter crypto.Address
	if raw := r.URL.Query().Get("asset"); raw != "" {
		if filter, err = parseTokenAddress("asset", raw); err != nil {
			writeError(w, err)
			return
		}
	}
	var view runtime.AccountView
	if err := s.runtime.View(func(env *runtime.Env) error {
		var viewErr error
		view, viewErr = env.Account(account, s.helper.Address())
		return viewErr
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalancesResponse(view, filter))
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	var infos []runtime.MarketInfo
	if err := s.runtime.View(func(env *runtime.Env) error {
		var viewErr error
		infos, viewErr = env.Markets()
		return viewErr
	}); err != nil {
		writeError(w, err)
		return
	}
	listedOnly := r.URL.Query().Get("listed") == "true"
	out := make([]marketView, 0, len(infos))
	for _, info := range infos {
		if listedOnly && !info.Listed {
			continue
		}
		out = append(out, newMarketView(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", crypto.MarketPrefix, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var info runtime.MarketInfo
	if err := s.runtime.View(func(env *runtime.Env) error {
		var viewErr error
		info, viewErr = env.MarketInfo(addr)
		return viewErr
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(info))
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		writeError(w, receipts.ErrNotFound)
		return
	}
	receipt, err := s.receipts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorizeCaller(r, receipt.Caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"receipts": []receiptView{}})
		return
	}
	query := r.URL.Query()
	filter, err := s.receiptFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Operation = query.Get("operation")
	filter.Status = query.Get("status")
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, errInvalidRequestf("limit must be a positive integer"))
			return
		}
		filter.Limit = min(limit, maxReceiptPage)
	}
	if raw := query.Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, errInvalidRequestf("before must be RFC3339"))
			return
		}
		filter.Before = before
	}
	list, err := s.receipts.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]receiptView, 0, len(list))
	for i := range list {
		out = append(out, newReceiptView(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
}

// receiptFilter scopes receipt queries to the caller. Admins may query any
// caller, or every caller when none is given.
func (s *Server) receiptFilter(r *http.Request) (receipts.Filter, error) {
	caller, err := middleware.CallerFromContext(r.Context())
	if err != nil {
		return receipts.Filter{}, err
	}
	requested := strings.TrimSpace(r.URL.Query().Get("caller"))
	if isAdmin(r) {
		return receipts.Filter{Caller: requested}, nil
	}
	if requested != "" && requested != caller.String() {
		return receipts.Filter{}, errForbidden
	}
	return receipts.Filter{Caller: caller.String()}, nil
}

func (s *Server) authorizeCaller(r *http.Request, owner string) error {
	if isAdmin(r) {
		return nil
	}
	caller, err := middleware.CallerFromContext(r.Context())
	if err != nil {
		return err
	}
	if caller.String() != owner {
		// Hide receipts of other callers.
		return receipts.ErrNotFound
	}
	return nil
}

func isAdmin(r *http.Request) bool {
	return slices.Contains(middleware.ScopesFromContext(r.Context()), middleware.ScopeAdmin)
}

type listMarketRequest struct {
	CollateralFactorBps uint64 `json:"collateralFactorBps"`
}

func (s *Server) handleListMarket(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", crypto.MarketPrefix, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req listMarketRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	root, err := s.runtime.ListMarket(r.Context(), addr, req.CollateralFactorBps)
	s.writeAdminResult(w, r, "list", addr, root, err)
}

func (s *Server) handleUnlistMarket(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", crypto.MarketPrefix, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	root, err := s.runtime.UnlistMarket(r.Context(), addr)
	s.writeAdminResult(w, r, "unlist", addr, root, err)
}

func (s *Server) handleMarketPauses(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", crypto.MarketPrefix, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req actionPausesDTO
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	root, err := s.runtime.SetActionPauses(r.Context(), addr, req.toRegistry())
	s.writeAdminResult(w, r, "pauses", addr, root, err)
}

func (s *Server) handleCollateralFactor(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", crypto.MarketPrefix, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req listMarketRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	root, err := s.runtime.SetCollateralFactor(r.Context(), addr, req.CollateralFactorBps)
	s.writeAdminResult(w, r, "collateral-factor", addr, root, err)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", crypto.MarketPrefix, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req priceRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	root, err := s.runtime.SetPrice(r.Context(), addr, price)
	s.writeAdminResult(w, r, "price", addr, root, err)
}

// handleExchangeRate is admin scoped, and the market engine additionally
// requires the caller to be the market's own admin.
func (s *Server) handleExchangeRate(w http.ResponseWriter, r *http.Request) {
	caller, err := middleware.CallerFromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := parseAddress("address", crypto.MarketPrefix, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req exchangeRateRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	rate, err := parseAmount("rate", req.Rate)
	if err != nil {
		writeError(w, err)
		return
	}
	root, err := s.runtime.SetExchangeRate(r.Context(), caller, addr, rate)
	s.writeAdminResult(w, r, "exchange-rate", addr, root, err)
}

func (s *Server) handleTransferShares(w http.ResponseWriter, r *http.Request) {
	caller, err := middleware.CallerFromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := parseAddress("address", crypto.MarketPrefix, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req transferSharesRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	to, err := parseAddress("to", crypto.AccountPrefix, req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	root, err := s.runtime.TransferShares(r.Context(), addr, caller, to, shares)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market":    addr.String(),
		"from":      caller.String(),
		"to":        to.String(),
		"shares":    shares.String(),
		"stateRoot": root,
	})
}

func (s *Server) writeAdminResult(w http.ResponseWriter, r *http.Request, action string, addr crypto.Address, root string, err error) {
	caller, _ := middleware.CallerFromContext(r.Context())
	if err != nil {
		s.logger.Warn("admin action failed",
			slog.String("action", action),
			slog.String("market", addr.String()),
			slog.String("caller", caller.String()),
			slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	s.logger.Info("admin action applied",
		slog.String("action", action),
		slog.String("market", addr.String()),
		slog.String("caller", caller.String()),
		slog.String("root", root))
	writeJSON(w, http.StatusOK, map[string]string{"market": addr.String(), "action": action, "stateRoot": root})
}

func (s *Server) handleModulePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		module := strings.ToLower(chi.URLParam(r, "module"))
		switch module {
		case "helper", "market", "token":
		default:
			writeError(w, errInvalidRequestf("unknown module %q", module))
			return
		}
		if s.pauses == nil {
			writeError(w, errInvalidRequestf("module pauses are not configurable"))
			return
		}
		s.pauses.Set(module, paused)
		s.logger.Info("module pause toggled", slog.String("module", module), slog.Bool("paused", paused))
		writeJSON(w, http.StatusOK, map[string]any{"module": module, "paused": paused})
	}
}
