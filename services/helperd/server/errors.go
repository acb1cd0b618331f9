package server

import (
	"context"
	"errors"
	"net/http"

	"lendhelper/core/runtime"
	"lendhelper/native/helper"
	"lendhelper/native/market"
	"lendhelper/native/registry"
	nativetoken "lendhelper/native/token"
	"lendhelper/services/helperd/middleware"
	"lendhelper/services/helperd/receipts"
)

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
	Market  string `json:"market,omitempty"`
}

type errorResponse struct {
	Error   errorDetail `json:"error"`
	Receipt string      `json:"receipt,omitempty"`
	Phase   string      `json:"phase,omitempty"`
}

// statusForKind maps helper failure kinds to HTTP statuses.
func statusForKind(kind helper.Kind) int {
	switch kind {
	case helper.KindInvalidAmount:
		return http.StatusBadRequest
	case helper.KindInvalidCaller:
		return http.StatusForbidden
	case helper.KindMarketNotListed:
		return http.StatusConflict
	case helper.KindInsufficientAllowance,
		helper.KindTransferFailed,
		helper.KindMintFailed,
		helper.KindBorrowFailed,
		helper.KindRepayFailed,
		helper.KindRedeemFailed:
		return http.StatusUnprocessableEntity
	case helper.KindPaused:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeHelperError(w http.ResponseWriter, receiptID string, err error) {
	kind := helper.KindOf(err)
	detail := errorDetail{Kind: string(kind), Message: helper.ReasonOf(err)}
	var helperErr *helper.Error
	if errors.As(err, &helperErr) {
		detail.Step = string(helperErr.Step)
		if !helperErr.Market.IsZero() {
			detail.Market = helperErr.Market.String()
		}
	}
	status := statusForKind(kind)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: detail, Receipt: receiptID, Phase: string(helper.PhaseReverted)})
}

// writeError maps request, query and admin errors.
func writeError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, "Internal"
	switch {
	case errors.Is(err, errInvalidRequest):
		status, kind = http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, runtime.ErrUnknownMarket),
		errors.Is(err, runtime.ErrUnknownAsset),
		errors.Is(err, registry.ErrUnknownMarket),
		errors.Is(err, receipts.ErrNotFound):
		status, kind = http.StatusNotFound, "NotFound"
	case errors.Is(err, registry.ErrAlreadyListed),
		errors.Is(err, registry.ErrMarketNotListed):
		status, kind = http.StatusConflict, "Conflict"
	case errors.Is(err, registry.ErrInvalidCollateralFactor),
		errors.Is(err, registry.ErrInvalidPrice),
		errors.Is(err, registry.ErrInvalidAddress),
		errors.Is(err, market.ErrInvalidRate),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, nativetoken.ErrInvalidAmount),
		errors.Is(err, nativetoken.ErrInvalidAddress):
		status, kind = http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, registry.ErrInsufficientLiquidity),
		errors.Is(err, registry.ErrActionPaused),
		errors.Is(err, nativetoken.ErrInsufficientBalance):
		status, kind = http.StatusUnprocessableEntity, "Rejected"
	case errors.Is(err, market.ErrUnauthorized):
		status, kind = http.StatusForbidden, "Forbidden"
	case errors.Is(err, middleware.ErrNoCaller):
		status, kind = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, errForbidden):
		status, kind = http.StatusForbidden, "Forbidden"
	}
	middleware.WriteError(w, status, kind, err.Error())
}

var errForbidden = errors.New("forbidden")
