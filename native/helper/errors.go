package helper

import (
	"errors"
	"fmt"
	"strings"

	"lendhelper/crypto"
)

// Kind classifies why a helper call was reverted.
type Kind string

const (
	KindMarketNotListed       Kind = "MarketNotListed"
	KindInsufficientAllowance Kind = "InsufficientAllowance"
	KindTransferFailed        Kind = "TransferFailed"
	KindMintFailed            Kind = "MintFailed"
	KindBorrowFailed          Kind = "BorrowFailed"
	KindRepayFailed           Kind = "RepayFailed"
	KindRedeemFailed          Kind = "RedeemFailed"
	KindInvalidAmount         Kind = "InvalidAmount"
	KindInvalidCaller         Kind = "InvalidCaller"
	KindPaused                Kind = "Paused"
	KindInternal              Kind = "Internal"
)

// Sentinels for errors.Is matching against the kind of a helper failure.
var (
	ErrMarketNotListed       = &Error{Kind: KindMarketNotListed}
	ErrInsufficientAllowance = &Error{Kind: KindInsufficientAllowance}
	ErrTransferFailed        = &Error{Kind: KindTransferFailed}
	ErrMintFailed            = &Error{Kind: KindMintFailed}
	ErrBorrowFailed          = &Error{Kind: KindBorrowFailed}
	ErrRepayFailed           = &Error{Kind: KindRepayFailed}
	ErrRedeemFailed          = &Error{Kind: KindRedeemFailed}
	ErrInvalidAmount         = &Error{Kind: KindInvalidAmount}
	ErrInvalidCaller         = &Error{Kind: KindInvalidCaller}
	ErrPaused                = &Error{Kind: KindPaused}
	ErrInternal              = &Error{Kind: KindInternal}
)

const reasonNotListed = "market not list"

// Error is the single failure a reverted helper call reports.
type Error struct {
	Kind   Kind
	Op     Operation
	Step   StepKind
	Market crypto.Address
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("helper")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Op))
	}
	if e.Step != "" {
		fmt.Fprintf(&b, " (%s)", e.Step)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error of the same kind. Op, Step and Market are
// compared only when set on target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	if t.Step != "" && t.Step != e.Step {
		return false
	}
	if !t.Market.IsZero() && !t.Market.Equal(e.Market) {
		return false
	}
	return true
}

// KindOf extracts the failure kind from err. Errors that did not originate in
// the helper report KindInternal; nil reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var helperErr *Error
	if errors.As(err, &helperErr) && helperErr != nil {
		return helperErr.Kind
	}
	return KindInternal
}

// ReasonOf returns the human-readable reason attached to err.
func ReasonOf(err error) string {
	var helperErr *Error
	if errors.As(err, &helperErr) && helperErr != nil {
		return helperErr.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
