package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrFrozen            = errors.New("vault frozen")
	ErrAlreadyApplied    = errors.New("resolution already applied")
	ErrDecodeFailure     = errors.New("decode failure")
	ErrSlippageExceeded  = errors.New("slippage exceeded")
	ErrMalformedTiming   = errors.New("malformed market timing")
	ErrMarketNotOpen     = errors.New("market not open")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrLeaseHeld         = errors.New("lease held elsewhere")
)

// reasons maps each sentinel to the short text shown to API callers.
var reasons = []struct {
	err    error
	reason string
}{
	{ErrNotFound, "not found"},
	{ErrAlreadyExists, "already exists"},
	{ErrInvalidInput, "invalid input"},
	{ErrInsufficientFunds, "insufficient funds"},
	{ErrFrozen, "vault is frozen"},
	{ErrAlreadyApplied, "already applied"},
	{ErrSlippageExceeded, "price moved beyond slippage limit"},
	{ErrMalformedTiming, "market timing is malformed"},
	{ErrMarketNotOpen, "market is not open"},
	{ErrRateLimited, "rate limited"},
	{ErrUnauthorized, "unauthorized"},
}

// Reason returns a short human-readable reason for err that never exposes
// internal state. Unknown errors map to "internal error".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal error"
}
