package order

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors of the order lifecycle.
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrConflict is returned by Repository.UpdateIfVersion when another
	// writer stored a newer version first.
	ErrConflict = errors.New("order was modified concurrently")
	// ErrSignatureInvalid rejects webhooks whose signature does not verify.
	ErrSignatureInvalid = errors.New("invalid signature")
	// ErrInsufficientBalance is returned by Wallet.Debit.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	// ErrOutcomeUnknown marks a provider or gateway call that timed out or lost
	// its connection. The request may or may not have taken effect.
	ErrOutcomeUnknown = errors.New("outcome unknown")
	ErrNotPaid        = errors.New("order is not paid")
	ErrUnauthorized   = errors.New("unauthorized")
)

// ValidationError rejects a request before any money moves.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError reports the wallet shortfall.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// Shortfall is the amount missing from the wallet.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientBalance }

// CooldownError blocks a new order for a phone that was paid for recently.
type CooldownError struct {
	Phone      string
	Minutes    int
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active for %s: retry in %d minute(s)", e.Phone, e.Minutes)
}

// GatewayError wraps a failed initialize or verify call.
type GatewayError struct {
	Op string
	// Retryable is set when the call timed out or the gateway answered 5xx.
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// DispatchError is a provider failure scoped to one recipient.
type DispatchError struct {
	Phone     string
	Reason    string
	Retryable bool
	Err       error
}

func (e *DispatchError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("dispatch %s (%s): %s", e.Phone, kind, e.Reason)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// TransitionError is returned for a lifecycle move the state chart forbids.
type TransitionError struct {
	Reference string
	From, To  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.Reference, e.From, e.To)
}
