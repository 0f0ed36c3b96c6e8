package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clec/bundle-reseller/internal/domain/cooldown"
)

// ListFilter selects orders for the background reconciler.
type ListFilter struct {
	States []State
	// Method restricts to one payment method when set.
	Method PaymentMethod
	// CreatedBefore restricts to orders older than the given time when set.
	CreatedBefore time.Time
	// OwesRefund restricts to wallet orders with failed, unrefunded recipients.
	OwesRefund bool
	Limit      int
	// AfterCreatedAt and AfterReference resume a scan after the last order
	// of the previous page. Results are ordered by (CreatedAt, Reference).
	AfterCreatedAt time.Time
	AfterReference string
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByReference(ctx context.Context, reference string) (*Order, error)
	// UpdateIfVersion stores o only if the stored version still equals
	// expected, otherwise it returns ErrConflict. On success o.Version is
	// expected+1.
	UpdateIfVersion(ctx context.Context, o *Order, expected int64) error
	ListByState(ctx context.Context, f ListFilter) ([]Order, error)
	ListByPhone(ctx context.Context, phone string, limit int) ([]Order, error)
	AppendAttempt(ctx context.Context, a *DispatchAttempt) error
	ListAttempts(ctx context.Context, reference string) ([]DispatchAttempt, error)
}

// WalletEntry is one ledger movement.
type WalletEntry struct {
	ID             string
	ActorID        string
	Credit         bool
	Amount         decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	IdempotencyKey string
	Reference      string
	CreatedAt      time.Time
}

// Wallet moves money in an actor's internal balance. Both operations are
// transactional and idempotent per key: replaying a key returns the original
// entry without moving money again. Debit fails with *InsufficientFundsError
// when the balance is too low; any other error leaves the outcome unknown
// and Entry tells whether the movement happened.
type Wallet interface {
	Debit(ctx context.Context, actorID string, amount decimal.Decimal, key, reference string) (WalletEntry, error)
	Credit(ctx context.Context, actorID string, amount decimal.Decimal, key, reference string) (WalletEntry, error)
	Entry(ctx context.Context, key string) (WalletEntry, bool, error)
}

// PaymentRequest opens a hosted payment.
type PaymentRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Email       string
	CallbackURL string
}

// PaymentSession is where the customer completes payment.
type PaymentSession struct {
	AuthorizationURL string
	AccessCode       string
}

// GatewayStatus is the payment status reported by the gateway.
type GatewayStatus string

const (
	GatewaySuccess   GatewayStatus = "success"
	GatewayFailed    GatewayStatus = "failed"
	GatewayAbandoned GatewayStatus = "abandoned"
	GatewayPending   GatewayStatus = "pending"
)

// Verification is the gateway's answer for one reference.
type Verification struct {
	Reference string
	Status    GatewayStatus
	Amount    decimal.Decimal
	PaidAt    time.Time
}

// Gateway is the card and mobile-money payment provider.
type Gateway interface {
	Initialize(ctx context.Context, req PaymentRequest) (PaymentSession, error)
	Verify(ctx context.Context, reference string) (Verification, error)
}

// DispatchRequest asks the fulfillment provider to deliver one bundle.
type DispatchRequest struct {
	Reference string
	Network   string
	Recipient Recipient
}

// IdempotencyKey is shared by every attempt for the same recipient.
func (r DispatchRequest) IdempotencyKey() string {
	return r.Recipient.IdempotencyKey(r.Reference)
}

// DispatchOutcome is the provider's acknowledgement.
type DispatchOutcome struct {
	ProviderRef string
	// Status is usually processing; some networks deliver synchronously.
	Status RecipientStatus
}

// Dispatcher is the telecom fulfillment provider. DispatchOne returns
// *DispatchError on a definite failure and ErrOutcomeUnknown when the result
// cannot be known.
type Dispatcher interface {
	DispatchOne(ctx context.Context, req DispatchRequest) (DispatchOutcome, error)
	Status(ctx context.Context, providerRef string) (RecipientStatus, error)
}

// CooldownChecker is implemented by *cooldown.Guard.
type CooldownChecker interface {
	Check(ctx context.Context, phone, productType string) (cooldown.Decision, error)
}

// Notifier is told about every order status change. Implementations must not
// block on delivery.
type Notifier interface {
	OrderUpdated(ctx context.Context, o *Order) error
}
