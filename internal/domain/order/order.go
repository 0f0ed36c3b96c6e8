package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes a one-recipient order from a bulk order.
type Kind string

const (
	KindSingle Kind = "single"
	KindBulk   Kind = "bulk"
)

// PaymentMethod is how the customer funds the order.
type PaymentMethod string

const (
	PaymentWallet  PaymentMethod = "wallet"
	PaymentGateway PaymentMethod = "gateway"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentWallet || m == PaymentGateway
}

// PaymentStatus tracks the money side of an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// DeliveryStatus is the order-level status derived from all recipients.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
)

// Terminal reports whether no recipient can change any more.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// RecipientStatus is the dispatch status of a single phone.
type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientProcessing RecipientStatus = "processing"
	RecipientDelivered  RecipientStatus = "delivered"
	RecipientFailed     RecipientStatus = "failed"
)

// Recipient is one phone receiving one bundle within an order.
type Recipient struct {
	Phone     string
	Variant   string
	ProductID string
	UnitPrice decimal.Decimal

	// DispatchRef is the provider's reference, set once the provider accepted
	// the request.
	DispatchRef string
	// AcceptedAt is when DispatchRef was first recorded.
	AcceptedAt time.Time

	Status        RecipientStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Refunded      bool
}

// Terminal reports whether the recipient reached delivered or failed.
func (r *Recipient) Terminal() bool {
	return r.Status == RecipientDelivered || r.Status == RecipientFailed
}

// NeedsDispatch reports whether the provider has not yet acknowledged the
// recipient. A processing recipient without a DispatchRef had an ambiguous
// outcome and is re-sent under the same idempotency key.
func (r *Recipient) NeedsDispatch() bool {
	switch r.Status {
	case RecipientPending:
		return true
	case RecipientProcessing:
		return r.DispatchRef == ""
	default:
		return false
	}
}

// IdempotencyKey is the provider-side key for every attempt on this recipient.
func (r *Recipient) IdempotencyKey(reference string) string {
	return reference + "-" + r.Phone
}

// RefundKey is the wallet idempotency key for refunding this recipient.
func (r *Recipient) RefundKey(reference string) string {
	return reference + "-" + r.Phone + "-refund"
}

// Order is a priced purchase of one or more bundles.
type Order struct {
	ID            string
	Reference     string
	Kind          Kind
	ProductType   string
	Network       string
	UnitPrice     decimal.Decimal
	TotalAmount   decimal.Decimal
	CustomerPhone string
	CustomerEmail string
	ActorID       string
	AgentSlug     string
	WebhookURL    string
	Recipients    []Recipient

	PaymentMethod  PaymentMethod
	PaymentStatus  PaymentStatus
	DeliveryStatus DeliveryStatus
	State          State
	RefundedAmount decimal.Decimal
	// RefundRequired flags a gateway-funded order whose failed share must be
	// refunded by an operator.
	RefundRequired bool
	FailureReason  string

	// Version is incremented on every stored update and guards concurrent
	// writers.
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Recipient returns the recipient with the given normalized phone.
func (o *Order) Recipient(phone string) *Recipient {
	for i := range o.Recipients {
		if o.Recipients[i].Phone == phone {
			return &o.Recipients[i]
		}
	}
	return nil
}

// HasPhone reports whether phone is the contact or one of the recipients.
func (o *Order) HasPhone(phone string) bool {
	return o.CustomerPhone == phone || o.Recipient(phone) != nil
}

// RecipientTotal sums recipient unit prices.
func (o *Order) RecipientTotal() decimal.Decimal {
	total := decimal.Zero
	for _, r := range o.Recipients {
		total = total.Add(r.UnitPrice)
	}
	return total
}

// OwedRefund is the sum of failed recipients that have not been refunded.
func (o *Order) OwedRefund() decimal.Decimal {
	owed := decimal.Zero
	for _, r := range o.Recipients {
		if r.Status == RecipientFailed && !r.Refunded {
			owed = owed.Add(r.UnitPrice)
		}
	}
	return owed
}

// aggregate derives the order-level delivery status: delivered only when all
// recipients are delivered, failed when any failed and none is still in flight.
func (o *Order) aggregate() DeliveryStatus {
	var delivered, failed, inFlight int
	started := false
	for _, r := range o.Recipients {
		switch r.Status {
		case RecipientDelivered:
			delivered++
		case RecipientFailed:
			failed++
		default:
			inFlight++
		}
		if r.Status != RecipientPending || r.Attempts > 0 {
			started = true
		}
	}

	switch {
	case len(o.Recipients) > 0 && delivered == len(o.Recipients):
		return DeliveryDelivered
	case failed > 0 && inFlight == 0:
		return DeliveryFailed
	case started:
		return DeliveryProcessing
	default:
		return DeliveryPending
	}
}

// Recompute refreshes DeliveryStatus and, for orders being dispatched, moves
// the lifecycle state to its terminal value once every recipient settled.
func (o *Order) Recompute(now time.Time) {
	o.DeliveryStatus = o.aggregate()
	if o.State != StateDispatching {
		return
	}

	switch o.DeliveryStatus {
	case DeliveryDelivered:
		o.State = StateDelivered
	case DeliveryFailed:
		o.State = StateFailed
		for _, r := range o.Recipients {
			if r.Status == RecipientDelivered {
				o.State = StatePartiallyFailed
				break
			}
		}
	default:
		return
	}
	o.CompletedAt = &now
}

// Clone returns a deep copy, safe to mutate independently.
func (o *Order) Clone() *Order {
	c := *o
	c.Recipients = append([]Recipient(nil), o.Recipients...)
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// AttemptStatus is the outcome of one provider call.
type AttemptStatus string

const (
	// AttemptPending means the provider accepted the request.
	AttemptPending AttemptStatus = "pending"
	AttemptFailed  AttemptStatus = "failed"
	// AttemptUnknown means the call timed out or the connection broke.
	AttemptUnknown AttemptStatus = "unknown"
)

// DispatchAttempt is the append-only audit record of one provider call for
// one recipient. A retry creates a new record.
type DispatchAttempt struct {
	ID          string
	OrderID     string
	Reference   string
	Phone       string
	Attempt     int
	Status      AttemptStatus
	ProviderRef string
	Error       string
	Retryable   bool
	CreatedAt   time.Time
}
