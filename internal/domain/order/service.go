package order

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/clec/bundle-reseller/internal/domain/auth"
	"github.com/clec/bundle-reseller/internal/domain/phone"
	"github.com/clec/bundle-reseller/internal/domain/product"
)

// RecipientList is either Single(phone) or Bulk(phones). The zero value is
// an empty list and fails validation.
type RecipientList struct {
	kind   Kind
	phones []string
}

// Single is a list with exactly one recipient.
func Single(p string) RecipientList {
	return RecipientList{kind: KindSingle, phones: []string{p}}
}

// Bulk is a list of recipients delivered under one order.
func Bulk(phones []string) RecipientList {
	return RecipientList{kind: KindBulk, phones: phones}
}

func (l RecipientList) Kind() Kind       { return l.kind }
func (l RecipientList) Phones() []string { return l.phones }

// CreateOrderRequest holds the input for placing an order.
type CreateOrderRequest struct {
	ProductType   string
	Network       string
	Recipients    RecipientList
	Variant       string
	ProductID     string
	PaymentMethod PaymentMethod
	// Actor is required for wallet payments.
	Actor         *auth.Actor
	CustomerPhone string
	CustomerEmail string
	AgentSlug     string
	WebhookURL    string
}

// WalletSummary describes the debit of a wallet-funded order.
type WalletSummary struct {
	PreviousBalance decimal.Decimal
	AmountDeducted  decimal.Decimal
	NewBalance      decimal.Decimal
}

// CreateOrderResult holds the output of a placed order. PaymentURL is set for
// gateway orders and Wallet for wallet orders.
type CreateOrderResult struct {
	Order      *Order
	PaymentURL string
	Wallet     *WalletSummary
}

// Config holds engine tunables.
type Config struct {
	ReferencePrefix     string
	CallbackURL         string
	GuestEmailDomain    string
	MaxDispatchAttempts int
	RetryBackoff        time.Duration
	PendingPaymentTTL   time.Duration
	// VerifyGrace is how old a pending gateway order must be before the
	// reconciler verifies it on its own.
	VerifyGrace         time.Duration
	VerifyTimeout       time.Duration
	DispatchConcurrency int
	// DeliveryDeadline is how long an acknowledged recipient may stay
	// processing before a poll that still reports it undelivered fails it.
	DeliveryDeadline time.Duration
	BatchSize        int
}

func (c *Config) setDefaults() {
	if c.ReferencePrefix == "" {
		c.ReferencePrefix = "CLEC"
	}
	if c.GuestEmailDomain == "" {
		c.GuestEmailDomain = "guest.clec.local"
	}
	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.PendingPaymentTTL <= 0 {
		c.PendingPaymentTTL = time.Hour
	}
	if c.VerifyGrace <= 0 {
		c.VerifyGrace = time.Minute
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 10 * time.Second
	}
	if c.DispatchConcurrency <= 0 {
		c.DispatchConcurrency = 8
	}
	if c.DeliveryDeadline <= 0 {
		c.DeliveryDeadline = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Deps are the collaborators of the engine. Notifier, Meter and Tracer are
// optional.
type Deps struct {
	Orders     Repository
	Wallet     Wallet
	Prices     product.Resolver
	Gateway    Gateway
	Dispatcher Dispatcher
	Cooldown   CooldownChecker
	Notifier   Notifier
	Meter      metric.Meter
	Tracer     trace.Tracer
}

// Service drives orders from payment through dispatch to settlement.
type Service struct {
	orders     Repository
	wallet     Wallet
	prices     product.Resolver
	gateway    Gateway
	dispatcher Dispatcher
	cooldown   CooldownChecker
	notifier   Notifier

	cfg      Config
	now      func() time.Time
	newRef   func() string
	inflight singleflight.Group
	metrics  metrics
	tracer   trace.Tracer
}

// NewService creates the order engine.
func NewService(deps Deps, cfg Config) *Service {
	cfg.setDefaults()
	if deps.Meter == nil {
		deps.Meter = noop.NewMeterProvider().Meter("order")
	}
	if deps.Tracer == nil {
		deps.Tracer = tracenoop.NewTracerProvider().Tracer("order")
	}
	s := &Service{
		orders:     deps.Orders,
		wallet:     deps.Wallet,
		prices:     deps.Prices,
		gateway:    deps.Gateway,
		dispatcher: deps.Dispatcher,
		cooldown:   deps.Cooldown,
		notifier:   deps.Notifier,
		cfg:        cfg,
		now:        time.Now,
		metrics:    newMetrics(deps.Meter),
		tracer:     deps.Tracer,
	}
	s.newRef = func() string { return NewReference(s.cfg.ReferencePrefix) }
	return s
}

// NewReference returns "<prefix>-<12 upper-case hex characters>".
func NewReference(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(id[:12])
}

// CreateOrder validates, prices and persists an order, then takes payment.
// Nothing is persisted or charged when validation, cooldown or pricing fails.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "order.Create")
	defer span.End()

	o, err := s.buildOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	span.SetAttributes(attribute.String("order.reference", o.Reference))
	s.metrics.created.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(o.PaymentMethod))))
	zctx.From(ctx).Info("Order created",
		zap.String("reference", o.Reference),
		zap.String("method", string(o.PaymentMethod)),
		zap.Int("recipients", len(o.Recipients)),
		zap.String("total", o.TotalAmount.StringFixed(2)),
	)

	if o.PaymentMethod == PaymentWallet {
		return s.payFromWallet(ctx, o)
	}
	return s.initializePayment(ctx, o)
}

func (s *Service) buildOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if !req.PaymentMethod.Valid() {
		return nil, &ValidationError{Field: "paymentMethod", Reason: "must be wallet or gateway"}
	}
	if req.ProductType == "" {
		return nil, &ValidationError{Field: "productType", Reason: "required"}
	}
	if req.Network == "" {
		return nil, &ValidationError{Field: "network", Reason: "required"}
	}
	if req.Variant == "" && req.ProductID == "" {
		return nil, &ValidationError{Field: "volume", Reason: "volume or productId required"}
	}
	if req.PaymentMethod == PaymentWallet && (req.Actor == nil || req.Actor.ID == "") {
		return nil, &ValidationError{Field: "paymentMethod", Reason: "wallet payment requires an authenticated account"}
	}

	phones, err := normalizeRecipients(req.Recipients)
	if err != nil {
		return nil, err
	}
	contact := phones[0]
	if req.CustomerPhone != "" {
		if contact, err = phone.Normalize(req.CustomerPhone); err != nil {
			return nil, &ValidationError{Field: "customerPhone", Reason: err.Error()}
		}
	}
	if hint, ok := phone.NetworkHint(contact); ok && hint != strings.ToLower(req.Network) {
		zctx.From(ctx).Debug("Phone prefix does not match network",
			zap.String("phone", contact),
			zap.String("network", req.Network),
			zap.String("prefix_network", hint),
		)
	}

	for _, p := range phones {
		d, err := s.cooldown.Check(ctx, p, req.ProductType)
		if err != nil {
			return nil, errors.Wrap(err, "check cooldown")
		}
		if !d.Allowed {
			return nil, &CooldownError{Phone: p, Minutes: d.Minutes, RetryAfter: d.RetryAfter}
		}
	}

	q := product.PriceQuery{
		ProductType: req.ProductType,
		Network:     req.Network,
		Variant:     req.Variant,
		ProductID:   req.ProductID,
		AgentSlug:   req.AgentSlug,
	}
	if req.Actor != nil {
		q.ActorID = req.Actor.ID
		q.Role = string(req.Actor.Role)
	}

	recipients := make([]Recipient, len(phones))
	total := decimal.Zero
	for i, p := range phones {
		price, err := s.prices.Resolve(ctx, q)
		if err != nil {
			return nil, errors.Wrapf(err, "price for %s", p)
		}
		recipients[i] = Recipient{
			Phone:     p,
			Variant:   price.Variant,
			ProductID: price.ProductID,
			UnitPrice: price.Amount,
			Status:    RecipientPending,
		}
		total = total.Add(price.Amount)
	}

	now := s.now()
	o := &Order{
		ID:             uuid.NewString(),
		Reference:      s.newRef(),
		Kind:           req.Recipients.Kind(),
		ProductType:    req.ProductType,
		Network:        req.Network,
		UnitPrice:      recipients[0].UnitPrice,
		TotalAmount:    total,
		CustomerPhone:  contact,
		CustomerEmail:  req.CustomerEmail,
		AgentSlug:      req.AgentSlug,
		WebhookURL:     req.WebhookURL,
		Recipients:     recipients,
		PaymentMethod:  req.PaymentMethod,
		PaymentStatus:  PaymentPending,
		DeliveryStatus: DeliveryPending,
		State:          StateCreated,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Actor != nil {
		o.ActorID = req.Actor.ID
	}
	if o.CustomerEmail == "" {
		o.CustomerEmail = contact + "@" + s.cfg.GuestEmailDomain
	}
	return o, nil
}

func normalizeRecipients(list RecipientList) ([]string, error) {
	raw := list.Phones()
	switch {
	case len(raw) == 0:
		return nil, &ValidationError{Field: "customerPhone", Reason: "at least one recipient required"}
	case list.Kind() == KindSingle && len(raw) != 1:
		return nil, &ValidationError{Field: "customerPhone", Reason: "single order takes exactly one recipient"}
	case list.Kind() != KindSingle && list.Kind() != KindBulk:
		return nil, &ValidationError{Field: "customerPhones", Reason: "unknown recipient list"}
	}

	phones, err := phone.NormalizeAll(raw)
	if err != nil {
		var dup *phone.DuplicateError
		if errors.As(err, &dup) {
			return nil, &ValidationError{Field: "customerPhones", Reason: "duplicate phone " + dup.Phone}
		}
		return nil, &ValidationError{Field: "customerPhone", Reason: err.Error()}
	}
	return phones, nil
}

func (s *Service) payFromWallet(ctx context.Context, o *Order) (*CreateOrderResult, error) {
	entry, err := s.wallet.Debit(ctx, o.ActorID, o.TotalAmount, o.Reference, o.Reference)
	if err != nil {
		var funds *InsufficientFundsError
		if !errors.As(err, &funds) {
			// The debit may have committed. The order stays created and the
			// reconciler settles it from the ledger entry for its key.
			zctx.From(ctx).Warn("Wallet debit outcome unknown", zap.String("reference", o.Reference), zap.Error(err))
			return nil, errors.Wrap(err, "debit wallet")
		}
		if _, cerr := s.cancel(ctx, o.Reference, "insufficient wallet balance"); cerr != nil {
			zctx.From(ctx).Error("Cancel unpaid wallet order", zap.String("reference", o.Reference), zap.Error(cerr))
		}
		return nil, err
	}

	final, err := s.completeWalletPayment(ctx, o.Reference)
	if err != nil {
		return nil, err
	}
	return &CreateOrderResult{
		Order: final,
		Wallet: &WalletSummary{
			PreviousBalance: entry.BalanceBefore,
			AmountDeducted:  entry.Amount,
			NewBalance:      entry.BalanceAfter,
		},
	}, nil
}

// completeWalletPayment marks a debited wallet order paid and dispatches it.
func (s *Service) completeWalletPayment(ctx context.Context, reference string) (*Order, error) {
	paid, err := s.markPaid(ctx, reference)
	if err != nil {
		return nil, err
	}
	s.metrics.confirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(PaymentWallet))))

	final, err := s.Dispatch(ctx, paid.Reference)
	if err != nil {
		// Payment is taken; the reconciler picks the order up again.
		zctx.From(ctx).Error("Inline dispatch", zap.String("reference", reference), zap.Error(err))
		return paid, nil
	}
	return final, nil
}

// resolveWalletPayment settles a wallet order whose debit outcome was never
// observed: the ledger entry under the order's key decides between paid and
// cancelled.
func (s *Service) resolveWalletPayment(ctx context.Context, o *Order) (*Order, error) {
	if _, found, err := s.wallet.Entry(ctx, o.Reference); err != nil {
		return nil, errors.Wrap(err, "lookup wallet entry")
	} else if !found {
		return s.cancel(ctx, o.Reference, "wallet debit failed")
	}
	return s.completeWalletPayment(ctx, o.Reference)
}

func (s *Service) initializePayment(ctx context.Context, o *Order) (*CreateOrderResult, error) {
	session, err := s.gateway.Initialize(ctx, PaymentRequest{
		Reference:   o.Reference,
		Amount:      o.TotalAmount,
		Email:       o.CustomerEmail,
		CallbackURL: s.cfg.CallbackURL,
	})
	if err != nil {
		if _, cerr := s.cancel(ctx, o.Reference, "payment initialization failed"); cerr != nil {
			zctx.From(ctx).Error("Cancel order", zap.String("reference", o.Reference), zap.Error(cerr))
		}
		var gwErr *GatewayError
		if errors.As(err, &gwErr) {
			return nil, err
		}
		return nil, &GatewayError{Op: "initialize", Err: err}
	}
	return &CreateOrderResult{Order: o, PaymentURL: session.AuthorizationURL}, nil
}

// GetOrder loads an order by reference.
func (s *Service) GetOrder(ctx context.Context, reference string) (*Order, error) {
	o, err := s.orders.GetByReference(ctx, reference)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", reference)
	}
	return o, nil
}

// VerifyOrder confirms a pending payment and returns the current order. A
// retryable gateway failure still returns the stored order alongside the error.
func (s *Service) VerifyOrder(ctx context.Context, reference string) (*Order, error) {
	return s.ConfirmPayment(ctx, reference)
}

// ListAttempts returns the dispatch audit trail of an order.
func (s *Service) ListAttempts(ctx context.Context, reference string) ([]DispatchAttempt, error) {
	if _, err := s.GetOrder(ctx, reference); err != nil {
		return nil, err
	}
	attempts, err := s.orders.ListAttempts(ctx, reference)
	if err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	return attempts, nil
}

func (s *Service) markPaid(ctx context.Context, reference string) (*Order, error) {
	return s.mutate(ctx, reference, func(o *Order) (bool, error) {
		if o.PaymentStatus != PaymentPending {
			return false, nil
		}
		if err := o.transition(StatePaid); err != nil {
			return false, err
		}
		o.PaymentStatus = PaymentPaid
		return true, nil
	})
}

func (s *Service) cancel(ctx context.Context, reference, reason string) (*Order, error) {
	return s.mutate(ctx, reference, func(o *Order) (bool, error) {
		if o.State != StateCreated {
			return false, nil
		}
		if err := o.transition(StateCancelled); err != nil {
			return false, err
		}
		o.PaymentStatus = PaymentFailed
		o.FailureReason = reason
		return true, nil
	})
}

const maxMutateAttempts = 8

// mutate applies fn to the latest stored order and saves it with an
// optimistic version check, reloading and re-applying on conflict. fn returns
// false when there is nothing to change.
func (s *Service) mutate(ctx context.Context, reference string, fn func(o *Order) (bool, error)) (*Order, error) {
	for range maxMutateAttempts {
		o, err := s.orders.GetByReference(ctx, reference)
		if err != nil {
			return nil, errors.Wrapf(err, "load order %s", reference)
		}
		prevState, prevDelivery := o.State, o.DeliveryStatus

		changed, err := fn(o)
		if err != nil {
			return nil, err
		}
		if !changed {
			return o, nil
		}

		o.UpdatedAt = s.now()
		if err := s.orders.UpdateIfVersion(ctx, o, o.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return nil, errors.Wrapf(err, "update order %s", reference)
		}

		if prevState != o.State || prevDelivery != o.DeliveryStatus {
			s.onStatusChange(ctx, o, prevState)
		}
		return o, nil
	}
	return nil, errors.Wrapf(ErrConflict, "order %s", reference)
}

func (s *Service) onStatusChange(ctx context.Context, o *Order, from State) {
	zctx.From(ctx).Info("Order updated",
		zap.String("reference", o.Reference),
		zap.String("from", string(from)),
		zap.String("to", string(o.State)),
		zap.String("payment_status", string(o.PaymentStatus)),
		zap.String("delivery_status", string(o.DeliveryStatus)),
	)
	if s.notifier == nil || o.WebhookURL == "" {
		return
	}
	if err := s.notifier.OrderUpdated(ctx, o.Clone()); err != nil {
		zctx.From(ctx).Warn("Enqueue order notification", zap.String("reference", o.Reference), zap.Error(err))
	}
}

type metrics struct {
	created   metric.Int64Counter
	confirmed metric.Int64Counter
	attempts  metric.Int64Counter
	refunds   metric.Int64Counter
}

func newMetrics(m metric.Meter) metrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return metrics{
		created:   counter("orders.created", "Orders persisted"),
		confirmed: counter("payments.confirmed", "Orders moved to paid"),
		attempts:  counter("dispatch.attempts", "Provider dispatch calls by outcome"),
		refunds:   counter("refunds.credited", "Recipients refunded to a wallet"),
	}
}
