package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clec/bundle-reseller/internal/domain/phone"
)

// DeliveryUpdate is an asynchronous recipient status from the provider,
// pushed by webhook or found by polling.
type DeliveryUpdate struct {
	Reference   string
	Phone       string
	Status      RecipientStatus
	ProviderRef string
	Reason      string
}

// ReconcileDeliveryUpdate applies one recipient status. Terminal recipients
// are never changed, so replays are harmless. Settlement runs once no
// recipient is pending or processing.
func (s *Service) ReconcileDeliveryUpdate(ctx context.Context, upd DeliveryUpdate) (*Order, error) {
	p, err := phone.Normalize(upd.Phone)
	if err != nil {
		return nil, &ValidationError{Field: "phone", Reason: err.Error()}
	}
	switch upd.Status {
	case RecipientProcessing, RecipientDelivered, RecipientFailed:
	default:
		return nil, &ValidationError{Field: "status", Reason: "unsupported delivery status " + string(upd.Status)}
	}

	if _, err := s.mutate(ctx, upd.Reference, func(o *Order) (bool, error) {
		r := o.Recipient(p)
		if r == nil {
			return false, errors.Wrapf(ErrRecipientNotFound, "%s in %s", p, o.Reference)
		}
		if r.Terminal() || r.Status == upd.Status && (upd.ProviderRef == "" || r.DispatchRef != "") {
			return false, nil
		}
		if o.PaymentStatus != PaymentPaid {
			return false, errors.Wrapf(ErrNotPaid, "order %s", o.Reference)
		}

		r.Status = upd.Status
		if upd.ProviderRef != "" && r.DispatchRef == "" {
			r.DispatchRef = upd.ProviderRef
			r.AcceptedAt = s.now()
		}
		if upd.Status == RecipientFailed {
			r.LastError = upd.Reason
		}
		r.NextAttemptAt = time.Time{}
		o.Recompute(s.now())
		return true, nil
	}); err != nil {
		return nil, err
	}
	return s.settle(ctx, upd.Reference)
}

// settle handles the money side of failed recipients once delivery settled.
// Wallet orders are credited per failed recipient under a per-recipient key;
// gateway orders are flagged for an operator refund.
func (s *Service) settle(ctx context.Context, reference string) (*Order, error) {
	o, err := s.GetOrder(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !o.DeliveryStatus.Terminal() || o.OwedRefund().IsZero() {
		return o, nil
	}

	if o.PaymentMethod == PaymentGateway {
		return s.mutate(ctx, reference, func(o *Order) (bool, error) {
			if o.RefundRequired || o.OwedRefund().IsZero() {
				return false, nil
			}
			o.RefundRequired = true
			zctx.From(ctx).Warn("Manual refund required",
				zap.String("reference", o.Reference),
				zap.String("amount", o.OwedRefund().StringFixed(2)),
			)
			return true, nil
		})
	}

	for _, r := range o.Recipients {
		if r.Status != RecipientFailed || r.Refunded {
			continue
		}
		entry, err := s.wallet.Credit(ctx, o.ActorID, r.UnitPrice, r.RefundKey(o.Reference), o.Reference)
		if err != nil {
			// Retried by the next reconcile pass under the same key.
			zctx.From(ctx).Error("Refund recipient",
				zap.String("reference", o.Reference),
				zap.String("phone", r.Phone),
				zap.Error(err),
			)
			continue
		}
		s.metrics.refunds.Add(ctx, 1)
		zctx.From(ctx).Info("Recipient refunded",
			zap.String("reference", o.Reference),
			zap.String("phone", r.Phone),
			zap.String("amount", entry.Amount.StringFixed(2)),
			zap.String("balance", entry.BalanceAfter.StringFixed(2)),
		)

		refunded := r.Phone
		if _, err := s.mutate(ctx, reference, func(o *Order) (bool, error) {
			r := o.Recipient(refunded)
			if r == nil || r.Refunded {
				return false, nil
			}
			r.Refunded = true
			return true, o.addRefund(r.UnitPrice)
		}); err != nil {
			return nil, err
		}
	}
	return s.GetOrder(ctx, reference)
}

// addRefund records a refunded amount and moves a fully refunded failed order
// to refunded.
func (o *Order) addRefund(amount decimal.Decimal) error {
	o.RefundedAmount = o.RefundedAmount.Add(amount)
	if o.RefundedAmount.LessThan(o.TotalAmount) || o.State != StateFailed {
		return nil
	}
	if err := o.transition(StateRefunded); err != nil {
		return err
	}
	o.PaymentStatus = PaymentRefunded
	return nil
}

// RetryDispatch re-drives an order now. Recipients waiting for a retry are
// due immediately; failed recipients that were not refunded start over with
// a fresh attempt budget, which withdraws a pending manual refund flag.
func (s *Service) RetryDispatch(ctx context.Context, reference string) (*Order, error) {
	o, err := s.mutate(ctx, reference, func(o *Order) (bool, error) {
		if o.PaymentStatus != PaymentPaid {
			return false, errors.Wrapf(ErrNotPaid, "order %s", o.Reference)
		}
		changed, revived := false, false
		for i := range o.Recipients {
			r := &o.Recipients[i]
			switch {
			case r.NeedsDispatch() && !r.NextAttemptAt.IsZero():
				r.NextAttemptAt = time.Time{}
				changed = true
			case r.Status == RecipientFailed && !r.Refunded:
				r.Status = RecipientPending
				r.Attempts = 0
				r.NextAttemptAt = time.Time{}
				r.LastError = ""
				changed, revived = true, true
			}
		}
		if !changed {
			return false, nil
		}
		if revived {
			o.RefundRequired = false
		}
		if o.State == StateFailed || o.State == StatePartiallyFailed {
			if err := o.transition(StateDispatching); err != nil {
				return false, err
			}
			o.CompletedAt = nil
		}
		o.Recompute(s.now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Dispatch retry requested", zap.String("reference", reference), zap.String("state", string(o.State)))
	return s.Dispatch(ctx, reference)
}

// MarkManualRefund records that an operator refunded a gateway order outside
// the system. It clears RefundRequired; a second call is a no-op.
func (s *Service) MarkManualRefund(ctx context.Context, reference string, amount decimal.Decimal) (*Order, error) {
	return s.mutate(ctx, reference, func(o *Order) (bool, error) {
		if !o.RefundRequired {
			return false, nil
		}
		if o.PaymentMethod != PaymentGateway {
			return false, &ValidationError{Field: "reference", Reason: "wallet orders are refunded automatically"}
		}
		if !amount.IsPositive() || amount.GreaterThan(o.TotalAmount.Sub(o.RefundedAmount)) {
			return false, &ValidationError{Field: "amount", Reason: "must be positive and at most the unrefunded total"}
		}
		for i := range o.Recipients {
			if o.Recipients[i].Status == RecipientFailed {
				o.Recipients[i].Refunded = true
			}
		}
		o.RefundRequired = false
		if o.State == StateCancelled {
			o.RefundedAmount = o.RefundedAmount.Add(amount)
			return true, nil
		}
		return true, o.addRefund(amount)
	})
}
