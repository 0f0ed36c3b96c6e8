package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// ReconcileStats counts what one reconcile pass did.
type ReconcileStats struct {
	Verified   int
	Expired    int
	Resolved   int
	Dispatched int
	Polled     int
	TimedOut   int
	Settled    int
}

// ReconcileOnce is one background pass. It verifies gateway payments whose
// webhook never arrived and expires the abandoned ones, settles wallet debits
// whose outcome was lost, re-drives dispatches that are due, polls the
// provider for recipients it acknowledged, and retries wallet refunds that
// failed earlier. Each category is paged through completely, BatchSize orders
// at a time. Errors on one order are logged and do not stop the pass.
func (s *Service) ReconcileOnce(ctx context.Context) (ReconcileStats, error) {
	ctx, span := s.tracer.Start(ctx, "order.ReconcileOnce")
	defer span.End()

	var stats ReconcileStats
	lg := zctx.From(ctx)
	now := s.now()

	if err := s.scan(ctx, ListFilter{
		States:        []State{StateCreated},
		Method:        PaymentGateway,
		CreatedBefore: now.Add(-s.cfg.VerifyGrace),
	}, func(o *Order) {
		updated, err := s.ConfirmPayment(ctx, o.Reference)
		if err != nil {
			lg.Warn("Reconcile payment", zap.String("reference", o.Reference), zap.Error(err))
			return
		}
		stats.Verified++
		if updated.State == StateCreated && now.Sub(o.CreatedAt) > s.cfg.PendingPaymentTTL {
			if _, err := s.cancel(ctx, o.Reference, "payment window expired"); err != nil {
				lg.Warn("Expire payment", zap.String("reference", o.Reference), zap.Error(err))
				return
			}
			stats.Expired++
		}
	}); err != nil {
		return stats, errors.Wrap(err, "list pending payments")
	}

	if err := s.scan(ctx, ListFilter{
		States:        []State{StateCreated},
		Method:        PaymentWallet,
		CreatedBefore: now.Add(-s.cfg.VerifyGrace),
	}, func(o *Order) {
		if _, err := s.resolveWalletPayment(ctx, o); err != nil {
			lg.Warn("Resolve wallet payment", zap.String("reference", o.Reference), zap.Error(err))
			return
		}
		stats.Resolved++
	}); err != nil {
		return stats, errors.Wrap(err, "list unresolved wallet payments")
	}

	if err := s.scan(ctx, ListFilter{
		States: []State{StatePaid, StateDispatching},
	}, func(o *Order) {
		polled, timedOut := s.pollRecipients(ctx, o, now)
		stats.Polled += polled
		stats.TimedOut += timedOut
		if o.State == StatePaid || hasDueRecipient(o, now) {
			if _, err := s.Dispatch(ctx, o.Reference); err != nil {
				lg.Warn("Reconcile dispatch", zap.String("reference", o.Reference), zap.Error(err))
				return
			}
			stats.Dispatched++
		}
	}); err != nil {
		return stats, errors.Wrap(err, "list active orders")
	}

	if err := s.scan(ctx, ListFilter{
		States:     []State{StateFailed, StatePartiallyFailed},
		Method:     PaymentWallet,
		OwesRefund: true,
	}, func(o *Order) {
		if _, err := s.settle(ctx, o.Reference); err != nil {
			lg.Warn("Reconcile refund", zap.String("reference", o.Reference), zap.Error(err))
			return
		}
		stats.Settled++
	}); err != nil {
		return stats, errors.Wrap(err, "list owed refunds")
	}

	return stats, nil
}

// scan pages through every order matching f with a keyset cursor, so that
// orders stuck at the head of the list never hide the ones behind them.
func (s *Service) scan(ctx context.Context, f ListFilter, fn func(o *Order)) error {
	f.Limit = s.cfg.BatchSize
	for {
		page, err := s.orders.ListByState(ctx, f)
		if err != nil {
			return err
		}
		for i := range page {
			fn(&page[i])
		}
		if len(page) < f.Limit {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		last := page[len(page)-1]
		f.AfterCreatedAt, f.AfterReference = last.CreatedAt, last.Reference
	}
}

// pollRecipients asks the provider about recipients it acknowledged but has
// not reported on yet. A recipient the provider still reports undelivered
// past DeliveryDeadline is failed so that its money is returned.
func (s *Service) pollRecipients(ctx context.Context, o *Order, now time.Time) (polled, timedOut int) {
	for _, r := range o.Recipients {
		if r.Status != RecipientProcessing || r.DispatchRef == "" {
			continue
		}
		status, err := s.dispatcher.Status(ctx, r.DispatchRef)
		if err != nil {
			zctx.From(ctx).Warn("Poll delivery status",
				zap.String("reference", o.Reference),
				zap.String("provider_ref", r.DispatchRef),
				zap.Error(err),
			)
			continue
		}
		polled++

		upd := DeliveryUpdate{
			Reference:   o.Reference,
			Phone:       r.Phone,
			Status:      status,
			ProviderRef: r.DispatchRef,
			Reason:      "reported by provider status poll",
		}
		if status == RecipientProcessing || status == RecipientPending {
			accepted := r.AcceptedAt
			if accepted.IsZero() {
				accepted = o.CreatedAt
			}
			if now.Sub(accepted) <= s.cfg.DeliveryDeadline {
				continue
			}
			zctx.From(ctx).Warn("Delivery deadline passed",
				zap.String("reference", o.Reference),
				zap.String("phone", r.Phone),
				zap.String("provider_ref", r.DispatchRef),
				zap.Time("accepted_at", accepted),
			)
			upd.Status = RecipientFailed
			upd.Reason = "no delivery report within " + s.cfg.DeliveryDeadline.String()
			timedOut++
		}
		if _, err := s.ReconcileDeliveryUpdate(ctx, upd); err != nil {
			zctx.From(ctx).Warn("Apply polled status", zap.String("reference", o.Reference), zap.Error(err))
		}
	}
	return polled, timedOut
}

func hasDueRecipient(o *Order, now time.Time) bool {
	for _, r := range o.Recipients {
		if r.NeedsDispatch() && !r.NextAttemptAt.After(now) {
			return true
		}
	}
	return false
}
