package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ConfirmPayment verifies a gateway payment and, on success, marks the order
// paid and dispatches it. It is idempotent: an order that is no longer
// pending is returned unchanged, and when two callers race only the one whose
// version check wins dispatches. A cancelled order whose charge settled anyway
// is flagged RefundRequired instead.
//
// A verify timeout or gateway 5xx returns a retryable *GatewayError together
// with the unchanged order.
func (s *Service) ConfirmPayment(ctx context.Context, reference string) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.ConfirmPayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.reference", reference))

	o, err := s.GetOrder(ctx, reference)
	if err != nil {
		return nil, err
	}
	if o.PaymentMethod != PaymentGateway {
		return o, nil
	}
	late := lateChargePossible(o)
	if !late && (o.PaymentStatus != PaymentPending || o.State != StateCreated) {
		return o, nil
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	v, err := s.gateway.Verify(vctx, reference)
	cancel()
	if err != nil {
		var gwErr *GatewayError
		if !errors.As(err, &gwErr) {
			gwErr = &GatewayError{Op: "verify", Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrOutcomeUnknown) {
			gwErr.Retryable = true
		}
		zctx.From(ctx).Warn("Verify payment",
			zap.String("reference", reference),
			zap.Bool("retryable", gwErr.Retryable),
			zap.Error(err),
		)
		return o, gwErr
	}

	if late {
		if v.Status != GatewaySuccess || !v.Amount.IsPositive() {
			return o, nil
		}
		return s.flagLateCharge(ctx, reference, v)
	}

	switch v.Status {
	case GatewaySuccess:
		if v.Amount.LessThan(o.TotalAmount) {
			zctx.From(ctx).Warn("Paid amount below order total",
				zap.String("reference", reference),
				zap.String("paid", v.Amount.StringFixed(2)),
				zap.String("total", o.TotalAmount.StringFixed(2)),
			)
			return s.mutate(ctx, reference, func(o *Order) (bool, error) {
				if o.State != StateCreated {
					return false, nil
				}
				if err := o.transition(StateCancelled); err != nil {
					return false, err
				}
				o.PaymentStatus = PaymentFailed
				o.FailureReason = "paid amount below order total"
				o.RefundRequired = v.Amount.IsPositive()
				return true, nil
			})
		}
	case GatewayFailed, GatewayAbandoned:
		return s.cancel(ctx, reference, "payment "+string(v.Status))
	default:
		return o, nil
	}

	var won bool
	paid, err := s.mutate(ctx, reference, func(o *Order) (bool, error) {
		won = false
		if o.PaymentStatus != PaymentPending || o.State != StateCreated {
			return false, nil
		}
		if err := o.transition(StatePaid); err != nil {
			return false, err
		}
		o.PaymentStatus = PaymentPaid
		won = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return paid, nil
	}
	s.metrics.confirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(PaymentGateway))))

	final, err := s.Dispatch(ctx, reference)
	if err != nil {
		zctx.From(ctx).Error("Dispatch after payment", zap.String("reference", reference), zap.Error(err))
		return paid, nil
	}
	return final, nil
}

// lateChargePossible reports whether a cancelled gateway order may still have
// been charged: the gateway can settle a payment after the order expired or
// after it reported the charge as failed.
func lateChargePossible(o *Order) bool {
	return o.State == StateCancelled &&
		o.PaymentStatus == PaymentFailed &&
		!o.RefundRequired &&
		o.RefundedAmount.IsZero()
}

// flagLateCharge records that money arrived for an order that will not be
// fulfilled. The order stays cancelled and an operator refunds the charge.
func (s *Service) flagLateCharge(ctx context.Context, reference string, v Verification) (*Order, error) {
	o, err := s.mutate(ctx, reference, func(o *Order) (bool, error) {
		if !lateChargePossible(o) {
			return false, nil
		}
		o.RefundRequired = true
		o.FailureReason = "payment received after the order was cancelled"
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if o.RefundRequired {
		zctx.From(ctx).Error("Charge settled for cancelled order, refund required",
			zap.String("reference", reference),
			zap.String("paid", v.Amount.StringFixed(2)),
		)
	}
	return o, nil
}
