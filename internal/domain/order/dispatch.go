package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatch sends every recipient that the provider has not acknowledged yet
// and whose retry time has come. Recipients run concurrently; attempts for the
// same recipient never overlap. A failure is recorded on its recipient and
// never aborts the siblings. Settlement runs afterwards.
func (s *Service) Dispatch(ctx context.Context, reference string) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("order.reference", reference))

	o, err := s.mutate(ctx, reference, func(o *Order) (bool, error) {
		if o.PaymentStatus != PaymentPaid {
			return false, errors.Wrapf(ErrNotPaid, "order %s", o.Reference)
		}
		if o.State != StatePaid {
			return false, nil
		}
		if err := o.transition(StateDispatching); err != nil {
			return false, err
		}
		o.Recompute(s.now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if o.State != StateDispatching {
		return o, nil
	}

	now := s.now()
	var g errgroup.Group
	g.SetLimit(s.cfg.DispatchConcurrency)
	for _, r := range o.Recipients {
		if !r.NeedsDispatch() || r.NextAttemptAt.After(now) {
			continue
		}
		g.Go(func() error {
			s.dispatchRecipient(ctx, reference, r.Phone)
			return nil
		})
	}
	_ = g.Wait()

	return s.settle(ctx, reference)
}

// dispatchRecipient makes one provider call for one recipient. Concurrent
// callers for the same recipient share a single call.
func (s *Service) dispatchRecipient(ctx context.Context, reference, phone string) {
	key := reference + "-" + phone
	_, _, _ = s.inflight.Do(key, func() (any, error) {
		o, err := s.orders.GetByReference(ctx, reference)
		if err != nil {
			zctx.From(ctx).Error("Load order for dispatch", zap.String("reference", reference), zap.Error(err))
			return nil, nil
		}
		r := o.Recipient(phone)
		if r == nil || !r.NeedsDispatch() || o.State != StateDispatching {
			return nil, nil
		}

		attempt := r.Attempts + 1
		out, callErr := s.dispatcher.DispatchOne(ctx, DispatchRequest{
			Reference: o.Reference,
			Network:   o.Network,
			Recipient: *r,
		})
		result := s.classify(attempt, out, callErr)

		rec := DispatchAttempt{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			Reference:   o.Reference,
			Phone:       phone,
			Attempt:     attempt,
			Status:      result.attempt,
			ProviderRef: out.ProviderRef,
			Retryable:   result.retryable,
			CreatedAt:   s.now(),
		}
		if callErr != nil {
			rec.Error = callErr.Error()
		}
		if err := s.orders.AppendAttempt(ctx, &rec); err != nil {
			zctx.From(ctx).Error("Append dispatch attempt", zap.String("reference", reference), zap.Error(err))
		}
		s.metrics.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(result.attempt))))

		lg := zctx.From(ctx).With(zap.String("reference", reference), zap.String("phone", phone), zap.Int("attempt", attempt))
		if callErr != nil {
			lg.Warn("Dispatch failed", zap.Bool("retryable", result.retryable), zap.Error(callErr))
		} else {
			lg.Info("Dispatch accepted", zap.String("provider_ref", out.ProviderRef))
		}

		if _, err := s.mutate(ctx, reference, func(o *Order) (bool, error) {
			r := o.Recipient(phone)
			if r == nil || r.Terminal() {
				return false, nil
			}
			result.apply(r, attempt, s.now())
			o.Recompute(s.now())
			return true, nil
		}); err != nil {
			lg.Error("Store dispatch result", zap.Error(err))
		}
		return nil, nil
	})
}

type dispatchResult struct {
	attempt   AttemptStatus
	retryable bool
	status    RecipientStatus
	ref       string
	lastErr   string
	retryAt   time.Duration
}

// classify maps a provider answer to the recipient's next status. Ambiguous
// outcomes stay processing without a reference and are re-sent under the same
// idempotency key; only the attempt cap turns them into a failure.
func (s *Service) classify(attempt int, out DispatchOutcome, err error) dispatchResult {
	backoff := s.cfg.RetryBackoff << min(attempt-1, 6)

	var res dispatchResult
	var dErr *DispatchError
	switch {
	case err == nil:
		res = dispatchResult{attempt: AttemptPending, status: out.Status, ref: out.ProviderRef}
		if res.status == "" || res.status == RecipientPending {
			res.status = RecipientProcessing
		}
		return res
	case errors.Is(err, ErrOutcomeUnknown) || errors.Is(err, context.DeadlineExceeded):
		res = dispatchResult{attempt: AttemptUnknown, retryable: true, status: RecipientProcessing, retryAt: backoff}
	case errors.As(err, &dErr) && !dErr.Retryable:
		return dispatchResult{attempt: AttemptFailed, status: RecipientFailed, lastErr: err.Error()}
	default:
		res = dispatchResult{attempt: AttemptFailed, retryable: true, status: RecipientPending, retryAt: backoff}
	}
	res.lastErr = err.Error()

	if attempt >= s.cfg.MaxDispatchAttempts {
		res.status = RecipientFailed
		res.lastErr = "max dispatch attempts exceeded: " + res.lastErr
	}
	return res
}

func (d dispatchResult) apply(r *Recipient, attempt int, now time.Time) {
	r.Attempts = attempt
	r.Status = d.status
	r.LastError = d.lastErr
	if d.ref != "" {
		r.DispatchRef = d.ref
		if r.AcceptedAt.IsZero() {
			r.AcceptedAt = now
		}
	}
	if d.retryAt > 0 && d.status != RecipientFailed {
		r.NextAttemptAt = now.Add(d.retryAt)
	} else {
		r.NextAttemptAt = time.Time{}
	}
}
