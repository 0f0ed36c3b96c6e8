package worker

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/clec/bundle-reseller/internal/domain/order"
	"github.com/clec/bundle-reseller/internal/queue"
)

// Engine is the subset of *order.Service the router drives.
type Engine interface {
	ConfirmPayment(ctx context.Context, reference string) (*order.Order, error)
	ReconcileDeliveryUpdate(ctx context.Context, upd order.DeliveryUpdate) (*order.Order, error)
}

// Deliverer is implemented by *notify.Sender.
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload []byte) error
}

// Router dispatches queue events to the engine and the webhook sender.
type Router struct {
	engine Engine
	sender Deliverer
}

func NewRouter(engine Engine, sender Deliverer) *Router {
	return &Router{engine: engine, sender: sender}
}

// Handle is a queue.Handler.
func (r *Router) Handle(ctx context.Context, ev queue.Event) error {
	switch ev.Kind {
	case queue.KindPaymentConfirmed:
		_, err := r.engine.ConfirmPayment(ctx, ev.Reference)
		return errors.Wrap(err, "confirm payment")
	case queue.KindDeliveryUpdated:
		_, err := r.engine.ReconcileDeliveryUpdate(ctx, order.DeliveryUpdate{
			Reference:   ev.Reference,
			Phone:       ev.Phone,
			Status:      order.RecipientStatus(ev.Status),
			ProviderRef: ev.ProviderRef,
			Reason:      ev.Reason,
		})
		return errors.Wrap(err, "delivery update")
	case queue.KindOrderNotify:
		if r.sender == nil || ev.URL == "" {
			return nil
		}
		return errors.Wrap(r.sender.Deliver(ctx, ev.URL, ev.Payload), "notify")
	default:
		return errors.Errorf("unknown event kind %q", ev.Kind)
	}
}
