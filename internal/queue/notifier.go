package queue

import (
	"context"

	"github.com/clec/bundle-reseller/internal/domain/order"
	"github.com/clec/bundle-reseller/internal/notify"
)

// Notifier turns order status changes into order.notify events. It is called
// from queue handlers, so it never waits on a full queue: the event is dropped
// with ErrFull and the caller logs it.
type Notifier struct {
	q Queue
}

var _ order.Notifier = (*Notifier)(nil)

func NewNotifier(q Queue) *Notifier {
	return &Notifier{q: q}
}

// OrderUpdated renders the payload now so the webhook reflects the state that
// triggered it, not whatever the order looks like when the event is handled.
func (n *Notifier) OrderUpdated(_ context.Context, o *order.Order) error {
	if o.WebhookURL == "" {
		return nil
	}
	return n.q.TryPublish(Event{
		Kind:      KindOrderNotify,
		Reference: o.Reference,
		URL:       o.WebhookURL,
		Payload:   notify.Payload(o),
	})
}
