package queue

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject is the default subject events are published on.
const Subject = "reseller.events"

// NATS publishes events to a subject and consumes them through a queue group
// so that several api instances share the work.
type NATS struct {
	nc      *nats.Conn
	subject string
	group   string
	workers int
	// closed is closed once the connection has finished draining.
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*NATS)(nil)

// NewNATS wraps an established connection.
func NewNATS(nc *nats.Conn, subject, group string, workers int) *NATS {
	if subject == "" {
		subject = Subject
	}
	if group == "" {
		group = "reseller-workers"
	}
	q := &NATS{nc: nc, subject: subject, group: group, workers: max(workers, 1), closed: make(chan struct{})}
	nc.SetClosedHandler(func(*nats.Conn) {
		q.closeOnce.Do(func() { close(q.closed) })
	})
	return q
}

// DialNATS connects to url and returns a queue on subject, or on the default
// subject when it is empty. The queue group is named after the subject so that
// separate queues on one server never share workers.
func DialNATS(url, name, subject string, workers int) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	if subject == "" {
		subject = Subject
	}
	return NewNATS(nc, subject, subject+".workers", workers), nil
}

func (q *NATS) Publish(_ context.Context, ev Event) error {
	if q.nc.IsClosed() || q.nc.IsDraining() {
		return ErrClosed
	}
	if err := q.nc.Publish(q.subject, ev.Encode()); err != nil {
		return errors.Wrap(err, "publish")
	}
	return nil
}

// TryPublish is Publish: the client buffers outgoing messages and reports an
// error instead of blocking when its buffer is exhausted.
func (q *NATS) TryPublish(ev Event) error {
	return q.Publish(context.Background(), ev)
}

// Run subscribes one queue-group member per worker. Each subscription
// delivers sequentially, so workers bound the concurrency. It returns when ctx
// is done or Close has drained the connection.
func (q *NATS) Run(ctx context.Context, h Handler) error {
	lg := zctx.From(ctx)
	subs := make([]*nats.Subscription, 0, q.workers)
	for range q.workers {
		sub, err := q.nc.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
			ev, err := Decode(msg.Data)
			if err != nil {
				lg.Warn("Dropping malformed event", zap.Error(err))
				return
			}
			handle(ctx, h, ev)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return errors.Wrap(err, "subscribe")
		}
		subs = append(subs, sub)
	}

	select {
	case <-ctx.Done():
	case <-q.closed:
		// Close drained the subscriptions with the connection.
		return nil
	}
	for _, s := range subs {
		if err := s.Drain(); err != nil {
			lg.Warn("Drain subscription", zap.Error(err))
		}
	}
	return nil
}

// Close drains pending messages and then closes the connection.
func (q *NATS) Close() error {
	if q.nc.IsClosed() {
		return nil
	}
	return q.nc.Drain()
}
