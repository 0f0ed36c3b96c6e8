// Package queue moves background work (confirmed payments, delivery updates
// and integrator notifications) off the request path.
package queue

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Kind names the work an Event carries.
type Kind string

const (
	KindPaymentConfirmed Kind = "payment.confirmed"
	KindDeliveryUpdated  Kind = "delivery.updated"
	KindOrderNotify      Kind = "order.notify"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by TryPublish when the event would have to wait.
	ErrFull = errors.New("queue full")
)

// Event is one unit of background work.
type Event struct {
	Kind      Kind
	Reference string

	// Delivery update fields.
	Phone       string
	Status      string
	ProviderRef string
	Reason      string

	// Notification fields. Payload is a JSON document sent as is.
	URL     string
	Payload []byte
}

// Handler processes one event. A returned error is logged; redelivery is left
// to the reconciler.
type Handler func(ctx context.Context, ev Event) error

// Queue publishes events and runs a handler over them.
type Queue interface {
	Publish(ctx context.Context, ev Event) error
	// TryPublish never waits. Handlers publishing follow-up work use it so
	// that a full queue cannot stall the workers that drain it.
	TryPublish(ev Event) error
	// Run blocks until ctx is done.
	Run(ctx context.Context, h Handler) error
	Close() error
}

// Encode writes ev as a JSON object.
func (ev Event) Encode() []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	str := func(name, v string) {
		if v != "" {
			e.Field(name, func(e *jx.Encoder) { e.Str(v) })
		}
	}
	e.Obj(func(e *jx.Encoder) {
		str("kind", string(ev.Kind))
		str("reference", ev.Reference)
		str("phone", ev.Phone)
		str("status", ev.Status)
		str("providerRef", ev.ProviderRef)
		str("reason", ev.Reason)
		str("url", ev.URL)
		if len(ev.Payload) > 0 {
			e.Field("payload", func(e *jx.Encoder) { e.Raw(ev.Payload) })
		}
	})
	return append([]byte(nil), e.Bytes()...)
}

// Decode parses an encoded event.
func Decode(b []byte) (Event, error) {
	var ev Event
	err := jx.DecodeBytes(b).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) == "payload" {
			raw, err := d.Raw()
			ev.Payload = append([]byte(nil), raw...)
			return err
		}
		var dst *string
		switch string(key) {
		case "kind":
			v, err := d.Str()
			ev.Kind = Kind(v)
			return err
		case "reference":
			dst = &ev.Reference
		case "phone":
			dst = &ev.Phone
		case "status":
			dst = &ev.Status
		case "providerRef":
			dst = &ev.ProviderRef
		case "reason":
			dst = &ev.Reason
		case "url":
			dst = &ev.URL
		default:
			return d.Skip()
		}
		v, err := d.Str()
		*dst = v
		return err
	})
	if err != nil {
		return Event{}, errors.Wrap(err, "decode event")
	}
	if ev.Kind == "" {
		return Event{}, errors.New("decode event: missing kind")
	}
	return ev, nil
}
