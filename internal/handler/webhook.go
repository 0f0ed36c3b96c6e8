package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/clec/bundle-reseller/internal/domain/order"
	"github.com/clec/bundle-reseller/internal/gateway"
	"github.com/clec/bundle-reseller/internal/provider"
	"github.com/clec/bundle-reseller/internal/queue"
)

func (h *Handler) readWebhook(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeMessage(w, http.StatusRequestEntityTooLarge, "body too large", nil)
		return nil, false
	}
	return body, true
}

// GatewayWebhook handles POST /webhooks/gateway. The event is only a hint: the
// payment.confirmed consumer verifies the charge with the gateway before
// changing the order.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())
	body, ok := h.readWebhook(w, r)
	if !ok {
		return
	}
	if err := h.gateway.ValidateSignature(body, r.Header.Get(gateway.SignatureHeader)); err != nil {
		lg.Warn("Rejected gateway webhook", zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeError(w, r, err)
		return
	}
	ev, err := gateway.ParseEvent(body)
	if err != nil {
		writeError(w, r, &order.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if !strings.HasPrefix(ev.Type, "charge.") {
		lg.Debug("Ignored gateway event", zap.String("type", ev.Type))
		acknowledge(w)
		return
	}

	key := "gateway:" + ev.Type + ":" + ev.Reference
	h.enqueue(w, r, key, queue.Event{Kind: queue.KindPaymentConfirmed, Reference: ev.Reference})
}

// ProviderWebhook handles POST /webhooks/provider.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())
	body, ok := h.readWebhook(w, r)
	if !ok {
		return
	}
	err := h.provider.ValidateSignature(body, r.Header.Get("X-Timestamp"), r.URL.Path, r.Header.Get("X-Signature"))
	if err != nil {
		lg.Warn("Rejected provider webhook", zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeError(w, r, err)
		return
	}
	upd, err := provider.ParseDeliveryUpdate(body)
	if err != nil {
		writeError(w, r, &order.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	key := "provider:" + upd.Reference + ":" + upd.Phone + ":" + string(upd.Status)
	h.enqueue(w, r, key, queue.Event{
		Kind:        queue.KindDeliveryUpdated,
		Reference:   upd.Reference,
		Phone:       upd.Phone,
		Status:      string(upd.Status),
		ProviderRef: upd.ProviderRef,
		Reason:      upd.Reason,
	})
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, key string, ev queue.Event) {
	lg := zctx.From(r.Context()).With(zap.String("kind", string(ev.Kind)), zap.String("reference", ev.Reference))
	if h.seen.Seen(key) {
		lg.Debug("Duplicate webhook dropped")
		acknowledge(w)
		return
	}
	if err := h.events.Publish(r.Context(), ev); err != nil {
		// Not acknowledged, so the sender redelivers.
		lg.Error("Enqueue webhook", zap.Error(err))
		writeMessage(w, http.StatusServiceUnavailable, "try again later", nil)
		return
	}
	h.seen.Add(key)
	lg.Info("Webhook accepted")
	acknowledge(w)
}

func acknowledge(w http.ResponseWriter) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("received", func(e *jx.Encoder) { e.Bool(true) })
	})
	writeJSON(w, http.StatusOK, e)
}
