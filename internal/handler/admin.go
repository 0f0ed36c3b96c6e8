package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clec/bundle-reseller/internal/domain/order"
)

func (h *Handler) writeOrder(w http.ResponseWriter, o *order.Order) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.State)) })
		e.Field("transaction", func(e *jx.Encoder) { encodeTransaction(e, o) })
		e.Field("products", func(e *jx.Encoder) { encodeProducts(e, o) })
	})
	writeJSON(w, http.StatusOK, e)
}

// RetryDispatch handles POST /admin/orders/{reference}/retry.
func (h *Handler) RetryDispatch(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	o, err := h.orders.RetryDispatch(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Dispatch retried", zap.String("reference", ref), zap.String("state", string(o.State)))
	h.writeOrder(w, o)
}

// MarkRefund handles POST /admin/orders/{reference}/refund with {"amount": "12.50"}.
func (h *Handler) MarkRefund(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unreadable body", nil)
		return
	}

	var amount decimal.Decimal
	err = jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "amount" {
			return d.Skip()
		}
		var s string
		switch d.Next() {
		case jx.Number:
			n, err := d.Num()
			if err != nil {
				return err
			}
			s = n.String()
		default:
			v, err := d.Str()
			if err != nil {
				return err
			}
			s = v
		}
		v, err := decimal.NewFromString(s)
		amount = v
		return err
	})
	if err != nil || !amount.IsPositive() {
		writeError(w, r, &order.ValidationError{Field: "amount", Reason: "positive decimal required"})
		return
	}

	o, err := h.orders.MarkManualRefund(r.Context(), ref, amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Manual refund recorded",
		zap.String("reference", ref),
		zap.String("amount", amount.StringFixed(2)),
	)
	h.writeOrder(w, o)
}

// ListAttempts handles GET /admin/orders/{reference}/attempts.
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.orders.ListAttempts(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("attempts", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, a := range attempts {
					e.Obj(func(e *jx.Encoder) {
						e.Field("phone", func(e *jx.Encoder) { e.Str(a.Phone) })
						e.Field("attempt", func(e *jx.Encoder) { e.Int(a.Attempt) })
						e.Field("status", func(e *jx.Encoder) { e.Str(string(a.Status)) })
						if a.ProviderRef != "" {
							e.Field("providerRef", func(e *jx.Encoder) { e.Str(a.ProviderRef) })
						}
						if a.Error != "" {
							e.Field("error", func(e *jx.Encoder) { e.Str(a.Error) })
						}
						e.Field("retryable", func(e *jx.Encoder) { e.Bool(a.Retryable) })
						e.Field("createdAt", func(e *jx.Encoder) { e.Str(formatTime(a.CreatedAt)) })
					})
				}
			})
		})
	})
	writeJSON(w, http.StatusOK, e)
}
