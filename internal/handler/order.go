package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/clec/bundle-reseller/internal/domain/auth"
	"github.com/clec/bundle-reseller/internal/domain/order"
)

const defaultProductType = "data_bundle"

type checkoutBody struct {
	ProductType    string
	Network        string
	CustomerPhone  string
	CustomerPhones []string
	bulk           bool
	Volume         string
	ProductID      string
	PaymentMethod  string
	AgentSlug      string
	CustomerEmail  string
	WebhookURL     string
}

func decodeCheckout(body []byte) (checkoutBody, error) {
	var b checkoutBody
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		str := func(dst *string) error {
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			*dst = v
			return err
		}
		switch string(key) {
		case "productType":
			return str(&b.ProductType)
		case "network":
			return str(&b.Network)
		case "customerPhone":
			return str(&b.CustomerPhone)
		case "customerPhones":
			b.bulk = true
			return d.Arr(func(d *jx.Decoder) error {
				v, err := d.Str()
				b.CustomerPhones = append(b.CustomerPhones, v)
				return err
			})
		case "volume":
			// Volumes arrive as "2GB" or as a bare number of gigabytes.
			if d.Next() == jx.Number {
				n, err := d.Num()
				b.Volume = n.String() + "GB"
				return err
			}
			return str(&b.Volume)
		case "productId":
			return str(&b.ProductID)
		case "paymentMethod":
			return str(&b.PaymentMethod)
		case "agentSlug":
			return str(&b.AgentSlug)
		case "customerEmail":
			return str(&b.CustomerEmail)
		case "webhookUrl":
			return str(&b.WebhookURL)
		default:
			return d.Skip()
		}
	})
	return b, err
}

func (b checkoutBody) request(r *http.Request) order.CreateOrderRequest {
	req := order.CreateOrderRequest{
		ProductType:   b.ProductType,
		Network:       b.Network,
		Variant:       b.Volume,
		ProductID:     b.ProductID,
		PaymentMethod: order.PaymentMethod(b.PaymentMethod),
		CustomerEmail: b.CustomerEmail,
		AgentSlug:     b.AgentSlug,
		WebhookURL:    b.WebhookURL,
	}
	if req.ProductType == "" {
		req.ProductType = defaultProductType
	}
	if b.bulk {
		req.Recipients = order.Bulk(b.CustomerPhones)
		req.CustomerPhone = b.CustomerPhone
	} else if b.CustomerPhone != "" {
		req.Recipients = order.Single(b.CustomerPhone)
	}
	if actor, ok := auth.ActorFrom(r.Context()); ok {
		req.Actor = &actor
	}
	return req
}

// CreateOrder handles POST /checkout/initialize.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unreadable body", nil)
		return
	}
	body, err := decodeCheckout(raw)
	if err != nil {
		writeError(w, r, &order.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	res, err := h.orders.CreateOrder(r.Context(), body.request(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Order created",
		zap.String("reference", res.Order.Reference),
		zap.String("method", string(res.Order.PaymentMethod)),
		zap.Int("recipients", len(res.Order.Recipients)),
	)

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Bool(true) })
		if res.PaymentURL != "" {
			e.Field("paymentUrl", func(e *jx.Encoder) { e.Str(res.PaymentURL) })
		}
		e.Field("transaction", func(e *jx.Encoder) { encodeTransaction(e, res.Order) })
		if wl := res.Wallet; wl != nil {
			e.Field("wallet", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("previousBalance", func(e *jx.Encoder) { e.Str(wl.PreviousBalance.StringFixed(2)) })
					e.Field("amountDeducted", func(e *jx.Encoder) { e.Str(wl.AmountDeducted.StringFixed(2)) })
					e.Field("newBalance", func(e *jx.Encoder) { e.Str(wl.NewBalance.StringFixed(2)) })
				})
			})
		}
	})
	writeJSON(w, http.StatusCreated, e)
}

// VerifyOrder handles GET /transactions/verify/{reference}. When the gateway
// cannot be reached the stored order is returned as-is; the reconciler will
// verify it later.
func (h *Handler) VerifyOrder(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	o, err := h.orders.VerifyOrder(r.Context(), ref)
	var gwErr *order.GatewayError
	if err != nil && !(errors.As(err, &gwErr) && gwErr.Retryable && o != nil) {
		writeError(w, r, err)
		return
	}
	if err != nil {
		zctx.From(r.Context()).Warn("Verification deferred", zap.String("reference", ref), zap.Error(err))
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.State)) })
		e.Field("transaction", func(e *jx.Encoder) { encodeTransaction(e, o) })
		e.Field("products", func(e *jx.Encoder) { encodeProducts(e, o) })
	})
	writeJSON(w, http.StatusOK, e)
}

func encodeTransaction(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("reference", func(e *jx.Encoder) { e.Str(o.Reference) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(o.TotalAmount.StringFixed(2)) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(o.Kind)) })
		e.Field("network", func(e *jx.Encoder) { e.Str(o.Network) })
		e.Field("paymentMethod", func(e *jx.Encoder) { e.Str(string(o.PaymentMethod)) })
		e.Field("paymentStatus", func(e *jx.Encoder) { e.Str(string(o.PaymentStatus)) })
		e.Field("deliveryStatus", func(e *jx.Encoder) { e.Str(string(o.DeliveryStatus)) })
		if o.RefundedAmount.IsPositive() {
			e.Field("refundedAmount", func(e *jx.Encoder) { e.Str(o.RefundedAmount.StringFixed(2)) })
		}
		if o.RefundRequired {
			e.Field("refundRequired", func(e *jx.Encoder) { e.Bool(true) })
		}
		e.Field("createdAt", func(e *jx.Encoder) { e.Str(formatTime(o.CreatedAt)) })
		if o.CompletedAt != nil {
			e.Field("completedAt", func(e *jx.Encoder) { e.Str(formatTime(*o.CompletedAt)) })
		}
	})
}

func encodeProducts(e *jx.Encoder, o *order.Order) {
	e.Arr(func(e *jx.Encoder) {
		for _, rc := range o.Recipients {
			e.Obj(func(e *jx.Encoder) {
				e.Field("phone", func(e *jx.Encoder) { e.Str(rc.Phone) })
				e.Field("volume", func(e *jx.Encoder) { e.Str(rc.Variant) })
				e.Field("productId", func(e *jx.Encoder) { e.Str(rc.ProductID) })
				e.Field("price", func(e *jx.Encoder) { e.Str(rc.UnitPrice.StringFixed(2)) })
				e.Field("status", func(e *jx.Encoder) { e.Str(string(rc.Status)) })
				if rc.LastError != "" {
					e.Field("error", func(e *jx.Encoder) { e.Str(rc.LastError) })
				}
			})
		}
	})
}
