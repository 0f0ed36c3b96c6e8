package handler

import (
	"math"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/clec/bundle-reseller/internal/domain/auth"
	"github.com/clec/bundle-reseller/internal/domain/order"
	"github.com/clec/bundle-reseller/internal/domain/phone"
	"github.com/clec/bundle-reseller/internal/domain/product"
)

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeMessage(w http.ResponseWriter, status int, msg string, extra func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Bool(false) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		if extra != nil {
			extra(e)
		}
	})
	writeJSON(w, status, e)
}

// writeError maps engine errors onto HTTP responses. Anything unrecognised is
// logged and reported as a 500 without leaking details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		vErr        *order.ValidationError
		fundsErr    *order.InsufficientFundsError
		cooldownErr *order.CooldownError
		gwErr       *order.GatewayError
		dupErr      *phone.DuplicateError
		transErr    *order.TransitionError
	)
	switch {
	case errors.As(err, &cooldownErr):
		retry := int(math.Ceil(cooldownErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
		writeMessage(w, http.StatusTooManyRequests, err.Error(), func(e *jx.Encoder) {
			e.Field("cooldownMinutes", func(e *jx.Encoder) { e.Int(cooldownErr.Minutes) })
			e.Field("phone", func(e *jx.Encoder) { e.Str(cooldownErr.Phone) })
		})
	case errors.As(err, &fundsErr):
		writeMessage(w, http.StatusBadRequest, "insufficient wallet balance", func(e *jx.Encoder) {
			e.Field("required", func(e *jx.Encoder) { e.Str(fundsErr.Required.StringFixed(2)) })
			e.Field("available", func(e *jx.Encoder) { e.Str(fundsErr.Available.StringFixed(2)) })
		})
	case errors.As(err, &vErr), errors.As(err, &dupErr), errors.Is(err, phone.ErrInvalid):
		writeMessage(w, http.StatusBadRequest, err.Error(), nil)
	case errors.As(err, &transErr), errors.Is(err, order.ErrNotPaid):
		writeMessage(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, product.ErrBundleNotFound), errors.Is(err, order.ErrOrderNotFound):
		writeMessage(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, order.ErrSignatureInvalid),
		errors.Is(err, order.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken):
		writeMessage(w, http.StatusUnauthorized, "unauthorized", nil)
	case errors.As(err, &gwErr):
		zctx.From(r.Context()).Warn("Gateway call failed", zap.Error(err))
		writeMessage(w, http.StatusBadGateway, "payment gateway unavailable", nil)
	case errors.Is(err, order.ErrConflict):
		writeMessage(w, http.StatusConflict, "order is being updated, try again", nil)
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal error", nil)
	}
}
