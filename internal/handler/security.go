package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/clec/bundle-reseller/internal/domain/auth"
	"github.com/clec/bundle-reseller/internal/domain/order"
)

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	return strings.TrimSpace(token), ok && strings.TrimSpace(token) != ""
}

// optionalActor attaches the actor of a valid bearer token. Guests without a
// token pass through; a token that fails verification is rejected rather than
// silently downgraded to a guest.
func (h *Handler) optionalActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		actor, err := h.tokens.Verify(token)
		if err != nil {
			writeError(w, r, order.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r)
		if !ok {
			writeError(w, r, order.ErrUnauthorized)
			return
		}
		actor, err := h.tokens.Verify(token)
		if err != nil || !actor.IsAdmin() {
			zctx.From(r.Context()).Warn("Admin access denied", zap.String("path", r.URL.Path), zap.String("actor", actor.ID))
			writeError(w, r, order.ErrUnauthorized)
			return
		}
		ctx := auth.WithActor(r.Context(), actor)
		ctx = zctx.Base(ctx, zctx.From(ctx).With(zap.String("admin", actor.ID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
