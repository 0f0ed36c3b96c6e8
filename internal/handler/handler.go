// Package handler exposes the reseller HTTP API on a chi router.
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clec/bundle-reseller/internal/domain/auth"
	"github.com/clec/bundle-reseller/internal/domain/order"
	"github.com/clec/bundle-reseller/internal/queue"
)

// Orders is the subset of *order.Service the API drives.
type Orders interface {
	CreateOrder(ctx context.Context, req order.CreateOrderRequest) (*order.CreateOrderResult, error)
	VerifyOrder(ctx context.Context, reference string) (*order.Order, error)
	RetryDispatch(ctx context.Context, reference string) (*order.Order, error)
	MarkManualRefund(ctx context.Context, reference string, amount decimal.Decimal) (*order.Order, error)
	ListAttempts(ctx context.Context, reference string) ([]order.DispatchAttempt, error)
}

// GatewaySignatures is implemented by *gateway.Client.
type GatewaySignatures interface {
	ValidateSignature(body []byte, signature string) error
}

// ProviderSignatures is implemented by *provider.Client.
type ProviderSignatures interface {
	ValidateSignature(body []byte, timestamp, path, signature string) error
}

// TokenVerifier is implemented by *auth.Tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Actor, error)
}

// Publisher is implemented by every queue.Queue.
type Publisher interface {
	Publish(ctx context.Context, ev queue.Event) error
}

// Config holds non-dependency settings.
type Config struct {
	// MaxWebhookBody caps webhook payloads before signature checks.
	MaxWebhookBody int64
	// DedupCapacity sizes the webhook duplicate filter.
	DedupCapacity uint
}

// Handler serves the API.
type Handler struct {
	orders   Orders
	gateway  GatewaySignatures
	provider ProviderSignatures
	tokens   TokenVerifier
	events   Publisher
	seen     *dedup
	maxBody  int64
}

func NewHandler(cfg Config, orders Orders, gw GatewaySignatures, prov ProviderSignatures, tokens TokenVerifier, events Publisher) *Handler {
	if cfg.MaxWebhookBody <= 0 {
		cfg.MaxWebhookBody = 64 << 10
	}
	if cfg.DedupCapacity == 0 {
		cfg.DedupCapacity = 100_000
	}
	return &Handler{
		orders:   orders,
		gateway:  gw,
		provider: prov,
		tokens:   tokens,
		events:   events,
		seen:     newDedup(cfg.DedupCapacity, 0.001),
		maxBody:  cfg.MaxWebhookBody,
	}
}

// Routes returns the API router. Health probes are mounted by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(h.optionalActor)
		r.Post("/checkout/initialize", h.CreateOrder)
		r.Get("/transactions/verify/{reference}", h.VerifyOrder)
	})

	r.Post("/webhooks/gateway", h.GatewayWebhook)
	r.Post("/webhooks/provider", h.ProviderWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/orders/{reference}/retry", h.RetryDispatch)
		r.Post("/orders/{reference}/refund", h.MarkRefund)
		r.Get("/orders/{reference}/attempts", h.ListAttempts)
	})
	return r
}

// IsWebhook reports whether r is a signed webhook delivery. The api rate
// limiter skips these since the sender backs off on its own.
func IsWebhook(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/webhooks/")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
