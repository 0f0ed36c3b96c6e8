// Package notify delivers signed order status webhooks to integrators.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/clec/bundle-reseller/internal/domain/order"
)

// EventStatusUpdated is the only event integrators receive.
const EventStatusUpdated = "order.status_updated"

// SignatureHeader carries the hex HMAC-SHA256 of the body.
const SignatureHeader = "X-Webhook-Signature"

// Config controls delivery.
type Config struct {
	Secret     string
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
}

// Sender posts payloads and retries with exponential backoff.
type Sender struct {
	cfg   Config
	http  *http.Client
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSender creates a Sender. A nil transport uses http.DefaultTransport.
func NewSender(cfg Config, transport http.RoundTripper) *Sender {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Sender{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts payload to url. A non-2xx answer or a transport error is
// retried up to MaxRetries times after BaseDelay, 2*BaseDelay, 4*BaseDelay.
func (s *Sender) Deliver(ctx context.Context, url string, payload []byte) error {
	sig := Sign(s.cfg.Secret, payload)
	lg := zctx.From(ctx).With(zap.String("url", url))

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.BaseDelay << (attempt - 1)
			lg.Debug("Retrying webhook", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
			if err := s.sleep(ctx, delay); err != nil {
				return errors.Wrap(err, "wait for retry")
			}
		}
		if lastErr = s.post(ctx, url, payload, sig); lastErr == nil {
			return nil
		}
		lg.Warn("Webhook delivery failed", zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return errors.Wrapf(lastErr, "deliver after %d attempts", s.cfg.MaxRetries+1)
}

func (s *Sender) post(ctx context.Context, url string, payload []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// Payload encodes the order.status_updated body:
// {event, reference, status, deliveryStatus, order, products[]}.
func Payload(o *order.Order) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.Obj(func(e *jx.Encoder) {
		e.Field("event", func(e *jx.Encoder) { e.Str(EventStatusUpdated) })
		e.Field("reference", func(e *jx.Encoder) { e.Str(o.Reference) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.State)) })
		e.Field("deliveryStatus", func(e *jx.Encoder) { e.Str(string(o.DeliveryStatus)) })
		e.Field("order", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("reference", func(e *jx.Encoder) { e.Str(o.Reference) })
				e.Field("kind", func(e *jx.Encoder) { e.Str(string(o.Kind)) })
				e.Field("network", func(e *jx.Encoder) { e.Str(o.Network) })
				e.Field("totalAmount", func(e *jx.Encoder) { e.Str(o.TotalAmount.StringFixed(2)) })
				e.Field("paymentMethod", func(e *jx.Encoder) { e.Str(string(o.PaymentMethod)) })
				e.Field("paymentStatus", func(e *jx.Encoder) { e.Str(string(o.PaymentStatus)) })
				e.Field("refundedAmount", func(e *jx.Encoder) { e.Str(o.RefundedAmount.StringFixed(2)) })
				e.Field("createdAt", func(e *jx.Encoder) { e.Str(o.CreatedAt.UTC().Format(time.RFC3339)) })
				if o.CompletedAt != nil {
					e.Field("completedAt", func(e *jx.Encoder) { e.Str(o.CompletedAt.UTC().Format(time.RFC3339)) })
				}
			})
		})
		e.Field("products", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, r := range o.Recipients {
					e.Obj(func(e *jx.Encoder) {
						e.Field("phone", func(e *jx.Encoder) { e.Str(r.Phone) })
						e.Field("volume", func(e *jx.Encoder) { e.Str(r.Variant) })
						e.Field("productId", func(e *jx.Encoder) { e.Str(r.ProductID) })
						e.Field("price", func(e *jx.Encoder) { e.Str(r.UnitPrice.StringFixed(2)) })
						e.Field("status", func(e *jx.Encoder) { e.Str(string(r.Status)) })
					})
				}
			})
		})
	})
	return append([]byte(nil), e.Bytes()...)
}
