// Package provider is the client of the telecom fulfillment API that
// delivers data bundles to phones.
package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clec/bundle-reseller/internal/domain/order"
)

// Config is built once at startup and injected; nothing is looked up at call
// time.
type Config struct {
	BaseURL string
	APIKey  string
	Secret  string
	Timeout time.Duration
	// RatePerSecond paces outbound calls. Zero disables pacing.
	RatePerSecond float64
	Burst         int

	// SignatureTolerance bounds how far a webhook X-Timestamp may be from now.
	SignatureTolerance time.Duration
}

// Client signs and sends provider requests.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

var _ order.Dispatcher = (*Client)(nil)

// NewClient creates a Client. A nil transport uses http.DefaultTransport.
func NewClient(cfg Config, transport http.RoundTripper) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = 5 * time.Minute
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1))
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter: limiter,
		now:     time.Now,
	}
}

// DispatchOne asks the provider to deliver one bundle. Every attempt for the
// same recipient carries the same Idempotency-Key so that the provider treats
// a retry as a duplicate.
//
// Network errors, timeouts and 408 return order.ErrOutcomeUnknown. 429, 5xx
// and the credential failures 401 and 403 return a retryable
// *order.DispatchError; other 4xx are business rejections and terminal.
func (c *Client) DispatchOne(ctx context.Context, req order.DispatchRequest) (order.DispatchOutcome, error) {
	r := req.Recipient
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("reference", func(e *jx.Encoder) { e.Str(req.Reference) })
		e.Field("network", func(e *jx.Encoder) { e.Str(req.Network) })
		e.Field("phone", func(e *jx.Encoder) { e.Str(r.Phone) })
		e.Field("bundle", func(e *jx.Encoder) { e.Str(r.Variant) })
		if r.ProductID != "" {
			e.Field("productId", func(e *jx.Encoder) { e.Str(r.ProductID) })
		}
	})
	body := append([]byte(nil), e.Bytes()...)

	if err := c.limiter.Wait(ctx); err != nil {
		// Nothing was sent.
		return order.DispatchOutcome{}, &order.DispatchError{Phone: r.Phone, Reason: "rate limiter", Retryable: true, Err: err}
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/orders", body, req.IdempotencyKey())
	if err != nil {
		return order.DispatchOutcome{}, errors.Wrap(order.ErrOutcomeUnknown, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return order.DispatchOutcome{}, errors.Wrap(order.ErrOutcomeUnknown, "read response: "+err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Duplicate idempotency key: the provider answers with the original order.
		fallthrough
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res, err := decodeOrder(payload)
		if err != nil || res.ID == "" {
			return order.DispatchOutcome{}, errors.Wrap(order.ErrOutcomeUnknown, "unreadable acceptance")
		}
		if res.Status == order.RecipientFailed {
			return order.DispatchOutcome{}, &order.DispatchError{Phone: r.Phone, Reason: res.Message}
		}
		return order.DispatchOutcome{ProviderRef: res.ID, Status: res.Status}, nil
	case resp.StatusCode == http.StatusRequestTimeout:
		return order.DispatchOutcome{}, errors.Wrap(order.ErrOutcomeUnknown, statusReason(resp, payload))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// A rotated key or clock skew is ours to fix, not the recipient's.
		zctx.From(ctx).Error("Provider rejected credentials",
			zap.Int("http.status", resp.StatusCode),
			zap.String("reason", statusReason(resp, payload)),
		)
		return order.DispatchOutcome{}, &order.DispatchError{
			Phone:     r.Phone,
			Reason:    statusReason(resp, payload),
			Retryable: true,
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return order.DispatchOutcome{}, &order.DispatchError{
			Phone:     r.Phone,
			Reason:    statusReason(resp, payload),
			Retryable: true,
		}
	default:
		return order.DispatchOutcome{}, &order.DispatchError{Phone: r.Phone, Reason: statusReason(resp, payload)}
	}
}

// Status polls the delivery status of an accepted order.
func (c *Client) Status(ctx context.Context, providerRef string) (order.RecipientStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(providerRef), nil, "")
	if err != nil {
		return "", errors.Wrap(err, "get order status")
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read status")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("status %s: %s", providerRef, statusReason(resp, payload))
	}
	res, err := decodeOrder(payload)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*http.Response, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return nil, errors.Wrap(err, "build url")
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", Sign(c.cfg.Secret, ts, method, req.URL.Path, body))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.http.Do(req)
}

type orderResponse struct {
	ID      string
	Status  order.RecipientStatus
	Message string
}

func decodeOrder(payload []byte) (orderResponse, error) {
	var res orderResponse
	d := jx.DecodeBytes(payload)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id", "orderId":
			v, err := d.Str()
			res.ID = v
			return err
		case "status":
			v, err := d.Str()
			res.Status = MapStatus(v)
			return err
		case "message":
			v, err := d.Str()
			res.Message = v
			return err
		case "data":
			// Some endpoints wrap the order in an envelope.
			inner, err := d.Raw()
			if err != nil {
				return err
			}
			nested, err := decodeOrder(inner)
			if err != nil {
				return err
			}
			if nested.ID != "" {
				res = nested
			}
			return nil
		default:
			return d.Skip()
		}
	}); err != nil {
		return res, errors.Wrap(err, "decode provider order")
	}
	return res, nil
}

// MapStatus folds the provider's status vocabulary into recipient statuses.
func MapStatus(s string) order.RecipientStatus {
	switch strings.ToLower(s) {
	case "delivered", "successful", "success", "completed":
		return order.RecipientDelivered
	case "failed", "rejected", "cancelled", "reversed":
		return order.RecipientFailed
	default:
		return order.RecipientProcessing
	}
}

func statusReason(resp *http.Response, payload []byte) string {
	if res, err := decodeOrder(payload); err == nil && res.Message != "" {
		return resp.Status + ": " + res.Message
	}
	return resp.Status
}
