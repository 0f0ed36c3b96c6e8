// Package gateway is the client of the card and mobile-money payment gateway.
// Amounts travel in minor units (pesewas) on the wire and as decimals
// everywhere else.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/clec/bundle-reseller/internal/domain/order"
)

// Config is injected at startup.
type Config struct {
	BaseURL   string
	SecretKey string
	Currency  string
	Timeout   time.Duration
}

// Client talks to the gateway REST API.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ order.Gateway = (*Client)(nil)

// NewClient creates a Client. A nil transport uses http.DefaultTransport.
func NewClient(cfg Config, transport http.RoundTripper) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "GHS"
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout, Transport: transport}}
}

// ToMinor converts an amount to pesewas.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromMinor converts pesewas to an amount.
func FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// Initialize opens a hosted payment page for the reference.
func (c *Client) Initialize(ctx context.Context, req order.PaymentRequest) (order.PaymentSession, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("email", func(e *jx.Encoder) { e.Str(req.Email) })
		e.Field("amount", func(e *jx.Encoder) { e.Int64(ToMinor(req.Amount)) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(c.cfg.Currency) })
		e.Field("reference", func(e *jx.Encoder) { e.Str(req.Reference) })
		if req.CallbackURL != "" {
			e.Field("callback_url", func(e *jx.Encoder) { e.Str(req.CallbackURL) })
		}
	})

	var session order.PaymentSession
	err := c.call(ctx, "initialize", http.MethodPost, "/transaction/initialize", e.Bytes(), func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "authorization_url":
			v, err := d.Str()
			session.AuthorizationURL = v
			return err
		case "access_code":
			v, err := d.Str()
			session.AccessCode = v
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return order.PaymentSession{}, err
	}
	if session.AuthorizationURL == "" {
		return order.PaymentSession{}, &order.GatewayError{Op: "initialize", Err: errors.New("no authorization url")}
	}
	return session, nil
}

// Verify asks the gateway for the status of a reference.
func (c *Client) Verify(ctx context.Context, reference string) (order.Verification, error) {
	v := order.Verification{Reference: reference}
	err := c.call(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			s, err := d.Str()
			v.Status = mapStatus(s)
			return err
		case "amount":
			n, err := d.Int64()
			v.Amount = FromMinor(n)
			return err
		case "paid_at":
			if d.Next() == jx.Null {
				return d.Null()
			}
			s, err := d.Str()
			if err != nil {
				return err
			}
			v.PaidAt, _ = time.Parse(time.RFC3339, s)
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return order.Verification{}, err
	}
	return v, nil
}

func mapStatus(s string) order.GatewayStatus {
	switch s {
	case "success":
		return order.GatewaySuccess
	case "failed", "reversed":
		return order.GatewayFailed
	case "abandoned":
		return order.GatewayAbandoned
	default:
		// "ongoing", "pending", "processing", "queued".
		return order.GatewayPending
	}
}

// call sends a request and decodes the envelope {"status":bool,"message":..,
// "data":{..}}, passing each data field to onData.
func (c *Client) call(ctx context.Context, op, method, path string, body []byte, onData func(d *jx.Decoder, key []byte) error) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return &order.GatewayError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &order.GatewayError{Op: op, Retryable: true, Err: errors.Wrap(order.ErrOutcomeUnknown, err.Error())}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &order.GatewayError{Op: op, Retryable: true, Err: errors.Wrap(order.ErrOutcomeUnknown, err.Error())}
	}

	var (
		ok      bool
		message string
	)
	decodeErr := jx.DecodeBytes(payload).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			v, err := d.Bool()
			ok = v
			return err
		case "message":
			v, err := d.Str()
			message = v
			return err
		case "data":
			if d.Next() != jx.Object {
				return d.Skip()
			}
			return d.ObjBytes(onData)
		default:
			return d.Skip()
		}
	})

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &order.GatewayError{Op: op, Retryable: true, Err: errors.Errorf("%s: %s", resp.Status, message)}
	case resp.StatusCode >= 400:
		return &order.GatewayError{Op: op, Err: errors.Errorf("%s: %s", resp.Status, message)}
	case decodeErr != nil:
		return &order.GatewayError{Op: op, Retryable: true, Err: errors.Wrap(decodeErr, "decode response")}
	case !ok:
		return &order.GatewayError{Op: op, Err: errors.Errorf("rejected: %s", message)}
	}
	return nil
}
