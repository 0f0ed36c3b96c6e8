package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/go-faster/jx"

	"github.com/clec/bundle-reseller/internal/domain/order"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Paystack-Signature"

// Event is a decoded gateway webhook.
type Event struct {
	Type      string
	Reference string
	Status    order.GatewayStatus
}

// PaymentSucceeded reports whether the event claims a successful charge. The
// engine still verifies with the gateway before trusting it.
func (e Event) PaymentSucceeded() bool {
	return e.Type == "charge.success"
}

// Sign returns the webhook signature of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks the signature header against the raw body.
func (c *Client) ValidateSignature(body []byte, signature string) error {
	if signature == "" {
		return order.ErrSignatureInvalid
	}
	want := Sign(c.cfg.SecretKey, body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(signature))) {
		return order.ErrSignatureInvalid
	}
	return nil
}

// ParseEvent decodes {"event": "...", "data": {"reference": "...", "status": "..."}}.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "event":
			v, err := d.Str()
			ev.Type = v
			return err
		case "data":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				switch string(key) {
				case "reference":
					v, err := d.Str()
					ev.Reference = v
					return err
				case "status":
					v, err := d.Str()
					ev.Status = mapStatus(v)
					return err
				default:
					return d.Skip()
				}
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return ev, err
	}
	if ev.Reference == "" {
		return ev, &order.ValidationError{Field: "data.reference", Reason: "required"}
	}
	return ev, nil
}
