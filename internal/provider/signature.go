package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/clec/bundle-reseller/internal/domain/order"
)

// Sign returns the hex HMAC-SHA256 of "timestamp\nMETHOD\npath\nbody".
func Sign(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks a delivery webhook signed with the shared secret
// over the same canonical message, using the request's timestamp and path.
// Timestamps outside SignatureTolerance of now are rejected so a captured
// delivery cannot be replayed later.
func (c *Client) ValidateSignature(body []byte, timestamp, path, signature string) error {
	if signature == "" || timestamp == "" {
		return order.ErrSignatureInvalid
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return order.ErrSignatureInvalid
	}
	if skew := c.now().Sub(time.Unix(sec, 0)).Abs(); skew > c.cfg.SignatureTolerance {
		return errors.Wrapf(order.ErrSignatureInvalid, "timestamp off by %s", skew.Round(time.Second))
	}
	want := Sign(c.cfg.Secret, timestamp, "POST", path, body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(signature))) {
		return order.ErrSignatureInvalid
	}
	return nil
}

// ParseDeliveryUpdate decodes a delivery webhook body.
func ParseDeliveryUpdate(body []byte) (order.DeliveryUpdate, error) {
	var upd order.DeliveryUpdate
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var (
			v   string
			err error
		)
		switch string(key) {
		case "reference", "phone", "status", "id", "orderId", "message":
			v, err = d.Str()
		default:
			return d.Skip()
		}
		switch string(key) {
		case "reference":
			upd.Reference = v
		case "phone":
			upd.Phone = v
		case "status":
			upd.Status = MapStatus(v)
		case "id", "orderId":
			upd.ProviderRef = v
		case "message":
			upd.Reason = v
		}
		return err
	})
	if err != nil {
		return upd, err
	}
	if upd.Reference == "" || upd.Phone == "" {
		return upd, &order.ValidationError{Field: "body", Reason: "reference and phone required"}
	}
	return upd, nil
}
