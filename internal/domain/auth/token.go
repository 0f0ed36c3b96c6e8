package auth

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken covers malformed, expired and wrongly signed tokens.
var ErrInvalidToken = errors.New("invalid token")

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 bearer tokens whose subject is the actor
// ID.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for a valid for ttl.
func (t *Tokens) Issue(a Actor, ttl time.Duration) (string, error) {
	now := t.now()
	c := claims{
		Role: a.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return s, nil
}

// Verify returns the actor of a valid token.
func (t *Tokens) Verify(token string) (Actor, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return Actor{}, ErrInvalidToken
	}
	switch c.Role {
	case RoleCustomer, RoleAgent, RoleAdmin:
	default:
		return Actor{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: c.Subject, Role: c.Role}, nil
}
