package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens_RoundTrip(t *testing.T) {
	tokens := NewTokens("s3cret")

	tok, err := tokens.Issue(Actor{ID: "agent-7", Role: RoleAgent}, time.Hour)
	require.NoError(t, err)

	a, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, Actor{ID: "agent-7", Role: RoleAgent}, a)
	assert.False(t, a.IsAdmin())
}

func TestTokens_Rejects(t *testing.T) {
	tokens := NewTokens("s3cret")

	other, err := NewTokens("other").Issue(Actor{ID: "a", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)
	_, err = tokens.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := tokens.Issue(Actor{ID: "a", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)
	tokens.now = time.Now
	_, err = tokens.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unknownRole, err := tokens.Issue(Actor{ID: "a", Role: "root"}, time.Hour)
	require.NoError(t, err)
	_, err = tokens.Verify(unknownRole)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "a", "role": "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.Verify(none)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tokens.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFrom(context.Background())
	assert.False(t, ok)

	ctx := WithActor(context.Background(), Actor{ID: "root", Role: RoleAdmin})
	a, ok := ActorFrom(ctx)
	require.True(t, ok)
	assert.True(t, a.IsAdmin())
}
