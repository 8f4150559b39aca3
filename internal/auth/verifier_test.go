package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevTokens(t *testing.T) {
	v, err := NewVerifier("", "")
	require.NoError(t, err)
	p, err := v.Verify("alice:Dispatcher")
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "alice", Role: "dispatcher"}, p)
	assert.True(t, p.CanPlan())
	assert.False(t, p.IsAdmin())

	_, err = v.Verify("alice")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHMACTokens(t *testing.T) {
	v, err := NewVerifier("hmac", "s3cret")
	require.NoError(t, err)
	v.now = func() time.Time { return time.Unix(1_000, 0) }

	tok, err := SignHS256("s3cret", map[string]any{"sub": "ops", "role": "admin", "exp": 2_000})
	require.NoError(t, err)
	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", p.Subject)
	assert.True(t, p.IsAdmin())

	crew, err := SignHS256("s3cret", map[string]any{"sub": "truck-4"})
	require.NoError(t, err)
	p, err = v.Verify(crew)
	require.NoError(t, err)
	assert.Equal(t, RoleCrew, p.Role)
	assert.False(t, p.CanPlan())

	forged, err := SignHS256("other", map[string]any{"sub": "ops", "role": "admin"})
	require.NoError(t, err)
	_, err = v.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	old, err := SignHS256("s3cret", map[string]any{"sub": "ops", "exp": 999})
	require.NoError(t, err)
	_, err = v.Verify(old)
	assert.ErrorIs(t, err, ErrExpired)

	none := strings.Replace(tok, tok[:strings.Index(tok, ".")], b64urlEncode([]byte(`{"alg":"none"}`)), 1)
	_, err = v.Verify(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = v.Verify("a.b")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewVerifierRejects(t *testing.T) {
	_, err := NewVerifier("hmac", "")
	assert.Error(t, err)
	_, err = NewVerifier("jwks", "x")
	assert.Error(t, err)
}
