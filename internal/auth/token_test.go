// ABOUTME: Tests for agent capability token verification.
// ABOUTME: Validates round trips, claim enforcement, and rejection paths.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-at-least-32-bytes!!")

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)
	return v
}

func TestTokenRoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.GenerateAgentToken("conn-1", "tenant-1", "owner-1", time.Hour)
	require.NoError(t, err)

	claims, err := v.VerifyAgentToken(token)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", claims.AgentID)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "owner-1", claims.OwnerID)
}

func TestVerifyAgentTokenRejects(t *testing.T) {
	v := newTestVerifier(t)

	sign := func(t *testing.T, claims jwt.MapClaims) string {
		t.Helper()
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		s, err := tok.SignedString(testSecret)
		require.NoError(t, err)
		return s
	}

	t.Run("garbage token", func(t *testing.T) {
		_, err := v.VerifyAgentToken("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other, err := NewVerifier([]byte("a-completely-different-secret-key"))
		require.NoError(t, err)
		token, err := other.GenerateAgentToken("conn-1", "tenant-1", "", time.Hour)
		require.NoError(t, err)

		_, err = v.VerifyAgentToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := v.GenerateAgentToken("conn-1", "tenant-1", "", -time.Minute)
		require.NoError(t, err)

		_, err = v.VerifyAgentToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong token type", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{
			"sub":      "agent:conn-1",
			"tenantId": "tenant-1",
			"type":     "user",
			"exp":      time.Now().Add(time.Hour).Unix(),
		})
		_, err := v.VerifyAgentToken(token)
		assert.ErrorIs(t, err, ErrWrongTokenType)
	})

	t.Run("subject without agent prefix", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{
			"sub":      "user:alice",
			"tenantId": "tenant-1",
			"type":     "agent",
			"exp":      time.Now().Add(time.Hour).Unix(),
		})
		_, err := v.VerifyAgentToken(token)
		assert.Error(t, err)
	})

	t.Run("missing tenant claim", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{
			"sub":  "agent:conn-1",
			"type": "agent",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
		_, err := v.VerifyAgentToken(token)
		assert.ErrorIs(t, err, ErrMissingClaim)
	})
}

func TestSecretsEqual(t *testing.T) {
	assert.True(t, SecretsEqual("shared-secret", "shared-secret"))
	assert.False(t, SecretsEqual("shared-secret", "wrong"))
	assert.False(t, SecretsEqual("", ""))
}
