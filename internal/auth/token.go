// ABOUTME: Capability token verification for connector agent handshakes.
// ABOUTME: HS256 JWTs asserting agent identity, tenant and owner.

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors, surfaced as distinct connection close codes at the handshake.
var (
	ErrMissingToken   = errors.New("missing token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrMissingClaim   = errors.New("missing required claim")
)

// AgentClaims is the identity a capability token asserts.
type AgentClaims struct {
	AgentID  string
	TenantID string
	OwnerID  string
}

// Verifier validates and mints agent capability tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier with the given HS256 secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{secret: secret}, nil
}

// VerifyAgentToken validates a capability token and extracts the agent
// identity. The token must carry sub "agent:<id>", a tenantId, an ownerId and
// type "agent".
func (v *Verifier) VerifyAgentToken(tokenString string) (*AgentClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	typ, _ := claims["type"].(string)
	if typ != "agent" {
		return nil, ErrWrongTokenType
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	agentID, ok := strings.CutPrefix(sub, "agent:")
	if !ok || agentID == "" {
		return nil, fmt.Errorf("%w: sub is not an agent subject", ErrInvalidToken)
	}

	tenantID, ok := claims["tenantId"].(string)
	if !ok || tenantID == "" {
		return nil, fmt.Errorf("%w: tenantId", ErrMissingClaim)
	}
	ownerID, _ := claims["ownerId"].(string)

	return &AgentClaims{
		AgentID:  agentID,
		TenantID: tenantID,
		OwnerID:  ownerID,
	}, nil
}

// GenerateAgentToken mints a capability token for the given agent identity.
func (v *Verifier) GenerateAgentToken(agentID, tenantID, ownerID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      "agent:" + agentID,
		"tenantId": tenantID,
		"ownerId":  ownerID,
		"type":     "agent",
		"iat":      now.Unix(),
		"exp":      now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// SecretsEqual compares two shared secrets in constant time.
func SecretsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
