package authctx

import (
	"context"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const tokenIssuer = "conceptforge"

// sessionClaims are the custom claims embedded in a bearer token.
type sessionClaims struct {
	UserID string `json:"user_id"`
}

// HMACVerifier validates self-issued HMAC-SHA256 bearer tokens.
type HMACVerifier struct {
	signingKey []byte
}

// NewHMACVerifier creates a Verifier backed by an HMAC signing key. The key
// must be at least 32 bytes.
func NewHMACVerifier(secret string) (*HMACVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token signing secret must be at least 32 bytes, got %d", len(secret))
	}
	return &HMACVerifier{signingKey: []byte(secret)}, nil
}

// IssueToken creates a signed bearer token for userID, valid for ttl.
func (v *HMACVerifier) IssueToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: v.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   userID.String(),
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
	}

	token, err := jwt.Signed(signer).
		Claims(registered).
		Claims(sessionClaims{UserID: userID.String()}).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(_ context.Context, rawToken string) (uuid.UUID, error) {
	tok, err := jwt.ParseSigned(rawToken, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom sessionClaims
	if err := tok.Claims(v.signingKey, &registered, &custom); err != nil {
		return uuid.Nil, fmt.Errorf("verifying token signature: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: tokenIssuer,
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return uuid.Nil, fmt.Errorf("validating claims: %w", err)
	}

	userID, err := uuid.Parse(custom.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user_id claim: %w", err)
	}
	return userID, nil
}
