// Package upstream holds the clients of the external collaborators: token
// verification, message persistence over HTTP and the notification sinks.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatrelay/pkg/interfaces"
)

// Claims carried by relay tokens. The identity is UserID, or Subject when UserID is empty.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the principal named by the claims
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// JWTVerifier verifies HS256 bearer tokens locally
type JWTVerifier struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
}

// NewJWTVerifier creates a verifier. An empty issuer accepts any issuer.
func NewJWTVerifier(secretKey, issuer string, ttl time.Duration) *JWTVerifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTVerifier{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		ttl:       ttl,
	}
}

// Generate signs a token for identity
func (v *JWTVerifier) Generate(identity string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    v.issuer,
			Subject:   identity,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Verify validates the token and returns its identity. Every rejection
// wraps interfaces.ErrInvalidToken.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("%w: invalid claims", interfaces.ErrInvalidToken)
	}
	if claims.Identity() == "" {
		return "", fmt.Errorf("%w: %v", interfaces.ErrInvalidToken, ErrMissingIdentity)
	}
	return claims.Identity(), nil
}
