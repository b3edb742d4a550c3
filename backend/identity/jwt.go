// Package identity resolves client tokens to user ids.
package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/xerrors"
)

// ErrInvalidToken is returned for a token that cannot be trusted.
var ErrInvalidToken = xerrors.New("invalid token")

// Verifier is the identity provider.
type Verifier interface {
	// Verify returns the user id the token was issued to.
	Verify(ctx context.Context, token string) (string, error)
}

// Claims are the claims of a session token. UserID is set by the issuing
// backend, tokens minted elsewhere may only carry a subject.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTVerifier returns a verifier for tokens signed with secret. An empty
// issuer accepts any issuer.
func NewJWTVerifier(secret []byte, issuer string, leeway time.Duration) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer, leeway: leeway}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", xerrors.Errorf("empty token: %w", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", xerrors.Errorf("%v: %w", err, ErrInvalidToken)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", xerrors.Errorf("token carries no user: %w", ErrInvalidToken)
	}
	return userID, nil
}

// Issue signs a token for userID valid for ttl.
func (v *JWTVerifier) Issue(userID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", xerrors.Errorf("failed to sign token: %v", err)
	}
	return signed, nil
}
