package identity_test

import (
	"context"
	"testing"
	"time"

	"Coderoom/backend/identity"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

// Test_JWT_Issue_Verify verifies that an issued token resolves to its user.
func Test_JWT_Issue_Verify(t *testing.T) {
	v := identity.NewJWTVerifier(secret, "coderoom", 0)

	token, err := v.Issue("alice", "Alice", time.Minute)
	require.NoError(t, err)

	userID, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "alice", userID)
}

// Test_JWT_Rejects verifies the tokens that must not be trusted.
func Test_JWT_Rejects(t *testing.T) {
	v := identity.NewJWTVerifier(secret, "coderoom", 0)
	now := time.Now()

	sign := func(method jwt.SigningMethod, key interface{}, claims jwt.Claims) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return token
	}
	valid := func() identity.Claims {
		return identity.Claims{
			UserID: "alice",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "coderoom",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))

	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	wrongIssuer := valid()
	wrongIssuer.Issuer = "elsewhere"

	noUser := valid()
	noUser.UserID = ""

	other, err := identity.NewJWTVerifier([]byte("other-secret"), "coderoom", 0).Issue("alice", "", time.Minute)
	require.NoError(t, err)

	tokens := map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"wrong secret": other,
		"expired":      sign(jwt.SigningMethodHS256, secret, expired),
		"no expiry":    sign(jwt.SigningMethodHS256, secret, noExpiry),
		"wrong issuer": sign(jwt.SigningMethodHS256, secret, wrongIssuer),
		"no user":      sign(jwt.SigningMethodHS256, secret, noUser),
		"HS512":        sign(jwt.SigningMethodHS512, secret, valid()),
		"none":         sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid()),
	}

	for name, token := range tokens {
		_, err := v.Verify(context.Background(), token)
		require.ErrorIs(t, err, identity.ErrInvalidToken, name)
	}
}

// Test_JWT_Subject verifies that tokens minted elsewhere may name their user
// in the subject only, and that an empty issuer accepts any issuer.
func Test_JWT_Subject(t *testing.T) {
	v := identity.NewJWTVerifier(secret, "", 0)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "bob",
		Issuer:    "sso",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(secret)
	require.NoError(t, err)

	userID, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "bob", userID)
}

// Test_JWT_Leeway verifies that a token expired within the leeway is accepted.
func Test_JWT_Leeway(t *testing.T) {
	v := identity.NewJWTVerifier(secret, "", time.Minute)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.Claims{
		UserID: "carol",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	userID, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "carol", userID)
}
