package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/store"
)

const (
	secretConfigKey = "jwt_secret"
	tokenLifetime   = 24 * time.Hour
)

// Claims are the session token claims.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LoadOrGenerateSecret returns the token signing secret.
// Priority: envSecret (from AETHER_SECRET) > kernel_config DB > auto-generate.
func LoadOrGenerateSecret(st *store.Store, envSecret string) ([]byte, error) {
	if envSecret != "" {
		return base64.StdEncoding.DecodeString(envSecret)
	}

	val, err := st.GetKernelConfig(secretConfigKey)
	if err != nil {
		return nil, err
	}
	if val != "" {
		return base64.StdEncoding.DecodeString(val)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := st.SetKernelConfig(secretConfigKey, encoded); err != nil {
		return nil, err
	}
	return secret, nil
}

// issueToken creates a signed session token for a user.
func issueToken(secret []byte, u *store.User, now time.Time) (string, time.Time, error) {
	exp := now.Add(tokenLifetime)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username: u.Username,
		Role:     u.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// parseToken verifies a token's signature and expiry and returns the claims.
func parseToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, kerr.Wrap(kerr.Permission, kerr.CodeUnauthorized, err, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, kerr.New(kerr.Permission, kerr.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}
