package auth

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"collabcanvas/core"
)

var jwtSecret []byte

// AppClaims are the custom claims carried by a collabcanvas credential.
// Token minting belongs to the identity collaborator; this package only
// validates what it is handed.
type AppClaims struct {
	jwt.RegisteredClaims
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
}

// UserID returns the stable identity the rest of the core keys on.
func (c *AppClaims) UserID() string {
	return c.Subject
}

// InitAuth loads the shared HMAC secret from the environment.
func InitAuth() {
	jwtSecret = []byte(os.Getenv("JWT_SECRET"))
	if len(jwtSecret) == 0 {
		logrus.Warn("JWT_SECRET is not set. Credential validation will reject everything.")
	}
}

// SetSecret overrides the signing secret, for tests and embedded use.
func SetSecret(secret []byte) {
	jwtSecret = secret
}

// ParseCredential validates a bearer credential and returns its claims.
// Failures are returned as typed unauthorized errors; the raw token is never
// included in them.
func ParseCredential(tokenString string) (*AppClaims, error) {
	if tokenString == "" {
		return nil, core.NewUnauthorizedError("credential is required")
	}
	if len(jwtSecret) == 0 {
		return nil, core.NewUnauthorizedError("credential validation is not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, core.NewUnauthorizedError("credential is invalid or expired, re-authenticate and retry")
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return nil, core.NewUnauthorizedError("credential is invalid or expired, re-authenticate and retry")
	}
	if claims.Subject == "" {
		return nil, core.NewUnauthorizedError("credential carries no subject")
	}
	return claims, nil
}

// SignCredential mints a short token with the configured secret. The real
// deployment mints tokens in the identity service; this exists for local
// development and tests.
func SignCredential(userID, login string, ttl time.Duration) (string, error) {
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Login: login,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}
