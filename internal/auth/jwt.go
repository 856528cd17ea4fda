// Package auth issues and validates the session JWTs users carry in a
// cookie, and provides the echo middleware enforcing the one-session,
// one-IP policy.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the JWT claims of a logged-in user. SessionToken ties
// the JWT to one UserSession row so a replaced session invalidates old
// cookies.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID       int64  `json:"user_id"`
	SessionToken string `json:"session_token"`
	IsAdmin      bool   `json:"is_admin"`
}

// JWTIssuer creates and validates session JWTs.
type JWTIssuer struct {
	secret []byte
}

// NewJWTIssuer creates a JWT issuer with the given shared secret.
func NewJWTIssuer(secret string) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret)}
}

// IssueSessionToken creates a JWT bound to one session.
func (j *JWTIssuer) IssueSessionToken(userID int64, sessionToken string, isAdmin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "xctf",
		},
		UserID:       userID,
		SessionToken: sessionToken,
		IsAdmin:      isAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateSessionToken parses and validates a session JWT.
func (j *JWTIssuer) ValidateSessionToken(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
