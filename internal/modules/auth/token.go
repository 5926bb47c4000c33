package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

var ErrInvalidToken = errors.New("invalid token")

// IssueToken signs an HS256 token for subject. Tokens are normally minted by
// the identity service; this is used by tooling and tests.
func IssueToken(secret []byte, subject string, role Role, ttl time.Duration) (string, error) {
	claims := &Claims{
		Role: role,
		StandardClaims: jwt.StandardClaims{
			Subject:   subject,
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken validates signature and expiry and returns the caller.
func ParseToken(secret []byte, raw string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	role := claims.Role
	if role == "" {
		role = RoleCustomer
	}
	return Principal{Subject: claims.Subject, Role: role}, nil
}
