package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenTTL is the lifetime of an issued API token.
const tokenTTL = 24 * time.Hour

// Claims holds the JWT claims of an API client. Subject is the client
// name calls can be routed to ("api:<subject>").
type Claims struct {
	Service string `json:"srv_id"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed client token.
func GenerateToken(secret []byte, service, subject string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(tokenTTL)

	claims := Claims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "mediahub",
			Subject:   subject,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// verifyToken validates a bearer token and returns its claims.
func verifyToken(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}
