package goShield

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Unlock tokens are HS256-signed, short-lived, and carry the incident id
// so a support operator can trace every unlock back to the lock that
// produced it. The token expires with the lock; after that the lock has
// lapsed anyway.

func mintUnlockToken(key []byte, userID, incidentID string, until time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        incidentID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(until),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign unlock token: %w", err)
	}
	return signed, nil
}

func parseUnlockToken(key []byte, tokenString string) (userID, incidentID string, err error) {
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnlockTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", "", ErrUnlockTokenInvalid
	}

	return claims.Subject, claims.ID, nil
}
