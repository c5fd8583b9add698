package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt"
)

const usernameClaim = "username"

// UsernameFromToken extracts the local username from an access credential.
// The credential/session provider issues HMAC-signed tokens carrying a
// "username" claim; the engine needs only that claim to derive self-status
// from roster updates.
func UsernameFromToken(tokenString string, key []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	username, ok := claims[usernameClaim].(string)
	if !ok || username == "" {
		return "", fmt.Errorf("invalid username claim")
	}

	return username, nil
}
