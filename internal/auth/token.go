package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoJWKS       = errors.New("no JWKS URL provided")
)

// StandardClaims represents the standard claims in a JWT token.
type StandardClaims struct {
	Sub    string `json:"sub"`
	UserId string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// userID resolves the stable user identifier used to key replicas:
// sub first, then user_id, then email for providers that omit both.
func (c *StandardClaims) userID() (string, error) {
	if c.Sub != "" {
		return c.Sub, nil
	}
	if c.UserId != "" {
		return c.UserId, nil
	}
	if c.Email != "" {
		return c.Email, nil
	}
	return "", errors.New("no sub, user_id, or email found in token claims")
}

type TokenValidator interface {
	// ValidateToken verifies a token and returns the user ID.
	ValidateToken(tokenString string) (string, error)
}
