package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims represents the claims in a relay session token. Browsers
// cannot attach headers to a websocket dial, so the relay accepts the token
// as a query parameter instead.
type SessionClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"` // "doctor"
	jwt.RegisteredClaims
}

// GenerateSessionToken issues a 24-hour HS256 token for a doctor session.
func GenerateSessionToken(secret []byte, userID string) (string, error) {
	claims := &SessionClaims{
		UserID: userID,
		Role:   "doctor",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken validates a session token and returns the claims.
func ValidateToken(secret []byte, tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrTokenInvalidClaims
}
