package auth

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// User id formats: how a token subject is bound to _USER_.id.
const (
	FormatUUIDBlob = "uuid_blob"
	FormatText     = "text"
	FormatInteger  = "integer"
)

// Claims represents the JWT claims. Tokens are issued elsewhere; only the
// subject is used here.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// ParseAccessToken validates and parses a JWT, returning the claims.
func ParseAccessToken(tokenStr string, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// UserID converts a token subject into the value bound to _USER_.id.
func UserID(subject, format string) (any, error) {
	switch format {
	case FormatUUIDBlob, "":
		u, err := uuid.Parse(subject)
		if err != nil {
			return nil, fmt.Errorf("subject is not a uuid: %w", err)
		}
		return u[:], nil
	case FormatText:
		return subject, nil
	case FormatInteger:
		n, err := strconv.ParseInt(subject, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("subject is not an integer: %w", err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown user id format %q", format)
	}
}
