package util

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ActorClaims identifies a catalog user to the web adapter.
type ActorClaims struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Sysadmin bool   `json:"sysadmin,omitempty"`
	jwt.RegisteredClaims
}

// GenerateJWT signs claims with HS256, valid for ttl.
func GenerateJWT(claims ActorClaims, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Subject = claims.Name
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseJWT validates token and returns its actor claims.
func ParseJWT(tokenStr, secret string) (*ActorClaims, error) {
	claims := &ActorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Name == "" {
		return nil, errors.Join(jwt.ErrTokenInvalidClaims, errors.New("missing name"))
	}
	return claims, nil
}

func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}
