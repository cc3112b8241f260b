package testutil

import (
	"time"

	"github.com/amodvardhan/INDMoneyPlus/libs/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

const (
	DemoUserID      = "demo-user"
	DemoPortfolioID = int64(1001)
)

func GenerateJWT(userID string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	return GenerateJWTWithScopes(userID, secret, ttl, now, "orders:read", auth.ScopeOrdersWrite)
}

func GenerateJWTWithScopes(userID string, secret []byte, ttl time.Duration, now time.Time, scopes ...string) (string, error) {
	claims := auth.Claims{
		Roles:  []string{"user"},
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "indm-auth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Dec parses a decimal literal and panics on malformed input.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func DecPtr(s string) *decimal.Decimal {
	d := Dec(s)
	return &d
}
