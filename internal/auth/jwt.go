// Package auth guards the local control API with HS256 bearer tokens and
// inspects the backend API token for upcoming expiry.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimClient  = "client"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
// With an empty secret the control surface runs open (loopback-only setups).
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	if strings.TrimSpace(secret) == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// ClientFromContext extracts the client name from validated JWT claims.
func ClientFromContext(c echo.Context) (string, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	if client := claimString(claims, claimClient); client != "" {
		return client, nil
	}
	if client := claimString(claims, claimSubject); client != "" {
		return client, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "client missing")
}

// GenerateToken creates a signed control-surface token for a client.
func GenerateToken(client, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(client) == "" {
		return "", time.Time{}, fmt.Errorf("client is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: client,
		claimClient:  client,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
