package auth

import (
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a backend API token without verifying
// its signature; the backend holds the key, the client only wants to know how
// long the token is good for. The second return is false when the token is
// not a JWT or carries no expiry.
func TokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// WarnIfExpiring logs when the backend API token is already expired or
// expires within the given window. Opaque tokens are left alone.
func WarnIfExpiring(log *slog.Logger, token string, window time.Duration) {
	if log == nil {
		log = slog.Default()
	}
	expiry, ok := TokenExpiry(token)
	if !ok {
		return
	}
	now := time.Now()
	switch {
	case expiry.Before(now):
		log.Warn("backend API token is expired",
			slog.Time("expired_at", expiry))
	case expiry.Before(now.Add(window)):
		log.Warn("backend API token expires soon",
			slog.Time("expires_at", expiry),
			slog.Duration("remaining", expiry.Sub(now).Round(time.Minute)))
	}
}
