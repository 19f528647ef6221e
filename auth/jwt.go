package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultRefreshWindow is how long before expiry a token is considered due
// for refresh.
const DefaultRefreshWindow = 5 * time.Minute

var ErrNoExpiry = errors.New("token has no exp claim")

// ExpiresAt decodes the exp claim of a JWT without verifying its signature.
func ExpiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithJSONNumber())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("decoding token: %w", err)
	}
	switch exp := claims["exp"].(type) {
	case json.Number:
		if secs, err := exp.Int64(); err == nil {
			return time.Unix(secs, 0), nil
		}
		if f, err := exp.Float64(); err == nil {
			return time.Unix(int64(f), 0), nil
		}
	case float64:
		return time.Unix(int64(exp), 0), nil
	}
	return time.Time{}, ErrNoExpiry
}

// IsTokenExpired reports whether token is past its expiry. Tokens that
// cannot be decoded count as expired.
func IsTokenExpired(token string, now time.Time) bool {
	exp, err := ExpiresAt(token)
	if err != nil {
		return true
	}
	return !now.Before(exp)
}

// ShouldRefresh reports whether token expires within window of now.
// Undecodable tokens always need a refresh.
func ShouldRefresh(token string, now time.Time, window time.Duration) bool {
	exp, err := ExpiresAt(token)
	if err != nil {
		return true
	}
	return exp.Sub(now) < window
}
