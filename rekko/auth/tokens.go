package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSet holds the credentials for one logged-in session.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	DeviceID     string    `json:"device_id"` // Per-install ID, minted at first login
}

// IsExpired returns true if the access token has expired.
func (t *TokenSet) IsExpired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.After(t.ExpiresAt)
}

// ExpiresWithin returns true if the access token expires within d of now.
func (t *TokenSet) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(t.ExpiresAt)
}

// tokenParser skips claim validation; the client only reads exp, it never
// verifies signatures.
var tokenParser = jwt.NewParser(jwt.WithoutClaimsValidation())

// TokenExpiry extracts the exp claim from an access token. Returns
// (zero, false) for anything that is not a structurally valid JWT with a
// parseable exp claim. The caller supplies a default expiry in that case.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	_, _, err := tokenParser.ParseUnverified(token, &claims)
	if err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
