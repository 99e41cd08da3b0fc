package tokens

import (
	"context"
	"time"
)

// RenewalMargin is how long before expiry a cached access token is renewed.
const RenewalMargin = 5 * time.Minute

// TokenRecord is the unit cached per client secret.
type TokenRecord struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// ExpiresAt is milliseconds since the Unix epoch.
	ExpiresAt int64 `json:"expiresAt"`
}

func (r TokenRecord) Expiry() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// Valid reports whether the access token may still be used at now.
func (r TokenRecord) Valid(now time.Time) bool {
	if r.AccessToken == "" {
		return false
	}
	return now.UnixMilli() < r.ExpiresAt-RenewalMargin.Milliseconds()
}

// Store is the durable mapping from client secret to cached record.
// Get and Put are individually atomic; Put always overwrites.
type Store interface {
	Get(ctx context.Context, secret string) (TokenRecord, bool, error)
	Put(ctx context.Context, secret string, rec TokenRecord) error
}

// Provider mints and renews upstream access tokens.
type Provider interface {
	Register(ctx context.Context, secret string) (TokenRecord, error)
	Refresh(ctx context.Context, secret, refreshToken string) (TokenRecord, error)
}

// Observer receives renewal outcomes. kind is "register" or "refresh",
// outcome is "ok" or "error".
type Observer interface {
	ObserveRenewal(kind, outcome string)
}
