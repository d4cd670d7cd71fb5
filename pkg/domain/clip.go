package domain

import (
	"time"
)

type Clip struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"-"`
}

// IsLive reports whether the clip is still retrievable at the given instant.
// Expiry and revocation are both terminal: once not live, never live again.
func (c *Clip) IsLive(now time.Time) bool {
	return !c.Revoked && now.Before(c.ExpiresAt)
}

type CreateParams struct {
	Content   string
	ExpiresAt time.Time
}

// Expiry duration tokens accepted on create. Order matters: it is the menu
// presented to clients.
var ExpiryTokens = []string{"2min", "5min", "10min", "1hour", "24hour"}

var expiryDurations = map[string]time.Duration{
	"2min":   2 * time.Minute,
	"5min":   5 * time.Minute,
	"10min":  10 * time.Minute,
	"1hour":  time.Hour,
	"24hour": 24 * time.Hour,
}

const DefaultExpiryToken = "10min"

// ResolveExpiry maps a duration token or an explicit RFC 3339 timestamp to an
// absolute expiry. customExpiry wins when both are given. An empty token
// falls back to the default. The returned time is not validated against now;
// callers reject non-future expiries.
func ResolveExpiry(token, customExpiry string, now time.Time) (time.Time, error) {
	if customExpiry != "" {
		t, err := time.Parse(time.RFC3339, customExpiry)
		if err != nil {
			return time.Time{}, ErrInvalidExpiry
		}
		return t, nil
	}
	if token == "" {
		token = DefaultExpiryToken
	}
	d, ok := expiryDurations[token]
	if !ok {
		return time.Time{}, ErrInvalidExpiry
	}
	return now.Add(d), nil
}

type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}
