package authclient

import "time"

// Horizon is the persistence lifetime chosen for credentials
type Horizon string

const (
	// HorizonSession lives as long as the process (or browser session)
	HorizonSession Horizon = "session"
	// HorizonDurable survives restarts ("remember me")
	HorizonDurable Horizon = "durable"
)

// HorizonFor maps the remember me flag to a horizon
func HorizonFor(rememberMe bool) Horizon {
	if rememberMe {
		return HorizonDurable
	}
	return HorizonSession
}

// Bundle is the credential material persisted across reloads.
type Bundle struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is derived from the access token claims. Nil means unknown,
	// which is handled as expired.
	ExpiresAt *time.Time
	User      *UserSnapshot
}

// Empty reports whether the bundle carries no access token
func (b Bundle) Empty() bool {
	return b.AccessToken == ""
}

// HasRefreshToken reports whether the bundle can be refreshed
func (b Bundle) HasRefreshToken() bool {
	return b.RefreshToken != ""
}

// Nonce is the short lived token for the admin API. It only lives in memory.
type Nonce struct {
	Value     string
	ExpiresAt time.Time
}

// ValidAt reports whether the nonce can still be used at t given skew
func (n Nonce) ValidAt(t time.Time, skew time.Duration) bool {
	if n.Value == "" {
		return false
	}
	return t.Before(n.ExpiresAt.Add(-skew))
}

// bundleFromResponse builds the bundle for a token response. The previous
// user snapshot is kept when the response omits one.
func bundleFromResponse(ti *TokenInspector, resp *TokenResponse, previous *UserSnapshot) Bundle {
	user := resp.User
	if user == nil {
		user = previous
	}
	return Bundle{
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    ti.ExpiryOf(resp.Token),
		User:         user.Clone(),
	}
}
