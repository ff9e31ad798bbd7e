package authclient

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the advisory view of an access token payload. Nothing in it is
// trusted: signatures are verified server side only.
type Claims struct {
	jwt.RegisteredClaims
	UID      string   `json:"uid,omitempty"`
	UserRole UserRole `json:"role,omitempty"`
	Email    string   `json:"email,omitempty"`
}

// Subject returns the subject claim
func (c *Claims) Subject() string {
	return c.RegisteredClaims.Subject
}

// UserID returns the user ID
func (c *Claims) UserID() string {
	if c.UID != "" {
		return c.UID
	}
	return c.Subject()
}

// Role returns the global role
func (c *Claims) Role() UserRole {
	return c.UserRole
}

// Expires returns the expiration time
func (c *Claims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// IssuedAt returns the issued at time
func (c *Claims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}

// TokenInspector decodes bearer tokens without verifying them and answers
// expiry questions against an injectable clock.
type TokenInspector struct {
	parser *jwt.Parser
	now    func() time.Time
}

// InspectorOption customizes a TokenInspector
type InspectorOption func(*TokenInspector)

// WithInspectorClock injects a custom clock (useful for tests).
func WithInspectorClock(clock func() time.Time) InspectorOption {
	return func(ti *TokenInspector) {
		if clock != nil {
			ti.now = clock
		}
	}
}

func NewTokenInspector(opts ...InspectorOption) *TokenInspector {
	ti := &TokenInspector{
		parser: jwt.NewParser(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ti)
		}
	}
	return ti
}

// Decode parses the payload segment of token. It returns nil for malformed
// or opaque tokens and never panics.
func (ti *TokenInspector) Decode(token string) (claims *Claims) {
	if token == "" {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			claims = nil
		}
	}()

	out := &Claims{}
	if _, _, err := ti.parser.ParseUnverified(token, out); err != nil {
		return nil
	}
	return out
}

// IsExpired reports whether now >= expiry - skew. Claims without an expiry
// are treated as expired.
func (ti *TokenInspector) IsExpired(claims *Claims, skew time.Duration) bool {
	if claims == nil || claims.RegisteredClaims.ExpiresAt == nil {
		return true
	}
	return !ti.now().Before(claims.Expires().Add(-skew))
}

// ExpiryOf returns the expiry derived from the token claims, or nil when it
// cannot be derived.
func (ti *TokenInspector) ExpiryOf(token string) *time.Time {
	claims := ti.Decode(token)
	if claims == nil || claims.RegisteredClaims.ExpiresAt == nil {
		return nil
	}
	exp := claims.Expires()
	return &exp
}

// BundleExpired reports whether the bundle access token needs a refresh.
// A token with no known expiry is considered expired.
func (ti *TokenInspector) BundleExpired(b Bundle, skew time.Duration) bool {
	if b.AccessToken == "" {
		return true
	}
	if b.ExpiresAt == nil {
		return true
	}
	return !ti.now().Before(b.ExpiresAt.Add(-skew))
}

// Now returns the inspector clock time
func (ti *TokenInspector) Now() time.Time {
	return ti.now()
}
