package authclient_test

import (
	"testing"
	"time"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/goliatone/go-auth-client/authtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issue(t *testing.T, ttl time.Duration) string {
	t.Helper()
	issuer := authtest.NewTokenIssuer([]byte("claims-test"), ttl)
	token, err := issuer.Issue(authtest.User{ID: "user-1", Email: "ada@example.com", Role: "admin"})
	require.NoError(t, err)
	return token
}

func TestTokenInspectorDecode(t *testing.T) {
	ti := authclient.NewTokenInspector()
	token := issue(t, 10*time.Minute)

	claims := ti.Decode(token)
	require.NotNil(t, claims)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "user-1", claims.Subject())
	assert.Equal(t, authclient.RoleAdmin, claims.Role())
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), claims.Expires(), 2*time.Second)
	assert.False(t, claims.IssuedAt().IsZero())
}

func TestTokenInspectorDecodeMalformed(t *testing.T) {
	ti := authclient.NewTokenInspector()

	for _, token := range []string{"", "opaque-token", "a.b.c", "a.%%%.c", "only.two"} {
		assert.Nil(t, ti.Decode(token), "token %q", token)
		assert.Nil(t, ti.ExpiryOf(token), "token %q", token)
	}
}

func TestTokenInspectorExpiry(t *testing.T) {
	token := issue(t, 10*time.Minute)
	now := time.Now()
	skew := 45 * time.Second

	tests := []struct {
		name    string
		offset  time.Duration
		expired bool
	}{
		{name: "fresh", offset: 0, expired: false},
		{name: "before skew window", offset: 9 * time.Minute, expired: false},
		{name: "inside skew window", offset: 9*time.Minute + 30*time.Second, expired: true},
		{name: "past expiry", offset: 11 * time.Minute, expired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := authclient.NewTokenInspector(authclient.WithInspectorClock(func() time.Time {
				return now.Add(tt.offset)
			}))

			assert.Equal(t, tt.expired, ti.IsExpired(ti.Decode(token), skew))

			bundle := authclient.Bundle{AccessToken: token, ExpiresAt: ti.ExpiryOf(token)}
			assert.Equal(t, tt.expired, ti.BundleExpired(bundle, skew))
		})
	}
}

func TestTokenInspectorUnknownExpiryIsExpired(t *testing.T) {
	ti := authclient.NewTokenInspector()

	assert.True(t, ti.IsExpired(nil, 0))
	assert.True(t, ti.BundleExpired(authclient.Bundle{}, 0))
	assert.True(t, ti.BundleExpired(authclient.Bundle{AccessToken: "opaque"}, 0))
}

func TestHorizonFor(t *testing.T) {
	assert.Equal(t, authclient.HorizonDurable, authclient.HorizonFor(true))
	assert.Equal(t, authclient.HorizonSession, authclient.HorizonFor(false))
}

func TestNonceValidAt(t *testing.T) {
	now := time.Now()
	n := authclient.Nonce{Value: "abc", ExpiresAt: now.Add(time.Minute)}

	assert.True(t, n.ValidAt(now, 30*time.Second))
	assert.False(t, n.ValidAt(now.Add(45*time.Second), 30*time.Second))
	assert.False(t, authclient.Nonce{}.ValidAt(now, 0))
}

func TestParseRole(t *testing.T) {
	role, ok := authclient.ParseRole("admin")
	assert.True(t, ok)
	assert.Equal(t, authclient.RoleAdmin, role)

	_, ok = authclient.ParseRole("owner")
	assert.False(t, ok)

	assert.True(t, authclient.RoleIn(authclient.RoleClient, nil))
	assert.False(t, authclient.RoleIn(authclient.RoleClient, []authclient.UserRole{authclient.RoleAdmin}))
}
