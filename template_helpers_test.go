package authclient_test

import (
	"testing"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateHelpers(t *testing.T) {
	helpers := authclient.TemplateHelpers()

	for _, name := range []string{"is_authenticated", "has_role", "is_admin", "full_name", "roles"} {
		assert.Contains(t, helpers, name)
	}
	assert.NotContains(t, helpers, authclient.TemplateUserKey)

	roles, ok := helpers["roles"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "admin", roles["admin"])
}

func TestTemplateHelperFunctions(t *testing.T) {
	admin := &authclient.UserSnapshot{ID: "u1", Email: "grace@example.com", Role: authclient.RoleAdmin}
	client := authclient.UserSnapshot{ID: "u2", Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace", Role: authclient.RoleClient}

	helpers := authclient.TemplateHelpersWithUser(admin)
	assert.Same(t, admin, helpers[authclient.TemplateUserKey])

	isAuthenticated := helpers["is_authenticated"].(func(any) bool)
	hasRole := helpers["has_role"].(func(any, string) bool)
	isAdmin := helpers["is_admin"].(func(any) bool)
	fullName := helpers["full_name"].(func(any) string)

	assert.True(t, isAuthenticated(admin))
	assert.True(t, isAuthenticated(client))
	assert.False(t, isAuthenticated(nil))
	assert.False(t, isAuthenticated("ada"))

	assert.True(t, hasRole(admin, "admin"))
	assert.False(t, hasRole(client, "admin"))
	assert.False(t, hasRole(client, "root"))
	assert.False(t, hasRole(nil, "client"))

	assert.True(t, isAdmin(admin))
	assert.False(t, isAdmin(client))

	assert.Equal(t, "grace@example.com", fullName(admin))
	assert.Equal(t, "Ada Lovelace", fullName(client))
	assert.Equal(t, "", fullName(nil))
}

func TestTemplateHelpersWithRouter(t *testing.T) {
	user := &authclient.UserSnapshot{ID: "u1", Email: "ada@example.com", Role: authclient.RoleClient}
	c := newFakeContext("GET", "/account")
	c.Locals(authclient.LocalsUserKey, user)

	helpers := authclient.TemplateHelpersWithRouter(c)
	assert.Same(t, user, helpers[authclient.TemplateUserKey])

	empty := authclient.TemplateHelpersWithRouter(newFakeContext("GET", "/"))
	assert.Nil(t, empty[authclient.TemplateUserKey])
}
