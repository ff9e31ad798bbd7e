package authclient

import (
	"github.com/goliatone/go-router"
)

// TemplateUserKey is the global data key the current user is exposed under
var TemplateUserKey = "current_user"

// TemplateHelpers returns helper functions for views rendered behind a
// RouteGuard. Pass the map as global template data.
//
// In templates:
//
//	{% if current_user|is_authenticated %}
//	{% if current_user|has_role:"admin" %}
//	{{ current_user|full_name }}
func TemplateHelpers() map[string]any {
	return map[string]any{
		"is_authenticated": isAuthenticated,
		"has_role":         hasRole,
		"is_admin":         isAdmin,
		"full_name":        fullName,
		"roles": map[string]string{
			"admin":  string(RoleAdmin),
			"client": string(RoleClient),
		},
	}
}

// TemplateHelpersWithUser sets user as current_user on top of TemplateHelpers
func TemplateHelpersWithUser(user *UserSnapshot) map[string]any {
	helpers := TemplateHelpers()
	helpers[TemplateUserKey] = user
	return helpers
}

// TemplateHelpersWithRouter reads the user bound by RouteGuard from the
// router context.
func TemplateHelpersWithRouter(c router.Context) map[string]any {
	user, _ := GetRouterUser(c)
	return TemplateHelpersWithUser(user)
}

func templateUser(v any) *UserSnapshot {
	switch u := v.(type) {
	case *UserSnapshot:
		return u
	case UserSnapshot:
		return &u
	default:
		return nil
	}
}

func isAuthenticated(v any) bool {
	u := templateUser(v)
	return u != nil && u.ID != ""
}

func hasRole(v any, role string) bool {
	u := templateUser(v)
	if u == nil {
		return false
	}
	parsed, ok := ParseRole(role)
	return ok && u.Role == parsed
}

func isAdmin(v any) bool {
	u := templateUser(v)
	return u != nil && u.Role == RoleAdmin
}

func fullName(v any) string {
	u := templateUser(v)
	if u == nil {
		return ""
	}
	if name := u.FullName(); name != "" {
		return name
	}
	return u.Email
}
