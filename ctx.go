package authclient

import (
	"context"

	"github.com/goliatone/go-router"
)

// LocalsUserKey is the router locals key the guard stores the user under
const LocalsUserKey = "auth_user"

var stateCtxKey = &contextKey{"auth_state"}

type contextKey struct {
	name string
}

// WithState sets the AuthState in the given context
func WithState(ctx context.Context, state AuthState) context.Context {
	return context.WithValue(ctx, stateCtxKey, state)
}

// StateFromContext finds the AuthState in the context
func StateFromContext(ctx context.Context) (AuthState, bool) {
	raw, ok := ctx.Value(stateCtxKey).(AuthState)
	return raw, ok
}

// UserFromContext returns the authenticated user stored by the guard
func UserFromContext(ctx context.Context) (*UserSnapshot, bool) {
	state, ok := StateFromContext(ctx)
	if !ok || !state.Authenticated || state.User == nil {
		return nil, false
	}
	return state.User, true
}

// GetRouterUser extracts the user from the router context
func GetRouterUser(c router.Context) (*UserSnapshot, bool) {
	raw := c.Locals(LocalsUserKey)
	if raw == nil {
		return nil, false
	}
	user, ok := raw.(*UserSnapshot)
	return user, ok && user != nil
}

func bindState(c router.Context, state AuthState) {
	c.SetContext(WithState(c.Context(), state))
	if state.User != nil {
		c.Locals(LocalsUserKey, state.User)
	}
}
