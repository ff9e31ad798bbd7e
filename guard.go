package authclient

import (
	"context"
)

// DefaultLoginPath is used when neither the route nor the guard names one
const DefaultLoginPath = "/login"

// Action is what a guarded route should do for the current state
type Action int

const (
	// ActionWait means the session is not resolved yet; render nothing
	ActionWait Action = iota
	ActionRedirect
	ActionRender
	// ActionDeny means the role may not see the route and no landing page
	// can be redirected to without looping
	ActionDeny
)

func (a Action) String() string {
	switch a {
	case ActionWait:
		return "wait"
	case ActionRedirect:
		return "redirect"
	case ActionRender:
		return "render"
	case ActionDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Route describes a guarded location
type Route struct {
	Pattern string
	// Roles allowed to render the route. Empty allows any authenticated user.
	Roles []UserRole
	// LoginPath overrides the guard login path, e.g. an external admin login
	LoginPath string
}

// Decision is the outcome of evaluating a route. It is comparable.
type Decision struct {
	Action   Action
	Location string
	// ReturnTo is set when redirecting to login
	ReturnTo string
}

// Guard decides whether a route renders, waits or redirects
type Guard struct {
	LoginPath string
	// Landing maps a role to its home location
	Landing        map[UserRole]string
	DefaultLanding string
}

// StateSource is implemented by SessionController
type StateSource interface {
	State() AuthState
	Subscribe() (<-chan AuthState, func())
}

// Evaluate is a pure function of the state, the route and the requested
// location.
func (g Guard) Evaluate(state AuthState, route Route, requested string) Decision {
	if !state.Initialized || state.Loading.Initializing {
		return Decision{Action: ActionWait}
	}

	if !state.Authenticated || state.User == nil {
		return Decision{
			Action:   ActionRedirect,
			Location: g.loginPath(route),
			ReturnTo: requested,
		}
	}

	if RoleIn(state.User.Role, route.Roles) {
		return Decision{Action: ActionRender}
	}

	// wrong role goes home, never to login
	landing := g.Landing[state.User.Role]
	if landing == "" || landing == requested {
		landing = g.DefaultLanding
	}
	if landing == "" || landing == requested {
		return Decision{Action: ActionDeny}
	}

	return Decision{Action: ActionRedirect, Location: landing}
}

func (g Guard) loginPath(route Route) string {
	if route.LoginPath != "" {
		return route.LoginPath
	}
	if g.LoginPath != "" {
		return g.LoginPath
	}
	return DefaultLoginPath
}

// Watch evaluates the route on every committed state and calls apply only
// when the decision differs from the last one applied. It returns when ctx
// is done, which is how a mounted view stops watching.
func (g Guard) Watch(ctx context.Context, source StateSource, route Route, requested string, apply func(Decision)) {
	states, cancel := source.Subscribe()
	defer cancel()

	var (
		last    Decision
		applied bool
	)

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			decision := g.Evaluate(state, route, requested)
			if applied && decision == last {
				continue
			}
			// the view may have unmounted while we were waiting
			if ctx.Err() != nil {
				return
			}
			apply(decision)
			last, applied = decision, true
		}
	}
}
