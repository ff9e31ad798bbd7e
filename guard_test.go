package authclient_test

import (
	"context"
	"sync"
	"testing"
	"time"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuard() authclient.Guard {
	return authclient.Guard{
		LoginPath: "/login",
		Landing: map[authclient.UserRole]string{
			authclient.RoleAdmin:  "/admin",
			authclient.RoleClient: "/account",
		},
		DefaultLanding: "/",
	}
}

func authenticated(role authclient.UserRole) authclient.AuthState {
	return authclient.AuthState{
		Initialized:   true,
		Authenticated: true,
		User: &authclient.UserSnapshot{
			ID:    "user-1",
			Email: "ada@example.com",
			Role:  role,
		},
	}
}

func TestGuardEvaluate(t *testing.T) {
	adminOnly := authclient.Route{Pattern: "/admin/*", Roles: []authclient.UserRole{authclient.RoleAdmin}}
	clientOnly := authclient.Route{Pattern: "/account/*", Roles: []authclient.UserRole{authclient.RoleClient}}
	external := authclient.Route{Pattern: "/wp-admin", LoginPath: "https://cms.example.com/login"}

	initializing := authenticated(authclient.RoleAdmin)
	initializing.Loading.Initializing = true

	tests := []struct {
		name      string
		state     authclient.AuthState
		route     authclient.Route
		requested string
		want      authclient.Decision
	}{
		{
			name:      "uninitialized waits",
			state:     authclient.AuthState{},
			route:     adminOnly,
			requested: "/admin/rooms",
			want:      authclient.Decision{Action: authclient.ActionWait},
		},
		{
			name:      "initializing waits even with a cached user",
			state:     initializing,
			route:     adminOnly,
			requested: "/admin/rooms",
			want:      authclient.Decision{Action: authclient.ActionWait},
		},
		{
			name:      "logged out goes to login with return location",
			state:     authclient.AuthState{Initialized: true},
			route:     clientOnly,
			requested: "/account/bookings",
			want:      authclient.Decision{Action: authclient.ActionRedirect, Location: "/login", ReturnTo: "/account/bookings"},
		},
		{
			name:      "route login path wins",
			state:     authclient.AuthState{Initialized: true},
			route:     external,
			requested: "/wp-admin",
			want:      authclient.Decision{Action: authclient.ActionRedirect, Location: "https://cms.example.com/login", ReturnTo: "/wp-admin"},
		},
		{
			name:      "allowed role renders",
			state:     authenticated(authclient.RoleAdmin),
			route:     adminOnly,
			requested: "/admin/rooms",
			want:      authclient.Decision{Action: authclient.ActionRender},
		},
		{
			name:      "any role renders an open route",
			state:     authenticated(authclient.RoleClient),
			route:     authclient.Route{},
			requested: "/profile",
			want:      authclient.Decision{Action: authclient.ActionRender},
		},
		{
			name:      "wrong role goes to its landing",
			state:     authenticated(authclient.RoleClient),
			route:     adminOnly,
			requested: "/admin/rooms",
			want:      authclient.Decision{Action: authclient.ActionRedirect, Location: "/account"},
		},
		{
			name:      "landing equal to request falls back to default",
			state:     authenticated(authclient.RoleClient),
			route:     adminOnly,
			requested: "/account",
			want:      authclient.Decision{Action: authclient.ActionRedirect, Location: "/"},
		},
	}

	guard := testGuard()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guard.Evaluate(tt.state, tt.route, tt.requested))
		})
	}
}

func TestGuardNeverLoops(t *testing.T) {
	guard := authclient.Guard{Landing: map[authclient.UserRole]string{authclient.RoleClient: "/"}}
	route := authclient.Route{Roles: []authclient.UserRole{authclient.RoleAdmin}}

	d := guard.Evaluate(authenticated(authclient.RoleClient), route, "/")
	assert.Equal(t, authclient.ActionDeny, d.Action)

	d = guard.Evaluate(authclient.AuthState{Initialized: true}, authclient.Route{}, "/x")
	assert.Equal(t, authclient.DefaultLoginPath, d.Location)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "wait", authclient.ActionWait.String())
	assert.Equal(t, "redirect", authclient.ActionRedirect.String())
	assert.Equal(t, "render", authclient.ActionRender.String())
	assert.Equal(t, "deny", authclient.ActionDeny.String())
	assert.Equal(t, "unknown", authclient.Action(42).String())
}

// recorder collects applied decisions
type recorder struct {
	mu        sync.Mutex
	decisions []authclient.Decision
}

func (r *recorder) apply(d authclient.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recorder) snapshot() []authclient.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]authclient.Decision(nil), r.decisions...)
}

func TestGuardWatchDoesNotFlap(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.user, 10*time.Minute, authclient.HorizonDurable)
	c := f.controller()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		testGuard().Watch(ctx, c, authclient.Route{Roles: []authclient.UserRole{authclient.RoleClient}}, "/account", rec.apply)
	}()

	state := c.Initialize(context.Background())
	require.True(t, state.Authenticated)

	_, err := c.RefreshIfNeeded(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got) > 0 && got[len(got)-1].Action == authclient.ActionRender
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// the guard never redirected to login while the session was resolving
	for _, d := range rec.snapshot() {
		assert.NotEqual(t, authclient.ActionRedirect, d.Action)
	}
	got := rec.snapshot()
	for i := 1; i < len(got); i++ {
		assert.NotEqual(t, got[i-1], got[i], "decisions are only applied on change")
	}
}

func TestGuardWatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	calls := 0
	go func() {
		defer close(done)
		testGuard().Watch(ctx, staticSource{authclient.AuthState{}}, authclient.Route{}, "/", func(authclient.Decision) { calls++ })
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
	assert.LessOrEqual(t, calls, 1)
}
