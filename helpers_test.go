package authclient_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/goliatone/go-auth-client/authtest"
	"github.com/goliatone/go-auth-client/config"
	"github.com/goliatone/go-auth-client/storage"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct-horse"
	adminEmail   = "grace@example.com"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// fixture wires a fake backend, memory storages and a controller
type fixture struct {
	srv     *authtest.Server
	opts    *config.Options
	backend *authclient.HTTPBackend
	session *storage.Memory
	durable *storage.Memory
	store   *authclient.CredentialStore
	user    authtest.User
	admin   authtest.User
}

func newFixture(t *testing.T, serverOpts ...authtest.Option) *fixture {
	t.Helper()

	srv := authtest.NewServer(serverOpts...)
	t.Cleanup(srv.Close)

	f := &fixture{
		srv:     srv,
		opts:    serverOptions(srv),
		session: storage.NewMemory(),
		durable: storage.NewMemory(),
	}
	f.user = srv.AddUser(authtest.User{Email: testEmail, FirstName: "Ada", LastName: "Lovelace", Verified: true}, testPassword)
	f.admin = srv.AddUser(authtest.User{Email: adminEmail, FirstName: "Grace", Role: "admin"}, testPassword)
	f.backend = authclient.NewHTTPBackend(f.opts, authclient.WithBackendLogger(nopLogger{}))
	f.store = authclient.NewCredentialStore(f.session, f.durable).WithLogger(nopLogger{})
	return f
}

func serverOptions(srv *authtest.Server) *config.Options {
	opts := config.DefaultOptions()
	opts.BaseURL = srv.URL
	opts.AdminBaseURL = srv.URL + "/admin"
	opts.RequestTimeout = 5 * time.Second
	return opts
}

func (f *fixture) controller(opts ...authclient.SessionOption) *authclient.SessionController {
	base := []authclient.SessionOption{
		authclient.WithConfig(f.opts),
		authclient.WithLogger(nopLogger{}),
	}
	return authclient.NewSessionController(f.backend, f.store, append(base, opts...)...)
}

func (f *fixture) snapshot(u authtest.User) *authclient.UserSnapshot {
	return &authclient.UserSnapshot{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      authclient.UserRole(u.Role),
		Verified:  u.Verified,
	}
}

// seed stores a token pair for u whose access token expires after ttl
func (f *fixture) seed(t *testing.T, u authtest.User, ttl time.Duration, horizon authclient.Horizon) authclient.Bundle {
	t.Helper()
	access, refresh := f.srv.IssuePair(u.Email, ttl)
	require.NotEmpty(t, access)

	bundle := authclient.Bundle{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    authclient.NewTokenInspector().ExpiryOf(access),
		User:         f.snapshot(u),
	}
	require.NoError(t, f.store.Save(context.Background(), bundle, horizon))
	return bundle
}

// seedRejected stores an access token the server rejects while the client
// still believes it is fresh
func (f *fixture) seedRejected(t *testing.T, u authtest.User) authclient.Bundle {
	t.Helper()
	access, refresh := f.srv.IssuePair(u.Email, -time.Minute)
	require.NotEmpty(t, access)

	future := time.Now().Add(time.Hour)
	bundle := authclient.Bundle{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    &future,
		User:         f.snapshot(u),
	}
	require.NoError(t, f.store.Save(context.Background(), bundle, authclient.HorizonDurable))
	return bundle
}

// adminLogin opens an admin cookie session in jar
func (f *fixture) adminLogin(t *testing.T, jar http.CookieJar) {
	t.Helper()
	client := authclient.NewClient(authclient.NewTransport(nil, authclient.NoAuth{}, authclient.WithTransportLogger(nopLogger{})), time.Second*5, jar)
	err := client.JSON(context.Background(), http.MethodPost, f.srv.URL+"/admin/login", map[string]string{
		"email":    adminEmail,
		"password": testPassword,
	}, nil)
	require.NoError(t, err)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// counting wraps rt and counts round trips
type counting struct {
	rt    http.RoundTripper
	count atomic.Int64
}

func (c *counting) RoundTrip(req *http.Request) (*http.Response, error) {
	c.count.Add(1)
	return c.rt.RoundTrip(req)
}

// gatedBackend holds every refresh response until release is closed
type gatedBackend struct {
	authclient.Backend
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedBackend(b authclient.Backend) *gatedBackend {
	return &gatedBackend{
		Backend: b,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedBackend) Refresh(ctx context.Context, refreshToken string) (*authclient.TokenResponse, error) {
	resp, err := g.Backend.Refresh(ctx, refreshToken)
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return resp, err
}

func (f *fixture) gatedController(opts ...authclient.SessionOption) (*authclient.SessionController, *gatedBackend) {
	gb := newGatedBackend(f.backend)
	base := []authclient.SessionOption{
		authclient.WithConfig(f.opts),
		authclient.WithLogger(nopLogger{}),
	}
	return authclient.NewSessionController(gb, f.store, append(base, opts...)...), gb
}

type refreshResult struct {
	ok  bool
	err error
}

func forceRefreshAsync(c *authclient.SessionController) <-chan refreshResult {
	done := make(chan refreshResult, 1)
	go func() {
		ok, err := c.Refresher().ForceRefresh(context.Background(), "")
		done <- refreshResult{ok: ok, err: err}
	}()
	return done
}
