package authclient_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/goliatone/go-auth-client/authtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (f *fixture) coordinator(opts ...authclient.RefreshOption) *authclient.RefreshCoordinator {
	base := []authclient.RefreshOption{authclient.WithRefreshLogger(nopLogger{})}
	return authclient.NewRefreshCoordinator(f.store, f.backend, append(base, opts...)...)
}

func TestRefreshSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.user, -time.Minute, authclient.HorizonDurable)
	f.srv.SetRefreshDelay(100 * time.Millisecond)

	reg := prometheus.NewRegistry()
	metrics := authclient.NewMetrics(reg)

	var refreshed atomic.Int64
	rc := f.coordinator(
		authclient.WithRefreshMetrics(metrics),
		authclient.OnRefreshed(func(ctx context.Context, b authclient.Bundle) { refreshed.Add(1) }),
	)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]bool, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = rc.RefreshIfNeeded(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.NoError(t, errs[i])
		assert.True(t, results[i])
	}

	assert.Equal(t, int64(1), f.srv.Calls(authtest.EndpointRefresh))
	assert.Equal(t, int64(1), refreshed.Load())
	assert.False(t, rc.InFlight())
	assert.False(t, rc.NeedsRefresh(context.Background()))
	assert.Equal(t, float64(1), counterValue(t, reg, "authclient_refresh_total", "success"))
}

// counterValue reads a labelled counter from reg
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRefreshSkipsFreshToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.user, 10*time.Minute, authclient.HorizonSession)
	rc := f.coordinator()

	assert.False(t, rc.NeedsRefresh(context.Background()))
	ok, err := rc.RefreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), f.srv.Calls(authtest.EndpointRefresh))
}

func TestRefreshRefreshesInsideSkewWindow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.user, 30*time.Second, authclient.HorizonSession)
	rc := f.coordinator(authclient.WithRefreshSkew(45 * time.Second))

	assert.True(t, rc.NeedsRefresh(context.Background()))
	ok, err := rc.RefreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), f.srv.Calls(authtest.EndpointRefresh))

	// the refreshed pair stays in the horizon it was found in
	assert.Equal(t, authclient.HorizonSession, f.store.Horizon(context.Background()))
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(context.Background(), authclient.Bundle{AccessToken: "opaque"}, authclient.HorizonSession))
	rc := f.coordinator()

	ok, err := rc.RefreshIfNeeded(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), f.srv.Calls(authtest.EndpointRefresh))
}

func TestRefreshRejectedClearsCredentials(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.user, -time.Minute, authclient.HorizonDurable)
	f.srv.RevokeRefreshTokens()

	var expired error
	rc := f.coordinator(authclient.OnExpired(func(ctx context.Context, err error) { expired = err }))

	ok, err := rc.RefreshIfNeeded(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, authclient.KindAuthExpired, authclient.KindOf(err))
	assert.True(t, f.store.Load(context.Background()).Empty())
	assert.Equal(t, 0, f.durable.Len())
	assert.Equal(t, authclient.KindAuthExpired, authclient.KindOf(expired))
}

func TestRefreshNetworkFailureKeepsCredentials(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, f.user, -time.Minute, authclient.HorizonDurable)
	f.srv.SetFault(authtest.EndpointRefresh, authtest.DropConnection)

	called := false
	rc := f.coordinator(authclient.OnExpired(func(context.Context, error) { called = true }))

	ok, err := rc.RefreshIfNeeded(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, authclient.KindNetwork, authclient.KindOf(err))
	assert.False(t, called)
	assert.Equal(t, seeded.RefreshToken, f.store.Load(context.Background()).RefreshToken)
}

func TestRefreshKeepsUserWhenOmitted(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, f.user, -time.Minute, authclient.HorizonDurable)
	f.srv.OmitUserOnRefresh(true)
	rc := f.coordinator()

	ok, err := rc.RefreshIfNeeded(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	got := f.store.Load(context.Background())
	assert.NotEqual(t, seeded.AccessToken, got.AccessToken)
	assert.Equal(t, seeded.User, got.User)
}

func TestForceRefreshSameTickSingleCall(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, f.user, 10*time.Minute, authclient.HorizonDurable)
	f.srv.SetRefreshDelay(50 * time.Millisecond)
	rc := f.coordinator()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := rc.ForceRefresh(context.Background(), seeded.AccessToken)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), f.srv.Calls(authtest.EndpointRefresh))
	assert.NotEqual(t, seeded.AccessToken, f.store.Load(context.Background()).AccessToken)
}

func TestForceRefreshWithReplacedTokenSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.user, 10*time.Minute, authclient.HorizonDurable)
	rc := f.coordinator()

	ok, err := rc.ForceRefresh(context.Background(), "some-older-token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), f.srv.Calls(authtest.EndpointRefresh))
}

func TestRefreshCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.user, -time.Minute, authclient.HorizonDurable)
	f.srv.SetRefreshDelay(200 * time.Millisecond)
	rc := f.coordinator()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := rc.RefreshIfNeeded(ctx)
	assert.False(t, ok)
	assert.Equal(t, authclient.KindNetwork, authclient.KindOf(err))

	// the shared refresh keeps running for the other callers
	ok, err = rc.RefreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), f.srv.Calls(authtest.EndpointRefresh))
}

func TestRefreshMalformedResponse(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.user, -time.Minute, authclient.HorizonDurable)

	refresher := new(MockRefresher)
	refresher.On("Refresh", mock.Anything, mock.AnythingOfType("string")).
		Return(&authclient.TokenResponse{}, nil).Once()

	rc := authclient.NewRefreshCoordinator(f.store, refresher, authclient.WithRefreshLogger(nopLogger{}))

	ok, err := rc.RefreshIfNeeded(context.Background())
	assert.False(t, ok)
	assert.Equal(t, authclient.KindValidation, authclient.KindOf(err))
	assert.True(t, f.store.Load(context.Background()).Empty())
	refresher.AssertExpectations(t)
}

func TestRefresherFuncNil(t *testing.T) {
	var fn authclient.RefresherFunc
	_, err := fn.Refresh(context.Background(), "x")
	assert.True(t, errors.Is(err, authclient.ErrNoRefreshToken))
}

func TestRefreshDropsResultWhenEpochChanges(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, f.user, -time.Minute, authclient.HorizonDurable)

	reg := prometheus.NewRegistry()
	var epoch atomic.Uint64
	var refreshed atomic.Int64

	refresher := authclient.RefresherFunc(func(ctx context.Context, token string) (*authclient.TokenResponse, error) {
		resp, err := f.backend.Refresh(ctx, token)
		epoch.Add(1)
		return resp, err
	})
	rc := authclient.NewRefreshCoordinator(f.store, refresher,
		authclient.WithRefreshLogger(nopLogger{}),
		authclient.WithRefreshMetrics(authclient.NewMetrics(reg)),
		authclient.WithSessionEpoch(epoch.Load),
		authclient.OnRefreshed(func(ctx context.Context, b authclient.Bundle) { refreshed.Add(1) }),
	)

	ok, err := rc.ForceRefresh(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(0), refreshed.Load())
	assert.Equal(t, seeded.AccessToken, f.store.Load(context.Background()).AccessToken)
	assert.Equal(t, float64(1), counterValue(t, reg, "authclient_refresh_total", "superseded"))
	assert.Equal(t, float64(0), counterValue(t, reg, "authclient_refresh_total", "success"))
}

func TestRefreshRejectedForReplacedCredentials(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.user, -time.Minute, authclient.HorizonDurable)

	replacement := authclient.Bundle{AccessToken: "access-new", RefreshToken: "refresh-new"}
	refresher := authclient.RefresherFunc(func(ctx context.Context, token string) (*authclient.TokenResponse, error) {
		assert.NoError(t, f.store.Save(ctx, replacement, authclient.HorizonSession))
		return nil, authclient.ErrSessionExpired
	})

	var expired atomic.Int64
	rc := authclient.NewRefreshCoordinator(f.store, refresher,
		authclient.WithRefreshLogger(nopLogger{}),
		authclient.OnExpired(func(ctx context.Context, err error) { expired.Add(1) }),
	)

	ok, err := rc.ForceRefresh(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), expired.Load())

	bundle, horizon := f.store.LoadWithHorizon(context.Background())
	assert.Equal(t, authclient.HorizonSession, horizon)
	assert.Equal(t, "access-new", bundle.AccessToken)
	assert.Equal(t, "refresh-new", bundle.RefreshToken)
}
