package authclient

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshSkew refreshes tokens this long before hard expiry
	DefaultRefreshSkew = 45 * time.Second
	// DefaultRequestTimeout bounds every network call
	DefaultRequestTimeout = 15 * time.Second

	refreshFlightKey = "refresh"
)

type refreshOutcome struct {
	ok        bool
	refreshed bool
}

// RefreshCoordinator guarantees at most one refresh call in flight. Every
// caller that asks while a refresh is running gets that refresh's result.
type RefreshCoordinator struct {
	store     *CredentialStore
	inspector *TokenInspector
	refresher Refresher
	skew      time.Duration
	timeout   time.Duration
	group     singleflight.Group
	inFlight  atomic.Bool
	logger    Logger
	metrics   *Metrics

	onRefreshed func(ctx context.Context, b Bundle)
	onExpired   func(ctx context.Context, err error)
	epoch       func() uint64
}

// RefreshOption customizes a RefreshCoordinator
type RefreshOption func(*RefreshCoordinator)

func WithRefreshSkew(skew time.Duration) RefreshOption {
	return func(rc *RefreshCoordinator) {
		if skew >= 0 {
			rc.skew = skew
		}
	}
}

func WithRefreshTimeout(timeout time.Duration) RefreshOption {
	return func(rc *RefreshCoordinator) {
		if timeout > 0 {
			rc.timeout = timeout
		}
	}
}

func WithRefreshLogger(logger Logger) RefreshOption {
	return func(rc *RefreshCoordinator) {
		rc.logger = normalizeLogger(logger)
	}
}

func WithRefreshMetrics(m *Metrics) RefreshOption {
	return func(rc *RefreshCoordinator) {
		rc.metrics = m
	}
}

func WithRefreshInspector(ti *TokenInspector) RefreshOption {
	return func(rc *RefreshCoordinator) {
		if ti != nil {
			rc.inspector = ti
		}
	}
}

// WithSessionEpoch sets the counter a refresh is checked against. A refresh
// whose epoch changed while the call was running is dropped, as is one
// whose refresh token is no longer the stored one.
func WithSessionEpoch(fn func() uint64) RefreshOption {
	return func(rc *RefreshCoordinator) {
		if fn != nil {
			rc.epoch = fn
		}
	}
}

// OnRefreshed registers the callback invoked after a new bundle was persisted
func OnRefreshed(fn func(ctx context.Context, b Bundle)) RefreshOption {
	return func(rc *RefreshCoordinator) {
		rc.onRefreshed = fn
	}
}

// OnExpired registers the callback invoked after a refresh failure cleared
// the credentials
func OnExpired(fn func(ctx context.Context, err error)) RefreshOption {
	return func(rc *RefreshCoordinator) {
		rc.onExpired = fn
	}
}

func NewRefreshCoordinator(store *CredentialStore, refresher Refresher, opts ...RefreshOption) *RefreshCoordinator {
	rc := &RefreshCoordinator{
		store:     store,
		refresher: refresher,
		inspector: NewTokenInspector(),
		skew:      DefaultRefreshSkew,
		timeout:   DefaultRequestTimeout,
		logger:    defLogger{},
		epoch:     func() uint64 { return 0 },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rc)
		}
	}
	return rc
}

// Inspector returns the token inspector used for expiry checks
func (rc *RefreshCoordinator) Inspector() *TokenInspector {
	return rc.inspector
}

// Skew returns the proactive refresh window
func (rc *RefreshCoordinator) Skew() time.Duration {
	return rc.skew
}

// InFlight reports whether a refresh call is currently running
func (rc *RefreshCoordinator) InFlight() bool {
	return rc.inFlight.Load()
}

// NeedsRefresh reports whether the stored access token is expired or inside
// the skew window.
func (rc *RefreshCoordinator) NeedsRefresh(ctx context.Context) bool {
	return rc.inspector.BundleExpired(rc.store.Load(ctx), rc.skew)
}

// RefreshIfNeeded refreshes the stored credentials when the access token is
// expired (or about to). It resolves false without a network call when
// there is no refresh token, and true without a network call when the
// token is still fresh.
func (rc *RefreshCoordinator) RefreshIfNeeded(ctx context.Context) (bool, error) {
	return rc.do(ctx, "", false)
}

// ForceRefresh refreshes regardless of the token expiry. staleToken is the
// access token a request was rejected with; if the store already holds a
// different one the call resolves true without a network call.
func (rc *RefreshCoordinator) ForceRefresh(ctx context.Context, staleToken string) (bool, error) {
	return rc.do(ctx, staleToken, true)
}

func (rc *RefreshCoordinator) do(ctx context.Context, staleToken string, force bool) (bool, error) {
	if !rc.store.Load(ctx).HasRefreshToken() {
		return false, nil
	}

	out, err := rc.join(ctx, staleToken, force)
	if err != nil {
		return false, err
	}

	// a forced caller may have joined a flight that only checked expiry
	if force && out.ok && !out.refreshed && rc.store.Load(ctx).AccessToken == staleToken {
		out, err = rc.join(ctx, staleToken, true)
		if err != nil {
			return false, err
		}
	}

	return out.ok, nil
}

func (rc *RefreshCoordinator) join(ctx context.Context, staleToken string, force bool) (refreshOutcome, error) {
	if rc.inFlight.Load() {
		rc.metrics.joined()
	}

	ch := rc.group.DoChan(refreshFlightKey, func() (any, error) {
		rc.inFlight.Store(true)
		defer rc.inFlight.Store(false)
		return rc.run(context.WithoutCancel(ctx), staleToken, force)
	})

	select {
	case res := <-ch:
		out, _ := res.Val.(refreshOutcome)
		return out, res.Err
	case <-ctx.Done():
		return refreshOutcome{}, ClassifyError(ctx.Err(), "")
	}
}

func (rc *RefreshCoordinator) run(ctx context.Context, staleToken string, force bool) (refreshOutcome, error) {
	bundle, horizon := rc.store.LoadWithHorizon(ctx)
	if !bundle.HasRefreshToken() {
		return refreshOutcome{}, nil
	}

	if force && staleToken != "" && bundle.AccessToken != staleToken {
		return refreshOutcome{ok: true, refreshed: true}, nil
	}

	if !force && !rc.inspector.BundleExpired(bundle, rc.skew) {
		return refreshOutcome{ok: true}, nil
	}

	epoch := rc.epoch()
	ctx = context.WithValue(ctx, refreshEpochKey{}, epoch)

	callCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	resp, err := rc.refresher.Refresh(callCtx, bundle.RefreshToken)
	if err == nil && (resp == nil || resp.Token == "") {
		err = withMetadata(ErrMalformedPayload, nil, map[string]any{"payload": "refresh"})
	}

	// the session ended or was replaced while the call was running
	if rc.epoch() != epoch {
		rc.metrics.refresh("superseded")
		rc.logger.Debug("dropping refresh result, session changed during the call")
		return rc.superseded(ctx), nil
	}

	if err != nil {
		classified := ClassifyError(err, "")
		kind := KindOf(classified)

		if kind == KindNetwork {
			rc.metrics.refresh("network")
			rc.logger.Warn("refresh failed on network, keeping credentials", "error", err)
			return refreshOutcome{}, classified
		}

		cleared, cerr := rc.store.ClearIfCurrent(ctx, bundle.RefreshToken)
		if cerr != nil {
			rc.logger.Error("refresh failed to clear credentials", "error", cerr)
		}
		if !cleared && cerr == nil {
			rc.metrics.refresh("superseded")
			rc.logger.Debug("refresh rejected for replaced credentials, ignoring")
			return rc.superseded(ctx), nil
		}

		rc.metrics.refresh("failure")
		rc.logger.Info("refresh rejected, clearing credentials", "kind", kind)

		if rc.onExpired != nil {
			rc.onExpired(ctx, classified)
		}
		return refreshOutcome{}, classified
	}

	next := bundleFromResponse(rc.inspector, resp, bundle.User)
	if next.RefreshToken == "" {
		next.RefreshToken = bundle.RefreshToken
	}

	saved, err := rc.store.SaveIfCurrent(ctx, next, horizon, bundle.RefreshToken)
	if err != nil {
		rc.metrics.refresh("store_error")
		rc.logger.Error("refresh failed to persist credentials", "error", err)
		return refreshOutcome{}, err
	}
	if !saved {
		rc.metrics.refresh("superseded")
		rc.logger.Debug("dropping refresh result, credentials were cleared or replaced")
		return rc.superseded(ctx), nil
	}

	rc.metrics.refresh("success")
	rc.logger.Debug("refresh succeeded", "horizon", horizon)

	if rc.onRefreshed != nil {
		rc.onRefreshed(ctx, next)
	}

	return refreshOutcome{ok: true, refreshed: true}, nil
}

// superseded reports the outcome of a refresh whose result was dropped:
// waiters succeed only when newer credentials are already stored.
func (rc *RefreshCoordinator) superseded(ctx context.Context) refreshOutcome {
	return refreshOutcome{ok: !rc.store.Load(ctx).Empty(), refreshed: true}
}

type refreshEpochKey struct{}

// refreshEpoch returns the session epoch a refresh callback was started
// under.
func refreshEpoch(ctx context.Context) (uint64, bool) {
	v, ok := ctx.Value(refreshEpochKey{}).(uint64)
	return v, ok
}
