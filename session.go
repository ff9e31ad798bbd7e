package authclient

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// SessionController owns the AuthState and orchestrates login, logout,
// registration, refresh and profile updates. Build one per client; there is
// no package level instance.
type SessionController struct {
	backend   Backend
	store     *CredentialStore
	refresh   *RefreshCoordinator
	inspector *TokenInspector
	client    *Client

	base             http.RoundTripper
	jar              http.CookieJar
	timeout          time.Duration
	skew             time.Duration
	nonceHeader      string
	invalidNonceCode string
	rps              float64
	nonceSource      *NonceSource
	admin            func() (*Client, error)

	logger   Logger
	metrics  *Metrics
	activity ActivitySink

	mu        sync.Mutex
	state     AuthState
	committed chan struct{}
	subs      map[uint64]chan AuthState
	nextSub   uint64
	// epoch changes whenever a session starts or ends
	epoch uint64

	initMu   sync.Mutex
	initDone chan struct{}
}

type SessionOption func(*SessionController)

// WithConfig applies the timing, nonce and rate options of cfg
func WithConfig(cfg Config) SessionOption {
	return func(c *SessionController) {
		if cfg == nil {
			return
		}
		if d := cfg.GetRefreshSkew(); d > 0 {
			c.skew = d
		}
		if d := cfg.GetRequestTimeout(); d > 0 {
			c.timeout = d
		}
		if h := cfg.GetNonceHeader(); h != "" {
			c.nonceHeader = h
		}
		if code := cfg.GetInvalidNonceCode(); code != "" {
			c.invalidNonceCode = code
		}
		c.rps = cfg.GetRequestsPerSecond()
	}
}

func WithLogger(logger Logger) SessionOption {
	return func(c *SessionController) {
		c.logger = normalizeLogger(logger)
	}
}

func WithMetrics(m *Metrics) SessionOption {
	return func(c *SessionController) {
		c.metrics = m
	}
}

// WithActivitySink wires an audit sink. Sink errors are logged and never
// fail an action.
func WithActivitySink(sink ActivitySink) SessionOption {
	return func(c *SessionController) {
		c.activity = normalizeActivitySink(sink)
	}
}

// WithInspector sets the token inspector, mostly to inject a clock in tests
func WithInspector(ti *TokenInspector) SessionOption {
	return func(c *SessionController) {
		if ti != nil {
			c.inspector = ti
		}
	}
}

// WithBaseTransport sets the round tripper under every auth transport
func WithBaseTransport(rt http.RoundTripper) SessionOption {
	return func(c *SessionController) {
		c.base = rt
	}
}

func WithCookieJar(jar http.CookieJar) SessionOption {
	return func(c *SessionController) {
		if jar != nil {
			c.jar = jar
		}
	}
}

// WithNonceSource sets the nonce source used by the admin client. Without
// it the source is built from the backend when it implements NonceFetcher.
func WithNonceSource(src *NonceSource) SessionOption {
	return func(c *SessionController) {
		c.nonceSource = src
	}
}

func NewSessionController(backend Backend, store *CredentialStore, opts ...SessionOption) *SessionController {
	c := &SessionController{
		backend:          backend,
		store:            store,
		inspector:        NewTokenInspector(),
		jar:              NewCookieJar(),
		timeout:          DefaultRequestTimeout,
		skew:             DefaultRefreshSkew,
		nonceHeader:      DefaultNonceHeader,
		invalidNonceCode: DefaultInvalidNonceCode,
		logger:           defLogger{},
		activity:         noopActivitySink{},
		committed:        make(chan struct{}),
		subs:             map[uint64]chan AuthState{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.refresh = NewRefreshCoordinator(store, backend,
		WithRefreshSkew(c.skew),
		WithRefreshTimeout(c.timeout),
		WithRefreshInspector(c.inspector),
		WithRefreshLogger(c.logger),
		WithRefreshMetrics(c.metrics),
		OnRefreshed(c.onRefreshed),
		OnExpired(c.onExpired),
		WithSessionEpoch(c.sessionEpoch),
	)

	c.client = NewClient(c.BearerTransport(c.base), c.timeout, c.jar)
	c.admin = sync.OnceValues(c.buildAdminClient)

	return c
}

// Refresher exposes the refresh coordinator shared by every transport the
// controller builds.
func (c *SessionController) Refresher() *RefreshCoordinator {
	return c.refresh
}

// Store returns the credential store
func (c *SessionController) Store() *CredentialStore {
	return c.store
}

// State returns the current committed state
func (c *SessionController) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel that receives the current state and then
// every committed state. Slow subscribers only see the latest state. Call
// the returned func to unsubscribe.
func (c *SessionController) Subscribe() (<-chan AuthState, func()) {
	ch := make(chan AuthState, 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.state
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// Committed returns a channel closed at the next state commit
func (c *SessionController) Committed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// update applies fn to a copy of the state and commits it
func (c *SessionController) update(fn func(s *AuthState)) AuthState {
	state, _ := c.updateIf(func(s *AuthState) bool {
		fn(s)
		return true
	})
	return state
}

// updateIf commits the copy only when fn returns true
func (c *SessionController) updateIf(fn func(s *AuthState) bool) (AuthState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state
	if !fn(&next) {
		return c.state, false
	}
	next.Version = c.state.Version + 1
	c.state = next

	close(c.committed)
	c.committed = make(chan struct{})

	for _, ch := range c.subs {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}

	c.metrics.commit()
	return next, true
}

func (c *SessionController) sessionEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *SessionController) bumpEpoch() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
}

// Initialize resolves the startup state exactly once. Concurrent callers
// wait for the first run.
func (c *SessionController) Initialize(ctx context.Context) AuthState {
	c.initMu.Lock()
	if c.initDone != nil {
		done := c.initDone
		c.initMu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return c.State()
	}
	done := make(chan struct{})
	c.initDone = done
	c.initMu.Unlock()

	defer close(done)
	return c.initialize(ctx)
}

func (c *SessionController) initialize(ctx context.Context) AuthState {
	c.update(func(s *AuthState) {
		s.Loading.Initializing = true
	})

	bundle := c.store.Load(ctx)
	if bundle.Empty() {
		c.logger.Debug("no cached credentials")
		return c.finishInit(nil, nil)
	}

	if c.refresh.NeedsRefresh(ctx) {
		ok, err := c.refresh.RefreshIfNeeded(ctx)
		if err != nil && KindOf(err) == KindNetwork {
			c.logger.Warn("startup refresh unreachable, keeping cached session", "error", err)
			return c.finishInit(bundle.User, err)
		}
		if !ok {
			if cerr := c.store.Clear(ctx); cerr != nil {
				c.logger.Error("failed to clear credentials", "error", cerr)
			}
			if err == nil {
				err = ErrSessionExpired
			}
			return c.finishInit(nil, err)
		}
		bundle = c.store.Load(ctx)
	}

	user, err := c.backend.Verify(ctx, c.client)
	if err == nil {
		c.persistUser(ctx, user)
		c.record(ctx, ActivityEventSessionRestored, user, nil)
		return c.finishInit(user, nil)
	}

	switch KindOf(err) {
	case KindNetwork, KindServerFault:
		c.logger.Warn("session verification failed, keeping cached session", "error", err)
		return c.finishInit(bundle.User, err)
	default:
		if cerr := c.store.Clear(ctx); cerr != nil {
			c.logger.Error("failed to clear credentials", "error", cerr)
		}
		return c.finishInit(nil, err)
	}
}

func (c *SessionController) finishInit(user *UserSnapshot, err error) AuthState {
	return c.update(func(s *AuthState) {
		s.Initialized = true
		s.Loading.Initializing = false
		s.Errors.Initialize = err
		s.Authenticated = user != nil
		s.User = user.Clone()
		if user == nil && err != nil {
			s.LastFailure = KindOf(err)
		}
	})
}

// Login authenticates with email and password. The credentials are saved
// in the horizon chosen by RememberMe.
func (c *SessionController) Login(ctx context.Context, req LoginRequest) (*UserSnapshot, error) {
	c.update(func(s *AuthState) {
		s.Loading.LoggingIn = true
		s.Errors.Login = nil
	})

	resp, err := c.backend.Login(ctx, req)
	if err != nil {
		c.update(func(s *AuthState) {
			s.Loading.LoggingIn = false
			s.Errors.Login = err
		})
		c.record(ctx, ActivityEventLoginFailure, nil, map[string]any{"kind": string(KindOf(err))})
		return nil, err
	}

	bundle := bundleFromResponse(c.inspector, resp, nil)
	c.bumpEpoch()
	if err := c.store.Save(ctx, bundle, HorizonFor(req.RememberMe)); err != nil {
		c.update(func(s *AuthState) {
			s.Loading.LoggingIn = false
			s.Errors.Login = err
		})
		return nil, err
	}

	c.update(func(s *AuthState) {
		s.Loading.LoggingIn = false
		s.Authenticated = true
		s.User = bundle.User
		s.LastFailure = ""
	})

	c.record(ctx, ActivityEventLoginSuccess, bundle.User, map[string]any{"remember_me": req.RememberMe})
	return bundle.User.Clone(), nil
}

// Register creates an account. When the backend returns a token the new
// user is signed in right away.
func (c *SessionController) Register(ctx context.Context, req RegisterRequest) (*UserSnapshot, error) {
	c.update(func(s *AuthState) {
		s.Loading.Registering = true
		s.Errors.Register = nil
	})

	resp, err := c.backend.Register(ctx, req)
	if err != nil {
		c.update(func(s *AuthState) {
			s.Loading.Registering = false
			s.Errors.Register = err
		})
		return nil, err
	}

	if resp.Token == "" {
		c.update(func(s *AuthState) {
			s.Loading.Registering = false
		})
		c.record(ctx, ActivityEventRegister, resp.User, map[string]any{"signed_in": false})
		return resp.User.Clone(), nil
	}

	bundle := bundleFromResponse(c.inspector, resp, nil)
	c.bumpEpoch()
	if err := c.store.Save(ctx, bundle, HorizonFor(req.RememberMe)); err != nil {
		c.update(func(s *AuthState) {
			s.Loading.Registering = false
			s.Errors.Register = err
		})
		return nil, err
	}

	c.update(func(s *AuthState) {
		s.Loading.Registering = false
		s.Authenticated = true
		s.User = bundle.User
		s.LastFailure = ""
	})

	c.record(ctx, ActivityEventRegister, bundle.User, map[string]any{"signed_in": true})
	return bundle.User.Clone(), nil
}

// Logout notifies the backend (best effort) and always clears local
// credentials.
func (c *SessionController) Logout(ctx context.Context) error {
	c.bumpEpoch()
	c.update(func(s *AuthState) {
		s.Loading.LoggingOut = true
		s.Errors.Logout = nil
	})

	user := c.State().User

	if !c.store.Load(ctx).Empty() {
		if err := c.backend.Logout(ctx, c.client); err != nil {
			c.logger.Info("backend logout failed, clearing local session anyway", "error", err)
		}
	}

	err := c.store.Clear(ctx)
	c.dropNonce()

	c.update(func(s *AuthState) {
		s.Loading.LoggingOut = false
		s.Authenticated = false
		s.User = nil
		s.Errors.Logout = err
		s.LastFailure = ""
	})

	c.record(ctx, ActivityEventLogout, user, nil)
	return err
}

// RefreshIfNeeded refreshes the stored token when it is expired or about
// to expire. See RefreshCoordinator.RefreshIfNeeded.
func (c *SessionController) RefreshIfNeeded(ctx context.Context) (bool, error) {
	c.update(func(s *AuthState) {
		s.Loading.Refreshing = true
	})

	ok, err := c.refresh.RefreshIfNeeded(ctx)

	c.update(func(s *AuthState) {
		s.Loading.Refreshing = false
		s.Errors.Refresh = err
	})
	return ok, err
}

// UpdateProfile changes the editable profile fields and replaces the user
// snapshot with the one returned by the backend.
func (c *SessionController) UpdateProfile(ctx context.Context, update ProfileUpdate) (*UserSnapshot, error) {
	if !c.State().Authenticated {
		return nil, ErrNoSession
	}

	c.update(func(s *AuthState) {
		s.Loading.UpdatingProfile = true
		s.Errors.Profile = nil
	})

	user, err := c.backend.UpdateProfile(ctx, c.client, update)
	if err != nil {
		c.update(func(s *AuthState) {
			s.Loading.UpdatingProfile = false
			s.Errors.Profile = err
		})
		return nil, err
	}

	c.persistUser(ctx, user)

	c.update(func(s *AuthState) {
		s.Loading.UpdatingProfile = false
		if s.Authenticated {
			s.User = user.Clone()
		}
	})

	c.record(ctx, ActivityEventProfileUpdated, user, nil)
	return user.Clone(), nil
}

// BearerTransport returns a transport that authenticates with the stored
// access token. All transports share the controller refresh coordinator.
func (c *SessionController) BearerTransport(base http.RoundTripper) *Transport {
	return NewTransport(base, NewBearerScheme(c.store, c.refresh),
		WithAuthFailureHandler(c.handleAuthFailure),
		WithRateLimit(c.rps),
		WithInvalidNonceCode(c.invalidNonceCode),
		WithTransportLogger(c.logger),
		WithTransportMetrics(c.metrics),
	)
}

// NonceTransport returns a transport for the admin API
func (c *SessionController) NonceTransport(base http.RoundTripper, source *NonceSource) *Transport {
	return NewTransport(base, NewNonceScheme(source, c.nonceHeader, c.invalidNonceCode),
		WithAuthFailureHandler(c.handleAuthFailure),
		WithRateLimit(c.rps),
		WithTransportLogger(c.logger),
		WithTransportMetrics(c.metrics),
	)
}

// HTTPClient returns the bearer authenticated client
func (c *SessionController) HTTPClient() *Client {
	return c.client
}

// AdminHTTPClient returns the nonce authenticated client for the admin API.
// It shares the controller cookie jar.
func (c *SessionController) AdminHTTPClient() (*Client, error) {
	return c.admin()
}

func (c *SessionController) buildAdminClient() (*Client, error) {
	c.mu.Lock()
	source := c.nonceSource
	c.mu.Unlock()

	if source == nil {
		fetcher, ok := c.backend.(NonceFetcher)
		if !ok {
			return nil, kindError(KindUnknown, "backend does not issue nonces", nil, nil)
		}

		plain := NewClient(NewTransport(c.base, NoAuth{},
			WithTransportLogger(c.logger),
			WithInvalidNonceCode(c.invalidNonceCode),
		), c.timeout, c.jar)

		source = NewNonceSource(func(ctx context.Context) (Nonce, error) {
			return fetcher.FetchNonce(ctx, plain)
		},
			WithNonceLogger(c.logger),
			WithNonceMetrics(c.metrics),
			WithNonceTimeout(c.timeout),
		)

		c.mu.Lock()
		c.nonceSource = source
		c.mu.Unlock()
	}

	return NewClient(c.NonceTransport(c.base, source), c.timeout, c.jar), nil
}

// handleAuthFailure forces the logged out state after a request failed
// authentication for good.
func (c *SessionController) handleAuthFailure(ctx context.Context, err error) {
	if !IsAuthFailure(err) {
		return
	}
	c.expire(ctx, err)
}

func (c *SessionController) onRefreshed(ctx context.Context, b Bundle) {
	epoch, tracked := refreshEpoch(ctx)

	// checked under the state lock so a logout can not slip in between
	_, committed := c.updateIf(func(s *AuthState) bool {
		if tracked && c.epoch != epoch {
			return false
		}
		if c.store.Load(ctx).RefreshToken != b.RefreshToken {
			return false
		}
		if b.User != nil {
			s.User = b.User.Clone()
		}
		if s.Initialized && s.User != nil {
			s.Authenticated = true
		}
		s.Errors.Refresh = nil
		return true
	})
	if !committed {
		c.logger.Debug("refresh finished after the session changed, state left untouched")
		return
	}
	c.record(ctx, ActivityEventRefreshSuccess, b.User, nil)
}

func (c *SessionController) onExpired(ctx context.Context, err error) {
	c.record(ctx, ActivityEventRefreshFailure, c.State().User, map[string]any{"kind": string(KindOf(err))})
	c.expire(ctx, err)
}

func (c *SessionController) expire(ctx context.Context, err error) {
	c.bumpEpoch()
	if cerr := c.store.Clear(ctx); cerr != nil {
		c.logger.Error("failed to clear credentials", "error", cerr)
	}
	c.dropNonce()

	prev := c.State()
	if !prev.Authenticated && prev.User == nil {
		return
	}

	c.update(func(s *AuthState) {
		s.Authenticated = false
		s.User = nil
		s.LastFailure = KindOf(err)
	})

	c.logger.Info("session ended", "kind", KindOf(err))
	c.record(ctx, ActivityEventSessionExpired, prev.User, map[string]any{"kind": string(KindOf(err))})
}

func (c *SessionController) dropNonce() {
	c.mu.Lock()
	source := c.nonceSource
	c.mu.Unlock()
	if source != nil {
		source.Invalidate()
	}
}

func (c *SessionController) persistUser(ctx context.Context, user *UserSnapshot) {
	bundle, horizon := c.store.LoadWithHorizon(ctx)
	if bundle.Empty() || user == nil {
		return
	}
	bundle.User = user.Clone()
	if err := c.store.Save(ctx, bundle, horizon); err != nil {
		c.logger.Warn("failed to persist user snapshot", "error", err)
	}
}

func (c *SessionController) record(ctx context.Context, eventType ActivityEventType, user *UserSnapshot, meta map[string]any) {
	event := ActivityEvent{
		EventType:  eventType,
		Metadata:   meta,
		OccurredAt: time.Now().UTC(),
	}
	if user != nil {
		event.UserID = user.ID
	}
	if err := c.activity.Record(ctx, event); err != nil {
		c.logger.Warn("activity sink failed", "event", eventType, "error", err)
	}
}
