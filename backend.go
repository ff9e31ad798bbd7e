package authclient

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend talks to the auth endpoints of the booking API
type HTTPBackend struct {
	cfg    Config
	public *Client
	logger Logger
}

type BackendOption func(*HTTPBackend)

func WithBackendLogger(logger Logger) BackendOption {
	return func(b *HTTPBackend) {
		b.logger = normalizeLogger(logger)
	}
}

// WithPublicClient overrides the client used for unauthenticated calls
func WithPublicClient(c *Client) BackendOption {
	return func(b *HTTPBackend) {
		if c != nil {
			b.public = c
		}
	}
}

func NewHTTPBackend(cfg Config, opts ...BackendOption) *HTTPBackend {
	b := &HTTPBackend{
		cfg:    cfg,
		logger: defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	if b.public == nil {
		rt := NewTransport(nil, NoAuth{},
			WithTransportLogger(b.logger),
			WithRateLimit(cfg.GetRequestsPerSecond()),
		)
		b.public = NewClient(rt, cfg.GetRequestTimeout(), nil)
	}
	return b
}

// URL resolves an endpoint path against the base URL. Absolute URLs are
// returned untouched.
func (b *HTTPBackend) URL(path string) string {
	return resolveURL(b.cfg.GetBaseURL(), path)
}

// AdminURL resolves a path against the admin API base URL
func (b *HTTPBackend) AdminURL(path string) string {
	base := b.cfg.GetAdminBaseURL()
	if base == "" {
		base = b.cfg.GetBaseURL()
	}
	return resolveURL(base, path)
}

func (b *HTTPBackend) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, validationError(err, "login")
	}

	var resp TokenResponse
	if err := b.public.JSON(ctx, http.MethodPost, b.URL(b.cfg.GetLoginPath()), req, &resp); err != nil {
		return nil, err
	}

	if resp.Token == "" {
		return nil, withMetadata(ErrMalformedPayload, nil, map[string]any{"payload": "login"})
	}
	if err := checkSnapshot(resp.User); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) Register(ctx context.Context, req RegisterRequest) (*TokenResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, validationError(err, "register")
	}

	if req.Phone != "" {
		phone, err := NormalizePhone(req.Phone)
		if err != nil {
			return nil, err
		}
		req.Phone = phone
	}

	var resp TokenResponse
	if err := b.public.JSON(ctx, http.MethodPost, b.URL(b.cfg.GetRegisterPath()), req, &resp); err != nil {
		return nil, err
	}

	if err := checkSnapshot(resp.User); err != nil {
		return nil, err
	}
	return &resp, nil
}

type refreshPayload struct {
	RefreshToken string `json:"refreshToken"`
}

func (b *HTTPBackend) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	var resp TokenResponse
	if err := b.public.JSON(ctx, http.MethodPost, b.URL(b.cfg.GetRefreshPath()), refreshPayload{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, err
	}

	if resp.User != nil {
		if err := checkSnapshot(resp.User); err != nil {
			return nil, err
		}
	}
	return &resp, nil
}

type userEnvelope struct {
	User *UserSnapshot `json:"user"`
}

func (b *HTTPBackend) Verify(ctx context.Context, client *Client) (*UserSnapshot, error) {
	var env userEnvelope
	if err := client.JSON(ctx, http.MethodGet, b.URL(b.cfg.GetVerifyPath()), nil, &env); err != nil {
		return nil, err
	}
	if err := checkSnapshot(env.User); err != nil {
		return nil, err
	}
	return env.User, nil
}

// Me fetches the current user profile
func (b *HTTPBackend) Me(ctx context.Context, client *Client) (*UserSnapshot, error) {
	var env userEnvelope
	if err := client.JSON(ctx, http.MethodGet, b.URL(b.cfg.GetProfilePath()), nil, &env); err != nil {
		return nil, err
	}
	if err := checkSnapshot(env.User); err != nil {
		return nil, err
	}
	return env.User, nil
}

func (b *HTTPBackend) UpdateProfile(ctx context.Context, client *Client, update ProfileUpdate) (*UserSnapshot, error) {
	if err := update.Validate(); err != nil {
		return nil, validationError(err, "profile")
	}

	if update.Phone != nil && *update.Phone != "" {
		phone, err := NormalizePhone(*update.Phone)
		if err != nil {
			return nil, err
		}
		update.Phone = &phone
	}

	var env userEnvelope
	if err := client.JSON(ctx, http.MethodPut, b.URL(b.cfg.GetProfilePath()), update, &env); err != nil {
		return nil, err
	}
	if err := checkSnapshot(env.User); err != nil {
		return nil, err
	}
	return env.User, nil
}

func (b *HTTPBackend) Logout(ctx context.Context, client *Client) error {
	return client.JSON(ctx, http.MethodPost, b.URL(b.cfg.GetLogoutPath()), nil, nil)
}

type noncePayload struct {
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"expiresAt"`
}

// FetchNonce asks the admin API for a fresh nonce. client must carry the
// admin session cookies.
func (b *HTTPBackend) FetchNonce(ctx context.Context, client *Client) (Nonce, error) {
	var payload noncePayload
	if err := client.JSON(ctx, http.MethodGet, b.AdminURL(b.cfg.GetNonceURL()), nil, &payload); err != nil {
		return Nonce{}, err
	}

	nonce := Nonce{Value: payload.Nonce}
	if payload.ExpiresAt > 0 {
		nonce.ExpiresAt = time.UnixMilli(payload.ExpiresAt)
	}
	return nonce, nil
}

func resolveURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if base == "" {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
