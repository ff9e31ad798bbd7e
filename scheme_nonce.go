package authclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultNonceHeader carries the admin API nonce
	DefaultNonceHeader = "X-WP-Nonce"
	// DefaultNonceTTL is assumed when the nonce endpoint omits an expiry
	DefaultNonceTTL = 12 * time.Hour

	nonceFlightKey = "nonce"
	nonceSkew      = 30 * time.Second
)

// NonceFetchFunc retrieves a fresh nonce from the backend
type NonceFetchFunc func(ctx context.Context) (Nonce, error)

// NonceSource keeps the current nonce in memory and de-duplicates
// concurrent fetches.
type NonceSource struct {
	mu      sync.Mutex
	current Nonce
	fetch   NonceFetchFunc
	group   singleflight.Group
	now     func() time.Time
	timeout time.Duration
	metrics *Metrics
	logger  Logger
}

type NonceOption func(*NonceSource)

func WithNonceClock(now func() time.Time) NonceOption {
	return func(s *NonceSource) {
		if now != nil {
			s.now = now
		}
	}
}

func WithNonceMetrics(m *Metrics) NonceOption {
	return func(s *NonceSource) {
		s.metrics = m
	}
}

func WithNonceLogger(logger Logger) NonceOption {
	return func(s *NonceSource) {
		s.logger = normalizeLogger(logger)
	}
}

func WithNonceTimeout(timeout time.Duration) NonceOption {
	return func(s *NonceSource) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func NewNonceSource(fetch NonceFetchFunc, opts ...NonceOption) *NonceSource {
	s := &NonceSource{
		fetch:   fetch,
		now:     time.Now,
		timeout: DefaultRequestTimeout,
		logger:  defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Current returns the cached nonce value if it is still valid
func (s *NonceSource) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.ValidAt(s.now(), nonceSkew) {
		return s.current.Value, true
	}
	return "", false
}

// Get returns the cached nonce or fetches a new one
func (s *NonceSource) Get(ctx context.Context) (string, error) {
	if v, ok := s.Current(); ok {
		return v, nil
	}
	return s.load(ctx)
}

// Renew drops stale and fetches a fresh nonce. If another caller already
// replaced stale the current value is returned without a fetch.
func (s *NonceSource) Renew(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	if s.current.Value != "" && s.current.Value != stale && s.current.ValidAt(s.now(), nonceSkew) {
		v := s.current.Value
		s.mu.Unlock()
		return v, nil
	}
	s.current = Nonce{}
	s.mu.Unlock()

	return s.load(ctx)
}

// Invalidate forgets the cached nonce
func (s *NonceSource) Invalidate() {
	s.mu.Lock()
	s.current = Nonce{}
	s.mu.Unlock()
}

func (s *NonceSource) load(ctx context.Context) (string, error) {
	ch := s.group.DoChan(nonceFlightKey, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		nonce, err := s.fetch(callCtx)
		if err == nil && nonce.Value == "" {
			err = withMetadata(ErrMalformedPayload, nil, map[string]any{"payload": "nonce"})
		}
		if err != nil {
			s.metrics.nonceFetch("failure")
			s.logger.Warn("nonce fetch failed", "error", err)
			return "", err
		}

		if nonce.ExpiresAt.IsZero() {
			nonce.ExpiresAt = s.now().Add(DefaultNonceTTL)
		}

		s.mu.Lock()
		s.current = nonce
		s.mu.Unlock()

		s.metrics.nonceFetch("success")
		return nonce.Value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		v, _ := res.Val.(string)
		return v, nil
	case <-ctx.Done():
		return "", ClassifyError(ctx.Err(), "")
	}
}

// NonceScheme authenticates admin API requests with a nonce header. The
// admin session itself rides on cookies held by the client jar.
type NonceScheme struct {
	source      *NonceSource
	header      string
	invalidCode string
}

func NewNonceScheme(source *NonceSource, header, invalidCode string) *NonceScheme {
	if header == "" {
		header = DefaultNonceHeader
	}
	if invalidCode == "" {
		invalidCode = DefaultInvalidNonceCode
	}
	return &NonceScheme{source: source, header: header, invalidCode: invalidCode}
}

func (s *NonceScheme) Name() string { return "nonce" }

// Header is the header name the nonce is sent in
func (s *NonceScheme) Header() string { return s.header }

func (s *NonceScheme) Attach(ctx context.Context, req *http.Request) error {
	nonce, err := s.source.Get(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(s.header, nonce)
	return nil
}

// Rejects matches a 403 carrying the invalid nonce code, and a 401 which
// means the cookie session behind the nonce is gone.
func (s *NonceScheme) Rejects(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return KindOf(ClassifyResponse(resp, "", s.invalidCode)) == KindInvalidNonce
	default:
		return false
	}
}

func (s *NonceScheme) Recover(ctx context.Context, req *http.Request) (Recovery, error) {
	if _, err := s.source.Renew(ctx, req.Header.Get(s.header)); err != nil {
		return RecoveryFail, err
	}
	return RecoveryRetry, nil
}
