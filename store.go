package authclient

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Storage keys shared by both horizons
const (
	KeyAccessToken  = "auth_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenExpiry  = "token_expiry"
	KeyUser         = "user"
)

var credentialKeys = []string{KeyAccessToken, KeyRefreshToken, KeyTokenExpiry, KeyUser}

// Storage is a key/value persistence backend for one horizon.
// Implementations must be safe for concurrent use. Get returns
// ("", false, nil) for missing keys.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// CredentialStore persists the credential bundle in one of two horizons.
// A bundle lives in exactly one horizon at a time.
type CredentialStore struct {
	mu      sync.Mutex
	session Storage
	durable Storage
	logger  Logger
}

// NewCredentialStore creates a store. session holds session only
// credentials, durable the "remember me" ones.
func NewCredentialStore(session, durable Storage) *CredentialStore {
	return &CredentialStore{
		session: session,
		durable: durable,
		logger:  defLogger{},
	}
}

func (s *CredentialStore) WithLogger(logger Logger) *CredentialStore {
	s.logger = normalizeLogger(logger)
	return s
}

// BatchStorage is implemented by backends that can apply a set of writes
// and deletes atomically.
type BatchStorage interface {
	Replace(ctx context.Context, values map[string]string, deletes ...string) error
}

// Save writes the bundle to the chosen horizon and removes the keys from
// the other one. The target horizon is written before the other one is
// cleared, so a failed write keeps the previous bundle readable.
func (s *CredentialStore) Save(ctx context.Context, b Bundle, horizon Horizon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, b, horizon)
}

// SaveIfCurrent saves b only while the stored bundle still carries
// refreshToken. It reports false, without writing, when the credentials
// were cleared or replaced in the meantime.
func (s *CredentialStore) SaveIfCurrent(ctx context.Context, b Bundle, horizon Horizon, refreshToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, _ := s.loadLocked(ctx); current.RefreshToken != refreshToken || refreshToken == "" {
		return false, nil
	}
	return true, s.saveLocked(ctx, b, horizon)
}

// ClearIfCurrent clears the credentials only while the stored bundle still
// carries refreshToken.
func (s *CredentialStore) ClearIfCurrent(ctx context.Context, refreshToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, _ := s.loadLocked(ctx); current.RefreshToken != refreshToken || refreshToken == "" {
		return false, nil
	}
	return true, s.clearLocked(ctx)
}

func (s *CredentialStore) saveLocked(ctx context.Context, b Bundle, horizon Horizon) error {
	target, other := s.durable, s.session
	if horizon != HorizonDurable {
		target, other = s.session, s.durable
	}

	values := map[string]string{}
	if b.AccessToken != "" {
		values[KeyAccessToken] = b.AccessToken
	}
	if b.RefreshToken != "" {
		values[KeyRefreshToken] = b.RefreshToken
	}
	if b.ExpiresAt != nil {
		values[KeyTokenExpiry] = strconv.FormatInt(b.ExpiresAt.UnixMilli(), 10)
	}
	if b.User != nil {
		raw, err := json.Marshal(b.User)
		if err != nil {
			return withMetadata(ErrMalformedPayload, err, map[string]any{"payload": "user"})
		}
		values[KeyUser] = string(raw)
	}

	// stale optional keys must not survive a save into the same horizon
	var stale []string
	for _, key := range credentialKeys {
		if _, ok := values[key]; !ok {
			stale = append(stale, key)
		}
	}

	if err := writeHorizon(ctx, target, values, stale); err != nil {
		return kindError(KindUnknown, "failed to persist credentials", err, map[string]any{"horizon": string(horizon)})
	}

	if err := other.Delete(ctx, credentialKeys...); err != nil {
		return kindError(KindUnknown, "failed to clear credential horizon", err, map[string]any{"horizon": string(otherHorizon(horizon))})
	}
	return nil
}

func writeHorizon(ctx context.Context, st Storage, values map[string]string, stale []string) error {
	if batch, ok := st.(BatchStorage); ok {
		return batch.Replace(ctx, values, stale...)
	}

	// the access token goes last so a partial write never pairs a new
	// access token with an old refresh token
	for _, key := range []string{KeyRefreshToken, KeyTokenExpiry, KeyUser, KeyAccessToken} {
		val, ok := values[key]
		if !ok {
			continue
		}
		if err := st.Set(ctx, key, val); err != nil {
			return err
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return st.Delete(ctx, stale...)
}

// Load returns the durable bundle if present, else the session one, else an
// empty bundle. Storage failures degrade to an empty bundle.
func (s *CredentialStore) Load(ctx context.Context) Bundle {
	b, _ := s.LoadWithHorizon(ctx)
	return b
}

// LoadWithHorizon returns the bundle and the horizon it was found in.
func (s *CredentialStore) LoadWithHorizon(ctx context.Context) (Bundle, Horizon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *CredentialStore) loadLocked(ctx context.Context) (Bundle, Horizon) {
	if b, ok := s.read(ctx, s.durable, HorizonDurable); ok {
		return b, HorizonDurable
	}

	if b, ok := s.read(ctx, s.session, HorizonSession); ok {
		return b, HorizonSession
	}

	return Bundle{}, HorizonSession
}

// Horizon reports where the current bundle lives. It defaults to the
// session horizon when nothing is stored.
func (s *CredentialStore) Horizon(ctx context.Context) Horizon {
	_, h := s.LoadWithHorizon(ctx)
	return h
}

// Clear removes credential keys from both horizons. It is idempotent.
func (s *CredentialStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx)
}

func (s *CredentialStore) clearLocked(ctx context.Context) error {
	var firstErr error
	for _, st := range []Storage{s.durable, s.session} {
		if err := st.Delete(ctx, credentialKeys...); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return kindError(KindUnknown, "failed to clear credentials", firstErr, nil)
	}
	return nil
}

func (s *CredentialStore) read(ctx context.Context, st Storage, horizon Horizon) (b Bundle, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("credential store read panicked", "horizon", horizon, "panic", r)
			b, ok = Bundle{}, false
		}
	}()

	token, found, err := st.Get(ctx, KeyAccessToken)
	if err != nil {
		s.logger.Warn("credential store read failed", "horizon", horizon, "error", err)
		return Bundle{}, false
	}
	if !found || token == "" {
		return Bundle{}, false
	}

	b.AccessToken = token

	if refresh, found, err := st.Get(ctx, KeyRefreshToken); err == nil && found {
		b.RefreshToken = refresh
	}

	if raw, found, err := st.Get(ctx, KeyTokenExpiry); err == nil && found {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			exp := time.UnixMilli(ms)
			b.ExpiresAt = &exp
		}
	}

	if raw, found, err := st.Get(ctx, KeyUser); err == nil && found && raw != "" {
		if user, derr := DecodeUserSnapshot([]byte(raw)); derr == nil {
			b.User = user
		} else {
			s.logger.Warn("credential store dropped malformed user snapshot", "horizon", horizon)
		}
	}

	return b, true
}

func otherHorizon(h Horizon) Horizon {
	if h == HorizonDurable {
		return HorizonSession
	}
	return HorizonDurable
}
