package authclient

import (
	"context"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerScheme authenticates requests with the stored access token and
// renews it through the refresh coordinator.
type BearerScheme struct {
	store   *CredentialStore
	refresh *RefreshCoordinator
}

func NewBearerScheme(store *CredentialStore, refresh *RefreshCoordinator) *BearerScheme {
	return &BearerScheme{store: store, refresh: refresh}
}

func (s *BearerScheme) Name() string { return "bearer" }

// Attach refreshes the token only when it is expired or near expiry, then
// sets the Authorization header. A request without credentials is sent
// unauthenticated and left for the backend to reject.
func (s *BearerScheme) Attach(ctx context.Context, req *http.Request) error {
	if s.refresh.NeedsRefresh(ctx) {
		if _, err := s.refresh.RefreshIfNeeded(ctx); err != nil {
			return err
		}
	}

	bundle := s.store.Load(ctx)
	if bundle.AccessToken == "" {
		req.Header.Del("Authorization")
		return nil
	}

	req.Header.Set("Authorization", bearerPrefix+bundle.AccessToken)
	return nil
}

func (s *BearerScheme) Rejects(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusUnauthorized
}

// Recover forces a refresh for the token req carried. Concurrent callers
// rejected with the same token share one refresh call.
func (s *BearerScheme) Recover(ctx context.Context, req *http.Request) (Recovery, error) {
	stale := strings.TrimPrefix(req.Header.Get("Authorization"), bearerPrefix)

	ok, err := s.refresh.ForceRefresh(ctx, stale)
	if err != nil {
		return RecoveryFail, err
	}
	if !ok {
		return RecoveryFail, nil
	}
	return RecoveryRetry, nil
}
