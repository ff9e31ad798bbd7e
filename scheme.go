package authclient

import (
	"context"
	"net/http"
)

// Recovery is what a scheme did about a rejected response
type Recovery int

const (
	// RecoveryNone means the failure is not recoverable by the scheme and
	// the response should be surfaced as is
	RecoveryNone Recovery = iota
	// RecoveryRetry means credentials were renewed and the request may be
	// sent one more time
	RecoveryRetry
	// RecoveryFail means the session can not be recovered
	RecoveryFail
)

func (r Recovery) String() string {
	switch r {
	case RecoveryRetry:
		return "retry"
	case RecoveryFail:
		return "fail"
	default:
		return "none"
	}
}

// AuthScheme attaches credentials to outgoing requests and knows how to
// renew them when the backend rejects a request.
type AuthScheme interface {
	Name() string
	// Attach adds credentials to req. It may renew them first.
	Attach(ctx context.Context, req *http.Request) error
	// Rejects reports whether resp is an auth failure this scheme handles
	Rejects(resp *http.Response) bool
	// Recover renews the credentials req was sent with
	Recover(ctx context.Context, req *http.Request) (Recovery, error)
}

// NoAuth sends requests without credentials. Used for the public endpoints
// (login, register, refresh).
type NoAuth struct{}

func (NoAuth) Name() string { return "none" }

func (NoAuth) Attach(context.Context, *http.Request) error { return nil }

func (NoAuth) Rejects(*http.Response) bool { return false }

func (NoAuth) Recover(context.Context, *http.Request) (Recovery, error) {
	return RecoveryNone, nil
}

type retryMarkerKey struct{}

// retryMarker is shared by every transport that handles one logical
// request. Only the outermost transport owns the retry budget.
type retryMarker struct {
	retried bool
}

func markerFrom(ctx context.Context) (*retryMarker, bool) {
	m, ok := ctx.Value(retryMarkerKey{}).(*retryMarker)
	return m, ok
}

func withMarker(ctx context.Context) (context.Context, *retryMarker) {
	m := &retryMarker{}
	return context.WithValue(ctx, retryMarkerKey{}, m), m
}
