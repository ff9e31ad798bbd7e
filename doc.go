// Package authclient keeps an authenticated session against a remote auth
// API and signs outgoing requests with it.
//
// Session lifecycle:
//   - SessionController owns the AuthState. Initialize restores stored
//     credentials once, refreshes an expired access token and verifies the
//     user with the backend. Login, Register, Logout and UpdateProfile
//     commit a new state and notify subscribers.
//   - CredentialStore persists the token pair in one of two horizons:
//     session (process lifetime) or durable (across restarts). A bundle
//     lives in exactly one horizon at a time.
//
// Requests:
//   - Transport is an http.RoundTripper that attaches credentials through an
//     AuthScheme. BearerScheme sends the access token and NonceScheme sends
//     the admin nonce next to the cookie session. A rejected request is
//     retried at most once after the scheme renewed its credentials.
//   - RefreshCoordinator collapses concurrent refreshes into a single call.
//
// Routing:
//   - Guard maps an AuthState and a Route to a Decision. RouteGuard exposes
//     it as go-router middleware.
//
// Errors are *goerrors.Error values with a text code; use KindOf to branch
// on them.
package authclient
