package authclient

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config holds client options
type Config interface {
	GetBaseURL() string
	GetAdminBaseURL() string
	GetNonceURL() string
	GetLoginPath() string
	GetRefreshPath() string
	GetVerifyPath() string
	GetProfilePath() string
	GetRegisterPath() string
	GetLogoutPath() string
	GetRefreshSkew() time.Duration
	GetRequestTimeout() time.Duration
	GetNonceHeader() string
	GetInvalidNonceCode() string
	GetRequestsPerSecond() float64
}

// Backend is the remote collaborator that issues and validates credentials.
type Backend interface {
	Login(ctx context.Context, req LoginRequest) (*TokenResponse, error)
	Register(ctx context.Context, req RegisterRequest) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
	Verify(ctx context.Context, client *Client) (*UserSnapshot, error)
	UpdateProfile(ctx context.Context, client *Client, update ProfileUpdate) (*UserSnapshot, error)
	Logout(ctx context.Context, client *Client) error
}

// NonceFetcher is implemented by backends that can issue admin API nonces
type NonceFetcher interface {
	FetchNonce(ctx context.Context, client *Client) (Nonce, error)
}

// Refresher exchanges a refresh token for a new token pair
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// RefresherFunc adapts a function into a Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (*TokenResponse, error)

// Refresh satisfies the Refresher interface.
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if f == nil {
		return nil, ErrNoRefreshToken
	}
	return f(ctx, refreshToken)
}

// TokenResponse is the decoded payload of login, register and refresh calls.
type TokenResponse struct {
	Token        string        `json:"token"`
	RefreshToken string        `json:"refreshToken"`
	User         *UserSnapshot `json:"user,omitempty"`
}

type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"-"`
}

type RegisterRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Phone      string `json:"phone,omitempty"`
	RememberMe bool   `json:"-"`
}

// ProfileUpdate carries the editable profile fields. Nil fields are left
// untouched by the backend.
type ProfileUpdate struct {
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Phone     *string `json:"phone,omitempty"`
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Print("[ERR] AUTH " + render(format, args...))
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Print("[WRN] AUTH " + render(format, args...))
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Print("[INF] AUTH " + render(format, args...))
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Print("[DBG] AUTH " + render(format, args...))
}

// render supports both printf style calls and key/value pairs
func render(format string, args ...any) string {
	if strings.Contains(format, "%") {
		return newline(fmt.Sprintf(format, args...))
	}

	var b strings.Builder
	b.WriteString(format)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	return newline(b.String())
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
