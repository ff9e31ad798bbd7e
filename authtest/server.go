// Package authtest provides an in process fake of the booking API auth
// endpoints and the admin nonce endpoints for tests.
package authtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Endpoint names used by Calls and SetFault
const (
	EndpointLogin    = "login"
	EndpointRegister = "register"
	EndpointRefresh  = "refresh"
	EndpointVerify   = "verify"
	EndpointProfile  = "profile"
	EndpointLogout   = "logout"
	EndpointNonce    = "nonce"
	EndpointAdmin    = "admin"
	EndpointAPI      = "api"
)

// DropConnection as a fault status closes the connection without a response
const DropConnection = -1

const (
	AdminCookie      = "wordpress_logged_in"
	NonceHeader      = "X-WP-Nonce"
	InvalidNonceCode = "rest_cookie_invalid_nonce"
)

var endpoints = []string{
	EndpointLogin, EndpointRegister, EndpointRefresh, EndpointVerify,
	EndpointProfile, EndpointLogout, EndpointNonce, EndpointAdmin, EndpointAPI,
}

// Server is a fake auth backend on top of httptest.Server
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	tokens        *TokenIssuer
	users         map[string]*User
	refreshTokens map[string]string
	adminSessions map[string]string
	nonces        map[string]time.Time
	faults        map[string]int
	nonceTTL      time.Duration
	refreshDelay  time.Duration
	omitUser      bool

	calls map[string]*atomic.Int64
}

type Option func(*Server)

// WithTokenTTL sets the lifetime of issued access tokens
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.tokens.ttl = ttl
	}
}

func WithNonceTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.nonceTTL = ttl
	}
}

// NewServer starts a fake backend. Close it when done.
func NewServer(opts ...Option) *Server {
	s := &Server{
		tokens:        NewTokenIssuer([]byte("authtest-signing-key"), 15*time.Minute),
		users:         map[string]*User{},
		refreshTokens: map[string]string{},
		adminSessions: map[string]string{},
		nonces:        map[string]time.Time{},
		faults:        map[string]int{},
		nonceTTL:      time.Hour,
		calls:         map[string]*atomic.Int64{},
	}
	for _, name := range endpoints {
		s.calls[name] = &atomic.Int64{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.track(EndpointLogin, s.handleLogin))
	mux.HandleFunc("POST /register", s.track(EndpointRegister, s.handleRegister))
	mux.HandleFunc("POST /refresh", s.track(EndpointRefresh, s.handleRefresh))
	mux.HandleFunc("GET /verify", s.track(EndpointVerify, s.bearer(s.handleVerify)))
	mux.HandleFunc("GET /me", s.track(EndpointProfile, s.bearer(s.handleVerify)))
	mux.HandleFunc("PUT /me", s.track(EndpointProfile, s.bearer(s.handleProfile)))
	mux.HandleFunc("POST /logout", s.track(EndpointLogout, s.bearer(s.handleLogout)))
	mux.HandleFunc("/api/", s.track(EndpointAPI, s.bearer(s.handleAPI)))
	mux.HandleFunc("POST /admin/login", s.handleAdminLogin)
	mux.HandleFunc("GET /admin/nonce", s.track(EndpointNonce, s.handleNonce))
	mux.HandleFunc("/admin/api/", s.track(EndpointAdmin, s.handleAdminAPI))
	mux.HandleFunc("GET /redirect-away", s.handleRedirectAway)

	s.Server = httptest.NewServer(mux)
	return s
}

// AddUser registers a user with a password and returns the stored record
func (s *Server) AddUser(u User, password string) User {
	u.PasswordHash = MustHashPassword(password)
	if u.ID == "" {
		u.ID = userID(u.Email)
	}
	if u.Role == "" {
		u.Role = "client"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := u
	s.users[strings.ToLower(u.Email)] = &stored
	return stored
}

// IssuePair mints an access token with the given ttl (negative for an
// already expired token) and a refresh token for email.
func (s *Server) IssuePair(email string, ttl time.Duration) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := s.users[strings.ToLower(email)]
	if user == nil {
		return "", ""
	}
	access, _ = s.tokens.IssueWithTTL(*user, ttl)
	refresh = s.newRefreshTokenLocked(user.Email)
	return access, refresh
}

// Calls returns how many requests hit endpoint
func (s *Server) Calls(endpoint string) int64 {
	c, ok := s.calls[endpoint]
	if !ok {
		return 0
	}
	return c.Load()
}

// SetFault makes endpoint answer with status until cleared with 0.
// DropConnection closes the connection instead.
func (s *Server) SetFault(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.faults, endpoint)
		return
	}
	s.faults[endpoint] = status
}

// SetRefreshDelay slows down the refresh endpoint
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// OmitUserOnRefresh makes refresh responses carry no user snapshot
func (s *Server) OmitUserOnRefresh(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitUser = omit
}

// RevokeNonces invalidates every issued nonce
func (s *Server) RevokeNonces() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces = map[string]time.Time{}
}

// RevokeRefreshTokens invalidates every refresh token
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = map[string]string{}
}

// Tokens exposes the token issuer, e.g. to decode tokens in assertions
func (s *Server) Tokens() *TokenIssuer {
	return s.tokens
}

func (s *Server) track(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.calls[endpoint].Add(1)

		s.mu.Lock()
		status := s.faults[endpoint]
		s.mu.Unlock()

		switch {
		case status == DropConnection:
			dropConnection(w)
			return
		case status > 0:
			writeError(w, status, "fault", "injected fault", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) bearer(next func(w http.ResponseWriter, r *http.Request, user *User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "missing token", nil)
			return
		}

		claims, err := s.tokens.Validate(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", err.Error(), nil)
			return
		}

		s.mu.Lock()
		user := s.findByIDLocked(claims.Subject)
		var snapshot User
		if user != nil {
			snapshot = *user
		}
		s.mu.Unlock()

		if user == nil {
			writeError(w, http.StatusUnauthorized, "unknown_user", "unknown user", nil)
			return
		}

		next(w, r, &snapshot)
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
		return
	}

	s.mu.Lock()
	user := s.users[strings.ToLower(in.Email)]
	s.mu.Unlock()

	if user == nil || ComparePasswordAndHash(in.Password, user.PasswordHash) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password", nil)
		return
	}

	s.writeTokens(w, user, true)
}

type registration struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in registration
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
		return
	}

	if in.Email == "" || in.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "registration failed", map[string]string{
			"email":    "is required",
			"password": "is required",
		})
		return
	}

	s.mu.Lock()
	_, exists := s.users[strings.ToLower(in.Email)]
	s.mu.Unlock()

	if exists {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "registration failed", map[string]string{
			"email": "is already registered",
		})
		return
	}

	user := s.AddUser(User{
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Phone:     in.Phone,
		Role:      "client",
	}, in.Password)

	s.writeTokens(w, &user, true)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	var in refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
		return
	}

	s.mu.Lock()
	email, ok := s.refreshTokens[in.RefreshToken]
	if ok {
		// refresh tokens rotate on use
		delete(s.refreshTokens, in.RefreshToken)
	}
	user := s.users[strings.ToLower(email)]
	omit := s.omitUser
	s.mu.Unlock()

	if !ok || user == nil {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is invalid", nil)
		return
	}

	s.writeTokens(w, user, !omit)
}

func (s *Server) handleVerify(w http.ResponseWriter, _ *http.Request, user *User) {
	writeJSON(w, http.StatusOK, map[string]any{"user": user.Public()})
}

type profileUpdate struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Phone     *string `json:"phone"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, user *User) {
	var in profileUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
		return
	}

	s.mu.Lock()
	stored := s.users[strings.ToLower(user.Email)]
	if in.FirstName != nil {
		stored.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		stored.LastName = *in.LastName
	}
	if in.Phone != nil {
		stored.Phone = *in.Phone
	}
	updated := *stored
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"user": updated.Public()})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request, user *User) {
	s.mu.Lock()
	for token, email := range s.refreshTokens {
		if strings.EqualFold(email, user.Email) {
			delete(s.refreshTokens, token)
		}
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request, user *User) {
	out := map[string]any{
		"path":       r.URL.Path,
		"method":     r.Method,
		"user":       user.ID,
		"request_id": r.Header.Get("X-Request-ID"),
	}

	if r.Body != nil && r.ContentLength != 0 {
		var body any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			out["body"] = body
		}
	}

	if r.URL.Path == "/api/bad" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "bad booking", map[string]string{
			"date": "must be in the future",
		})
		return
	}
	if r.URL.Path == "/api/boom" {
		writeError(w, http.StatusInternalServerError, "internal", "boom", nil)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
		return
	}

	s.mu.Lock()
	user := s.users[strings.ToLower(in.Email)]
	s.mu.Unlock()

	if user == nil || user.Role != "admin" || ComparePasswordAndHash(in.Password, user.PasswordHash) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password", nil)
		return
	}

	session := uuid.NewString()
	s.mu.Lock()
	s.adminSessions[session] = user.Email
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: AdminCookie, Value: session, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"user": user.Public()})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	if !s.hasAdminSession(r) {
		writeError(w, http.StatusUnauthorized, "rest_not_logged_in", "not logged in", nil)
		return
	}

	nonce := uuid.NewString()[:10]
	expires := s.tokens.Now().Add(s.nonceTTL)

	s.mu.Lock()
	s.nonces[nonce] = expires
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"nonce":     nonce,
		"expiresAt": expires.UnixMilli(),
	})
}

func (s *Server) handleAdminAPI(w http.ResponseWriter, r *http.Request) {
	if !s.hasAdminSession(r) {
		writeError(w, http.StatusUnauthorized, "rest_not_logged_in", "not logged in", nil)
		return
	}

	nonce := r.Header.Get(NonceHeader)
	s.mu.Lock()
	expires, ok := s.nonces[nonce]
	s.mu.Unlock()

	if !ok || !s.tokens.Now().Before(expires) {
		writeError(w, http.StatusForbidden, InvalidNonceCode, "cookie check failed", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"path": r.URL.Path, "method": r.Method})
}

func (s *Server) handleRedirectAway(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://elsewhere.invalid/steal", http.StatusFound)
}

func (s *Server) hasAdminSession(r *http.Request) bool {
	cookie, err := r.Cookie(AdminCookie)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.adminSessions[cookie.Value]
	return ok
}

func (s *Server) writeTokens(w http.ResponseWriter, user *User, withUser bool) {
	s.mu.Lock()
	snapshot := *user
	access, err := s.tokens.Issue(snapshot)
	refresh := s.newRefreshTokenLocked(snapshot.Email)
	s.mu.Unlock()

	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}

	out := map[string]any{
		"token":        access,
		"refreshToken": refresh,
	}
	if withUser {
		out["user"] = snapshot.Public()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) newRefreshTokenLocked(email string) string {
	token := uuid.NewString()
	s.refreshTokens[token] = email
	return token
}

func (s *Server) findByIDLocked(id string) *User {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, fields map[string]string) {
	body := map[string]any{"code": code, "message": message}
	if len(fields) > 0 {
		body["errors"] = fields
	}
	writeJSON(w, status, body)
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	_ = conn.Close()
}

var _ jwt.Claims = (*Claims)(nil)
