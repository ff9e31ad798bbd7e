package authtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User is the fake backend account record
type User struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	Role         string
	Verified     bool
	Phone        string
	PasswordHash string
}

// Public returns the JSON shape the real API uses for users
func (u User) Public() map[string]any {
	out := map[string]any{
		"id":        u.ID,
		"email":     u.Email,
		"firstName": u.FirstName,
		"lastName":  u.LastName,
		"role":      u.Role,
		"verified":  u.Verified,
	}
	if u.Phone != "" {
		out["phone"] = u.Phone
	}
	return out
}

// Claims mirrors the claims issued by the real API
type Claims struct {
	jwt.RegisteredClaims
	UID      string `json:"uid"`
	UserRole string `json:"role"`
	Email    string `json:"email,omitempty"`
}

// TokenIssuer signs and validates HS256 access tokens
type TokenIssuer struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

func NewTokenIssuer(signingKey []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Now returns the issuer clock time
func (ti *TokenIssuer) Now() time.Time {
	return ti.now()
}

// Issue signs an access token with the default ttl
func (ti *TokenIssuer) Issue(user User) (string, error) {
	return ti.IssueWithTTL(user, ti.ttl)
}

// IssueWithTTL signs an access token that expires after ttl. A negative
// ttl yields an already expired token.
func (ti *TokenIssuer) IssueWithTTL(user User, ttl time.Duration) (string, error) {
	now := ti.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UID:      user.ID,
		UserRole: user.Role,
		Email:    user.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token
func (ti *TokenIssuer) Validate(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.signingKey, nil
	}, jwt.WithTimeFunc(ti.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// HashPassword hashes with the minimum bcrypt cost to keep tests fast
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(h), err
}

func MustHashPassword(password string) string {
	h, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return h
}

// ComparePasswordAndHash reports whether password matches hash
func ComparePasswordAndHash(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// userID derives a stable id from the email, like the real API does for
// hashid enabled registrations.
func userID(email string) string {
	if id, err := hashid.NewUUID(email); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
