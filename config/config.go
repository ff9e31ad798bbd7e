// Package config loads client options from YAML files and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"gopkg.in/yaml.v3"
)

// Options implements the client Config interface
type Options struct {
	BaseURL           string         `yaml:"base_url"`
	AdminBaseURL      string         `yaml:"admin_base_url"`
	NonceURL          string         `yaml:"nonce_url"`
	Paths             Paths          `yaml:"paths"`
	RefreshSkew       time.Duration  `yaml:"refresh_skew"`
	RequestTimeout    time.Duration  `yaml:"request_timeout"`
	NonceHeader       string         `yaml:"nonce_header"`
	InvalidNonceCode  string         `yaml:"invalid_nonce_code"`
	RequestsPerSecond float64        `yaml:"requests_per_second"`
	Guard             GuardOptions   `yaml:"guard"`
	Storage           StorageOptions `yaml:"storage"`
}

// Paths are the auth endpoints relative to BaseURL
type Paths struct {
	Login    string `yaml:"login"`
	Refresh  string `yaml:"refresh"`
	Verify   string `yaml:"verify"`
	Profile  string `yaml:"profile"`
	Register string `yaml:"register"`
	Logout   string `yaml:"logout"`
}

// GuardOptions configure where the access guard sends visitors
type GuardOptions struct {
	LoginPath      string `yaml:"login_path"`
	AdminLoginPath string `yaml:"admin_login_path"`
	AdminLanding   string `yaml:"admin_landing"`
	ClientLanding  string `yaml:"client_landing"`
	DefaultLanding string `yaml:"default_landing"`
}

// StorageOptions configure the durable credential horizon
type StorageOptions struct {
	// DurableDSN is the SQLite DSN, empty keeps durable credentials in memory
	DurableDSN string `yaml:"durable_dsn"`
	Namespace  string `yaml:"namespace"`
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() *Options {
	return &Options{
		BaseURL:  "http://localhost:8080/api",
		NonceURL: "/nonce",
		Paths: Paths{
			Login:    "/login",
			Refresh:  "/refresh",
			Verify:   "/verify",
			Profile:  "/me",
			Register: "/register",
			Logout:   "/logout",
		},
		RefreshSkew:      45 * time.Second,
		RequestTimeout:   15 * time.Second,
		NonceHeader:      "X-WP-Nonce",
		InvalidNonceCode: "rest_cookie_invalid_nonce",
		Guard: GuardOptions{
			LoginPath:      "/login",
			AdminLanding:   "/admin",
			ClientLanding:  "/account",
			DefaultLanding: "/",
		},
	}
}

// Validate checks that the options can build a working client
func (o *Options) Validate() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.BaseURL, validation.Required, is.URL),
		validation.Field(&o.AdminBaseURL, is.URL),
		validation.Field(&o.RefreshSkew, validation.Min(time.Duration(0))),
		validation.Field(&o.RequestTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&o.RequestsPerSecond, validation.Min(0.0)),
	)
}

// LoadFromFile reads options from a YAML file. Fields missing from the file
// are left zero so the result can be merged over other layers.
func LoadFromFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	opts := &Options{}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return opts, nil
}

// SaveToFile writes the options as YAML, creating parent directories
func (o *Options) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge copies the non zero values of other over o
func (o *Options) Merge(other *Options) {
	if other == nil {
		return
	}

	mergeString(&o.BaseURL, other.BaseURL)
	mergeString(&o.AdminBaseURL, other.AdminBaseURL)
	mergeString(&o.NonceURL, other.NonceURL)

	mergeString(&o.Paths.Login, other.Paths.Login)
	mergeString(&o.Paths.Refresh, other.Paths.Refresh)
	mergeString(&o.Paths.Verify, other.Paths.Verify)
	mergeString(&o.Paths.Profile, other.Paths.Profile)
	mergeString(&o.Paths.Register, other.Paths.Register)
	mergeString(&o.Paths.Logout, other.Paths.Logout)

	if other.RefreshSkew != 0 {
		o.RefreshSkew = other.RefreshSkew
	}
	if other.RequestTimeout != 0 {
		o.RequestTimeout = other.RequestTimeout
	}
	if other.RequestsPerSecond != 0 {
		o.RequestsPerSecond = other.RequestsPerSecond
	}

	mergeString(&o.NonceHeader, other.NonceHeader)
	mergeString(&o.InvalidNonceCode, other.InvalidNonceCode)

	mergeString(&o.Guard.LoginPath, other.Guard.LoginPath)
	mergeString(&o.Guard.AdminLoginPath, other.Guard.AdminLoginPath)
	mergeString(&o.Guard.AdminLanding, other.Guard.AdminLanding)
	mergeString(&o.Guard.ClientLanding, other.Guard.ClientLanding)
	mergeString(&o.Guard.DefaultLanding, other.Guard.DefaultLanding)

	mergeString(&o.Storage.DurableDSN, other.Storage.DurableDSN)
	mergeString(&o.Storage.Namespace, other.Storage.Namespace)
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func (o *Options) GetBaseURL() string               { return o.BaseURL }
func (o *Options) GetAdminBaseURL() string          { return o.AdminBaseURL }
func (o *Options) GetNonceURL() string              { return o.NonceURL }
func (o *Options) GetLoginPath() string             { return o.Paths.Login }
func (o *Options) GetRefreshPath() string           { return o.Paths.Refresh }
func (o *Options) GetVerifyPath() string            { return o.Paths.Verify }
func (o *Options) GetProfilePath() string           { return o.Paths.Profile }
func (o *Options) GetRegisterPath() string          { return o.Paths.Register }
func (o *Options) GetLogoutPath() string            { return o.Paths.Logout }
func (o *Options) GetRefreshSkew() time.Duration    { return o.RefreshSkew }
func (o *Options) GetRequestTimeout() time.Duration { return o.RequestTimeout }
func (o *Options) GetNonceHeader() string           { return o.NonceHeader }
func (o *Options) GetInvalidNonceCode() string      { return o.InvalidNonceCode }
func (o *Options) GetRequestsPerSecond() float64    { return o.RequestsPerSecond }
func (o *Options) GetDurableDSN() string            { return o.Storage.DurableDSN }
