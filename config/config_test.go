package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/goliatone/go-auth-client/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ authclient.Config = (*config.Options)(nil)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func noEnv(string) string { return "" }

func TestDefaultOptions(t *testing.T) {
	opts := config.DefaultOptions()

	assert.Equal(t, "/login", opts.GetLoginPath())
	assert.Equal(t, "/me", opts.GetProfilePath())
	assert.Equal(t, 45*time.Second, opts.GetRefreshSkew())
	assert.Equal(t, "X-WP-Nonce", opts.GetNonceHeader())
	assert.Equal(t, "rest_cookie_invalid_nonce", opts.GetInvalidNonceCode())
	assert.NoError(t, opts.Validate())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Options)
		wantErr bool
	}{
		{
			name:   "valid defaults",
			modify: func(o *config.Options) {},
		},
		{
			name:    "missing base url",
			modify:  func(o *config.Options) { o.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "invalid admin url",
			modify:  func(o *config.Options) { o.AdminBaseURL = "not a url" },
			wantErr: true,
		},
		{
			name:    "zero timeout",
			modify:  func(o *config.Options) { o.RequestTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative rate",
			modify:  func(o *config.Options) { o.RequestsPerSecond = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := config.DefaultOptions()
			tt.modify(opts)
			err := opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFileKeepsUnsetFieldsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authctl.yaml")
	writeFile(t, path, "base_url: https://api.example.com\nrefresh_skew: 30s\n")

	opts, err := config.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", opts.BaseURL)
	assert.Equal(t, 30*time.Second, opts.RefreshSkew)
	assert.Empty(t, opts.Paths.Login)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	opts := config.DefaultOptions()
	opts.Storage.DurableDSN = "file:creds.db"

	require.NoError(t, opts.SaveToFile(path))

	loaded, err := config.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, opts, loaded)
}

func TestLoaderPrecedence(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()

	writeFile(t, filepath.Join(home, config.UserConfigDir, config.UserConfigFile), `
base_url: https://user.example.com
request_timeout: 5s
guard:
  admin_landing: /user-admin
`)
	writeFile(t, filepath.Join(work, config.ProjectConfigFile), `
base_url: https://project.example.com
paths:
  verify: /session/verify
`)

	env := map[string]string{
		"AUTHCLIENT_REFRESH_SKEW": "10s",
		"AUTHCLIENT_DURABLE_DSN":  "file:env.db",
	}

	opts, err := config.NewLoader(nil).
		WithDirs(home, work).
		WithEnv(func(k string) string { return env[k] }).
		Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://project.example.com", opts.BaseURL)
	assert.Equal(t, 5*time.Second, opts.RequestTimeout)
	assert.Equal(t, "/user-admin", opts.Guard.AdminLanding)
	assert.Equal(t, "/session/verify", opts.GetVerifyPath())
	assert.Equal(t, "/login", opts.GetLoginPath())
	assert.Equal(t, 10*time.Second, opts.RefreshSkew)
	assert.Equal(t, "file:env.db", opts.GetDurableDSN())
}

func TestLoaderExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, "base_url: https://custom.example.com\n")

	opts, err := config.NewLoader(nil).WithDirs(dir, dir).WithEnv(noEnv).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://custom.example.com", opts.BaseURL)

	_, err = config.NewLoader(nil).WithDirs(dir, dir).WithEnv(noEnv).Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoaderRejectsInvalidResult(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{"AUTHCLIENT_BASE_URL": "not a url"}

	_, err := config.NewLoader(nil).
		WithDirs(dir, dir).
		WithEnv(func(k string) string { return env[k] }).
		Load("")
	assert.Error(t, err)
}
