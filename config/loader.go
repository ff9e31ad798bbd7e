package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "authctl.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/authctl"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "AUTHCLIENT_"
)

// Logger is the logging surface used by the loader
type Logger interface {
	Debug(format string, args ...any)
	Warn(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  Logger
	homeDir func() (string, error)
	workDir func() (string, error)
	getenv  func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(logger Logger) *Loader {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Loader{
		logger:  logger,
		homeDir: os.UserHomeDir,
		workDir: os.Getwd,
		getenv:  os.Getenv,
	}
}

// WithDirs overrides the home and working directories, used by tests
func (l *Loader) WithDirs(home, work string) *Loader {
	l.homeDir = func() (string, error) { return home, nil }
	l.workDir = func() (string, error) { return work, nil }
	return l
}

// WithEnv overrides the environment lookup
func (l *Loader) WithEnv(getenv func(string) string) *Loader {
	if getenv != nil {
		l.getenv = getenv
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default options
// 2. User config (~/.config/authctl/config.yaml)
// 3. Project config (authctl.yaml in current or parent directories)
// 4. explicit file, when path is not empty
// 5. AUTHCLIENT_* environment variables
func (l *Loader) Load(path string) (*Options, error) {
	opts := DefaultOptions()

	userConfigPath := l.UserConfigPath()
	if userConfigPath != "" {
		if userOpts, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("loaded user config", "path", userConfigPath)
			opts.Merge(userOpts)
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("failed to load user config", "path", userConfigPath, "error", err)
		}
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectOpts, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("loaded project config", "path", projectConfigPath)
			opts.Merge(projectOpts)
		} else {
			l.logger.Warn("failed to load project config", "path", projectConfigPath, "error", err)
		}
	}

	if path != "" {
		fileOpts, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		opts.Merge(fileOpts)
	}

	opts.Merge(l.fromEnv())

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return opts, nil
}

// UserConfigPath returns the path to the user config file
func (l *Loader) UserConfigPath() string {
	home, err := l.homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// UserDataPath returns a path inside the user config directory
func (l *Loader) UserDataPath(name string) string {
	home, err := l.homeDir()
	if err != nil || home == "" {
		return name
	}
	return filepath.Join(home, UserConfigDir, name)
}

// findProjectConfig searches for authctl.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil || cwd == "" {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func (l *Loader) fromEnv() *Options {
	env := func(name string) string {
		return strings.TrimSpace(l.getenv(EnvPrefix + name))
	}

	opts := &Options{
		BaseURL:      env("BASE_URL"),
		AdminBaseURL: env("ADMIN_BASE_URL"),
		NonceURL:     env("NONCE_URL"),
		NonceHeader:  env("NONCE_HEADER"),
		Storage: StorageOptions{
			DurableDSN: env("DURABLE_DSN"),
			Namespace:  env("NAMESPACE"),
		},
	}

	if v := env("REFRESH_SKEW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.RefreshSkew = d
		} else {
			l.logger.Warn("ignoring invalid env value", "name", EnvPrefix+"REFRESH_SKEW", "error", err)
		}
	}

	if v := env("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.RequestTimeout = d
		} else {
			l.logger.Warn("ignoring invalid env value", "name", EnvPrefix+"REQUEST_TIMEOUT", "error", err)
		}
	}

	if v := env("REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			opts.RequestsPerSecond = f
		} else {
			l.logger.Warn("ignoring invalid env value", "name", EnvPrefix+"REQUESTS_PER_SECOND", "error", err)
		}
	}

	return opts
}
