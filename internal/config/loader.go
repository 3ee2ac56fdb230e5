package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"gopkg.in/yaml.v3"
)

const (
	// KeyRemoteURI is the only mandatory setting.
	KeyRemoteURI = "remote.repo.uri"
	// KeyDataRoot selects the directory owned by the mirror.
	KeyDataRoot = "local.data.root.path"

	EnvConfig     = "INPERTIO_CONFIG"
	EnvRemoteURI  = "INPERTIO_REMOTE_REPO_URI"
	EnvDataRoot   = "INPERTIO_LOCAL_DATA_ROOT_PATH"
	EnvLogLevel   = "INPERTIO_LOG_LEVEL"
	EnvListenAddr = "INPERTIO_API_LISTEN"
)

// ErrNoConfig is returned by DiscoverConfigPath when no file is found.
var ErrNoConfig = errors.New("no config found")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Environment overrides are applied on top of the file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	return finish(cfg)
}

// FromEnv builds a configuration from defaults and environment overrides
// only, for deployments that carry no config file.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

// Parse decodes YAML without applying overrides, defaults or validation.
// ${VAR} references are interpolated from the environment first.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DiscoverConfigPath finds a config file by checking standard locations.
// Priority order: $INPERTIO_CONFIG, ~/.config/inpertio, /etc/inpertio, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "inpertio", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/inpertio/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("%w (checked: $%s, ~/.config/inpertio, /etc/inpertio, ./config.yaml)", ErrNoConfig, EnvConfig)
}

// EnsureDataRoot returns local.data.root.path, creating it if needed. When
// the path is not configured a temporary directory is allocated and recorded
// in cfg.
func EnsureDataRoot(cfg *Config, logger *slog.Logger) (string, error) {
	if root := strings.TrimSpace(cfg.DataRootPath()); root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("resolve %s %q: %w", KeyDataRoot, root, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", fmt.Errorf("create data root %q: %w", abs, err)
		}
		logger.Info("using pre-configured data root", "path", abs)
		cfg.Local.Data.Root.Path = abs
		return abs, nil
	}

	dir, err := os.MkdirTemp("", "inpertio-")
	if err != nil {
		return "", fmt.Errorf("create temporary data root: %w", err)
	}
	logger.Info("no data root configured, using auto-generated directory",
		"property", KeyDataRoot,
		"path", dir,
	)
	cfg.Local.Data.Root.Path = dir
	return dir, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv(EnvRemoteURI); ok {
		cfg.Remote.Repo.URI = v
	}
	if v, ok := os.LookupEnv(EnvDataRoot); ok {
		cfg.Local.Data.Root.Path = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Service.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok && v != "" {
		cfg.API.Listen = v
	}
}

// applyConfigDefaults fills unset fields.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.Mirror.MaxStaleness == 0 {
		cfg.Mirror.MaxStaleness = defaults.Mirror.MaxStaleness
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.RequestTimeout == 0 {
		cfg.API.RequestTimeout = defaults.API.RequestTimeout
	}

	if cfg.Webhook != nil {
		wd := DefaultWebhook()
		if cfg.Webhook.Path == "" {
			cfg.Webhook.Path = wd.Path
		}
		if cfg.Webhook.SignatureHeader == "" {
			cfg.Webhook.SignatureHeader = wd.SignatureHeader
		}
		if cfg.Webhook.MaxBodySize == "" {
			cfg.Webhook.MaxBodySize = wd.MaxBodySize
		}
	}

	cfg.Remote.Repo.URI = strings.TrimSpace(cfg.Remote.Repo.URI)
	return cfg
}

// interpolateEnv replaces ${VAR} with the value of VAR. Unknown variables are
// left in place and rejected by validation where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if err := ValidateRemoteURI(cfg.RemoteURI()); err != nil {
		return err
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return &ConfigurationError{
			Key:    "service.log_level",
			Reason: fmt.Sprintf("must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel),
		}
	}

	if cfg.Mirror.MaxStaleness < 0 {
		return &ConfigurationError{Key: "mirror.max_staleness", Reason: "must not be negative"}
	}
	if cfg.Mirror.PollInterval < 0 {
		return &ConfigurationError{Key: "mirror.poll_interval", Reason: "must not be negative"}
	}
	if cfg.Mirror.PollJitter < 0 {
		return &ConfigurationError{Key: "mirror.poll_jitter", Reason: "must not be negative"}
	}

	if cfg.API.RequestTimeout < 0 {
		return &ConfigurationError{Key: "api.request_timeout", Reason: "must be positive"}
	}
	for i, tok := range cfg.API.Auth.Tokens {
		key := fmt.Sprintf("api.auth.tokens[%d]", i)
		if tok.Token == "" {
			return &ConfigurationError{Key: key + ".token", Reason: "is required"}
		}
		if m := envVarPattern.FindStringSubmatch(tok.Token); len(m) > 1 {
			return &ConfigurationError{Key: key + ".token", Reason: fmt.Sprintf("environment variable ${%s} is not set", m[1])}
		}
		if len(tok.Scopes) == 0 {
			return &ConfigurationError{Key: key + ".scopes", Reason: "must be non-empty"}
		}
	}

	if wh := cfg.Webhook; wh != nil {
		if !strings.HasPrefix(wh.Path, "/") {
			return &ConfigurationError{Key: "webhook.path", Reason: fmt.Sprintf("must start with '/' (got %q)", wh.Path)}
		}
		if strings.HasPrefix(wh.Path, "/api/") {
			return &ConfigurationError{Key: "webhook.path", Reason: "must not live under /api/"}
		}
		if wh.Secret == "" {
			return &ConfigurationError{Key: "webhook.secret", Reason: "is required"}
		}
		if m := envVarPattern.FindStringSubmatch(wh.Secret); len(m) > 1 {
			return &ConfigurationError{Key: "webhook.secret", Reason: fmt.Sprintf("environment variable ${%s} is not set", m[1])}
		}
		if _, err := ParseByteSize(wh.MaxBodySize); err != nil {
			return &ConfigurationError{Key: "webhook.max_body_size", Reason: "invalid size", Err: err}
		}
	}

	return nil
}

// ValidateRemoteURI checks that uri is set and parses as a git endpoint.
func ValidateRemoteURI(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return &ConfigurationError{
			Key:    KeyRemoteURI,
			Reason: fmt.Sprintf("no remote repo uri is provided, expected for it to be defined via '%s' property", KeyRemoteURI),
		}
	}
	if m := envVarPattern.FindStringSubmatch(uri); len(m) > 1 {
		return &ConfigurationError{Key: KeyRemoteURI, Reason: fmt.Sprintf("environment variable ${%s} is not set", m[1])}
	}
	if _, err := transport.NewEndpoint(uri); err != nil {
		return &ConfigurationError{Key: KeyRemoteURI, Reason: "malformed uri", Err: err}
	}
	return nil
}
