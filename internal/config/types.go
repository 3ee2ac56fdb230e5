package config

import (
	"fmt"
	"time"
)

// Config represents the complete inpertio configuration.
type Config struct {
	Service ServiceConfig  `yaml:"service"`
	Remote  RemoteConfig   `yaml:"remote"`
	Local   LocalConfig    `yaml:"local"`
	Mirror  MirrorConfig   `yaml:"mirror"`
	API     APIConfig      `yaml:"api"`
	Webhook *WebhookConfig `yaml:"webhook,omitempty"`

	// SourcePath is the file the configuration was read from, empty when it
	// was assembled from the environment only.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// RemoteConfig holds remote.repo.* settings.
type RemoteConfig struct {
	Repo RepoConfig `yaml:"repo"`
}

// RepoConfig points at the source-of-truth repository.
type RepoConfig struct {
	URI string `yaml:"uri"`
}

// LocalConfig holds local.data.root.* settings.
type LocalConfig struct {
	Data DataConfig `yaml:"data"`
}

type DataConfig struct {
	Root RootConfig `yaml:"root"`
}

type RootConfig struct {
	// Path is the directory owned by the mirror and checkouts. Empty means an
	// ephemeral temporary directory is allocated at startup.
	Path string `yaml:"path"`
}

// MirrorConfig controls how often the local mirror is refreshed.
type MirrorConfig struct {
	// MaxStaleness is how old the last successful fetch may be before a
	// branch request triggers a new one. Zero fetches on every request.
	MaxStaleness time.Duration `yaml:"max_staleness"`
	// PollInterval enables a background fetch loop when positive.
	PollInterval time.Duration `yaml:"poll_interval"`
	PollJitter   time.Duration `yaml:"poll_jitter,omitempty"`
}

// APIConfig defines HTTP server settings.
type APIConfig struct {
	Listen         string        `yaml:"listen"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Auth           APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig protects the operational endpoints. Resource reads are
// always anonymous.
type APIAuthConfig struct {
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhookConfig defines the push notification endpoint.
type WebhookConfig struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// RemoteURI returns remote.repo.uri.
func (c *Config) RemoteURI() string { return c.Remote.Repo.URI }

// DataRootPath returns local.data.root.path.
func (c *Config) DataRootPath() string { return c.Local.Data.Root.Path }

// ConfigurationError reports a missing or invalid setting. It is fatal at
// startup: nothing can be served without a valid remote.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration %q: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration %q: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "inpertio",
			LogLevel: "info",
		},
		Mirror: MirrorConfig{
			MaxStaleness: 30 * time.Second,
		},
		API: APIConfig{
			Listen:         "127.0.0.1:8080",
			RequestTimeout: 30 * time.Second,
		},
	}
}

// DefaultWebhook returns defaults for a configured webhook block.
func DefaultWebhook() WebhookConfig {
	return WebhookConfig{
		Path:            "/webhook/push",
		SignatureHeader: "X-Hub-Signature-256",
		MaxBodySize:     "1MB",
	}
}
