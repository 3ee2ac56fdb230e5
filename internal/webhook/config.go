package webhook

import (
	"fmt"

	"github.com/inpertio/inpertio/internal/config"
)

const (
	DefaultMaxBodySize = 1 << 20
	DefaultQueueSize   = 16
)

// Config is the resolved webhook configuration.
type Config struct {
	Path            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
	QueueSize       int
}

// FromGlobalConfig converts the webhook block of the service configuration.
func FromGlobalConfig(wc *config.WebhookConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhook config is nil")
	}
	if wc.Secret == "" {
		return Config{}, fmt.Errorf("webhook %q: no secret configured", wc.Path)
	}

	maxBody := int64(DefaultMaxBodySize)
	if wc.MaxBodySize != "" {
		n, err := config.ParseByteSize(wc.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook %q: invalid max_body_size %q: %w", wc.Path, wc.MaxBodySize, err)
		}
		maxBody = n
	}

	header := wc.SignatureHeader
	if header == "" {
		header = config.DefaultWebhook().SignatureHeader
	}

	return Config{
		Path:            wc.Path,
		Secret:          wc.Secret,
		SignatureHeader: header,
		MaxBodySize:     maxBody,
		QueueSize:       DefaultQueueSize,
	}, nil
}
