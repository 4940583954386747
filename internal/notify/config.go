package notify

import "time"

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultQueueSize        = 64
	defaultMaxAttempts      = 3
	defaultHTTPTimeout      = 10 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Config holds configuration for the lifecycle notifier.
type Config struct {
	// URL is the webhook destination. The notifier is inert when empty.
	URL string

	// SigningKey signs event bodies with HMAC-SHA256. Empty disables signing.
	SigningKey string

	// QueueSize bounds pending events (default: 64). Overflow drops.
	QueueSize int

	// MaxAttempts is delivery attempts per event including the first
	// (default: 3).
	MaxAttempts int

	// HTTPTimeout bounds each delivery request (default: 10s).
	HTTPTimeout time.Duration
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}
