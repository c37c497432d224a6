package stream

import (
	"fmt"
	"strings"
	"time"
)

// ReconnectConfig controls the retry schedule after an unexpected close.
type ReconnectConfig struct {
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay" json:"base_delay" jsonschema:"title=Base Delay,description=Wait before the first reconnect attempt" validate:"gt=0"`
	// MaxDelay caps every individual wait.
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay" jsonschema:"title=Max Delay,description=Upper bound for a single reconnect wait" validate:"gtefield=BaseDelay"`
	// MaxAttempts stops retrying after this many scheduled retries. Zero retries forever.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts" jsonschema:"title=Max Attempts,description=Retries before giving up (0 means unlimited)" validate:"gte=0"`
	// Jitter is the randomization factor applied to each wait, in [0, 1].
	Jitter float64 `mapstructure:"jitter" yaml:"jitter" json:"jitter" jsonschema:"title=Jitter,description=Randomization factor for reconnect waits" validate:"gte=0,lte=1"`
}

// Config contains the connection settings of one stream client.
type Config struct {
	// URL is the full websocket endpoint to dial.
	URL string `mapstructure:"url" yaml:"url" json:"url" jsonschema:"title=Stream URL,description=Base websocket URL; the kline stream path is appended" validate:"required,url"`
	// HeartbeatInterval is how often a ping is sent while connected.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval" validate:"gt=0"`
	// PongTimeout is how long an unanswered ping may stay outstanding.
	PongTimeout time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout" json:"pong_timeout" validate:"gt=0"`
	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout" json:"handshake_timeout" validate:"gte=0"`
	// WriteTimeout bounds every socket write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout" validate:"gt=0"`
	// MaxQueueSize bounds the outbound queue kept while not connected.
	MaxQueueSize int             `mapstructure:"max_queue_size" yaml:"max_queue_size" json:"max_queue_size" validate:"gt=0"`
	Reconnect    ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect" json:"reconnect"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		URL:               "wss://stream.binance.com:9443/ws",
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxQueueSize:      100,
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			MaxAttempts: 0,
			Jitter:      0,
		},
	}
}

// applyDefaults fills zero values in place.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}

	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}

	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}

	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		c.Reconnect.MaxDelay = c.Reconnect.BaseDelay
	}
}

// KlineStreamURL builds the single-stream endpoint for one symbol and interval,
// e.g. wss://stream.binance.com:9443/ws/btcusdt@kline_1m.
func KlineStreamURL(base string, symbol string, interval string) string {
	return fmt.Sprintf("%s/%s@kline_%s", strings.TrimRight(base, "/"), strings.ToLower(symbol), interval)
}
