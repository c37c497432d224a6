// Package config loads the feed configuration from a YAML file, ATHFEED_
// environment variables and built-in defaults.
package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/kfishgm/btcbot-sub001/internal/logger"
	"github.com/kfishgm/btcbot-sub001/internal/stream"
	"github.com/kfishgm/btcbot-sub001/internal/telemetry"
	"github.com/kfishgm/btcbot-sub001/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ATHFEED_FAILOVER_THRESHOLD.
const EnvPrefix = "ATHFEED"

// WindowConfig sizes the sliding window.
type WindowConfig struct {
	// Capacity is also the number of klines fetched per poll, so it is bounded by the REST page size.
	Capacity int `mapstructure:"capacity" yaml:"capacity" json:"capacity" jsonschema:"title=Capacity,description=Number of most recent bars kept" validate:"gte=1,lte=1000"`
}

// FailoverConfig controls when and how polling replaces the stream.
type FailoverConfig struct {
	Threshold    int           `mapstructure:"threshold" yaml:"threshold" json:"threshold" jsonschema:"title=Failure Threshold,description=Consecutive stream failures before polling starts" validate:"gte=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval" jsonschema:"title=Poll Interval,description=Wait between REST fetches while polling" validate:"gt=0"`
	// RestURL overrides the REST base URL; empty uses the exchange default.
	RestURL string `mapstructure:"rest_url" yaml:"rest_url" json:"rest_url" validate:"omitempty,url"`
}

// IngestConfig controls payload validation.
type IngestConfig struct {
	// DriftTolerance bounds event-time deviation from the local clock. Zero disables the check.
	DriftTolerance time.Duration `mapstructure:"drift_tolerance" yaml:"drift_tolerance" json:"drift_tolerance" validate:"gte=0"`
}

// HTTPConfig configures the status and metrics server.
type HTTPConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`
}

// Config is the complete feed configuration.
type Config struct {
	Symbol   string           `mapstructure:"symbol" yaml:"symbol" json:"symbol" jsonschema:"title=Symbol,description=Instrument to follow (e.g. BTCUSDT),required" validate:"required,alphanum"`
	Interval string           `mapstructure:"interval" yaml:"interval" json:"interval" jsonschema:"title=Interval,description=Kline interval,required,enum=1s,enum=1m,enum=3m,enum=5m,enum=15m,enum=30m,enum=1h,enum=2h,enum=4h,enum=6h,enum=8h,enum=12h,enum=1d,enum=3d,enum=1w,enum=1M" validate:"required,oneof=1s 1m 3m 5m 15m 30m 1h 2h 4h 6h 8h 12h 1d 3d 1w 1M"`
	Window   WindowConfig     `mapstructure:"window" yaml:"window" json:"window"`
	Backfill bool             `mapstructure:"backfill" yaml:"backfill" json:"backfill" jsonschema:"title=Backfill,description=Fetch the window over REST before connecting"`
	Stream   stream.Config    `mapstructure:"stream" yaml:"stream" json:"stream"`
	Failover FailoverConfig   `mapstructure:"failover" yaml:"failover" json:"failover"`
	Ingest   IngestConfig     `mapstructure:"ingest" yaml:"ingest" json:"ingest"`
	HTTP     HTTPConfig       `mapstructure:"http" yaml:"http" json:"http"`
	Log      logger.Config    `mapstructure:"log" yaml:"log" json:"log"`
	Trace    telemetry.Config `mapstructure:"trace" yaml:"trace" json:"trace"`
}

// Default returns the configuration used when no file or environment overrides are given.
func Default() Config {
	return Config{
		Symbol:   "BTCUSDT",
		Interval: "1m",
		Window:   WindowConfig{Capacity: 20},
		Backfill: true,
		Stream:   stream.DefaultConfig(),
		Failover: FailoverConfig{
			Threshold:    3,
			PollInterval: 5 * time.Second,
			RestURL:      "",
		},
		Ingest: IngestConfig{DriftTolerance: 5 * time.Second},
		HTTP:   HTTPConfig{Addr: ":8080"},
		Log:    logger.Config{Level: "info", Dev: false},
		Trace:  telemetry.Config{Exporter: telemetry.ExporterNone, ServiceName: "athfeed"},
	}
}

// Load reads the configuration. Precedence: environment, then the file at path
// (skipped when empty), then defaults. The result is validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(errors.ErrCodeConfigLoadFailed, err, "failed to read config %q", path) //nolint:exhaustruct // zero value for error response
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeConfigLoadFailed, "failed to decode config", err) //nolint:exhaustruct // zero value for error response
	}

	cfg.Symbol = strings.ToUpper(cfg.Symbol)

	if err := cfg.Validate(); err != nil {
		return Config{}, err //nolint:exhaustruct // zero value for error response
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("symbol", def.Symbol)
	v.SetDefault("interval", def.Interval)
	v.SetDefault("window.capacity", def.Window.Capacity)
	v.SetDefault("backfill", def.Backfill)

	v.SetDefault("stream.url", def.Stream.URL)
	v.SetDefault("stream.heartbeat_interval", def.Stream.HeartbeatInterval)
	v.SetDefault("stream.pong_timeout", def.Stream.PongTimeout)
	v.SetDefault("stream.handshake_timeout", def.Stream.HandshakeTimeout)
	v.SetDefault("stream.write_timeout", def.Stream.WriteTimeout)
	v.SetDefault("stream.max_queue_size", def.Stream.MaxQueueSize)
	v.SetDefault("stream.reconnect.base_delay", def.Stream.Reconnect.BaseDelay)
	v.SetDefault("stream.reconnect.max_delay", def.Stream.Reconnect.MaxDelay)
	v.SetDefault("stream.reconnect.max_attempts", def.Stream.Reconnect.MaxAttempts)
	v.SetDefault("stream.reconnect.jitter", def.Stream.Reconnect.Jitter)

	v.SetDefault("failover.threshold", def.Failover.Threshold)
	v.SetDefault("failover.poll_interval", def.Failover.PollInterval)
	v.SetDefault("failover.rest_url", def.Failover.RestURL)

	v.SetDefault("ingest.drift_tolerance", def.Ingest.DriftTolerance)
	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.dev", def.Log.Dev)
	v.SetDefault("trace.exporter", def.Trace.Exporter)
	v.SetDefault("trace.service_name", def.Trace.ServiceName)
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid config", err)
	}

	return nil
}

// YAML renders the configuration as YAML.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Schema returns the JSON schema of Config.
func Schema() (string, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = true
	schema := r.Reflect(Config{}) //nolint:exhaustruct // reflected for its type only

	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}

	return string(schemaBytes), nil
}
