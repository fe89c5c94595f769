// Package config loads the service configuration from YAML, with
// environment overrides for the variables older deployments set.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultBroker            = "tcp://127.0.0.1:1883"
	DefaultClientID          = "rdtmgr"
	DefaultPort              = 3000
	DefaultWSPort            = 3001
	DefaultDefaultStandardID = 21
	DefaultLinesFile         = "lines.yaml"
	DefaultSampleInterval    = 5 * time.Millisecond
)

// Config is the top-level configuration. Fields map 1:1 to rdtmgr.example.yaml.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Process  ProcessConfig  `yaml:"process"`
	GPIO     GPIOConfig     `yaml:"gpio"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	// Level is one of debug | info | warn | error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// MQTTConfig holds the broker connection.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`

	// StateTopic, when set, receives each line's state retained under
	// <state_topic>/<id>/state.
	StateTopic string `yaml:"state_topic"`

	// BufferSize is the number of publishes kept while disconnected.
	BufferSize int `yaml:"buffer_size"`
}

// HTTPConfig holds the listeners.
type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	// WSPort serves the websocket hub on its own port. Zero serves it on
	// Port under /ws.
	WSPort int `yaml:"ws_port"`
}

// DatabaseConfig holds the Postgres connection.
type DatabaseConfig struct {
	// URL is a pgx connection string. Empty uses the in-memory store.
	URL string `yaml:"url"`

	// Save enables writing segments and shift records.
	Save bool `yaml:"save"`
}

// RedisConfig enables cross-instance fan-out.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// ProcessConfig tunes the line processes.
type ProcessConfig struct {
	DefaultStandardID int64  `yaml:"default_standard_id"`
	NotifyClients     bool   `yaml:"notify_clients"`
	DebugMessages     bool   `yaml:"debug_messages"`
	LinesFile         string `yaml:"lines_file"`
}

// GPIOConfig feeds one line from a piece sensor instead of MQTT.
type GPIOConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Chip           string        `yaml:"chip"`
	Pin            int           `yaml:"pin"`
	LocationID     int64         `yaml:"location_id"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// Addr returns the HTTP listen address.
func (h HTTPConfig) Addr() string {
	return h.Address + ":" + strconv.Itoa(h.Port)
}

// WSAddr returns the websocket listen address, or "" when the hub shares
// the HTTP listener.
func (h HTTPConfig) WSAddr() string {
	if h.WSPort == 0 || h.WSPort == h.Port {
		return ""
	}
	return h.Address + ":" + strconv.Itoa(h.WSPort)
}

// Load reads the YAML config file at path and applies environment
// overrides. An empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		MQTT: MQTTConfig{
			Broker:   DefaultBroker,
			ClientID: DefaultClientID,
		},
		HTTP: HTTPConfig{
			Port:   DefaultPort,
			WSPort: DefaultWSPort,
		},
		Process: ProcessConfig{
			DefaultStandardID: DefaultDefaultStandardID,
			NotifyClients:     true,
			LinesFile:         DefaultLinesFile,
		},
		GPIO: GPIOConfig{
			Chip:           "gpiochip0",
			SampleInterval: DefaultSampleInterval,
		},
	}
}

// applyEnv overrides cfg from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			*dst = Truthy(v)
		}
	}

	if v, ok := lookup("MQTT_ADDRESS"); ok && v != "" {
		cfg.MQTT.Broker = BrokerURL(v)
	}
	str("ADDRESS", &cfg.HTTP.Address)
	num("PORT", &cfg.HTTP.Port)
	num("WS_PORT", &cfg.HTTP.WSPort)
	flag("NOTIFY_CLIENTS", &cfg.Process.NotifyClients)
	flag("SAVE_ON_DB", &cfg.Database.Save)
	flag("DEBUG_MSGS", &cfg.Process.DebugMessages)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Redis.URL)
	return errors.Join(errs...)
}

// Truthy reports whether an environment flag is on: "true" in any case, or
// a number equal to 1.
func Truthy(v string) bool {
	if strings.EqualFold(v, "true") {
		return true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return err == nil && f == 1
}

// BrokerURL turns a bare broker host into a paho URL.
func BrokerURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	if !strings.Contains(addr, ":") {
		addr += ":1883"
	}
	return "tcp://" + addr
}

// ParseLevel maps a level name to a slog level. The names of the older
// logger (WARNING, CRITICAL) are accepted.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if cfg.MQTT.BufferSize < 0 {
		return fmt.Errorf("mqtt.buffer_size must not be negative")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.WSPort < 0 || cfg.HTTP.WSPort > 65535 {
		return fmt.Errorf("http.ws_port out of range: %d", cfg.HTTP.WSPort)
	}
	if cfg.GPIO.Enabled {
		if cfg.GPIO.LocationID <= 0 {
			return fmt.Errorf("gpio.location_id is required when gpio is enabled")
		}
		if cfg.GPIO.SampleInterval <= 0 {
			return fmt.Errorf("gpio.sample_interval must be positive")
		}
	}
	return nil
}

// NewLogger builds the slog handler selected by cfg.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
