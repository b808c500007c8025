// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"waternet-gateway/internal/data"
)

// ErrInvalidConfig is wrapped by every validation failure. The instrument set
// must be well defined before anything starts.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Valves      []ValveConfig     `mapstructure:"valves"`
	Sensors     []SensorConfig    `mapstructure:"sensors"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Thresholds  Thresholds        `mapstructure:"thresholds"`
	Faults      FaultConfig       `mapstructure:"faults"`
	Forecast    ForecastConfig    `mapstructure:"forecast"`
	Mongo       MongoConfig       `mapstructure:"mongo"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type ServerConfig struct {
	APIPort         int           `mapstructure:"api_port"`
	UIPort          int           `mapstructure:"ui_port"`
	WebDir          string        `mapstructure:"web_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
	File   string `mapstructure:"file"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Topic          string        `mapstructure:"topic"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Debounce       time.Duration `mapstructure:"debounce"`
}

// ValveConfig declares a known valve and its feed polarity. OnPhase is the
// phase reported when the feed says ON; OFF reports the opposite.
type ValveConfig struct {
	ID      int    `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	OnPhase string `mapstructure:"on_phase"`
}

// Polarity returns the parsed ON phase.
func (v ValveConfig) Polarity() (data.Phase, error) {
	p, err := data.ParsePhase(v.OnPhase)
	if err != nil {
		return data.PhaseUnknown, err
	}
	if !p.Settled() {
		return data.PhaseUnknown, fmt.Errorf("on_phase must be open or closed, got %q", v.OnPhase)
	}
	return p, nil
}

type SensorConfig struct {
	ID          string `mapstructure:"id"`
	Collection  string `mapstructure:"collection"`
	ForecastKey string `mapstructure:"forecast_key"`
}

type TelemetryConfig struct {
	WindowDuration  time.Duration `mapstructure:"window_duration"`
	MaxReadings     int           `mapstructure:"max_readings"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	StaleThreshold  time.Duration `mapstructure:"stale_threshold"`
}

// Thresholds are exclusive upper bounds: value < Critical is critical,
// value < Warning is a warning.
type Thresholds struct {
	Critical float64 `mapstructure:"critical"`
	Warning  float64 `mapstructure:"warning"`
}

type FaultConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type ForecastConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LeadTime     time.Duration `mapstructure:"lead_time"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxFailures  uint32        `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type PersistenceConfig struct {
	Path string `mapstructure:"path"` // empty keeps state in memory only
}

type AuthConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	JWTExpiration int      `mapstructure:"jwt_expiration"` // in minutes
	APIKeys       []string `mapstructure:"api_keys"`
	Users         []User   `mapstructure:"users"`
}

type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// Load reads config.yaml from path, applies WATERNET_* environment overrides
// and defaults, and validates the result. A missing file is not an error, but
// the defaults alone do not define any instruments, so validation will fail
// unless the environment supplies them.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("waternet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Warn("config file not found, using defaults", "path", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.api_port", 5000)
	v.SetDefault("server.ui_port", 8080)
	v.SetDefault("server.web_dir", "./web")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "waternet-gateway")
	v.SetDefault("mqtt.topic", "switch/state")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.debounce", 100*time.Millisecond)

	v.SetDefault("telemetry.window_duration", 15*time.Minute)
	v.SetDefault("telemetry.max_readings", 15)
	v.SetDefault("telemetry.refresh_interval", 15*time.Minute)
	v.SetDefault("telemetry.query_timeout", 10*time.Second)
	v.SetDefault("telemetry.tick_interval", time.Minute)
	v.SetDefault("telemetry.stale_threshold", 15*time.Minute)

	v.SetDefault("thresholds.critical", 4.0)
	v.SetDefault("thresholds.warning", 7.0)

	v.SetDefault("faults.capacity", 50)

	v.SetDefault("forecast.enabled", true)
	v.SetDefault("forecast.url", "http://localhost:5001")
	v.SetDefault("forecast.poll_interval", 15*time.Minute)
	v.SetDefault("forecast.lead_time", 30*time.Minute)
	v.SetDefault("forecast.timeout", 10*time.Second)
	v.SetDefault("forecast.max_failures", 5)
	v.SetDefault("forecast.reset_timeout", time.Minute)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "Cluster0")
	v.SetDefault("mongo.connect_timeout", 10*time.Second)

	v.SetDefault("persistence.path", "waternet.db")

	v.SetDefault("auth.jwt_expiration", 60)
}

// Validate checks the instrument set and every tunable the core depends on.
func (c *Config) Validate() error {
	if len(c.Valves) == 0 {
		return fmt.Errorf("%w: no valves configured", ErrInvalidConfig)
	}
	seenValves := make(map[int]bool, len(c.Valves))
	for _, vc := range c.Valves {
		if vc.ID <= 0 {
			return fmt.Errorf("%w: valve id %d must be positive", ErrInvalidConfig, vc.ID)
		}
		if seenValves[vc.ID] {
			return fmt.Errorf("%w: duplicate valve id %d", ErrInvalidConfig, vc.ID)
		}
		seenValves[vc.ID] = true
		if _, err := vc.Polarity(); err != nil {
			return fmt.Errorf("%w: valve %d: %v", ErrInvalidConfig, vc.ID, err)
		}
	}

	if len(c.Sensors) == 0 {
		return fmt.Errorf("%w: no sensors configured", ErrInvalidConfig)
	}
	seenSensors := make(map[string]bool, len(c.Sensors))
	for _, sc := range c.Sensors {
		if sc.ID == "" {
			return fmt.Errorf("%w: sensor with empty id", ErrInvalidConfig)
		}
		if seenSensors[sc.ID] {
			return fmt.Errorf("%w: duplicate sensor id %q", ErrInvalidConfig, sc.ID)
		}
		seenSensors[sc.ID] = true
	}

	if c.Thresholds.Critical > c.Thresholds.Warning {
		return fmt.Errorf("%w: critical threshold %.2f above warning threshold %.2f",
			ErrInvalidConfig, c.Thresholds.Critical, c.Thresholds.Warning)
	}

	t := c.Telemetry
	switch {
	case t.WindowDuration <= 0:
		return fmt.Errorf("%w: telemetry.window_duration must be positive", ErrInvalidConfig)
	case t.MaxReadings <= 0:
		return fmt.Errorf("%w: telemetry.max_readings must be positive", ErrInvalidConfig)
	case t.RefreshInterval <= 0:
		return fmt.Errorf("%w: telemetry.refresh_interval must be positive", ErrInvalidConfig)
	case t.TickInterval <= 0:
		return fmt.Errorf("%w: telemetry.tick_interval must be positive", ErrInvalidConfig)
	case t.StaleThreshold <= 0:
		return fmt.Errorf("%w: telemetry.stale_threshold must be positive", ErrInvalidConfig)
	}
	if c.MQTT.Debounce <= 0 {
		return fmt.Errorf("%w: mqtt.debounce must be positive", ErrInvalidConfig)
	}
	if c.Faults.Capacity <= 0 {
		return fmt.Errorf("%w: faults.capacity must be positive", ErrInvalidConfig)
	}
	if c.Forecast.Enabled && c.Forecast.PollInterval <= 0 {
		return fmt.Errorf("%w: forecast.poll_interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// ValveIDs returns configured valve ids in declaration order.
func (c *Config) ValveIDs() []int {
	ids := make([]int, 0, len(c.Valves))
	for _, v := range c.Valves {
		ids = append(ids, v.ID)
	}
	return ids
}

// SensorIDs returns configured sensor ids in declaration order.
func (c *Config) SensorIDs() []string {
	ids := make([]string, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		ids = append(ids, s.ID)
	}
	return ids
}
