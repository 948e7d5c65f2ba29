package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config file is given and it exists.
const DefaultPath = "config.yaml"

// Config holds all configuration for our application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PrometheusConfig struct {
	Host     string        `mapstructure:"host"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Lookback time.Duration `mapstructure:"lookback"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type CacheConfig struct {
	SelectorSize int `mapstructure:"selector_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Addr is the listen address of the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load builds the configuration from defaults, an optional YAML file,
// environment variables and command-line flags, in increasing precedence.
//
// PROMETHEUS_HOST sets prometheus.host; every other key can be overridden
// with POWERUSAGE_<SECTION>_<KEY>, e.g. POWERUSAGE_SERVER_PORT.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POWERUSAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("prometheus.host", "PROMETHEUS_HOST", "POWERUSAGE_PROMETHEUS_HOST"); err != nil {
		return nil, fmt.Errorf("failed to bind PROMETHEUS_HOST: %w", err)
	}

	if path != "" {
		raw, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(raw); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ResolvePath returns the config file to read: the explicit one when set,
// DefaultPath when it exists, nothing otherwise.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// readFile reads a YAML file, expanding ${VAR} references first.
func readFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var raw map[string]interface{}
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	return raw, nil
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"port":             "server.port",
	"host":             "server.host",
	"prometheus-host":  "prometheus.host",
	"rate-limit":       "ratelimit.rps",
	"rate-limit-burst": "ratelimit.burst",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9118)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("prometheus.host", "")
	v.SetDefault("prometheus.timeout", 5*time.Second)
	v.SetDefault("prometheus.lookback", 10*time.Minute)
	v.SetDefault("prometheus.breaker.max_failures", 5)
	v.SetDefault("prometheus.breaker.open_timeout", 30*time.Second)

	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("cache.selector_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Prometheus.Host) == "" {
		return errors.New("PROMETHEUS_HOST not set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Prometheus.Timeout <= 0 {
		return fmt.Errorf("invalid prometheus timeout: %s", c.Prometheus.Timeout)
	}
	if c.Prometheus.Lookback <= 0 {
		return fmt.Errorf("invalid prometheus lookback: %s", c.Prometheus.Lookback)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("invalid rate limit: %v rps, burst %d", c.RateLimit.RPS, c.RateLimit.Burst)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	return nil
}

// NewLogger builds the process logger from the logging section.
func NewLogger(c LoggingConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	if c.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}
