package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cobalt-labs/relay/internal/executor"
	"github.com/cobalt-labs/relay/internal/health"
	"github.com/cobalt-labs/relay/internal/registry"
)

type Config struct {
	Server      ServerConfig          `mapstructure:"server"`
	Redis       RedisConfig           `mapstructure:"redis"`
	Store       StoreConfig           `mapstructure:"store"`
	RateLimit   RateLimitConfig       `mapstructure:"rate_limit"`
	Router      RouterConfig          `mapstructure:"router"`
	Health      health.Config         `mapstructure:"health"`
	Executor    executor.Config       `mapstructure:"executor"`
	Permits     executor.PermitConfig `mapstructure:"permits"`
	Stream      StreamConfig          `mapstructure:"stream"`
	Deployments []registry.Deployment `mapstructure:"deployments"`
}

type ServerConfig struct {
	Port    string   `mapstructure:"port"`
	Env     string   `mapstructure:"env"`
	APIKeys []string `mapstructure:"api_keys"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type StoreConfig struct {
	DSN     string `mapstructure:"dsn"`
	Enabled bool   `mapstructure:"enabled"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type RouterConfig struct {
	// Policy orders healthy candidates: round_robin, least_busy,
	// weighted_random or latency_based.
	Policy string `mapstructure:"policy"`
	// LastResort allows routing to cooled-down deployments when no healthy
	// one remains.
	LastResort bool `mapstructure:"last_resort"`
	// CacheTTL enables response caching for deterministic requests when
	// positive.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type StreamConfig struct {
	// UsageGrace is how long to wait after the finish signal for a trailing
	// usage chunk before emitting the terminal event without it.
	UsageGrace time.Duration `mapstructure:"usage_grace"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := newViper()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return unmarshal(v)
}

// Watch re-reads the config file on change and invokes fn with the fresh
// snapshot. Decode failures keep the previous config and are reported
// through fn's error callback sibling; the watcher never stops the server.
func Watch(fn func(*Config, error)) error {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	v.OnConfigChange(func(in fsnotify.Event) {
		cfg, err := unmarshal(v)
		fn(cfg, err)
	})
	v.WatchConfig()
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./internal/config")

	// Default Values
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.dsn", "file:relay.db?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000")
	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("router.policy", "round_robin")
	v.SetDefault("router.last_resort", true)
	v.SetDefault("health.window_size", 20)
	v.SetDefault("health.failure_rate", 0.5)
	v.SetDefault("health.consecutive_failures", 3)
	v.SetDefault("health.base_cooldown", "5s")
	v.SetDefault("health.max_cooldown", "5m")
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.per_try_timeout", "60s")
	v.SetDefault("executor.total_budget", "120s")
	v.SetDefault("stream.usage_grace", "500ms")

	// Environment Variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Resolve API keys referenced as ENV:VAR_NAME so secrets stay out of
	// the config file.
	for i, d := range cfg.Deployments {
		if strings.HasPrefix(d.Provider.APIKey, "ENV:") {
			envVar := strings.TrimPrefix(d.Provider.APIKey, "ENV:")
			val := os.Getenv(envVar)
			if val == "" {
				val = v.GetString(envVar)
			}
			cfg.Deployments[i].Provider.APIKey = val
		}
	}

	return &cfg, nil
}
