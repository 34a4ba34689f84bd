// Package config loads the subsyncd configuration from a YAML file, the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SUBSYNC_STRIPE_API_KEY.
const EnvPrefix = "SUBSYNC"

// Storage drivers.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
	DriverSQLite    = "sqlite"
	DriverMySQL     = "mysql"
)

// Config holds application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	UserHeader      string        `mapstructure:"user_header"`
}

type StripeConfig struct {
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	BackendURL    string `mapstructure:"backend_url"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`

	// Cache puts Redis in front of a durable driver.
	Cache bool `mapstructure:"cache"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type FirestoreConfig struct {
	ProjectID string `mapstructure:"project"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// Enabled reports whether outbound email is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

type AppConfig struct {
	URL     string `mapstructure:"url"`
	Company string `mapstructure:"company"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.user_header", "X-User-ID")

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.backend_url", "")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.auto_migrate", false)
	v.SetDefault("storage.cache", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "subsync:")

	v.SetDefault("firestore.project", "")

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")

	v.SetDefault("app.url", "http://localhost:3000")
	v.SetDefault("app.company", "Subsync")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "subsync")
}

// Load reads configuration. The .env file in the working directory is loaded
// into the environment first when present. path names an explicit config
// file; when empty, subsync.yaml is searched in /etc/subsync and the working
// directory, and a missing file is not an error.
func Load(path string) (*Config, *viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("subsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/subsync")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres, DriverSQLite, DriverMySQL:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	case DriverFirestore:
		if c.Firestore.ProjectID == "" {
			return errors.New("firestore.project is required for driver \"firestore\"")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}
	return nil
}

// Holder keeps the current configuration and swaps it on file changes.
type Holder struct {
	current atomic.Pointer[Config]
}

// NewHolder returns a holder seeded with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	return h.current.Load()
}

// Watch reloads the file behind v on change. Invalid updates are reported to
// onError and ignored; valid ones replace the held value and reach onChange.
func (h *Holder) Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		h.current.Store(updated)
		if onChange != nil {
			onChange(updated)
		}
	})
	v.WatchConfig()
}
