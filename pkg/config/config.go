// Package config loads bankconnect configuration from defaults, an optional
// config file, a .env file and BANKCONNECT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BANKCONNECT_AIS_BASE_URL.
const EnvPrefix = "BANKCONNECT"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	AIS      AISConfig      `mapstructure:"ais"`
	Store    StoreConfig    `mapstructure:"store"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AppURL is where the browser goes once a bank redirect is resolved.
	AppURL string `mapstructure:"app_url"`
}

// AISConfig describes the aggregator backend.
type AISConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	FintechID string        `mapstructure:"fintech_id"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// RedirectOKURL and RedirectNotOKURL are where the bank sends the browser back to.
	RedirectOKURL    string `mapstructure:"redirect_ok_url"`
	RedirectNotOKURL string `mapstructure:"redirect_nok_url"`

	Paths PathsConfig `mapstructure:"paths"`
}

// PathsConfig holds the aggregator endpoint paths, relative to BaseURL.
// {accountId} and {redirectCode} are substituted per call.
type PathsConfig struct {
	Login         string `mapstructure:"login"`
	Logout        string `mapstructure:"logout"`
	BankSearch    string `mapstructure:"bank_search"`
	BankProfile   string `mapstructure:"bank_profile"`
	Accounts      string `mapstructure:"accounts"`
	Transactions  string `mapstructure:"transactions"`
	ConsentResume string `mapstructure:"consent_resume"`
	PaymentResume string `mapstructure:"payment_resume"`
}

// StoreConfig selects the durable backend of the local cache.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// MemoryFront puts an in-process layer in front of the backend.
	MemoryFront bool          `mapstructure:"memory_front"`
	WarmTTL     time.Duration `mapstructure:"warm_ttl"`
	// Timeout bounds each operation on a remote backend.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SQLiteConfig holds sqlite settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds redis settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresConfig holds postgres settings.
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// AMQPConfig holds the consent event publisher settings. An empty URL disables it.
type AMQPConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	// QueueSize bounds events waiting for the broker.
	QueueSize int `mapstructure:"queue_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.app_url", "")

	v.SetDefault("ais.base_url", "http://localhost:8086/fintech-api-proxy/v1")
	v.SetDefault("ais.fintech_id", "bankconnect")
	v.SetDefault("ais.timeout", 30*time.Second)
	v.SetDefault("ais.redirect_ok_url", "http://localhost:8080/consent/redirect?status=OK")
	v.SetDefault("ais.redirect_nok_url", "http://localhost:8080/consent/redirect?status=NOT_OK")
	v.SetDefault("ais.paths.login", "/login")
	v.SetDefault("ais.paths.logout", "/logout")
	v.SetDefault("ais.paths.bank_search", "/search/bankSearch")
	v.SetDefault("ais.paths.bank_profile", "/search/bankProfile")
	v.SetDefault("ais.paths.accounts", "/banking/ais/accounts")
	v.SetDefault("ais.paths.transactions", "/banking/ais/accounts/{accountId}/transactions")
	v.SetDefault("ais.paths.consent_resume", "/consent/fromAspsp/{redirectCode}")
	v.SetDefault("ais.paths.payment_resume", "/payment/fromAspsp/{redirectCode}")

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.memory_front", true)
	v.SetDefault("store.warm_ttl", time.Minute)
	v.SetDefault("store.timeout", 2*time.Second)
	v.SetDefault("sqlite.path", "./data/bankconnect.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "bankconnect:")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.table", "bankconnect_kv")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "bankconnect")
	v.SetDefault("amqp.routing_key", "consent.resolved")
	v.SetDefault("amqp.queue_size", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "bankconnect")
}

// Load reads configuration. Precedence, lowest first: defaults, config file
// (BANKCONNECT_CONFIG, else ./bankconnect.{yaml,toml,json} if present),
// .env, environment.
func Load() (Config, error) {
	// .env never overrides variables already set in the environment.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("bankconnect")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var problems []string

	if c.Server.Addr == "" {
		problems = append(problems, "server address cannot be empty")
	}

	if u, err := url.Parse(c.AIS.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("invalid aggregator base URL '%s'", c.AIS.BaseURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		problems = append(problems, fmt.Sprintf("invalid aggregator URL scheme '%s': must be 'http' or 'https'", u.Scheme))
	}
	if c.AIS.FintechID == "" {
		problems = append(problems, "fintech id cannot be empty")
	}
	if c.AIS.Timeout <= 0 {
		problems = append(problems, fmt.Sprintf("invalid aggregator timeout %v: must be positive", c.AIS.Timeout))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			problems = append(problems, "sqlite path cannot be empty when using sqlite backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			problems = append(problems, "redis address cannot be empty when using redis backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			problems = append(problems, "postgres dsn cannot be empty when using postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid store backend '%s': must be one of %v",
			c.Store.Backend, []string{BackendMemory, BackendSQLite, BackendRedis, BackendPostgres}))
	}

	if c.AMQP.URL != "" {
		if u, err := url.Parse(c.AMQP.URL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQP.URL, err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQP.Exchange == "" {
			problems = append(problems, "AMQP exchange cannot be empty when AMQP URL is provided")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}
