// Package config loads the server settings from an optional YAML file, a
// .env file and the process environment, in that order of precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackendRelational = "relational"
	BackendProvider   = "provider"

	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port          string   `yaml:"port"`
	SessionSecret string   `yaml:"session_secret"`
	Domain        string   `yaml:"domain"`
	Dev           bool     `yaml:"dev"`
	LogLevel      string   `yaml:"log_level"`
	TraceEndpoint string   `yaml:"trace_endpoint"`
	Backoffice    []string `yaml:"backoffice_emails"`

	Database DatabaseConfig `yaml:"database"`
	Backend  BackendConfig  `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Cache    CacheConfig    `yaml:"cache"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	SqlitePath  string `yaml:"sqlite_db"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// AnalyticsPath keeps analytics events in their own sqlite file. Empty
	// means the main database.
	AnalyticsPath string `yaml:"analytics_db"`
}

type BackendConfig struct {
	Kind      string `yaml:"kind"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	ProjectID string `yaml:"project_id"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

func Default() *Config {
	return &Config{
		Port:     "8080",
		Domain:   "http://localhost:8080",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver:     DriverSqlite,
			SqlitePath: "formflip.db",
		},
		Backend: BackendConfig{Kind: BackendRelational},
		SMTP:    SMTPConfig{Port: 587},
		Cache:   CacheConfig{TTL: 5 * time.Minute},
	}
}

// Load reads path (if not empty) over the defaults, loads .env into the
// environment and applies the environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config")
		}
	}

	// a missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("SESSION_SECRET", &c.SessionSecret)
	str("DOMAIN", &c.Domain)
	str("LOG_LEVEL", &c.LogLevel)
	str("TRACE_ENDPOINT", &c.TraceEndpoint)
	str("DB_DRIVER", &c.Database.Driver)
	str("SQLITE_DB", &c.Database.SqlitePath)
	str("POSTGRES_DSN", &c.Database.PostgresDSN)
	str("ANALYTICS_DB", &c.Database.AnalyticsPath)
	str("BACKEND", &c.Backend.Kind)
	str("PROVIDER_URL", &c.Backend.URL)
	str("PROVIDER_API_KEY", &c.Backend.APIKey)
	str("PROVIDER_PROJECT_ID", &c.Backend.ProjectID)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("SMTP_HOST", &c.SMTP.Host)
	str("SMTP_USER", &c.SMTP.User)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	str("SMTP_FROM", &c.SMTP.From)

	if v := os.Getenv("BACKOFFICE_EMAILS"); v != "" {
		c.Backoffice = strings.Split(v, ",")
	}

	if v := os.Getenv("DEV"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "invalid DEV")
		}
		c.Dev = dev
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid REDIS_DB")
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid SMTP_PORT")
		}
		c.SMTP.Port = port
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "invalid CACHE_TTL")
		}
		c.Cache.TTL = ttl
	}
	return nil
}

// Validate checks the settings a server cannot start without.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSqlite:
		if c.Database.SqlitePath == "" {
			return errors.New("SQLITE_DB is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Backend.Kind {
	case BackendRelational:
	case BackendProvider:
		if c.Backend.URL == "" || c.Backend.APIKey == "" {
			return errors.New("PROVIDER_URL and PROVIDER_API_KEY are required for the provider backend")
		}
	default:
		return errors.Errorf("unknown backend %q", c.Backend.Kind)
	}
	return nil
}
