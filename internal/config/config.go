package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

var ErrMissingDatabase = errors.New("missing database connection settings (DATABASE_URL or DB_USER/DB_NAME)")

type Config struct {
	DatabaseURL string   `koanf:"database_url"`
	DB          DBConfig `koanf:"db"`

	Slack  SlackConfig  `koanf:"slack"`
	Worker WorkerConfig `koanf:"worker"`
	Pool   PoolConfig   `koanf:"pool"`
	Log    LogConfig    `koanf:"log"`

	HTTPAddr string `koanf:"http_addr"`
	WorkerID string `koanf:"worker_id"`
}

type DBConfig struct {
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	Name     string `koanf:"name"`
	Schema   string `koanf:"schema"`
	SSLMode  string `koanf:"sslmode"`
}

type SlackConfig struct {
	BotToken string `koanf:"bot_token"`
	APIBase  string `koanf:"api_base"`
	Timeout  int    `koanf:"timeout_secs"`
}

type WorkerConfig struct {
	Batch             int     `koanf:"batch"`
	VisibilityTimeout int     `koanf:"visibility_timeout_secs"`
	MaxRetries        int     `koanf:"max_retries"`
	BackoffBase       int     `koanf:"backoff_base_secs"`
	BackoffMax        int     `koanf:"backoff_max_secs"`
	PollInterval      float64 `koanf:"poll_interval_secs"`
	PollIntervalMin   float64 `koanf:"poll_interval_min_secs"`
	PollIntervalMax   float64 `koanf:"poll_interval_max_secs"`
	Concurrency       int     `koanf:"concurrency"`
	AutoMigrate       bool    `koanf:"auto_migrate"`
}

type PoolConfig struct {
	MinSize             int `koanf:"min_size"`
	MaxSize             int `koanf:"max_size"`
	MaxInactiveLifetime int `koanf:"max_inactive_lifetime"`
}

type LogConfig struct {
	JSON  bool   `koanf:"json"`
	Level string `koanf:"level"`
}

// envKeys maps recognized environment variables onto koanf paths.
// Anything not listed here is ignored.
var envKeys = map[string]string{
	"DATABASE_URL": "database_url",
	"DB_USER":      "db.user",
	"DB_PASSWORD":  "db.password",
	"DB_HOST":      "db.host",
	"DB_PORT":      "db.port",
	"DB_NAME":      "db.name",
	"DB_SCHEMA":    "db.schema",
	"DB_SSLMODE":   "db.sslmode",

	"SLACK_BOT_TOKEN":    "slack.bot_token",
	"SLACK_API_BASE":     "slack.api_base",
	"SLACK_TIMEOUT_SECS": "slack.timeout_secs",

	"REMINDER_WORKER_BATCH":            "worker.batch",
	"REMINDER_VISIBILITY_TIMEOUT_SECS": "worker.visibility_timeout_secs",
	"REMINDER_MAX_RETRIES":             "worker.max_retries",
	"REMINDER_BACKOFF_BASE_SECS":       "worker.backoff_base_secs",
	"REMINDER_BACKOFF_MAX_SECS":        "worker.backoff_max_secs",
	"REMINDER_POLL_INTERVAL_SECS":      "worker.poll_interval_secs",
	"REMINDER_POLL_INTERVAL_MIN_SECS":  "worker.poll_interval_min_secs",
	"REMINDER_POLL_INTERVAL_MAX_SECS":  "worker.poll_interval_max_secs",
	"REMINDER_CONCURRENCY":             "worker.concurrency",
	"REMINDER_AUTO_MIGRATE":            "worker.auto_migrate",

	"REMINDER_POOL_MIN_SIZE":              "pool.min_size",
	"REMINDER_POOL_MAX_SIZE":              "pool.max_size",
	"REMINDER_POOL_MAX_INACTIVE_LIFETIME": "pool.max_inactive_lifetime",

	"REMINDER_HTTP_ADDR": "http_addr",
	"WORKER_ID":          "worker_id",
	"LOG_JSON":           "log.json",
	"LOG_LEVEL":          "log.level",
}

func defaults() map[string]any {
	return map[string]any{
		"db.host":    "localhost",
		"db.port":    "5432",
		"db.schema":  "todo_app",
		"db.sslmode": "disable",

		"slack.api_base":     "https://slack.com/api",
		"slack.timeout_secs": 10,

		"worker.batch":                   10,
		"worker.visibility_timeout_secs": 300,
		"worker.max_retries":             5,
		"worker.backoff_base_secs":       60,
		"worker.backoff_max_secs":        3600,
		"worker.poll_interval_secs":      5.0,
		"worker.poll_interval_min_secs":  5.0,
		"worker.poll_interval_max_secs":  43200.0, // 12h
		"worker.concurrency":             1,
		"worker.auto_migrate":            false,

		"pool.min_size":              1,
		"pool.max_size":              3,
		"pool.max_inactive_lifetime": 60,

		"http_addr": ":9090",
		"log.json":  true,
		"log.level": "info",
	}
}

// Load reads an optional .env file, then layers environment variables over
// the built-in defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	// blank variables fall back to the defaults
	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		if strings.TrimSpace(value) == "" {
			return "", nil
		}
		return envKeys[key], value
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.Slack.BotToken = strings.TrimSpace(cfg.Slack.BotToken)
	cfg.Slack.APIBase = strings.TrimRight(strings.TrimSpace(cfg.Slack.APIBase), "/")

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" && (c.DB.User == "" || c.DB.Name == "") {
		return ErrMissingDatabase
	}

	positive := map[string]int{
		"REMINDER_WORKER_BATCH":            c.Worker.Batch,
		"REMINDER_VISIBILITY_TIMEOUT_SECS": c.Worker.VisibilityTimeout,
		"REMINDER_MAX_RETRIES":             c.Worker.MaxRetries,
		"REMINDER_BACKOFF_BASE_SECS":       c.Worker.BackoffBase,
		"REMINDER_BACKOFF_MAX_SECS":        c.Worker.BackoffMax,
		"REMINDER_CONCURRENCY":             c.Worker.Concurrency,
		"REMINDER_POOL_MAX_SIZE":           c.Pool.MaxSize,
		"SLACK_TIMEOUT_SECS":               c.Slack.Timeout,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("REMINDER_POOL_MIN_SIZE must be between 0 and REMINDER_POOL_MAX_SIZE, got %d", c.Pool.MinSize)
	}
	if c.Worker.PollIntervalMin <= 0 || c.Worker.PollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Worker.PollIntervalMin > c.Worker.PollIntervalMax {
		return fmt.Errorf("REMINDER_POLL_INTERVAL_MIN_SECS (%v) exceeds REMINDER_POLL_INTERVAL_MAX_SECS (%v)",
			c.Worker.PollIntervalMin, c.Worker.PollIntervalMax)
	}
	return nil
}

// DSN returns the Postgres connection URL with sslmode and the schema search
// path filled in when the URL leaves them out.
func (c Config) DSN() string {
	raw := c.DatabaseURL
	if raw == "" {
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.DB.User, c.DB.Password),
			Host:   net.JoinHostPort(c.DB.Host, c.DB.Port),
			Path:   "/" + c.DB.Name,
		}
		q := url.Values{}
		q.Set("sslmode", c.DB.SSLMode)
		u.RawQuery = q.Encode()
		raw = u.String()
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		// key=value DSNs are passed through untouched
		return raw
	}
	q := u.Query()
	// lib/pq treats a missing sslmode as "require" while pgx falls back to
	// plaintext; pin it so the listener and the pool agree
	if q.Get("sslmode") == "" && c.DB.SSLMode != "" {
		q.Set("sslmode", c.DB.SSLMode)
	}
	if q.Get("search_path") == "" && c.DB.Schema != "" {
		q.Set("search_path", c.DB.Schema+",public")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (w WorkerConfig) Lease() time.Duration {
	return time.Duration(w.VisibilityTimeout) * time.Second
}

func (w WorkerConfig) BackoffBaseDuration() time.Duration {
	return time.Duration(w.BackoffBase) * time.Second
}

func (w WorkerConfig) BackoffMaxDuration() time.Duration {
	return time.Duration(w.BackoffMax) * time.Second
}

func (w WorkerConfig) PollIntervals() (initial, lo, hi time.Duration) {
	return secs(w.PollInterval), secs(w.PollIntervalMin), secs(w.PollIntervalMax)
}

func (p PoolConfig) IdleLifetime() time.Duration {
	return time.Duration(p.MaxInactiveLifetime) * time.Second
}

func (s SlackConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
