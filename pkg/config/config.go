// Package config loads xlink settings from a YAML file, a .env file and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is built once at startup and passed to each component.
type Config struct {
	Twitter  TwitterConfig  `yaml:"twitter"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Batch    BatchConfig    `yaml:"batch"`
	Cache    CacheConfig    `yaml:"cache"`
}

// TwitterConfig holds external network credentials and client limits.
type TwitterConfig struct {
	ConsumerKey    string        `yaml:"consumer_key"`
	ConsumerSecret string        `yaml:"consumer_secret"`
	AccessToken    string        `yaml:"access_token"`
	AccessSecret   string        `yaml:"access_secret"`
	CallbackURL    string        `yaml:"callback_url"`
	Timeout        time.Duration `yaml:"timeout"`
	Pace           time.Duration `yaml:"pace"` // minimum interval between requests to one host
	SearchCount    int           `yaml:"search_count"`
	BrowserCookies bool          `yaml:"browser_cookies"`
}

// DatabaseConfig selects the storage backend. The DSN scheme picks the driver:
// mysql://, postgres:// or sqlite://. Empty means in-memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig moves sign-in sessions to Redis when URL is set.
type RedisConfig struct {
	URL        string        `yaml:"url"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	JWTSecret   string   `yaml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BatchConfig bounds reconciliation batches.
type BatchConfig struct {
	Size     int           `yaml:"size"`
	Cooldown time.Duration `yaml:"cooldown"`
	Pace     time.Duration `yaml:"pace"`
	SweepCap int           `yaml:"sweep_cap"`
}

// CacheConfig configures the HTTP response cache.
type CacheConfig struct {
	Dir      string        `yaml:"dir"`
	TTL      time.Duration `yaml:"ttl"`
	Disabled bool          `yaml:"disabled"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Twitter: TwitterConfig{
			Timeout:     5 * time.Second,
			Pace:        time.Second,
			SearchCount: 20,
		},
		Redis:  RedisConfig{SessionTTL: 30 * 24 * time.Hour},
		Server: ServerConfig{Addr: ":8080"},
		Batch: BatchConfig{
			Size:     20,
			Cooldown: 30 * 24 * time.Hour,
			Pace:     time.Second,
			SweepCap: 500,
		},
		Cache: CacheConfig{TTL: 24 * time.Hour},
	}
}

// Load reads path (optional), then .env in the working directory (optional),
// then XLINK_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	set := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	set(getEnv("XLINK_TWITTER_CONSUMER_KEY", &c.Twitter.ConsumerKey))
	set(getEnv("XLINK_TWITTER_CONSUMER_SECRET", &c.Twitter.ConsumerSecret))
	set(getEnv("XLINK_TWITTER_ACCESS_TOKEN", &c.Twitter.AccessToken))
	set(getEnv("XLINK_TWITTER_ACCESS_SECRET", &c.Twitter.AccessSecret))
	set(getEnv("XLINK_TWITTER_CALLBACK_URL", &c.Twitter.CallbackURL))
	set(getEnv("XLINK_TWITTER_TIMEOUT", &c.Twitter.Timeout))
	set(getEnv("XLINK_TWITTER_PACE", &c.Twitter.Pace))
	set(getEnv("XLINK_TWITTER_SEARCH_COUNT", &c.Twitter.SearchCount))
	set(getEnv("XLINK_TWITTER_BROWSER_COOKIES", &c.Twitter.BrowserCookies))
	set(getEnv("XLINK_DATABASE_DSN", &c.Database.DSN))
	set(getEnv("XLINK_REDIS_URL", &c.Redis.URL))
	set(getEnv("XLINK_REDIS_SESSION_TTL", &c.Redis.SessionTTL))
	set(getEnv("XLINK_SERVER_ADDR", &c.Server.Addr))
	set(getEnv("XLINK_SERVER_JWT_SECRET", &c.Server.JWTSecret))
	set(getEnv("XLINK_SERVER_CORS_ORIGINS", &c.Server.CORSOrigins))
	set(getEnv("XLINK_BATCH_SIZE", &c.Batch.Size))
	set(getEnv("XLINK_BATCH_COOLDOWN", &c.Batch.Cooldown))
	set(getEnv("XLINK_BATCH_PACE", &c.Batch.Pace))
	set(getEnv("XLINK_BATCH_SWEEP_CAP", &c.Batch.SweepCap))
	set(getEnv("XLINK_CACHE_DIR", &c.Cache.Dir))
	set(getEnv("XLINK_CACHE_TTL", &c.Cache.TTL))
	set(getEnv("XLINK_CACHE_DISABLED", &c.Cache.Disabled))
	return errors.Join(errs...)
}

// getEnv overwrites *dst with the environment variable key when it is set.
func getEnv[T string | int | bool | time.Duration | []string](key string, dst *T) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	switch p := any(dst).(type) {
	case *string:
		*p = raw
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*p = b
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*p = d
	case *[]string:
		*p = splitList(raw)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	var errs []error
	if dsn := c.Database.DSN; dsn != "" {
		scheme, _, ok := strings.Cut(dsn, "://")
		switch {
		case !ok:
			errs = append(errs, errors.New("database.dsn needs a scheme (mysql://, postgres://, sqlite://)"))
		case scheme != "mysql" && scheme != "postgres" && scheme != "postgresql" && scheme != "sqlite":
			errs = append(errs, fmt.Errorf("database.dsn: unsupported scheme %q", scheme))
		}
	}
	if (c.Twitter.ConsumerKey == "") != (c.Twitter.ConsumerSecret == "") {
		errs = append(errs, errors.New("twitter.consumer_key and twitter.consumer_secret must be set together"))
	}
	if (c.Twitter.AccessToken == "") != (c.Twitter.AccessSecret == "") {
		errs = append(errs, errors.New("twitter.access_token and twitter.access_secret must be set together"))
	}
	if c.Twitter.Timeout <= 0 {
		errs = append(errs, errors.New("twitter.timeout must be positive"))
	}
	if c.Twitter.SearchCount <= 0 || c.Twitter.SearchCount > 20 {
		errs = append(errs, errors.New("twitter.search_count must be between 1 and 20"))
	}
	if c.Batch.Size <= 0 {
		errs = append(errs, errors.New("batch.size must be positive"))
	}
	if c.Batch.Cooldown <= 0 {
		errs = append(errs, errors.New("batch.cooldown must be positive"))
	}
	if c.Batch.SweepCap <= 0 {
		errs = append(errs, errors.New("batch.sweep_cap must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateServer adds the checks the HTTP surface needs.
func (c *Config) ValidateServer() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Twitter.ConsumerKey == "" {
		errs = append(errs, errors.New("twitter.consumer_key is required for sign-in"))
	}
	if c.Twitter.CallbackURL == "" {
		errs = append(errs, errors.New("twitter.callback_url is required for sign-in"))
	}
	if len(c.Server.JWTSecret) < 32 {
		errs = append(errs, errors.New("server.jwt_secret must be at least 32 bytes"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required to serve"))
	}
	return errors.Join(errs...)
}

// LogValue implements slog.LogValuer, leaving secrets out.
func (c *Config) LogValue() slog.Value {
	backend := "memory"
	if scheme, _, ok := strings.Cut(c.Database.DSN, "://"); ok {
		backend = scheme
	}
	return slog.GroupValue(
		slog.String("database", backend),
		slog.Bool("redis", c.Redis.URL != ""),
		slog.Bool("app_credentials", c.Twitter.AccessToken != ""),
		slog.Bool("consumer_credentials", c.Twitter.ConsumerKey != ""),
		slog.Bool("browser_cookies", c.Twitter.BrowserCookies),
		slog.String("addr", c.Server.Addr),
		slog.Int("batch_size", c.Batch.Size),
		slog.Duration("cooldown", c.Batch.Cooldown),
		slog.Bool("cache", !c.Cache.Disabled),
	)
}
