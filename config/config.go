// Package config loads the server configuration.
//
// Values are layered in this order, later sources winning:
//  1. Defaults
//  2. TOML file (-config, TASKFLOW_CONFIG or ./taskflow.toml)
//  3. Environment variables (a .env file is loaded into the environment first)
//  4. CLI flags
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultPort        = 8080
	DefaultConfigFile  = "taskflow.toml"
	DefaultSQLiteDSN   = "./database/taskflow.db"
	DefaultCacheTTL    = 10 * time.Minute
	DefaultTokenTTL    = 24 * time.Hour
	DefaultRateLimit   = 10
	DefaultRateWindow  = time.Minute
	DefaultPostgresDB  = "taskflow"
	DefaultPostgresPrt = 5432
	DefaultRedisPort   = 6379
	devSecret          = "dev-secret-do-not-use-in-production"
)

// DbConfig represents the configuration settings for the database.
type DbConfig struct {
	Driver   string `toml:"driver"`
	DSN      string `toml:"dsn"`
	Host     string `toml:"host"`
	Name     string `toml:"name"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Port     int    `toml:"port"`
	SSLMode  string `toml:"sslmode"`
}

// CacheConfig selects the task list cache. An empty RedisAddr means the
// in-memory cache.
type CacheConfig struct {
	RedisAddr     string        `toml:"redis_addr"`
	RedisPassword string        `toml:"redis_password"`
	RedisDB       int           `toml:"redis_db"`
	TTL           time.Duration `toml:"ttl"`
}

// AuthConfig holds the token and password hashing secrets.
type AuthConfig struct {
	Secret   string        `toml:"secret"`
	TokenTTL time.Duration `toml:"token_ttl"`
	Pepper   string        `toml:"pepper"`
}

// RateConfig is the fixed-window request quota per client.
type RateConfig struct {
	Limit  int           `toml:"limit"`
	Window time.Duration `toml:"window"`
}

// CORSConfig lists the allowed origins.
type CORSConfig struct {
	Origins []string `toml:"origins"`
}

// RealtimeConfig controls websocket delivery.
type RealtimeConfig struct {
	Scope string `toml:"scope"`
}

// LogConfig controls the application logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config represents the configuration settings of the application.
type Config struct {
	Port     int            `toml:"port"`
	Dev      bool           `toml:"dev"`
	Database DbConfig       `toml:"database"`
	Cache    CacheConfig    `toml:"cache"`
	Auth     AuthConfig     `toml:"auth"`
	Rate     RateConfig     `toml:"rate"`
	CORS     CORSConfig     `toml:"cors"`
	Realtime RealtimeConfig `toml:"realtime"`
	Log      LogConfig      `toml:"log"`

	// File is the config file that was read, if any.
	File string `toml:"-"`
}

// LoadDotenv loads the first .env file found in the working directory or its
// parents. Variables already set in the environment are kept.
func LoadDotenv() string {
	for _, p := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// Load builds the configuration from every source. fs receives the flag
// definitions; args are the command line arguments without the program name.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	return load(fs, args, true)
}

// LoadForAdmin is Load for maintenance tools that never sign tokens, so the
// auth secret may be missing.
func LoadForAdmin(fs *flag.FlagSet, args []string) (*Config, error) {
	return load(fs, args, false)
}

func load(fs *flag.FlagSet, args []string, needSecret bool) (*Config, error) {
	var (
		configFile string
		port       int
		dev        bool
		logLevel   string
		dsn        string
	)
	fs.StringVar(&configFile, "config", "", "path to a TOML config file")
	fs.IntVar(&port, "port", DefaultPort, "the port to start the web server on")
	fs.BoolVar(&dev, "dev", false, "development mode: relaxed secrets, debug friendly defaults")
	fs.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&dsn, "dsn", "", "database DSN, overrides the configured one")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	c := &Config{}
	setDefaults(c)

	if configFile == "" {
		configFile = os.Getenv("TASKFLOW_CONFIG")
	}
	if configFile == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			configFile = DefaultConfigFile
		}
	}
	if configFile != "" {
		if _, err := toml.DecodeFile(configFile, c); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configFile, err)
		}
		c.File = configFile
	}

	if err := loadFromEnv(c); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			c.Port = port
		case "dev":
			c.Dev = dev
		case "log-level":
			c.Log.Level = logLevel
		case "dsn":
			c.Database.DSN = dsn
		}
	})

	if err := c.finalize(needSecret); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(c *Config) {
	c.Port = DefaultPort
	c.Database.Driver = "sqlite3"
	c.Database.Port = DefaultPostgresPrt
	c.Database.Name = DefaultPostgresDB
	c.Database.SSLMode = "disable"
	c.Cache.TTL = DefaultCacheTTL
	c.Auth.TokenTTL = DefaultTokenTTL
	c.Rate.Limit = DefaultRateLimit
	c.Rate.Window = DefaultRateWindow
	c.CORS.Origins = []string{"*"}
	c.Realtime.Scope = "owner"
	c.Log.Level = "info"
	c.Log.Format = "text"
}

func loadFromEnv(c *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &c.Port)
	boolean("TASKFLOW_DEV", &c.Dev)

	str("DB_DRIVER", &c.Database.Driver)
	str("DATABASE_URL", &c.Database.DSN)
	str("DATABASE_HOST", &c.Database.Host)
	num("DATABASE_PORT", &c.Database.Port)
	str("DATABASE_USER", &c.Database.User)
	str("DATABASE_PASSWORD", &c.Database.Password)
	str("DATABASE_NAME", &c.Database.Name)
	str("DATABASE_SSLMODE", &c.Database.SSLMode)

	if host := strings.TrimSpace(os.Getenv("REDIS_HOST")); host != "" {
		port := strconv.Itoa(DefaultRedisPort)
		str("REDIS_PORT", &port)
		c.Cache.RedisAddr = net.JoinHostPort(host, port)
	}
	str("REDIS_PASSWORD", &c.Cache.RedisPassword)
	dur("CACHE_TTL", &c.Cache.TTL)

	str("JWT_SECRET", &c.Auth.Secret)
	dur("TOKEN_TTL", &c.Auth.TokenTTL)
	str("PEPPER", &c.Auth.Pepper)

	num("RATE_LIMIT", &c.Rate.Limit)
	dur("RATE_WINDOW", &c.Rate.Window)

	if v := os.Getenv("CORS_ORIGIN"); strings.TrimSpace(v) != "" {
		c.CORS.Origins = splitOrigins(v)
	}
	str("REALTIME_SCOPE", &c.Realtime.Scope)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// finalize derives computed values and validates the result.
func (c *Config) finalize(needSecret bool) error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	switch c.Database.Driver {
	case "postgres", "postgresql", "pgx":
		c.Database.Driver = "pgx"
	case "sqlite", "sqlite3":
		c.Database.Driver = "sqlite3"
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	// Setting a host means postgres even when the driver was left alone.
	if c.Database.Host != "" && c.Database.DSN == "" {
		c.Database.Driver = "pgx"
		c.Database.DSN = c.Database.PostgresDSN()
	}
	if c.Database.DSN == "" {
		if c.Database.Driver == "pgx" {
			return errors.New("postgres requires database.dsn, DATABASE_URL or DATABASE_HOST")
		}
		c.Database.DSN = DefaultSQLiteDSN
	}

	if c.Auth.Secret == "" && needSecret {
		if !c.Dev {
			return errors.New("auth secret is required (JWT_SECRET); use -dev for a throwaway one")
		}
		c.Auth.Secret = devSecret
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth token_ttl must be positive")
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if c.Rate.Limit <= 0 || c.Rate.Window <= 0 {
		return errors.New("rate limit and window must be positive")
	}

	switch strings.ToLower(c.Realtime.Scope) {
	case "owner", "global":
		c.Realtime.Scope = strings.ToLower(c.Realtime.Scope)
	default:
		return fmt.Errorf("unknown realtime scope %q", c.Realtime.Scope)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// PostgresDSN builds a connection URL from the discrete settings. Hosts
// starting with / are unix socket directories.
func (d DbConfig) PostgresDSN() string {
	u := url.URL{Scheme: "postgres", Path: "/" + d.Name}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	q := url.Values{}
	if strings.HasPrefix(d.Host, "/") {
		q.Set("host", d.Host)
	} else {
		u.Host = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func splitOrigins(v string) []string {
	var origins []string
	for _, p := range strings.Split(v, ",") {
		if o := strings.TrimRight(strings.TrimSpace(p), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// parseDuration accepts Go durations or a bare number of seconds, which is
// how the cache TTL has traditionally been written.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
