package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Source modes
const (
	SourceModeHTML = "html"
	SourceModeAPI  = "api"
)

// Store drivers accepted in STORE_CREDS
const (
	StoreDriverMongo    = "mongodb"
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverMemory   = "memory"
)

// ErrStoreCredsMissing is returned when STORE_CREDS is not set
var ErrStoreCredsMissing = errors.New("STORE_CREDS environment variable not set")

// StoreCredentials is the connection blob supplied through STORE_CREDS
type StoreCredentials struct {
	Driver   string `json:"driver" yaml:"driver"`
	URI      string `json:"uri" yaml:"uri"`
	Database string `json:"database" yaml:"database"`
}

type Config struct {
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`

	Source struct {
		Mode     string        `yaml:"mode"`
		URL      string        `yaml:"url"`
		APIURL   string        `yaml:"api_url"`
		Timezone string        `yaml:"timezone"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"source"`

	Schedule struct {
		IdleInterval  time.Duration `yaml:"idle_interval"`
		RetryInterval time.Duration `yaml:"retry_interval"`
		CycleInterval time.Duration `yaml:"cycle_interval"`
	} `yaml:"schedule"`

	RateLimit struct {
		MaxRequests int           `yaml:"max_requests"`
		Window      time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`

	// StoreCredsRaw is the unparsed STORE_CREDS blob
	StoreCredsRaw string `yaml:"-"`

	location *time.Location
}

// LoadConfig reads the optional YAML file, the .env file and then environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{}

	path := getEnv("CONFIG_PATH", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Port = getEnv("PORT", withDefault(cfg.Port, "8080"))
	cfg.Environment = getEnv("ENVIRONMENT", withDefault(cfg.Environment, "development"))

	cfg.Source.Mode = strings.ToLower(getEnv("SOURCE_MODE", withDefault(cfg.Source.Mode, SourceModeHTML)))
	cfg.Source.URL = getEnv("SOURCE_URL", withDefault(cfg.Source.URL, "https://www.cse.lk/pages/trade-summary/trade-summary.component.html"))
	cfg.Source.APIURL = getEnv("SOURCE_API_URL", withDefault(cfg.Source.APIURL, "https://www.cse.lk/api/tradeSummary"))
	cfg.Source.Timezone = getEnv("SOURCE_TIMEZONE", withDefault(cfg.Source.Timezone, "Asia/Colombo"))
	cfg.Source.Timeout = getEnvDuration("FETCH_TIMEOUT", withDefaultDuration(cfg.Source.Timeout, 60*time.Second))

	cfg.Schedule.IdleInterval = getEnvDuration("IDLE_INTERVAL", withDefaultDuration(cfg.Schedule.IdleInterval, 24*time.Hour))
	cfg.Schedule.RetryInterval = getEnvDuration("RETRY_INTERVAL", withDefaultDuration(cfg.Schedule.RetryInterval, 5*time.Minute))
	cfg.Schedule.CycleInterval = getEnvDuration("CYCLE_INTERVAL", withDefaultDuration(cfg.Schedule.CycleInterval, 5*time.Minute))

	cfg.RateLimit.MaxRequests = getEnvInt("FETCH_RATE_LIMIT", withDefaultInt(cfg.RateLimit.MaxRequests, 10))
	cfg.RateLimit.Window = getEnvDuration("FETCH_RATE_WINDOW", withDefaultDuration(cfg.RateLimit.Window, time.Minute))

	cfg.StoreCredsRaw = os.Getenv("STORE_CREDS")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would make the service misbehave
func (c *Config) Validate() error {
	if c.Source.Mode != SourceModeHTML && c.Source.Mode != SourceModeAPI {
		return fmt.Errorf("source mode must be %q or %q, got %q", SourceModeHTML, SourceModeAPI, c.Source.Mode)
	}
	loc, err := time.LoadLocation(c.Source.Timezone)
	if err != nil {
		return fmt.Errorf("load source timezone %q: %w", c.Source.Timezone, err)
	}
	c.location = loc
	if c.Schedule.IdleInterval <= 0 || c.Schedule.RetryInterval <= 0 || c.Schedule.CycleInterval <= 0 {
		return fmt.Errorf("schedule intervals must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

// Location returns the source timezone, falling back to UTC before validation
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// StoreCredentials parses the STORE_CREDS blob
func (c *Config) StoreCredentials() (StoreCredentials, error) {
	return ParseStoreCredentials(c.StoreCredsRaw)
}

// ParseStoreCredentials decodes a STORE_CREDS JSON blob
func ParseStoreCredentials(raw string) (StoreCredentials, error) {
	var creds StoreCredentials
	if strings.TrimSpace(raw) == "" {
		return creds, ErrStoreCredsMissing
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return creds, fmt.Errorf("parse STORE_CREDS: %w", err)
	}
	creds.Driver = strings.ToLower(creds.Driver)
	if creds.Driver == "" {
		creds.Driver = StoreDriverMongo
	}
	switch creds.Driver {
	case StoreDriverMongo, StoreDriverPostgres, StoreDriverSQLite:
		if creds.URI == "" {
			return creds, fmt.Errorf("STORE_CREDS: uri is required for driver %s", creds.Driver)
		}
	case StoreDriverMemory:
	default:
		return creds, fmt.Errorf("STORE_CREDS: unknown driver %q", creds.Driver)
	}
	return creds, nil
}

// OpenPostgres opens a gorm connection for the postgres snapshot store
func OpenPostgres(dsn, environment string) (*gorm.DB, error) {
	log.Printf("Connecting to postgres: %s", maskDSN(dsn))

	var logLevel logger.LogLevel
	if environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Printf("Database connection verified successfully")
	return db, nil
}

// maskDSN hides everything but the scheme and host prefix of a connection string
func maskDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + maskHost(dsn[i:])
		}
		return "***" + maskHost(dsn[i:])
	}
	return maskHost(dsn)
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %v", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func withDefaultDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func withDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
