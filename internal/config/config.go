package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreSupabase = "supabase"
)

// Config holds all application configuration.
// Values come from defaults, then the optional YAML file named by
// CONFIG_FILE, then environment variables.
type Config struct {
	// Server
	Port        int      `yaml:"port"`
	LogLevel    string   `yaml:"log_level"`
	CORSOrigins []string `yaml:"cors_origins"`

	// HTTP client
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Resilience
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxConcurrency int           `yaml:"max_concurrency"`

	// Circuit breakers (llm, supabase)
	BreakerTimeout      time.Duration `yaml:"breaker_timeout"`
	BreakerInterval     time.Duration `yaml:"breaker_interval"`
	BreakerMinRequests  int           `yaml:"breaker_min_requests"`
	BreakerFailureRatio float64       `yaml:"breaker_failure_ratio"`

	// Cache
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`

	// Observability
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Storage
	StoreBackend   string        `yaml:"store_backend"`
	DatabaseURL    string        `yaml:"database_url"`
	SQLitePath     string        `yaml:"sqlite_path"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	// Supabase
	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseAnonKey    string `yaml:"supabase_anon_key"`
	SupabaseServiceKey string `yaml:"supabase_service_key"`

	// Extraction model (OpenAI-compatible)
	LLMBaseURL     string  `yaml:"llm_base_url"`
	LLMAPIKey      string  `yaml:"llm_api_key"`
	LLMModel       string  `yaml:"llm_model"`
	LLMTemperature float64 `yaml:"llm_temperature"`
	ChunkSize      int     `yaml:"chunk_size"`

	// Reconciliation
	AmountTolerance string `yaml:"amount_tolerance"`
	Timezone        string `yaml:"timezone"`

	// JWT / Auth
	JWTSecret    string        `yaml:"jwt_secret"`
	JWTAccessTTL time.Duration `yaml:"jwt_access_ttl"`
}

func defaults() *Config {
	return &Config{
		Port:        8080,
		LogLevel:    "info",
		CORSOrigins: []string{"*"},

		HTTPTimeout: 60 * time.Second,

		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxConcurrency: 4,

		BreakerTimeout:      10 * time.Second,
		BreakerInterval:     30 * time.Second,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.6,

		CacheTTL: 5 * time.Minute,

		StoreBackend:   StoreSQLite,
		SQLitePath:     "cheque_tally.db",
		PersistTimeout: 10 * time.Second,

		LLMBaseURL: "https://api.openai.com/v1",
		LLMModel:   "gpt-4o-mini",
		ChunkSize:  4000,

		AmountTolerance: "0.01",
		Timezone:        "UTC",

		JWTSecret:    "cheque-tally-dev-secret-change-me",
		JWTAccessTTL: 30 * 24 * time.Hour,
	}
}

// Load builds the configuration. A CONFIG_FILE that cannot be read or
// parsed is an error; so is an invalid amount tolerance or time zone.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.CORSOrigins = getEnvList("CORS_ALLOWED_ORIGINS", cfg.CORSOrigins)

	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", cfg.HTTPTimeout)

	cfg.MaxRetries = getEnvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.InitialBackoff = getEnvDuration("INITIAL_BACKOFF", cfg.InitialBackoff)
	cfg.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", cfg.MaxConcurrency)

	cfg.BreakerTimeout = getEnvDuration("BREAKER_TIMEOUT", cfg.BreakerTimeout)
	cfg.BreakerInterval = getEnvDuration("BREAKER_INTERVAL", cfg.BreakerInterval)
	cfg.BreakerMinRequests = getEnvInt("BREAKER_MIN_REQUESTS", cfg.BreakerMinRequests)
	cfg.BreakerFailureRatio = getEnvFloat("BREAKER_FAILURE_RATIO", cfg.BreakerFailureRatio)

	cfg.CacheTTL = getEnvDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)

	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", cfg.StoreBackend))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.PersistTimeout = getEnvDuration("PERSIST_TIMEOUT", cfg.PersistTimeout)

	cfg.SupabaseURL = getEnv("SUPABASE_URL", cfg.SupabaseURL)
	cfg.SupabaseAnonKey = getEnv("SUPABASE_ANON_KEY", cfg.SupabaseAnonKey)
	cfg.SupabaseServiceKey = getEnv("SUPABASE_SERVICE_ROLE_KEY", cfg.SupabaseServiceKey)

	cfg.LLMBaseURL = getEnv("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMAPIKey = getEnv("OPENAI_API_KEY", cfg.LLMAPIKey)
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.LLMTemperature = getEnvFloat("LLM_TEMPERATURE", cfg.LLMTemperature)
	cfg.ChunkSize = getEnvInt("CHUNK_SIZE", cfg.ChunkSize)

	cfg.AmountTolerance = getEnv("AMOUNT_TOLERANCE", cfg.AmountTolerance)
	cfg.Timezone = getEnv("TIMEZONE", cfg.Timezone)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTAccessTTL = getEnvDuration("JWT_ACCESS_TTL", cfg.JWTAccessTTL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Tolerance returns the parsed amount tolerance.
func (c *Config) Tolerance() decimal.Decimal {
	d, err := decimal.NewFromString(c.AmountTolerance)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Resilience returns the retry and bulkhead settings.
func (c *Config) Resilience() resilience.Config {
	return resilience.Config{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxConcurrency: c.MaxConcurrency,
	}
}

// Breaker returns the circuit breaker settings shared by the llm and
// supabase breakers.
func (c *Config) Breaker() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Interval:     c.BreakerInterval,
		Timeout:      c.BreakerTimeout,
		MinRequests:  uint32(c.BreakerMinRequests),
		FailureRatio: c.BreakerFailureRatio,
	}
}

// Location returns the time zone that decides "today" for aging.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	tol, err := decimal.NewFromString(c.AmountTolerance)
	if err != nil || !tol.IsPositive() {
		return fmt.Errorf("invalid AMOUNT_TOLERANCE %q: must be a positive decimal", c.AmountTolerance)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid MAX_RETRIES %d: must not be negative", c.MaxRetries)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("invalid INITIAL_BACKOFF %s: must be positive", c.InitialBackoff)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("invalid MAX_CONCURRENCY %d: must be at least 1", c.MaxConcurrency)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("invalid CACHE_TTL %s: must be positive", c.CacheTTL)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("invalid CHUNK_SIZE %d: must be at least 1", c.ChunkSize)
	}
	if c.BreakerTimeout <= 0 || c.BreakerInterval <= 0 || c.BreakerMinRequests < 1 {
		return fmt.Errorf("invalid circuit breaker settings: timeout, interval and min requests must be positive")
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		return fmt.Errorf("invalid BREAKER_FAILURE_RATIO %v: must be in (0, 1]", c.BreakerFailureRatio)
	}
	switch c.StoreBackend {
	case StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreSupabase:
		if c.SupabaseURL == "" {
			return fmt.Errorf("SUPABASE_URL is required for the supabase store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
