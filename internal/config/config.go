// Package config loads configuration from environment variables (and an
// optional .env file). Every recognized key has a field and a typed getter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full process configuration. Individual binaries (cmd/engine,
// cmd/worker, cmd/capital, cmd/connector) read only the sections they need.
type Config struct {
	LogLevel string
	DevMode  bool

	Bus        BusConfig
	DB         DBConfig
	Exchanges  map[string]ExchangeConfig
	RateLimit  RateLimitConfig
	Reconcile  ReconcileConfig
	Worker     WorkerConfig
	Capital    CapitalConfig
	DryRun     bool
	HealthPort int
}

type BusConfig struct {
	URL      string
	Prefetch int
}

type DBConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
}

type ExchangeConfig struct {
	Name      string
	RESTURL   string
	WSURL     string
	Testnet   bool
	APIKeyEnv string
	APISecEnv string
}

type RateLimitConfig struct {
	TokensPerMinute map[string]int
	SafetyMargin    float64
	MaxQueueWait    time.Duration
}

type ReconcileConfig struct {
	PeriodicInterval time.Duration
	OrphanPolicy     string // "adopt" | "freeze"
}

type WorkerConfig struct {
	RestartBackoff       time.Duration
	MaxRestartsPerWindow int
	RestartWindow        time.Duration
}

type CapitalConfig struct {
	DefaultSizingModel string
	KellyMaxFraction   float64
}

// Load reads configuration from the environment and applies defaults, then
// Validate checks the result for consistency.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Bus: BusConfig{
			URL:      getEnv("BUS_URL", "localhost:9092"),
			Prefetch: getEnvAsInt("BUS_PREFETCH", 32),
		},
		DB: DBConfig{
			PrimaryURL:  getEnv("DB_PRIMARY_URL", "postgres://localhost:5432/cryptosentinel?sslmode=disable"),
			ReplicaURLs: getEnvAsList("DB_REPLICA_URLS", nil),
		},
		Exchanges: loadExchanges(),
		RateLimit: RateLimitConfig{
			TokensPerMinute: loadRateLimits(),
			SafetyMargin:    getEnvAsFloat("RATE_LIMIT_SAFETY_MARGIN", 0.2),
			MaxQueueWait:    getEnvAsDuration("RATE_LIMIT_MAX_QUEUE_WAIT", 5*time.Second),
		},
		Reconcile: ReconcileConfig{
			PeriodicInterval: getEnvAsDuration("RECONCILE_PERIODIC_INTERVAL", time.Hour),
			OrphanPolicy:     getEnv("RECONCILE_ORPHAN_POLICY", "freeze"),
		},
		Worker: WorkerConfig{
			RestartBackoff:       getEnvAsDuration("WORKER_RESTART_BACKOFF", 5*time.Second),
			MaxRestartsPerWindow: getEnvAsInt("WORKER_MAX_RESTARTS_PER_WINDOW", 5),
			RestartWindow:        getEnvAsDuration("WORKER_RESTART_WINDOW", 10*time.Minute),
		},
		Capital: CapitalConfig{
			DefaultSizingModel: getEnv("CAPITAL_MANAGER_DEFAULT_SIZING_MODEL", "FixedFractional"),
			KellyMaxFraction:   getEnvAsFloat("CAPITAL_MANAGER_KELLY_MAX_FRACTION", 0.25),
		},
		DryRun:     getEnvAsBool("DRY_RUN", false),
		HealthPort: getEnvAsInt("HEALTH_PORT", 8090),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required configuration is present.
func (c *Config) Validate() error {
	if c.DB.PrimaryURL == "" {
		return fmt.Errorf("DB_PRIMARY_URL is required")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("BUS_URL is required")
	}
	if c.Reconcile.OrphanPolicy != "adopt" && c.Reconcile.OrphanPolicy != "freeze" {
		return fmt.Errorf("RECONCILE_ORPHAN_POLICY must be 'adopt' or 'freeze', got %q", c.Reconcile.OrphanPolicy)
	}
	return nil
}

func loadExchanges() map[string]ExchangeConfig {
	names := getEnvAsList("EXCHANGES", []string{"binance"})
	out := make(map[string]ExchangeConfig, len(names))
	for _, name := range names {
		upper := strings.ToUpper(name)
		out[name] = ExchangeConfig{
			Name:      name,
			RESTURL:   getEnv("EXCHANGE_"+upper+"_REST_URL", "https://api."+name+".com"),
			WSURL:     getEnv("EXCHANGE_"+upper+"_WS_URL", "wss://stream."+name+".com"),
			Testnet:   getEnvAsBool("EXCHANGE_"+upper+"_TESTNET", false),
			APIKeyEnv: "EXCHANGE_" + upper + "_API_KEY",
			APISecEnv: "EXCHANGE_" + upper + "_API_SECRET",
		}
	}
	return out
}

func loadRateLimits() map[string]int {
	// Defaults chosen as a conservative starting point; real tuning happens per
	// deployment via RATE_LIMIT_<ENDPOINT>_TOKENS_PER_MIN.
	limits := map[string]int{
		"order":       1200,
		"market_data": 6000,
		"account":     600,
	}
	for endpoint, def := range limits {
		limits[endpoint] = getEnvAsInt("RATE_LIMIT_"+strings.ToUpper(endpoint)+"_TOKENS_PER_MIN", def)
	}
	return limits
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvAsList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
