package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port string
	Env  string

	// Database configuration
	DatabaseURL string

	// Redis configuration (heartbeat store)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AMQP configuration (domain events); empty URL disables publishing
	AMQPURL       string
	EventExchange string
	EventQueue    string

	// JWT configuration
	JWTSecret string
	JWTTTL    time.Duration

	// Saga configuration
	UseTransaction    bool
	MaxRetries        int
	HeartbeatInterval time.Duration
	StuckThreshold    time.Duration
	RecoveryScan      time.Duration
	OperationDeadline time.Duration

	// Idempotency key derivation window
	IdempotencyWindow time.Duration

	// Fee policy: basis points per operation (optionally per method via
	// "op:method" keys); DefaultFeeBps applies when no policy entry matches.
	DefaultFeeBps int64
	FeePolicy     map[string]int64

	// Exchange rates for conversion pairs, keyed "SRC:DST". When a rate
	// service URL is set it is asked first and the table is the fallback.
	ExchangeRates  map[string]decimal.Decimal
	RateServiceURL string
	RateTimeout    time.Duration

	// Well-known ledger parties
	SystemUserID string
	FeeUserID    string

	// Permission service; empty URL falls back to the static oracle
	PermissionServiceURL string
	PermissionTimeout    time.Duration

	// HTTP surface
	RateLimitRPS   int
	RateLimitBurst int
	AllowedOrigins []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	defaultFeeBps, err := percentToBps(getEnv("DEFAULT_FEE_PERCENT", "0"))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_FEE_PERCENT: %w", err)
	}

	feePolicy, err := parseFeePolicy(getEnv("FEE_POLICY", ""))
	if err != nil {
		return nil, fmt.Errorf("FEE_POLICY: %w", err)
	}

	rates, err := parseExchangeRates(getEnv("EXCHANGE_RATES", ""))
	if err != nil {
		return nil, fmt.Errorf("EXCHANGE_RATES: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		AMQPURL:       getEnv("AMQP_URL", ""),
		EventExchange: getEnv("EVENT_EXCHANGE", "tally.events"),
		EventQueue:    getEnv("EVENT_QUEUE", "tally.wallet.projection"),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTTTL:    getEnvAsDuration("JWT_TTL_MS", 15*time.Minute),

		UseTransaction:    getEnvAsBool("USE_TRANSACTION", true),
		MaxRetries:        getEnvAsInt("MAX_RETRIES", 3),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL_MS", 5*time.Second),
		StuckThreshold:    getEnvAsDuration("STUCK_THRESHOLD_MS", 30*time.Second),
		RecoveryScan:      getEnvAsDuration("RECOVERY_SCAN_MS", 15*time.Second),
		OperationDeadline: getEnvAsDuration("OPERATION_DEADLINE_MS", 30*time.Second),

		IdempotencyWindow: getEnvAsDuration("IDEMPOTENCY_WINDOW_MS", 120*time.Second),

		DefaultFeeBps:  defaultFeeBps,
		FeePolicy:      feePolicy,
		ExchangeRates:  rates,
		RateServiceURL: getEnv("RATE_SERVICE_URL", ""),
		RateTimeout:    getEnvAsDuration("RATE_TIMEOUT_MS", 3*time.Second),

		SystemUserID: getEnv("SYSTEM_USER_ID", "system"),
		FeeUserID:    getEnv("FEE_USER_ID", "fee_collector"),

		PermissionServiceURL: getEnv("PERMISSION_SERVICE_URL", ""),
		PermissionTimeout:    getEnvAsDuration("PERMISSION_TIMEOUT_MS", 3*time.Second),

		RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 100),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
	}

	// Validate required configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0")
	}

	if c.HeartbeatInterval <= 0 || c.StuckThreshold <= 0 {
		return fmt.Errorf("heartbeat interval and stuck threshold must be positive")
	}

	// A stuck threshold close to the heartbeat interval would flag healthy
	// sagas as dead on a single missed beat.
	if c.StuckThreshold < 3*c.HeartbeatInterval {
		return fmt.Errorf("STUCK_THRESHOLD_MS must be at least 3x HEARTBEAT_INTERVAL_MS")
	}

	if c.RecoveryScan > c.StuckThreshold/2 {
		return fmt.Errorf("RECOVERY_SCAN_MS must not exceed half of STUCK_THRESHOLD_MS")
	}

	if c.IdempotencyWindow < 60*time.Second || c.IdempotencyWindow > 300*time.Second {
		return fmt.Errorf("IDEMPOTENCY_WINDOW_MS must be between 60000 and 300000")
	}

	if c.DefaultFeeBps < 0 || c.DefaultFeeBps > 10000 {
		return fmt.Errorf("DEFAULT_FEE_PERCENT must be between 0 and 100")
	}
	for key, bps := range c.FeePolicy {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("FEE_POLICY entry %q must be between 0 and 100 percent", key)
		}
	}

	return nil
}

// SagaStateTTL is the heartbeat-store TTL for non-terminal saga state.
func (c *Config) SagaStateTTL() time.Duration {
	byHeartbeat := 12 * c.HeartbeatInterval
	byThreshold := 2 * c.StuckThreshold
	if byHeartbeat > byThreshold {
		return byHeartbeat
	}
	return byThreshold
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable holding milliseconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// percentToBps converts a decimal percent string ("2.9") to basis points.
// Anything finer than a hundredth of a percent is rejected rather than
// silently rounded.
func percentToBps(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid percent %q: %w", s, err)
	}
	bps := d.Mul(decimal.NewFromInt(100))
	if !bps.IsInteger() {
		return 0, fmt.Errorf("percent %q is finer than basis points", s)
	}
	return bps.IntPart(), nil
}

// parseFeePolicy parses "deposit=2.9,withdrawal:bank=1.5" into bps per key.
func parseFeePolicy(s string) (map[string]int64, error) {
	policy := make(map[string]int64)
	if strings.TrimSpace(s) == "" {
		return policy, nil
	}
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		bps, err := percentToBps(parts[1])
		if err != nil {
			return nil, err
		}
		policy[parts[0]] = bps
	}
	return policy, nil
}

// parseExchangeRates parses "EUR:USD=1.0850,USD:EUR=0.9217" into rate pairs.
func parseExchangeRates(s string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	if strings.TrimSpace(s) == "" {
		return rates, nil
	}
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || !strings.Contains(parts[0], ":") {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		rate, err := decimal.NewFromString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q: %w", pair, err)
		}
		if rate.Sign() <= 0 {
			return nil, fmt.Errorf("rate %q must be positive", pair)
		}
		rates[strings.ToUpper(parts[0])] = rate
	}
	return rates, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
