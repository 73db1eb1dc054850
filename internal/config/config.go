package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sudo-init-do/settlement/internal/fees"
)

// Config is read once at start and never mutated.
type Config struct {
	Port   string
	AppEnv string

	DatabaseURL string
	RedisAddr   string

	KafkaBrokers []string
	KafkaTopic   string

	PaystackSecretKey     string
	PaystackBaseURL       string
	FlutterwaveSecretKey  string
	FlutterwaveSecretHash string
	FlutterwaveBaseURL    string

	TransferProvider       string
	VirtualAccountProvider string

	Commission fees.Schedule
	PayoutFee  fees.Schedule

	PayoutTimeout      time.Duration
	PayoutMaxRequeries int
	ProviderTimeout    time.Duration
	ProviderRetries    int
	RetryBaseDelay     time.Duration
	RefundCutoff       time.Duration

	IdempotencyTTL     time.Duration
	IdempotencyBackend string

	PlunkAPIKey     string
	PlunkFrom       string
	AdminAlertEmail string
	AdminToken      string

	SweepInterval time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   envOr("PORT", "8080"),
		AppEnv:                 envOr("APP_ENV", "production"),
		DatabaseURL:            databaseURL(),
		RedisAddr:              redisAddr(),
		KafkaTopic:             envOr("KAFKA_TOPIC", "settlement.events"),
		PaystackSecretKey:      os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:        envOr("PAYSTACK_BASE_URL", "https://api.paystack.co"),
		FlutterwaveSecretKey:   os.Getenv("FLUTTERWAVE_SECRET_KEY"),
		FlutterwaveSecretHash:  os.Getenv("FLUTTERWAVE_SECRET_HASH"),
		FlutterwaveBaseURL:     envOr("FLUTTERWAVE_BASE_URL", "https://api.flutterwave.com/v3"),
		TransferProvider:       envOr("TRANSFER_PROVIDER", "paystack"),
		VirtualAccountProvider: envOr("VIRTUAL_ACCOUNT_PROVIDER", "paystack"),
		IdempotencyBackend:     envOr("IDEMPOTENCY_BACKEND", "postgres"),
		PlunkAPIKey:            os.Getenv("PLUNK_API_KEY"),
		PlunkFrom:              os.Getenv("PLUNK_FROM"),
		AdminAlertEmail:        os.Getenv("ADMIN_ALERT_EMAIL"),
		AdminToken:             os.Getenv("ADMIN_API_TOKEN"),
	}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		for _, broker := range strings.Split(b, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
			}
		}
	}

	var err error
	if cfg.Commission, err = fees.ParseSchedule(os.Getenv("COMMISSION_MODE"), envOr("COMMISSION_VALUE", "0")); err != nil {
		return nil, fmt.Errorf("COMMISSION: %w", err)
	}
	if cfg.PayoutFee, err = fees.ParseSchedule(os.Getenv("PAYOUT_FEE_MODE"), envOr("PAYOUT_FEE_VALUE", "0")); err != nil {
		return nil, fmt.Errorf("PAYOUT_FEE: %w", err)
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"PAYOUT_TIMEOUT", 30 * time.Minute, &cfg.PayoutTimeout},
		{"PROVIDER_TIMEOUT", 15 * time.Second, &cfg.ProviderTimeout},
		{"RETRY_BASE_DELAY", 500 * time.Millisecond, &cfg.RetryBaseDelay},
		{"REFUND_CUTOFF", 24 * time.Hour, &cfg.RefundCutoff},
		{"IDEMPOTENCY_TTL", 72 * time.Hour, &cfg.IdempotencyTTL},
		{"SWEEP_INTERVAL", time.Minute, &cfg.SweepInterval},
	}
	for _, d := range durations {
		if *d.dest, err = durationOr(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.PayoutMaxRequeries, err = intOr("PAYOUT_MAX_REQUERIES", 5); err != nil {
		return nil, err
	}
	if cfg.ProviderRetries, err = intOr("PROVIDER_RETRIES", 3); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.IdempotencyBackend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("IDEMPOTENCY_BACKEND: unknown backend %q", c.IdempotencyBackend)
	}
	for key, p := range map[string]string{
		"TRANSFER_PROVIDER":        c.TransferProvider,
		"VIRTUAL_ACCOUNT_PROVIDER": c.VirtualAccountProvider,
	} {
		if p != "paystack" && p != "flutterwave" {
			return fmt.Errorf("%s: unknown provider %q", key, p)
		}
	}
	if c.VirtualAccountProvider == "flutterwave" {
		return fmt.Errorf("VIRTUAL_ACCOUNT_PROVIDER: flutterwave does not issue dedicated accounts")
	}
	if c.ProviderRetries < 1 {
		return fmt.Errorf("PROVIDER_RETRIES must be at least 1")
	}
	return nil
}

// Development reports whether the service runs outside production.
func (c *Config) Development() bool {
	switch c.AppEnv {
	case "development", "local", "dev":
		return true
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func intOr(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// databaseURL prefers DATABASE_URL and falls back to the discrete DB_* variables.
func databaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD")),
		Host:   envOr("DB_HOST", "localhost") + ":" + envOr("DB_PORT", "5432"),
		Path:   "/" + envOr("DB_NAME", "settlement"),
	}
	if mode := os.Getenv("DB_SSLMODE"); mode != "" {
		u.RawQuery = "sslmode=" + mode
	}
	return u.String()
}

func redisAddr() string {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		return v
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		return host + ":" + envOr("REDIS_PORT", "6379")
	}
	return "127.0.0.1:6379"
}
