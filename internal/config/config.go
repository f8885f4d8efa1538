package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var ErrUpstreamNotConfigured = errors.New("SUPPLIER_BASE_URL and MARKETPLACE_BASE_URL must be set")

type Config struct {
	AppPort string
	AppEnv  string

	DBPath       string
	ProductsFile string

	SupplierBaseURL      string
	SupplierTokenURL     string
	SupplierClientID     string
	SupplierClientSecret string
	SupplierRateLimit    float64

	MarketplaceBaseURL   string
	MarketplaceTokenURL  string
	MarketplaceAPIKey    string
	MarketplaceAPISecret string

	APIClientID         string
	APIClientSecretHash string
	JWTSecret           string

	PollInterval   time.Duration
	PollTimeout    time.Duration
	ReservationTTL time.Duration
	SweepInterval  time.Duration

	SyncEnabled          bool
	SyncInterval         time.Duration
	DefaultFixedProfit   decimal.Decimal
	DefaultFeePercentage decimal.Decimal

	RedisAddr     string
	RedisPassword string
	StockCacheTTL time.Duration

	RabbitMQURL string
	EventsQueue string
}

func LoadConfig() *Config {
	cfg, err := LoadUpstreamConfig()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.APIClientID == "" || cfg.JWTSecret == "" {
		log.Fatal("API_CLIENT_ID and JWT_SECRET must be set")
	}

	return cfg
}

// LoadUpstreamConfig reads the environment and checks only the supplier and
// marketplace settings, for tools that do not serve the API.
func LoadUpstreamConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := fromEnv()
	if cfg.SupplierBaseURL == "" || cfg.MarketplaceBaseURL == "" {
		return nil, ErrUpstreamNotConfigured
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		AppPort: getEnv("APP_PORT", "3000"),
		AppEnv:  os.Getenv("APP_ENV"),

		DBPath:       getEnv("DB_PATH", "keybridge.db"),
		ProductsFile: getEnv("PRODUCTS_FILE", "products.json"),

		SupplierBaseURL:      os.Getenv("SUPPLIER_BASE_URL"),
		SupplierTokenURL:     os.Getenv("SUPPLIER_TOKEN_URL"),
		SupplierClientID:     os.Getenv("SUPPLIER_CLIENT_ID"),
		SupplierClientSecret: os.Getenv("SUPPLIER_CLIENT_SECRET"),
		SupplierRateLimit:    getFloat("SUPPLIER_RATE_LIMIT", 5),

		MarketplaceBaseURL:   os.Getenv("MARKETPLACE_BASE_URL"),
		MarketplaceTokenURL:  os.Getenv("MARKETPLACE_TOKEN_URL"),
		MarketplaceAPIKey:    os.Getenv("MARKETPLACE_API_KEY"),
		MarketplaceAPISecret: os.Getenv("MARKETPLACE_API_SECRET"),

		APIClientID:         os.Getenv("API_CLIENT_ID"),
		APIClientSecretHash: os.Getenv("API_CLIENT_SECRET_HASH"),
		JWTSecret:           os.Getenv("JWT_SECRET"),

		PollInterval:   getDuration("POLL_INTERVAL", 30*time.Second),
		PollTimeout:    getDuration("POLL_TIMEOUT", 7*time.Minute),
		ReservationTTL: getDuration("RESERVATION_TTL", 30*time.Minute),
		SweepInterval:  getDuration("SWEEP_INTERVAL", time.Hour),

		SyncEnabled:          os.Getenv("SYNC_ENABLED") == "true",
		SyncInterval:         getDuration("SYNC_INTERVAL", 15*time.Minute),
		DefaultFixedProfit:   getDecimal("DEFAULT_FIXED_PROFIT", decimal.NewFromFloat(0.5)),
		DefaultFeePercentage: getDecimal("DEFAULT_FEE_PERCENTAGE", decimal.NewFromFloat(0.1)),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		StockCacheTTL: getDuration("STOCK_CACHE_TTL", 30*time.Second),

		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
		EventsQueue: getEnv("EVENTS_QUEUE", "fulfillment.events"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid duration for %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("invalid number for %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Printf("invalid decimal for %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
