package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Server     ServerConfig
	DB         PostgresConfig
	Kafka      KafkaConfig
	Stripe     StripeConfig
	Cloudinary CloudinaryConfig
	Auth       AuthConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Breaker    BreakerConfig
	LogLevel   string
}

type ServerConfig struct {
	Port            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type KafkaConfig struct {
	Brokers       []string
	OrderTopic    string
	PaymentTopic  string
	DLQTopic      string
	ConsumerGroup string
	DLQGroup      string
	DLQReplay     bool
	DLQReplayWait time.Duration
}

// Enabled reports whether any broker is configured. Without Kafka, payment
// webhooks are confirmed inline.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

type AuthConfig struct {
	JWTPublicKeyPEM string
	OperatorIDs     []string
	DirectoryURL    string
	DirectoryKey    string
}

type RedisConfig struct {
	Addr     string
	CacheTTL time.Duration
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
	MaxRequests int
}

// Load reads the environment (and a .env file when present) and validates
// everything the storefront process needs.
func Load() (*Config, error) {
	cfg := Read()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read returns the configuration without validating it. Auxiliary
// processes that only need a subset use it directly.
func Read() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("STOREFRONT_PORT", "8080"),
			AllowedOrigins:  splitAndTrim(getEnv("CORS_ALLOWED_ORIGINS", "")),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		DB: PostgresConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "storefront"),
			Password: getEnv("DB_PASSWORD", "storefront"),
			Name:     getEnv("DB_NAME", "stickers"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 10),
		},
		Kafka: KafkaConfig{
			Brokers:       splitAndTrim(getEnv("KAFKA_BROKERS", "")),
			OrderTopic:    getEnv("KAFKA_ORDER_TOPIC", "sticker.orders"),
			PaymentTopic:  getEnv("KAFKA_PAYMENT_TOPIC", "payment.events"),
			DLQTopic:      getEnv("KAFKA_PAYMENT_DLQ_TOPIC", "payment.events.dlq"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "storefront-payments"),
			DLQGroup:      getEnv("KAFKA_DLQ_GROUP", "payment-dlq-monitor"),
			DLQReplay:     getEnvAsBool("DLQ_REPLAY", false),
			DLQReplayWait: getEnvAsDuration("DLQ_REPLAY_DELAY", 30*time.Second),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Currency:      strings.ToLower(getEnv("STRIPE_CURRENCY", "usd")),
		},
		Cloudinary: CloudinaryConfig{
			CloudName: getEnv("CLOUDINARY_CLOUD_NAME", ""),
			APIKey:    getEnv("CLOUDINARY_API_KEY", ""),
			APISecret: getEnv("CLOUDINARY_API_SECRET", ""),
			Folder:    getEnv("CLOUDINARY_FOLDER", "stickers"),
		},
		Auth: AuthConfig{
			JWTPublicKeyPEM: getEnv("AUTH_JWT_PUBLIC_KEY", ""),
			OperatorIDs:     splitAndTrim(getEnv("AUTH_OPERATOR_IDS", "")),
			DirectoryURL:    getEnv("AUTH_DIRECTORY_URL", "https://api.clerk.com/v1"),
			DirectoryKey:    getEnv("AUTH_DIRECTORY_KEY", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			CacheTTL: getEnvAsDuration("REDIS_CACHE_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Breaker: BreakerConfig{
			MaxFailures: getEnvAsInt("BREAKER_MAX_FAILURES", 5),
			Timeout:     getEnvAsDuration("BREAKER_TIMEOUT", 30*time.Second),
			MaxRequests: getEnvAsInt("BREAKER_MAX_REQUESTS", 1),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.Cloudinary.CloudName == "" || c.Cloudinary.APIKey == "" || c.Cloudinary.APISecret == "" {
		errs = append(errs, errors.New("CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET are required"))
	}
	if c.Auth.JWTPublicKeyPEM == "" {
		errs = append(errs, errors.New("AUTH_JWT_PUBLIC_KEY is required"))
	}
	if c.DB.Port <= 0 {
		errs = append(errs, fmt.Errorf("invalid DB_PORT %d", c.DB.Port))
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	return errors.Join(errs...)
}

// NewLogger builds the JSON logrus logger used by every process.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func splitAndTrim(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
