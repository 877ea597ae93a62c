package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("CLOUDINARY_CLOUD_NAME", "demo")
	t.Setenv("CLOUDINARY_API_KEY", "key")
	t.Setenv("CLOUDINARY_API_SECRET", "secret")
	t.Setenv("AUTH_JWT_PUBLIC_KEY", "-----BEGIN PUBLIC KEY-----")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "usd", cfg.Stripe.Currency)
	assert.Equal(t, "stickers", cfg.Cloudinary.Folder)
	assert.Equal(t, "payment.events.dlq", cfg.Kafka.DLQTopic)
	assert.False(t, cfg.Kafka.Enabled())
	assert.Equal(t, 30*time.Second, cfg.Breaker.Timeout)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("AUTH_OPERATOR_IDS", "user_admin,user_ops")
	t.Setenv("STRIPE_CURRENCY", "EUR")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("BREAKER_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.Equal(t, []string{"user_admin", "user_ops"}, cfg.Auth.OperatorIDs)
	assert.Equal(t, "eur", cfg.Stripe.Currency)
	assert.Equal(t, 6543, cfg.DB.Port)
	assert.Equal(t, 5*time.Second, cfg.Breaker.Timeout)
}

func TestLoadMissingSecrets(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("CLOUDINARY_CLOUD_NAME", "")
	t.Setenv("AUTH_JWT_PUBLIC_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
	assert.Contains(t, err.Error(), "CLOUDINARY")
	assert.Contains(t, err.Error(), "AUTH_JWT_PUBLIC_KEY")
}

func TestInvalidNumbersFallBackToDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_MAX_CONNS", "lots")
	t.Setenv("RATE_LIMIT_RPS", "fast")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.DB.MaxConns)
	assert.Equal(t, 5.0, cfg.RateLimit.RequestsPerSecond)
}

func TestInvalidLogLevel(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "chatty")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", cfg.DSN())
}

func TestReadSkipsValidation(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka:9092")
	t.Setenv("DLQ_REPLAY", "true")
	t.Setenv("DLQ_REPLAY_DELAY", "1m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://stickers.example.com")

	cfg := Read()
	assert.True(t, cfg.Kafka.Enabled())
	assert.True(t, cfg.Kafka.DLQReplay)
	assert.Equal(t, time.Minute, cfg.Kafka.DLQReplayWait)
	assert.Equal(t, "payment-dlq-monitor", cfg.Kafka.DLQGroup)
	assert.Equal(t, []string{"https://stickers.example.com"}, cfg.Server.AllowedOrigins)
	assert.Error(t, cfg.Validate())
}
