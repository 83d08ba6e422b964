package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Name     string
	}
	Redis struct {
		Host     string
		Port     int
		Password string
		DB       int
	}
	RabbitMQ struct {
		Host     string
		Port     int
		User     string
		Password string
	}
	HTTP struct {
		Port int
	}
	Tracking struct {
		LocationTTL       time.Duration
		SubscriptionTTL   time.Duration
		AckWindow         time.Duration
		CriticalQuota     int
		StandardQuota     int
		RateWindow        time.Duration
		BreakerThreshold  int
		BreakerCooldown   time.Duration
		WorkerPollEvery   time.Duration
		JobMaxAttempts    int
		JobBackoffBase    time.Duration
		JobBackoffCap     time.Duration
		PersistRetries    int
		PersistBackoff    time.Duration
	}
	Channels struct {
		SMSProviderURL   string
		EmailProviderURL string
		VoiceProviderURL string
	}
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func getEnvSeconds(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return def
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "ridehail_user")
	cfg.Database.Password = getEnv("DB_PASSWORD", "ridehail_pass")
	cfg.Database.Name = getEnv("DB_NAME", "ridehail_db")

	cfg.Redis.Host = getEnv("REDIS_HOST", "localhost")
	cfg.Redis.Port = getEnvInt("REDIS_PORT", 6379)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.RabbitMQ.Host = getEnv("RABBITMQ_HOST", "localhost")
	cfg.RabbitMQ.Port = getEnvInt("RABBITMQ_PORT", 5672)
	cfg.RabbitMQ.User = getEnv("RABBITMQ_USER", "guest")
	cfg.RabbitMQ.Password = getEnv("RABBITMQ_PASSWORD", "guest")

	cfg.HTTP.Port = getEnvInt("HTTP_PORT", 8080)

	cfg.Tracking.LocationTTL = getEnvSeconds("LOCATION_TTL_SECONDS", 5*time.Minute)
	cfg.Tracking.SubscriptionTTL = getEnvSeconds("SUBSCRIPTION_TTL_SECONDS", 10*time.Minute)
	cfg.Tracking.AckWindow = getEnvSeconds("SOS_ACK_WINDOW_SECONDS", 30*time.Second)
	cfg.Tracking.CriticalQuota = getEnvInt("RATE_CRITICAL_QUOTA", 600)
	cfg.Tracking.StandardQuota = getEnvInt("RATE_STANDARD_QUOTA", 120)
	cfg.Tracking.RateWindow = getEnvSeconds("RATE_WINDOW_SECONDS", 60*time.Second)
	cfg.Tracking.BreakerThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	cfg.Tracking.BreakerCooldown = getEnvSeconds("BREAKER_COOLDOWN_SECONDS", 30*time.Second)
	cfg.Tracking.WorkerPollEvery = getEnvSeconds("WORKER_POLL_SECONDS", 1*time.Second)
	cfg.Tracking.JobMaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", 5)
	cfg.Tracking.JobBackoffBase = getEnvSeconds("JOB_BACKOFF_BASE_SECONDS", 2*time.Second)
	cfg.Tracking.JobBackoffCap = getEnvSeconds("JOB_BACKOFF_CAP_SECONDS", 5*time.Minute)
	cfg.Tracking.PersistRetries = getEnvInt("SOS_PERSIST_RETRIES", 3)
	cfg.Tracking.PersistBackoff = getEnvSeconds("SOS_PERSIST_BACKOFF_SECONDS", 1*time.Second)

	cfg.Channels.SMSProviderURL = getEnv("SMS_PROVIDER_URL", "http://localhost:9001/send")
	cfg.Channels.EmailProviderURL = getEnv("EMAIL_PROVIDER_URL", "http://localhost:9002/send")
	cfg.Channels.VoiceProviderURL = getEnv("VOICE_PROVIDER_URL", "http://localhost:9003/call")

	return cfg, nil
}

func (c *Config) Print() {
	fmt.Printf("📦 Database: %s@%s:%d/%s\n", c.Database.User, c.Database.Host, c.Database.Port, c.Database.Name)
	fmt.Printf("🔑 Redis: %s:%d/%d\n", c.Redis.Host, c.Redis.Port, c.Redis.DB)
	fmt.Printf("🐇 RabbitMQ: amqp://%s@%s:%d\n", c.RabbitMQ.User, c.RabbitMQ.Host, c.RabbitMQ.Port)
	fmt.Printf("🌐 HTTP Port: %d\n", c.HTTP.Port)
}
