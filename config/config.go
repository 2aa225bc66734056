// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the service configuration.
type Config struct {
	// APIPort is the HTTP listen port.
	APIPort int
	// BaseURL builds webhook URLs handed to users.
	BaseURL string
	// CORSOrigin is the allowed browser origin; empty allows any.
	CORSOrigin string

	// RedisAddr and RedisPassword locate the queue and stream broker. An
	// empty addr selects the in-process queue and hub.
	RedisAddr     string
	RedisPassword string

	// MongoURI and MongoDatabase locate the durable stores. An empty URI
	// selects the in-memory stores.
	MongoURI      string
	MongoDatabase string

	// EncryptionKey protects credential bodies at rest.
	EncryptionKey string
	// InboundEmailDomain forms email trigger addresses.
	InboundEmailDomain string

	// ResendAPIKey and NotificationFrom configure failure notifications.
	ResendAPIKey     string
	NotificationFrom string
	// OpenAIKey enables the aiRequest action.
	OpenAIKey string

	// WorkerConcurrency is the per-queue worker count.
	WorkerConcurrency int
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		APIPort:            envIntOr("API_PORT", 3001),
		BaseURL:            envOr("API_BASE_URL", "http://localhost:3001"),
		CORSOrigin:         os.Getenv("CORS_ORIGIN"),
		RedisAddr:          redisAddr(),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		MongoURI:           os.Getenv("MONGO_URI"),
		MongoDatabase:      envOr("MONGO_DATABASE", "loom"),
		EncryptionKey:      os.Getenv("ENCRYPTION_KEY"),
		InboundEmailDomain: envOr("INBOUND_EMAIL_DOMAIN", "mail.localhost"),
		ResendAPIKey:       os.Getenv("RESEND_API_KEY"),
		NotificationFrom:   os.Getenv("NOTIFICATION_FROM_EMAIL"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		WorkerConcurrency:  envIntOr("WORKER_CONCURRENCY", 5),
	}
}

// redisAddr combines REDIS_HOST and REDIS_PORT; both empty means no broker.
func redisAddr() string {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", host, envOr("REDIS_PORT", "6379"))
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
