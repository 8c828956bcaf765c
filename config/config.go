package config

import (
	"os"
)

// Feature flags (diisi main dari env)
var EnableWebsocketIncomingMessage bool
var EnableWebhook bool

// Webhook collaborator
var WebhookURL string
var WebhookSecret string

// Connection manager tunables (diisi main dari env, default di session pkg)
var MaxSessions int
var ConnectTimeoutSeconds int
var PairingTimeoutSeconds int
var ChallengeTTLMinutes int
var KeepAliveIntervalSeconds int
var CredFlushIntervalSeconds int
var CleanupIntervalMinutes int
var HistoryBatchSize int
var HistoryBatchDelayMs int
var ReconnectBaseDelaySeconds int
var ReconnectMaxDelaySeconds int
var ReconnectMaxRetries int

type Config struct {
	Port               string
	DBConnectionString string
}

func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "2121"),
		DBConnectionString: getEnv("DATABASE_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
