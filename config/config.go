package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port                 string
	APIToken             string
	DatabaseURL          string
	GatewayBaseURL       string
	GatewayAPIKey        string
	GatewayWebhookSecret string
	RabbitMQURL          string
	RabbitMQQueue        string
	PollInterval         time.Duration
	AgentName            string
	LogLevel             string
	LogFormat            string

	S3Enabled   bool
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	S3PublicURL string
}

// Load reads configuration from environment variables, loading a .env file
// first when present. Environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:                 os.Getenv("PORT"),
		APIToken:             os.Getenv("API_TOKEN"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		GatewayBaseURL:       os.Getenv("GATEWAY_BASE_URL"),
		GatewayAPIKey:        os.Getenv("GATEWAY_API_KEY"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		RabbitMQURL:          os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:        os.Getenv("RABBITMQ_QUEUE"),
		AgentName:            os.Getenv("AGENT_NAME"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		LogFormat:            os.Getenv("LOG_FORMAT"),

		S3Enabled:   os.Getenv("S3_ENABLED") == "true",
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3Region:    os.Getenv("S3_REGION"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3PathStyle: os.Getenv("S3_PATH_STYLE") == "true",
		S3PublicURL: os.Getenv("S3_PUBLIC_URL"),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
		log.Info().Str("port", cfg.Port).Msg("PORT not set, using default")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "convocrm.db"
		log.Info().Str("database", cfg.DatabaseURL).Msg("DATABASE_URL not set, using local SQLite file")
	}

	if raw := os.Getenv("POLL_INTERVAL_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			log.Warn().Str("value", raw).Msg("Invalid POLL_INTERVAL_SECONDS, using default")
		} else {
			cfg.PollInterval = time.Duration(secs) * time.Second
		}
	}

	log.Info().Msg("Configuration loaded")
	return cfg, nil
}
