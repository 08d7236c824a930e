package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"chorus/presence-tracker/models"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string
	LogLevel    string

	// Upstream presence feed (Wawp)
	InstanceID        string
	AccessToken       string
	UpstreamBaseURL   string
	HeartbeatInterval time.Duration

	// Tracked contact
	TrackedIdentity string
	Timezone        string
	Location        *time.Location

	// Database configuration
	DatabaseURL string

	// Redis configuration, optional
	RedisURL     string
	EventChannel string

	// Telegram notifications
	TelegramBotToken string
	TelegramChatID   string
	TelegramAPIURL   string

	// JWT configuration; the read API is disabled when empty
	JWTSecret string
}

// LoadConfig reads the environment (and a .env file if present) and fails on
// missing required settings.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "3000"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		InstanceID:        getEnv("WAWP_INSTANCE_ID", ""),
		AccessToken:       getEnv("WAWP_ACCESS_TOKEN", ""),
		UpstreamBaseURL:   getEnv("UPSTREAM_BASE_URL", "https://wawp.net/wp-json/awp/v1"),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 60*time.Second),

		TrackedIdentity: getEnv("TRACKED_IDENTITY", ""),
		Timezone:        getEnv("TIMEZONE", "Europe/Istanbul"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisURL:     getEnv("REDIS_URL", ""),
		EventChannel: getEnv("EVENT_CHANNEL", "presence:sessions"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramAPIURL:   getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),

		JWTSecret: getEnv("JWT_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and resolves the operating timezone.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"WAWP_INSTANCE_ID", c.InstanceID},
		{"WAWP_ACCESS_TOKEN", c.AccessToken},
		{"TRACKED_IDENTITY", c.TrackedIdentity},
		{"DATABASE_URL", c.DatabaseURL},
		{"TELEGRAM_BOT_TOKEN", c.TelegramBotToken},
		{"TELEGRAM_CHAT_ID", c.TelegramChatID},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", models.ErrMissingConfig, strings.Join(missing, ", "))
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	c.Location = loc

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs := getEnvAsInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
