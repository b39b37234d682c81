package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the demo settings, read from the environment and an optional .env file.
type Config struct {
	// Transport is either "sse" or "stdio".
	Transport string
	Host      string
	Port      string
	LogLevel  string

	// RequestTimeout bounds how long the server waits for the user to answer an elicitation.
	RequestTimeout time.Duration
	PingInterval   time.Duration

	envFileErr error
}

// LoadConfig loads configuration from environment variables. It runs before the logger is
// configured, so it logs nothing; call LogSummary once InitLogger has run.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		// Load .env file if it exists
		envFileErr: godotenv.Load(),
	}

	requestTimeout, err := getDuration("MCP_REQUEST_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	pingInterval, err := getDuration("MCP_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg.Transport = getEnv("MCP_TRANSPORT", "sse")
	cfg.Host = getEnv("HOST", "localhost")
	cfg.Port = getEnv("PORT", "8080")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.RequestTimeout = requestTimeout
	cfg.PingInterval = pingInterval

	return cfg, nil
}

// LogSummary reports the loaded configuration through the global logger.
func (c *Config) LogSummary() {
	if c.envFileErr != nil {
		log.Debug().Err(c.envFileErr).Msg("No .env file found, using environment variables")
	}
	log.Info().
		Str("transport", c.Transport).
		Str("address", c.Addr()).
		Dur("request_timeout", c.RequestTimeout).
		Msg("Configuration loaded")
}

// Addr returns the host:port the SSE server listens on.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// BaseURL returns the URL clients use to reach the SSE server.
func (c *Config) BaseURL() string {
	return "http://" + c.Addr()
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}
