// Package config loads service configuration: environment variables for
// deployment concerns, YAML profiles for the tunables operators adjust per
// installation.
package config

import "os"

// Config holds server configuration read from the environment.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	RedisURL     string
	OTLPEndpoint string
	LLMBaseURL   string
	LLMAPIKey    string
	ProfilePath  string
}

// Load reads configuration from environment variables with local-development
// defaults. Secrets have no defaults.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://receiving@localhost:5432/receiving?sslmode=disable"
	}

	llmURL := os.Getenv("LLM_BASE_URL")
	if llmURL == "" {
		llmURL = "https://api.openai.com/v1"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		DatabaseURL:  dbURL,
		RedisURL:     os.Getenv("REDIS_URL"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		LLMBaseURL:   llmURL,
		LLMAPIKey:    os.Getenv("LLM_API_KEY"),
		ProfilePath:  os.Getenv("PROFILE_PATH"),
	}
}
