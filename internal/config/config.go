package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config carries all environment-driven settings for the server.
type Config struct {
	Port           string
	Env            string
	Debug          bool
	DatabasePath   string
	JWTSecret      string
	OllamaHost     string
	ModelTimeout   time.Duration
	MarketInterval time.Duration
}

// Load reads configuration from the environment, first loading a .env file
// if one is present. Missing values fall back to development defaults.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded environment from .env")
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		Debug:          getEnv("DEBUG", "") == "true",
		DatabasePath:   getEnv("PHANTOMEX_DB", "data/phantomex.db"),
		JWTSecret:      getEnv("JWT_SECRET", "phantomex-secret-key"),
		OllamaHost:     getEnv("OLLAMA_HOST", "http://localhost:11434"),
		ModelTimeout:   getDuration("MODEL_TIMEOUT_SECS", 60*time.Second),
		MarketInterval: getDuration("MARKET_POLL_SECS", 60*time.Second),
	}
}

// Production reports whether the server runs with production settings.
func (c *Config) Production() bool {
	return c.Env == "production"
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
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid duration setting")
		return fallback
	}
	return time.Duration(secs) * time.Second
}
