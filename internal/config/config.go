package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/chatsync/internal/backoff"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Service endpoints.
	APIEndpoint string `env:"CHAT_API_ENDPOINT"`
	WSEndpoint  string `env:"CHAT_WS_ENDPOINT"`

	// Credentials. One source is required: a token, a token file, or
	// email and password.
	Token     string `env:"CHAT_TOKEN"`
	TokenFile string `env:"CHAT_TOKEN_FILE"`
	Email     string `env:"CHAT_EMAIL"`
	Password  string `env:"CHAT_PASSWORD"`

	// Path of the bbolt state file. Empty means state.DefaultPath.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Channel tag written on locally created messages.
	Channel          string `env:"CHAT_CHANNEL" envDefault:"web"`
	MaxMessageLength int    `env:"CHAT_MAX_MESSAGE_LENGTH" envDefault:"4000"`

	// Reconnect schedule.
	ReconnectInterval    time.Duration `env:"WS_RECONNECT_INTERVAL" envDefault:"1s"`
	MaxReconnectInterval time.Duration `env:"WS_MAX_RECONNECT_INTERVAL" envDefault:"30s"`
	ReconnectMultiplier  float64       `env:"WS_RECONNECT_MULTIPLIER" envDefault:"2"`

	DialTimeout time.Duration `env:"WS_DIAL_TIMEOUT" envDefault:"15s"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.TokenFile != "" {
		abs, err := filepath.Abs(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("resolving token file to absolute path: %w", err)
		}

		cfg.TokenFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIEndpoint == "" {
		return fmt.Errorf("CHAT_API_ENDPOINT is required")
	}

	if u, err := url.Parse(c.APIEndpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHAT_API_ENDPOINT must be an http(s) URL")
	}

	if c.WSEndpoint == "" {
		return fmt.Errorf("CHAT_WS_ENDPOINT is required")
	}

	if u, err := url.Parse(c.WSEndpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("CHAT_WS_ENDPOINT must be a ws(s) URL")
	}

	if c.Token == "" && c.TokenFile == "" && (c.Email == "" || c.Password == "") {
		return fmt.Errorf("one credential source is required: CHAT_TOKEN, CHAT_TOKEN_FILE, or CHAT_EMAIL with CHAT_PASSWORD")
	}

	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("CHAT_MAX_MESSAGE_LENGTH must be positive")
	}

	if err := c.Backoff().Validate(); err != nil {
		return fmt.Errorf("WS_RECONNECT_*: %w", err)
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("WS_DIAL_TIMEOUT must be positive")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	return nil
}

// Backoff returns the reconnect schedule.
func (c *Config) Backoff() backoff.Policy {
	return backoff.Policy{
		Base:       c.ReconnectInterval,
		Multiplier: c.ReconnectMultiplier,
		Max:        c.MaxReconnectInterval,
	}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
