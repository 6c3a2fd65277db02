package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Data directory
	DataDir string

	// Database
	DatabasePath string

	// Cloned repositories live under ReposDir, one directory per repo
	ReposDir string

	// Agent server (upstream event source + proxy target)
	AgentServerURL string

	// Event aggregator tuning
	EventIdleGracePeriod time.Duration
	EventReconnectBase   time.Duration
	EventReconnectMax    time.Duration

	// Terminal settings
	TerminalShell string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("AGENTDECK_DATA_DIR", "./data")

	shell := getEnv("AGENTDECK_SHELL", "")
	if shell == "" {
		shell = getEnv("SHELL", "/bin/bash")
	}

	return &Config{
		// Server
		Port: getEnvInt("PORT", 7777),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		// Data
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "agentdeck.sqlite"),
		ReposDir:     filepath.Join(dataDir, "repos"),

		// Agent server
		AgentServerURL: getEnv("AGENT_SERVER_URL", "http://127.0.0.1:4096"),

		// Aggregator
		EventIdleGracePeriod: getEnvDuration("EVENT_IDLE_GRACE_PERIOD", 120*time.Second),
		EventReconnectBase:   getEnvDuration("EVENT_RECONNECT_BASE", 1*time.Second),
		EventReconnectMax:    getEnvDuration("EVENT_RECONNECT_MAX", 30*time.Second),

		// Terminal
		TerminalShell: shell,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
