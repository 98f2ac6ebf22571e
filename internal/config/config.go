package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Agent       AgentConfig               `json:"agent"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// AgentConfig carries the tunables of the tool-calling loop. None of these
// are protocol constants; deployments adjust them for latency and cost.
type AgentConfig struct {
	RemoteProvider     string  `json:"remote_provider"`
	LocalProvider      string  `json:"local_provider"`
	MaxIterations      int     `json:"max_iterations"`
	HistoryWindow      int     `json:"history_window"`
	TurnTimeoutSeconds int     `json:"turn_timeout_seconds"`
	MaxTokens          int     `json:"max_tokens"`
	Temperature        float32 `json:"temperature"`
}

const (
	DefaultMaxIterations = 5
	DefaultHistoryWindow = 4
	DefaultTurnTimeout   = 25 * time.Second
	DefaultMaxTokens     = 200
	DefaultTemperature   = float32(0.3)
)

// Load reads configuration from the provided path (defaults to config.json)
// and fills agent defaults for anything left unset.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued agent tunables.
func (c *Config) ApplyDefaults() {
	if c.Agent.RemoteProvider == "" {
		c.Agent.RemoteProvider = "gemini"
	}
	if c.Agent.LocalProvider == "" {
		c.Agent.LocalProvider = "ollama"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Agent.HistoryWindow <= 0 {
		c.Agent.HistoryWindow = DefaultHistoryWindow
	}
	if c.Agent.TurnTimeoutSeconds <= 0 {
		c.Agent.TurnTimeoutSeconds = int(DefaultTurnTimeout / time.Second)
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = DefaultMaxTokens
	}
	if c.Agent.Temperature <= 0 {
		c.Agent.Temperature = DefaultTemperature
	}
}

// TurnTimeout returns the wall-clock budget for one chat turn.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Agent.TurnTimeoutSeconds) * time.Second
}
