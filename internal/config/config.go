package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultSystemPrompt  = "You are a helpful AI assistant. Provide concise, accurate, and friendly responses."
	DefaultErrorText     = "Sorry, I encountered an error generating a response. Please try again."
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" toml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" toml:"databases"`
	Redis       RedisConfig               `json:"redis" toml:"redis"`
	Provider    ProviderConfig            `json:"provider" toml:"provider"`
	Generation  GenerationConfig          `json:"generation" toml:"generation"`
}

type BasicConfig struct {
	ServerAddress      string  `json:"server_address" toml:"server_address"`
	MinWorkers         int     `json:"min_workers" toml:"min_workers"`
	MaxWorkers         int     `json:"max_workers" toml:"max_workers"`
	QueueSize          int     `json:"queue_size" toml:"queue_size"`
	WorkerIdleTimeout  int     `json:"worker_idle_timeout" toml:"worker_idle_timeout"` // minutes
	TokenTTLHours      int     `json:"token_ttl_hours" toml:"token_ttl_hours"`
	GenerateRatePerMin float64 `json:"generate_rate_per_minute" toml:"generate_rate_per_minute"`
	GenerateBurst      int     `json:"generate_burst" toml:"generate_burst"`
}

// DatabaseConfig holds connection settings for one driver. SQLite only needs DSN.
type DatabaseConfig struct {
	DSN      string `json:"dsn" toml:"dsn"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DBName   string `json:"db_name" toml:"db_name"`
	Params   string `json:"params" toml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DB       int    `json:"db" toml:"db"`
}

// ProviderConfig selects the upstream completion endpoint.
type ProviderConfig struct {
	Name      string `json:"name" toml:"name"`
	BaseURL   string `json:"base_url" toml:"base_url"`
	Model     string `json:"model" toml:"model"`
	APIKey    string `json:"api_key" toml:"api_key"`
	APIKeyEnv string `json:"api_key_env" toml:"api_key_env"`
}

// GenerationConfig tunes the streaming pipeline.
type GenerationConfig struct {
	MaxContextMessages    int      `json:"max_context_messages" toml:"max_context_messages"`
	MaxTokens             int      `json:"max_tokens" toml:"max_tokens"`
	Temperature           *float64 `json:"temperature" toml:"temperature"`
	DebounceMS            int      `json:"debounce_ms" toml:"debounce_ms"`
	SystemPrompt          string   `json:"system_prompt" toml:"system_prompt"`
	ErrorText             string   `json:"error_text" toml:"error_text"`
	RequestTimeoutSeconds int      `json:"request_timeout_seconds" toml:"request_timeout_seconds"`
}

// SamplingTemperature returns the configured temperature, 0.7 when unset.
func (g GenerationConfig) SamplingTemperature() float64 {
	if g.Temperature == nil {
		return 0.7
	}
	return *g.Temperature
}

// DebounceInterval converts DebounceMS into a duration.
func (g GenerationConfig) DebounceInterval() time.Duration {
	return time.Duration(g.DebounceMS) * time.Millisecond
}

// RequestTimeout converts RequestTimeoutSeconds into a duration.
func (g GenerationConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutSeconds) * time.Second
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .toml are decoded as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(absPath), ".toml") {
		if _, err := toml.DecodeFile(absPath, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(absPath)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", absPath, err)
		}
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	// sqlite files are resolved next to the config file
	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.MinWorkers == 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers == 0 {
		c.BasicConfig.MaxWorkers = 16
	}
	if c.BasicConfig.QueueSize == 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.BasicConfig.WorkerIdleTimeout == 0 {
		c.BasicConfig.WorkerIdleTimeout = 5
	}
	if c.BasicConfig.TokenTTLHours == 0 {
		c.BasicConfig.TokenTTLHours = 24
	}
	if c.BasicConfig.GenerateRatePerMin == 0 {
		c.BasicConfig.GenerateRatePerMin = 30
	}
	if c.BasicConfig.GenerateBurst == 0 {
		c.BasicConfig.GenerateBurst = 5
	}

	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
	if c.Provider.BaseURL == "" && c.Provider.Name == "openai" {
		c.Provider.BaseURL = DefaultOpenAIBaseURL
	}
	if c.Provider.Model == "" {
		c.Provider.Model = "gpt-4o-mini"
	}
	if c.Provider.APIKey == "" && c.Provider.APIKeyEnv != "" {
		c.Provider.APIKey = os.Getenv(c.Provider.APIKeyEnv)
	}

	g := &c.Generation
	if g.MaxContextMessages == 0 {
		g.MaxContextMessages = 20
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 800
	}
	if g.DebounceMS == 0 {
		g.DebounceMS = 500
	}
	if strings.TrimSpace(g.SystemPrompt) == "" {
		g.SystemPrompt = DefaultSystemPrompt
	}
	if strings.TrimSpace(g.ErrorText) == "" {
		g.ErrorText = DefaultErrorText
	}
	if g.RequestTimeoutSeconds == 0 {
		g.RequestTimeoutSeconds = 120
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return errors.New("at least one database must be configured")
	}
	b := c.BasicConfig
	if b.MinWorkers < 0 || b.MaxWorkers < 0 || b.QueueSize < 0 {
		return errors.New("worker limits cannot be negative")
	}
	if b.MaxWorkers < b.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", b.MaxWorkers, b.MinWorkers)
	}
	g := c.Generation
	if g.MaxContextMessages < 0 || g.MaxTokens < 0 || g.DebounceMS < 0 || g.RequestTimeoutSeconds < 0 {
		return errors.New("generation limits cannot be negative")
	}
	if t := g.SamplingTemperature(); t < 0 || t > 2 {
		return fmt.Errorf("temperature %.2f out of range [0, 2]", t)
	}
	switch c.Provider.Name {
	case "openai", "eino-openai", "claude", "gemini":
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider.Name)
	}
	if strings.TrimSpace(c.Provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api key must be configured", c.Provider.Name)
	}
	return nil
}
