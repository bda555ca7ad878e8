// Package config handles Analyst configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/analyst/config.yaml, /etc/analyst/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "analyst", "config.yaml"))
	}

	paths = append(paths, "/etc/analyst/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Analyst configuration.
type Config struct {
	Listen          ListenConfig            `yaml:"listen"`
	Anthropic       AnthropicConfig         `yaml:"anthropic"`
	Database        DatabaseConfig          `yaml:"database"`
	Agent           AgentConfig             `yaml:"agent"`
	Tools           ToolsConfig             `yaml:"tools"`
	SearchConsole   AnalyticsAPIConfig      `yaml:"search_console"`
	GoogleAnalytics AnalyticsAPIConfig      `yaml:"google_analytics"`
	Operators       []OperatorConfig        `yaml:"operators"`
	Metrics         MetricsConfig           `yaml:"metrics"`
	Pricing         map[string]PricingEntry `yaml:"pricing"`
	LogLevel        string                  `yaml:"log_level"`
	LogFormat       string                  `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address" envconfig:"ADDRESS"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" envconfig:"PORT"`
	// AllowedOrigins may open the WebSocket transport; empty means
	// same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key" envconfig:"API_KEY"`
	BaseURL   string `yaml:"base_url" envconfig:"BASE_URL"` // Default: https://api.anthropic.com
	Model     string `yaml:"model" envconfig:"MODEL"`
	MaxTokens int    `yaml:"max_tokens" envconfig:"MAX_TOKENS"`
}

// DatabaseConfig selects the SQL backend shared by the conversation
// store, the client lookup and the usage ledger.
type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	// DSN is a file path for sqlite3 or a connection string for postgres.
	DSN string `yaml:"dsn" envconfig:"DSN"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations" envconfig:"MAX_ITERATIONS"`
	ModelTimeout  time.Duration `yaml:"model_timeout" envconfig:"MODEL_TIMEOUT"`
}

// ToolsConfig bounds analytics tool execution. Concurrency 0 runs every
// tool call of a model turn at once.
type ToolsConfig struct {
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Concurrency int           `yaml:"concurrency" envconfig:"CONCURRENCY"`
}

// AnalyticsAPIConfig holds credentials for one analytics API.
type AnalyticsAPIConfig struct {
	BaseURL     string `yaml:"base_url" envconfig:"BASE_URL"`
	AccessToken string `yaml:"access_token" envconfig:"ACCESS_TOKEN"`
}

// OperatorConfig grants one operator token access to a set of clients.
type OperatorConfig struct {
	Name string `yaml:"name"`
	// TokenHash is a bcrypt hash produced by `analyst hash-token`.
	TokenHash string `yaml:"token_hash"`
	// Clients lists permitted client IDs; "*" permits all.
	Clients []string `yaml:"clients"`
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

// envPrefix namespaces environment overrides, e.g. ANALYST_LISTEN_PORT.
const envPrefix = "ANALYST"

// Load reads configuration from a YAML file, expanding ${VAR} references,
// then applies ANALYST_* environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyEnv() error {
	groups := []struct {
		prefix string
		target any
	}{
		{envPrefix + "_LISTEN", &c.Listen},
		{envPrefix + "_ANTHROPIC", &c.Anthropic},
		{envPrefix + "_DATABASE", &c.Database},
		{envPrefix + "_AGENT", &c.Agent},
		{envPrefix + "_TOOLS", &c.Tools},
		{envPrefix + "_SEARCH_CONSOLE", &c.SearchConsole},
		{envPrefix + "_GOOGLE_ANALYTICS", &c.GoogleAnalytics},
		{envPrefix + "_METRICS", &c.Metrics},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.target); err != nil {
			return fmt.Errorf("env overrides %s: %w", g.prefix, err)
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(envPrefix + "_LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = d.Anthropic.Model
	}
	if c.Anthropic.MaxTokens <= 0 {
		c.Anthropic.MaxTokens = d.Anthropic.MaxTokens
	}
	if c.Database.Driver == "" {
		c.Database.Driver = d.Database.Driver
	}
	if c.Database.DSN == "" {
		c.Database.DSN = d.Database.DSN
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = d.Agent.MaxIterations
	}
	if c.Agent.ModelTimeout <= 0 {
		c.Agent.ModelTimeout = d.Agent.ModelTimeout
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = d.Tools.Timeout
	}
	if c.Tools.Concurrency < 0 {
		c.Tools.Concurrency = d.Tools.Concurrency
	}
	if len(c.Pricing) == 0 {
		c.Pricing = d.Pricing
	}
}

// Validate reports configuration that would prevent serving.
func (c *Config) Validate() error {
	var errs []error
	if c.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("anthropic.api_key is required"))
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported (valid: sqlite3, postgres)", c.Database.Driver))
	}
	if len(c.Operators) == 0 {
		errs = append(errs, errors.New("at least one operator must be configured"))
	}
	for i, op := range c.Operators {
		if op.TokenHash == "" {
			errs = append(errs, fmt.Errorf("operators[%d] (%s): token_hash is required", i, op.Name))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "analyst.db",
		},
		Agent: AgentConfig{
			MaxIterations: 6,
			ModelTimeout:  120 * time.Second,
		},
		Tools: ToolsConfig{
			Timeout: 30 * time.Second,
		},
		Pricing: map[string]PricingEntry{
			"claude-sonnet-4-20250514":  {InputPerMillion: 3.0, OutputPerMillion: 15.0},
			"claude-opus-4-20250514":    {InputPerMillion: 15.0, OutputPerMillion: 75.0},
			"claude-3-5-haiku-20241022": {InputPerMillion: 0.8, OutputPerMillion: 4.0},
		},
	}
}
