// Package config loads the service configuration: defaults, then the YAML
// config file, then VIBEFORGE_* environment overrides, highest last.
package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"vibeforge/internal/llmgen"
)

// LLM modes selected by VIBEFORGE_LLM_MODE.
const (
	LLMModeStub   = "stub"
	LLMModeDryRun = "dry_run"
)

// Config is the root configuration structure.
type Config struct {
	Version   string          `mapstructure:"version" yaml:"version"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Workspace WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Sim       SimConfig       `mapstructure:"sim" yaml:"sim"`
	Provider  ProviderConfig  `mapstructure:"provider" yaml:"provider"`
	Ollama    OllamaConfig    `mapstructure:"ollama" yaml:"ollama"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Port      int             `mapstructure:"port" yaml:"port"`
	Host      string          `mapstructure:"host" yaml:"host"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-client HTTP rate limiting.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig configures the SQLite session checkpoint store.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// WorkspaceConfig locates per-session workspaces and event logs.
type WorkspaceConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// AuthConfig holds the control-plane bearer tokens. Token and Tokens come
// from VIBEFORGE_AUTH_TOKEN / VIBEFORGE_AUTH_TOKENS; TokenFile points at a
// newline-separated token list.
type AuthConfig struct {
	Token     string `mapstructure:"token" yaml:"token"`
	Tokens    string `mapstructure:"tokens" yaml:"tokens"`
	TokenFile string `mapstructure:"token_file" yaml:"token_file"`
}

// SimConfig carries simulation-core defaults applied to new sessions.
type SimConfig struct {
	LLMMode            string                       `mapstructure:"llm_mode" yaml:"llm_mode"`
	NoSpend            bool                         `mapstructure:"no_spend" yaml:"no_spend"`
	DefaultModel       string                       `mapstructure:"default_model" yaml:"default_model"`
	DefaultTemperature float64                      `mapstructure:"default_temperature" yaml:"default_temperature"`
	MaxCostUSD         float64                      `mapstructure:"max_cost_usd" yaml:"max_cost_usd"`
	TickRateLimitMs    int                          `mapstructure:"tick_rate_limit_ms" yaml:"tick_rate_limit_ms"`
	MaxHistoryDepth    int                          `mapstructure:"max_history_depth" yaml:"max_history_depth"`
	DispatchTimeout    time.Duration                `mapstructure:"dispatch_timeout" yaml:"dispatch_timeout"`
	HeartbeatTimeout   time.Duration                `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	HeartbeatInterval  time.Duration                `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	Pricing            map[string]llmgen.ModelPrice `mapstructure:"pricing" yaml:"pricing,omitempty"`
}

// LLMDisabled reports whether real LLM calls are globally off.
func (s *SimConfig) LLMDisabled() bool {
	return s.NoSpend || s.LLMMode == LLMModeStub || s.LLMMode == LLMModeDryRun
}

// PricingTable merges configured prices over the built-in table.
func (s *SimConfig) PricingTable() llmgen.PricingTable {
	table := llmgen.DefaultPricing()
	for model, price := range s.Pricing {
		table[model] = price
	}
	return table
}

// ProviderConfig selects the LLM provider backing real-LLM sessions.
type ProviderConfig struct {
	Default string   `mapstructure:"default" yaml:"default"`
	Enabled []string `mapstructure:"enabled" yaml:"enabled"`
}

// OllamaConfig configures the Ollama provider adapter.
type OllamaConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Model     string `mapstructure:"model" yaml:"model"`
	Timeout   string `mapstructure:"timeout" yaml:"timeout"`
	KeepAlive string `mapstructure:"keep_alive" yaml:"keep_alive"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads configuration with precedence ENV > config file > defaults.
// A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("VIBEFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindEnvAliases()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// bindEnvAliases maps the documented VIBEFORGE_* variables onto their
// config keys (the automatic replacer would otherwise require e.g.
// VIBEFORGE_SIM_LLM_MODE).
func bindEnvAliases() {
	_ = viper.BindEnv("auth.token", "VIBEFORGE_AUTH_TOKEN")
	_ = viper.BindEnv("auth.tokens", "VIBEFORGE_AUTH_TOKENS")
	_ = viper.BindEnv("auth.token_file", "VIBEFORGE_AUTH_TOKEN_FILE")
	_ = viper.BindEnv("sim.llm_mode", "VIBEFORGE_LLM_MODE")
	_ = viper.BindEnv("sim.no_spend", "VIBEFORGE_NO_SPEND")
	_ = viper.BindEnv("workspace.root", "VIBEFORGE_WORKSPACE_ROOT")
}

// AuthTokens resolves the accepted bearer tokens from the single token,
// the comma-separated list, and the token file, deduplicated in that
// order. Empty means auth is disabled.
func (c *Config) AuthTokens() []string {
	seen := make(map[string]bool)
	var tokens []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t != "" && !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}

	add(c.Auth.Token)
	for _, t := range strings.Split(c.Auth.Tokens, ",") {
		add(t)
	}
	if c.Auth.TokenFile != "" {
		if path, err := ExpandPath(c.Auth.TokenFile); err == nil {
			if data, err := os.ReadFile(path); err == nil {
				for _, line := range strings.Split(string(data), "\n") {
					add(line)
				}
			}
		}
	}
	return tokens
}

// GetConfig returns the loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// SaveTo writes cfg to path as YAML.
func SaveTo(cfg *Config, path string) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if err := ensureParentDir(expanded); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	// 0600: the file may carry auth tokens.
	return os.WriteFile(expanded, data, 0o600)
}

// Reset clears loaded state (primarily for tests).
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
