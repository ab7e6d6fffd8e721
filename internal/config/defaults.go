package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers the default value for every configuration key.
func SetDefaults() {
	viper.SetDefault("gateway.port", 8080)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.rate_limit.enabled", true)
	viper.SetDefault("gateway.rate_limit.requests_per_minute", 120)
	viper.SetDefault("gateway.rate_limit.burst", 20)
	viper.SetDefault("gateway.rate_limit.cleanup_interval", 5*time.Minute)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "~/.vibeforge/data.db")

	viper.SetDefault("workspace.root", "~/.vibeforge/workspaces")

	viper.SetDefault("sim.llm_mode", LLMModeStub)
	viper.SetDefault("sim.no_spend", false)
	viper.SetDefault("sim.default_model", "gpt-4o-mini")
	viper.SetDefault("sim.default_temperature", 0.7)
	viper.SetDefault("sim.max_cost_usd", 1.0)
	viper.SetDefault("sim.tick_rate_limit_ms", 1000)
	viper.SetDefault("sim.max_history_depth", 20)
	viper.SetDefault("sim.dispatch_timeout", 5*time.Minute)
	viper.SetDefault("sim.heartbeat_timeout", 30*time.Second)
	viper.SetDefault("sim.heartbeat_interval", 5*time.Second)

	viper.SetDefault("provider.default", "stub")
	viper.SetDefault("provider.enabled", []string{"stub", "ollama"})

	viper.SetDefault("ollama.endpoint", "http://localhost:11434")
	viper.SetDefault("ollama.model", "")
	viper.SetDefault("ollama.timeout", "120s")
	viper.SetDefault("ollama.keep_alive", "5m")
}
