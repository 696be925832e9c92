package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Default:   "anthropic:claude-sonnet-4-6",
			Weak:      "anthropic:claude-haiku-4-5",
			Architect: "anthropic:claude-opus-4-6",
			Editor:    "anthropic:claude-sonnet-4-6",
		},
		Permissions: PermissionsConfig{
			AutoApprove: []string{"file_read", "directory_list", "file_search", "content_search"},
		},
		Context: ContextConfig{
			MaxRepoMapTokens:         2000,
			MaxDecisionContextTokens: 1500,
			ReservedOutputTokens:     4096,
		},
		Agent: AgentConfig{
			MaxIterations: 25,
		},
		Roles: map[string]RoleConfig{
			"architect": {
				SystemPrompt: "You are the architect. Break work into concrete steps, record decisions, and delegate implementation.",
				Tools: []string{
					"file_read", "file_search", "content_search", "directory_list",
					"decision_log", "decision_query", "context_offload", "context_retrieve",
					"peer_message", "peer_discovery", "peer_create_task",
					"team_spawn", "team_assign", "team_progress",
				},
			},
			"coder": {
				SystemPrompt: "You are a software engineer. Implement the assigned task, keep changes minimal, and report results.",
				Tools: []string{
					"file_read", "file_write", "file_edit", "file_search", "content_search",
					"directory_list", "shell", "git", "lsp_diagnostics",
					"decision_log", "decision_query", "context_offload", "context_retrieve",
					"peer_ask_question", "peer_answer_question", "peer_forward_question",
					"peer_message", "peer_discovery", "sub_agent",
				},
			},
			"reviewer": {
				SystemPrompt: "You review changes for correctness and style. Point at concrete lines and suggest fixes.",
				Tools: []string{
					"file_read", "file_search", "content_search", "directory_list",
					"decision_log", "decision_query", "context_retrieve",
					"peer_ask_question", "peer_answer_question", "peer_message", "peer_discovery",
				},
			},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.loom/loom.db",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "loom",
		},
	}
}

// Load reads the config file at path, overlaying Default(). A missing
// file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.Store.Path = ExpandHome(cfg.Store.Path)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.Store.Path = ExpandHome(cfg.Store.Path)
	return cfg, cfg.Validate()
}

// applyEnvOverrides lets the environment win over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("DB_PATH", &c.Store.Path)
	envStr("LOOM_POSTGRES_DSN", &c.Store.PostgresDSN)
	envStr("LOOM_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("LOOM_DEFAULT_MODEL", &c.Model.Default)

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("LOOM_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
}

// Save writes the config as TOML with owner-only permissions.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolvePath picks the config file location: explicit flag value, then
// the LOOM_CONFIG environment variable, then ./loom.toml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("LOOM_CONFIG"); env != "" {
		return env
	}
	return "loom.toml"
}
