// Package config loads and validates the runtime configuration.
//
// Configuration is a per-project TOML file (loom.toml). Defaults are
// applied first, the file overlays them, and environment variables win
// last. Secrets (provider API keys, the Postgres DSN) are read from the
// environment only and never written back to the file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Config is the root configuration tree.
type Config struct {
	Model       ModelConfig                `toml:"model"`
	Permissions PermissionsConfig          `toml:"permissions"`
	Context     ContextConfig              `toml:"context"`
	Agent       AgentConfig                `toml:"agent"`
	Roles       map[string]RoleConfig      `toml:"roles"`
	Team        TeamConfig                 `toml:"team"`
	RateLimits  map[string]RateLimitConfig `toml:"rate_limits"`
	Budget      BudgetConfig               `toml:"budget"`
	Store       StoreConfig                `toml:"store"`
	Gateway     GatewayConfig              `toml:"gateway"`
	Telemetry   TelemetryConfig            `toml:"telemetry"`
	Providers   map[string]ProviderConfig  `toml:"providers"`
}

// ModelConfig maps roles to model strings and holds the escalation chain.
// The four common roles have first-class keys; anything else goes under
// [model.roles].
type ModelConfig struct {
	Default    string            `toml:"default"`
	Weak       string            `toml:"weak"`
	Architect  string            `toml:"architect"`
	Editor     string            `toml:"editor"`
	Roles      map[string]string `toml:"roles"`
	Escalation EscalationConfig  `toml:"escalation"`
}

// EscalationConfig lists models from cheapest to strongest. An empty
// chain disables escalation.
type EscalationConfig struct {
	Chain []string `toml:"chain"`
}

// RoleModel returns the model configured for a role, or "" when the role
// has no explicit model.
func (m ModelConfig) RoleModel(role string) string {
	switch role {
	case "default":
		return m.Default
	case "weak":
		return m.Weak
	case "architect":
		return m.Architect
	case "editor":
		return m.Editor
	}
	return m.Roles[role]
}

// RoleMap flattens the role model mapping, including the named keys.
func (m ModelConfig) RoleMap() map[string]string {
	out := make(map[string]string, len(m.Roles)+4)
	for k, v := range m.Roles {
		out[k] = v
	}
	if m.Default != "" {
		out["default"] = m.Default
	}
	if m.Weak != "" {
		out["weak"] = m.Weak
	}
	if m.Architect != "" {
		out["architect"] = m.Architect
	}
	if m.Editor != "" {
		out["editor"] = m.Editor
	}
	return out
}

// PermissionsConfig controls the interactive approval surface.
type PermissionsConfig struct {
	AutoApprove []string `toml:"auto_approve"`
}

// ContextConfig bounds the sections of an assembled prompt.
type ContextConfig struct {
	MaxRepoMapTokens         int `toml:"max_repo_map_tokens"`
	MaxDecisionContextTokens int `toml:"max_decision_context_tokens"`
	ReservedOutputTokens     int `toml:"reserved_output_tokens"`
}

// AgentConfig holds defaults applied to every agent loop.
type AgentConfig struct {
	MaxIterations int `toml:"max_iterations"`
}

// RoleConfig describes an agent role: its system prompt, the tools it may
// use, and its iteration cap (0 = inherit the agent default).
type RoleConfig struct {
	SystemPrompt  string   `toml:"system_prompt"`
	Tools         []string `toml:"tools"`
	MaxIterations int      `toml:"max_iterations"`
}

// TeamConfig holds named team templates.
type TeamConfig struct {
	Templates map[string]TemplateConfig `toml:"templates"`
}

// TemplateConfig is a reusable team composition.
type TemplateConfig struct {
	Agents []TemplateAgent `toml:"agents"`
}

// TemplateAgent names one member of a template.
type TemplateAgent struct {
	Name string `toml:"name"`
	Role string `toml:"role"`
}

// RateLimitConfig is a per-provider token bucket.
type RateLimitConfig struct {
	Capacity        int     `toml:"capacity"`
	RefillPerSecond float64 `toml:"refill_per_second"`
}

// BudgetConfig caps spend per team. Zero disables the ceiling.
type BudgetConfig struct {
	LimitUSD float64 `toml:"limit_usd"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite" (default) or "postgres"
	Path   string `toml:"path"`   // sqlite file; DB_PATH env overrides

	// PostgresDSN comes from LOOM_POSTGRES_DSN only.
	PostgresDSN string `toml:"-"`
}

// GatewayConfig is the websocket event stream listener.
type GatewayConfig struct {
	Host  string `toml:"host"`
	Port  int    `toml:"port"` // PORT env overrides
	Token string `toml:"token"`
}

// TelemetryConfig configures the OTLP trace exporter and the scheduled
// decision graph pulse.
type TelemetryConfig struct {
	Enabled       bool   `toml:"enabled"`
	Endpoint      string `toml:"endpoint"`
	Protocol      string `toml:"protocol"` // "grpc" or "http"
	Insecure      bool   `toml:"insecure"`
	ServiceName   string `toml:"service_name"`
	PulseSchedule string `toml:"pulse_schedule"` // cron expression; "" disables
}

// ProviderConfig overrides the endpoint or default model of a provider.
// API keys are env-only: <PROVIDER>_API_KEY.
type ProviderConfig struct {
	APIBase string `toml:"api_base"`
	Model   string `toml:"model"`
}

// Role returns the configuration for a role name.
func (c *Config) Role(name string) (RoleConfig, bool) {
	rc, ok := c.Roles[name]
	return rc, ok
}

// RoleNames returns the configured role names, sorted.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Template returns a team template by name.
func (c *Config) Template(name string) (TemplateConfig, bool) {
	t, ok := c.Team.Templates[name]
	return t, ok
}

// APIKeyFor reads the provider's API key from the environment
// (<PROVIDER>_API_KEY, provider name uppercased).
func APIKeyFor(provider string) string {
	name := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	return os.Getenv(name + "_API_KEY")
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Model.Default == "" {
		return fmt.Errorf("config: model.default is required")
	}
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("config: store driver is postgres but LOOM_POSTGRES_DSN is not set")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway port %d out of range", c.Gateway.Port)
	}
	for name, rl := range c.RateLimits {
		if rl.Capacity <= 0 {
			return fmt.Errorf("config: rate_limits.%s capacity must be positive", name)
		}
		if rl.RefillPerSecond <= 0 {
			return fmt.Errorf("config: rate_limits.%s refill_per_second must be positive", name)
		}
	}
	if c.Budget.LimitUSD < 0 {
		return fmt.Errorf("config: budget.limit_usd must not be negative")
	}
	for name, tpl := range c.Team.Templates {
		for _, a := range tpl.Agents {
			if a.Name == "" || a.Role == "" {
				return fmt.Errorf("config: team.templates.%s has an agent without name or role", name)
			}
			if _, ok := c.Roles[a.Role]; !ok {
				return fmt.Errorf("config: team.templates.%s references unknown role %q", name, a.Role)
			}
		}
	}
	return nil
}
