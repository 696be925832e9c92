package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "loom.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Default == "" {
		t.Error("default model should be set")
	}
	if cfg.Agent.MaxIterations != 25 {
		t.Errorf("agent.max_iterations = %d, want 25", cfg.Agent.MaxIterations)
	}
	if cfg.Context.ReservedOutputTokens != 4096 {
		t.Errorf("context.reserved_output_tokens = %d, want 4096", cfg.Context.ReservedOutputTokens)
	}
	if _, ok := cfg.Role("coder"); !ok {
		t.Error("built-in coder role missing")
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.toml")
	body := `
[model]
default = "zai:glm-5"
weak = "anthropic:claude-haiku-4-5"

[model.escalation]
chain = ["zai:glm-5", "anthropic:claude-sonnet-4-6", "anthropic:claude-opus-4-6"]

[model.roles]
researcher = "openai:gpt-5.2"

[permissions]
auto_approve = ["file_read"]

[context]
reserved_output_tokens = 2048

[rate_limits.anthropic]
capacity = 60
refill_per_second = 1.0

[budget]
limit_usd = 10.0

[team.templates.feature]
agents = [{ name = "lead", role = "architect" }, { name = "dev", role = "coder" }]
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Model.Default; got != "zai:glm-5" {
		t.Errorf("model.default = %q, want %q", got, "zai:glm-5")
	}
	if got := len(cfg.Model.Escalation.Chain); got != 3 {
		t.Errorf("escalation chain length = %d, want 3", got)
	}
	if got := cfg.Model.RoleModel("researcher"); got != "openai:gpt-5.2" {
		t.Errorf("RoleModel(researcher) = %q, want %q", got, "openai:gpt-5.2")
	}
	if got := cfg.Context.ReservedOutputTokens; got != 2048 {
		t.Errorf("reserved_output_tokens = %d, want 2048", got)
	}
	// Unset file values keep defaults.
	if got := cfg.Context.MaxRepoMapTokens; got != 2000 {
		t.Errorf("max_repo_map_tokens = %d, want default 2000", got)
	}
	rl, ok := cfg.RateLimits["anthropic"]
	if !ok {
		t.Fatal("rate_limits.anthropic missing")
	}
	if rl.Capacity != 60 || rl.RefillPerSecond != 1.0 {
		t.Errorf("rate limit = %+v, want capacity 60 refill 1.0", rl)
	}
	tpl, ok := cfg.Template("feature")
	if !ok {
		t.Fatal("team template missing")
	}
	if len(tpl.Agents) != 2 || tpl.Agents[0].Role != "architect" {
		t.Errorf("template agents = %+v", tpl.Agents)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/override.db")
	t.Setenv("PORT", "9900")

	cfg, err := Load(filepath.Join(t.TempDir(), "loom.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/tmp/override.db" {
		t.Errorf("store.path = %q, want env override", cfg.Store.Path)
	}
	if cfg.Gateway.Port != 9900 {
		t.Errorf("gateway.port = %d, want 9900", cfg.Gateway.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"missing default model", func(c *Config) { c.Model.Default = "" }, true},
		{"bad store driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"negative budget", func(c *Config) { c.Budget.LimitUSD = -1 }, true},
		{"zero capacity bucket", func(c *Config) {
			c.RateLimits = map[string]RateLimitConfig{"zai": {Capacity: 0, RefillPerSecond: 1}}
		}, true},
		{"template with unknown role", func(c *Config) {
			c.Team.Templates = map[string]TemplateConfig{
				"x": {Agents: []TemplateAgent{{Name: "a", Role: "nonexistent"}}},
			}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got := ExpandHome("~/.loom/loom.db")
	want := filepath.Join(home, ".loom/loom.db")
	if got != want {
		t.Errorf("ExpandHome = %q, want %q", got, want)
	}
	if got := ExpandHome("/abs/path.db"); got != "/abs/path.db" {
		t.Errorf("ExpandHome should leave absolute paths alone, got %q", got)
	}
}
