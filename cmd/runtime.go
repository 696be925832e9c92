package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/loom/internal/agent"
	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/graph"
	"github.com/nextlevelbuilder/loom/internal/keeper"
	"github.com/nextlevelbuilder/loom/internal/models"
	"github.com/nextlevelbuilder/loom/internal/policy"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/queries"
	"github.com/nextlevelbuilder/loom/internal/ratelimit"
	"github.com/nextlevelbuilder/loom/internal/registry"
	"github.com/nextlevelbuilder/loom/internal/session"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/store/pg"
	"github.com/nextlevelbuilder/loom/internal/store/sqlite"
	"github.com/nextlevelbuilder/loom/internal/tasks"
	"github.com/nextlevelbuilder/loom/internal/team"
	"github.com/nextlevelbuilder/loom/internal/tools"
	"github.com/nextlevelbuilder/loom/internal/usage"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// openaiBases maps well-known OpenAI-compatible providers to their
// endpoints. [providers.<name>] api_base in the config overrides these.
var openaiBases = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"zai":        "https://api.z.ai/api/paas/v4",
	"openrouter": "https://openrouter.ai/api/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
}

// runtime bundles the live components shared by serve and chat.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	stores    *store.Stores
	bus       *bus.Bus
	providers *providers.Registry
	tracker   *usage.CostTracker
	guard     *ratelimit.Guard
	router    *models.Router
	graph     *graph.Graph
	keepers   *keeper.Manager
	queries   *queries.Router
	tasks     *tasks.Manager
	tools     *tools.Registry
	policy    *policy.Engine
	teams     *team.Manager
	sessions  *session.Manager
}

// buildRuntime assembles the full component graph from config. The
// caller owns the result and must Close it.
func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	b := bus.New(logger)
	workers := registry.New()

	defaultProvider, _ := providers.ParseModel(cfg.Model.Default, "anthropic")
	preg := providers.NewRegistry(defaultProvider)
	registerProviders(preg, cfg)

	tracker := usage.NewCostTracker(stores.Metrics, 256, logger)

	buckets := make(map[string]ratelimit.Bucket, len(cfg.RateLimits))
	for provider, rl := range cfg.RateLimits {
		buckets[provider] = ratelimit.Bucket{Capacity: rl.Capacity, RefillPerSecond: rl.RefillPerSecond}
	}
	warn := func(team string, spent, limit float64) {
		ev := bus.Event{
			Name: protocol.EventBudgetWarning,
			From: "budget",
			Payload: map[string]any{
				"team_id":   team,
				"spent_usd": spent,
				"limit_usd": limit,
			},
		}
		b.Publish(protocol.TelemetryTopic(team), ev)
		b.Publish(protocol.TopicTelemetryUpdates, ev)
	}
	guard := &ratelimit.Guard{
		Limiter: ratelimit.NewLimiter(buckets),
		Budget:  ratelimit.NewBudget(cfg.Budget.LimitUSD, tracker, warn),
	}

	g := graph.New(stores.Graph, logger)

	weakModel := cfg.Model.Weak
	if weakModel == "" {
		weakModel = cfg.Model.Default
	}
	var keeperLLM providers.Client
	var keeperModel string
	if c, bare, err := preg.ForModel(weakModel); err == nil {
		keeperLLM, keeperModel = c, bare
	} else {
		logger.Warn("runtime.keeper_llm_unavailable", "model", weakModel, "error", err)
	}
	keepers := keeper.NewManager(keeper.ManagerOptions{
		Store:    stores.Keepers,
		Registry: workers,
		Bus:      b,
		LLM:      keeperLLM,
		Model:    keeperModel,
		OnUsage: func(teamID string, u providers.Usage) {
			guard.Budget.RecordUsage(teamID, "keeper", u, weakModel, "")
		},
		Logger: logger,
	})

	qr := queries.NewRouter(b, logger)
	tm := tasks.NewManager(stores.Tasks, b, logger)

	toolReg := tools.NewRegistry()
	// Catalog tools are advertised without implementations here; the
	// embedding application wires them through RegisterCatalog.
	tools.RegisterCatalog(toolReg, nil)

	router := models.NewRouter(cfg.Model)
	deps := agent.Deps{
		Loop:     agent.New(preg, logger),
		Bus:      b,
		Registry: workers,
		Sessions: stores.Sessions,
		Tools:    toolReg,
		Keepers:  keepers,
		Graph:    g,
		Tasks:    tm,
		Router:   router,
		Guard:    guard,
		Tracker:  tracker,
		Config:   cfg,
		Logger:   logger,
	}
	teams := team.NewManager(deps, logger)

	tools.RegisterCoordination(toolReg, tools.Coordination{
		Graph:     g,
		Keepers:   keepers,
		Queries:   qr,
		Tasks:     tm,
		Bus:       b,
		Registry:  workers,
		Spawner:   teams,
		Roles:     teams,
		SubAgents: teams,
	})

	pol := policy.NewEngine(stores.Permissions, cfg.Permissions.AutoApprove, logger)
	sessions := session.NewManager(session.Deps{
		Loop:     deps.Loop,
		Bus:      b,
		Sessions: stores.Sessions,
		Tools:    toolReg,
		Policy:   pol,
		Guard:    guard,
		Tracker:  tracker,
		Config:   cfg,
		Logger:   logger,
	})

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		stores:    stores,
		bus:       b,
		providers: preg,
		tracker:   tracker,
		guard:     guard,
		router:    router,
		graph:     g,
		keepers:   keepers,
		queries:   qr,
		tasks:     tm,
		tools:     toolReg,
		policy:    pol,
		teams:     teams,
		sessions:  sessions,
	}, nil
}

// applyReload pushes a reloaded config into the reconfigurable
// components: provider clients, rate-limit buckets, the budget ceiling,
// and the model map. Structural settings (store driver, gateway
// address) still require a restart.
func (r *runtime) applyReload(next *config.Config) {
	registerProviders(r.providers, next)

	buckets := make(map[string]ratelimit.Bucket, len(next.RateLimits))
	for provider, rl := range next.RateLimits {
		buckets[provider] = ratelimit.Bucket{Capacity: rl.Capacity, RefillPerSecond: rl.RefillPerSecond}
	}
	r.guard.Limiter.Reconfigure(buckets)
	r.guard.Budget.SetLimit(next.Budget.LimitUSD)
	r.router.Reconfigure(next.Model)

	r.logger.Info("config reloaded",
		"providers", r.providers.Names(),
		"budget_usd", next.Budget.LimitUSD,
		"rate_limited_providers", len(buckets),
	)
}

// Close stops workers and releases the store. Errors are logged, not
// returned piecemeal; the first one wins.
func (r *runtime) Close(ctx context.Context) error {
	var firstErr error
	if err := r.teams.Shutdown(ctx); err != nil {
		r.logger.Warn("runtime.team_shutdown_failed", "error", err)
		firstErr = err
	}
	if err := r.keepers.Close(); err != nil {
		r.logger.Warn("runtime.keeper_close_failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := r.stores.Close(); err != nil {
		r.logger.Warn("runtime.store_close_failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openStores opens the configured backend and applies pending
// migrations.
func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return nil, fmt.Errorf("store driver is postgres but LOOM_POSTGRES_DSN is not set")
		}
		return pg.New(cfg.Store.PostgresDSN)
	default:
		return sqlite.New(cfg.Store.Path)
	}
}

// registerProviders builds an LLM client for every provider that has
// an API key in the environment. Re-registering an existing name
// replaces its client, so config reloads route straight through here.
func registerProviders(reg *providers.Registry, cfg *config.Config) {
	for _, name := range providerNames(cfg) {
		apiKey := config.APIKeyFor(name)
		if apiKey == "" {
			continue
		}
		pc := cfg.Providers[name]
		if name == "anthropic" {
			reg.Register(providers.NewAnthropicClient(apiKey,
				providers.WithAnthropicBaseURL(pc.APIBase),
				providers.WithAnthropicModel(pc.Model)))
		} else {
			base := pc.APIBase
			if base == "" {
				base = openaiBases[name]
			}
			reg.Register(providers.NewOpenAIClient(name, apiKey, base, pc.Model))
		}
		slog.Info("registered provider", "name", name)
	}
}

// providerNames collects every provider the config can reach: the
// [providers] tables plus each configured model string.
func providerNames(cfg *config.Config) []string {
	seen := make(map[string]bool)
	add := func(modelString string) {
		if modelString == "" {
			return
		}
		p, _ := providers.ParseModel(modelString, "anthropic")
		seen[p] = true
	}
	add(cfg.Model.Default)
	add(cfg.Model.Weak)
	add(cfg.Model.Architect)
	add(cfg.Model.Editor)
	for _, m := range cfg.Model.Roles {
		add(m)
	}
	for _, m := range cfg.Model.Escalation.Chain {
		add(m)
	}
	for name := range cfg.Providers {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}
