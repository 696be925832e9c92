package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ParseModel splits a model string of the form "<provider>:<model_id>"
// on the first colon. A string without a colon is a bare model id for
// the default provider.
func ParseModel(s, defaultProvider string) (provider, model string) {
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return defaultProvider, s
}

// FormatModel joins a provider and model id back into a model string.
func FormatModel(provider, model string) string {
	return provider + ":" + model
}

// Registry resolves model strings to clients.
type Registry struct {
	mu              sync.RWMutex
	clients         map[string]Client
	defaultProvider string
}

// NewRegistry creates an empty registry with the given default provider.
func NewRegistry(defaultProvider string) *Registry {
	return &Registry{
		clients:         make(map[string]Client),
		defaultProvider: defaultProvider,
	}
}

// Register adds a client under its own name.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get returns the client for a provider name.
func (r *Registry) Get(provider string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[provider]
	return c, ok
}

// ForModel resolves a model string to its client and bare model id.
func (r *Registry) ForModel(modelString string) (Client, string, error) {
	provider, model := ParseModel(modelString, r.defaultProvider)
	c, ok := r.Get(provider)
	if !ok {
		return nil, "", fmt.Errorf("providers: no client for provider %q (model %q)", provider, modelString)
	}
	if model == "" {
		model = c.DefaultModel()
	}
	return c, model, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
