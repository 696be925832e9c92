package tokens

import (
	"github.com/nextlevelbuilder/loom/internal/providers"
)

// DefaultReservedOutput is held back for the model's reply.
const DefaultReservedOutput = 4096

// WindowOptions tune one BuildMessages call. Zero values take defaults.
type WindowOptions struct {
	// Model selects the context limit; MaxTokens overrides it outright.
	Model     string
	MaxTokens int

	// ReservedOutput is subtracted from the budget for the reply.
	ReservedOutput int

	// DecisionContext and RepoMap are injected after the system prompt,
	// each truncated to its token cap.
	DecisionContext    string
	DecisionContextMax int
	RepoMap            string
	RepoMapMax         int

	// ToolDefTokens accounts for tool definitions sent alongside.
	ToolDefTokens int
}

// BuildMessages assembles the prompt for one LLM call: the system
// message first, then the largest history tail that fits the remaining
// budget. The most recent message is never dropped; older messages fall
// off the head silently.
func BuildMessages(history []providers.Message, systemPrompt string, opts WindowOptions) []providers.Message {
	limit := opts.MaxTokens
	if limit <= 0 {
		limit = ModelLimit(opts.Model)
	}
	reservedOutput := opts.ReservedOutput
	if reservedOutput <= 0 {
		reservedOutput = DefaultReservedOutput
	}

	system := systemPrompt
	if block := truncate(opts.DecisionContext, opts.DecisionContextMax); block != "" {
		system += "\n\n## Team decisions\n" + block
	}
	if block := truncate(opts.RepoMap, opts.RepoMapMax); block != "" {
		system += "\n\n## Repository map\n" + block
	}
	systemMsg := providers.Message{Role: "system", Content: system}

	budget := limit - Estimate(systemMsg) - opts.ToolDefTokens - reservedOutput

	// Walk the tail newest-first, then reverse. The final message is
	// kept even when over budget; truncating the user's request would
	// be worse than an oversized prompt.
	var kept []providers.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := Estimate(history[i])
		if i < len(history)-1 && used+cost > budget {
			break
		}
		kept = append(kept, history[i])
		used += cost
	}

	out := make([]providers.Message, 0, len(kept)+1)
	out = append(out, systemMsg)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	return out
}

// truncate caps s at maxTokens (4 chars per token). Zero or negative
// caps disable the block entirely.
func truncate(s string, maxTokens int) string {
	if s == "" || maxTokens <= 0 {
		return ""
	}
	maxChars := maxTokens * 4
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars]
}
