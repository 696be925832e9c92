// Package tokens estimates prompt sizes and assembles bounded message
// windows. Estimates are deliberately cheap: four characters per token
// plus a fixed per-message overhead, which tracks real tokenizers
// closely enough for budgeting.
package tokens

import (
	"strings"

	"github.com/nextlevelbuilder/loom/internal/providers"
)

// messageOverhead covers role framing and separators per message.
const messageOverhead = 4

// DefaultModelLimit applies to models missing from the limits table.
const DefaultModelLimit = 128000

// EstimateText returns the approximate token count of a plain string.
func EstimateText(s string) int {
	return len(s) / 4
}

// Estimate returns the approximate token cost of one message.
func Estimate(m providers.Message) int {
	return EstimateText(m.Content) + messageOverhead
}

// EstimateAll sums the estimates of a message list.
func EstimateAll(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += Estimate(m)
	}
	return total
}

// modelLimits maps model strings (and bare model-id prefixes) to their
// context window sizes.
var modelLimits = map[string]int{
	"anthropic:claude-opus-4-6":   200000,
	"anthropic:claude-sonnet-4-6": 200000,
	"anthropic:claude-haiku-4-5":  200000,
	"openai:gpt-5":                272000,
	"openai:gpt-5-mini":           272000,
	"openai:gpt-4o":               128000,
	"openai:gpt-4o-mini":          128000,
	"zai:glm-5":                   200000,
	"deepseek:deepseek-chat":      128000,
}

// ModelLimit returns the context window size for a model string,
// falling back to DefaultModelLimit for unknown models.
func ModelLimit(model string) int {
	if n, ok := modelLimits[model]; ok {
		return n
	}
	// Bare model ids match their provider-qualified entries.
	for k, n := range modelLimits {
		if i := strings.Index(k, ":"); i >= 0 && k[i+1:] == model {
			return n
		}
	}
	return DefaultModelLimit
}
