package providers

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	Input  float64
	Output float64
}

// prices covers the models the runtime routes to by default. Unknown
// models bill at zero; the budget then only constrains listed models,
// which is the safe direction for a ceiling.
var prices = map[string]modelPrice{
	"anthropic:claude-opus-4-6":   {Input: 15.00, Output: 75.00},
	"anthropic:claude-sonnet-4-6": {Input: 3.00, Output: 15.00},
	"anthropic:claude-haiku-4-5":  {Input: 0.80, Output: 4.00},
	"openai:gpt-5":                {Input: 1.25, Output: 10.00},
	"openai:gpt-5-mini":           {Input: 0.25, Output: 2.00},
	"openai:gpt-4o":               {Input: 2.50, Output: 10.00},
	"openai:gpt-4o-mini":          {Input: 0.15, Output: 0.60},
	"zai:glm-5":                   {Input: 0.60, Output: 2.20},
	"deepseek:deepseek-chat":      {Input: 0.27, Output: 1.10},
}

// CostFor computes the dollar cost of one call against the price table.
// The model may be a full model string or a bare model id.
func CostFor(model string, inputTokens, outputTokens int64) float64 {
	p, ok := prices[model]
	if !ok {
		// Bare model ids match their provider-qualified entries.
		for k, v := range prices {
			if i := strings.Index(k, ":"); i >= 0 && k[i+1:] == model {
				p, ok = v, true
				break
			}
		}
	}
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.Input + float64(outputTokens)/1e6*p.Output
}

// FillCost stamps TotalCost on a usage tally from the price table when
// the provider did not report a cost itself.
func FillCost(u *Usage, model string) {
	if u.TotalCost == 0 {
		u.TotalCost = CostFor(model, u.InputTokens, u.OutputTokens)
	}
}
