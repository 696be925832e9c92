package agent

import (
	"encoding/json"
	"fmt"
)

// FormatResult renders a tool outcome as the text fed back to the
// model. Errors render as "Error: <message>". A map carrying a string
// "result" field collapses to that string, a plain string passes
// through, and anything else dumps as JSON.
func FormatResult(v any, err error) string {
	if err != nil {
		return "Error: " + err.Error()
	}
	switch out := v.(type) {
	case nil:
		return "(no output)"
	case string:
		return out
	case map[string]any:
		if s, ok := out["result"].(string); ok {
			return s
		}
		return dump(out)
	default:
		return dump(out)
	}
}

func dump(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
