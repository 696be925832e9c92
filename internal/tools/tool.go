// Package tools defines the tool contract agents expose to the model,
// the registry that advertises them, and the built-in coordination
// tools (decision graph, context keepers, peer queries, team control).
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/loom/internal/providers"
)

// Param describes one tool parameter for the JSON-schema descriptor.
type Param struct {
	Name        string
	Type        string // "string", "integer", "number", "boolean", "array", "object"
	Required    bool
	Description string
}

// Context carries the caller's identity into a tool execution. Messages
// is populated only for the offload tool, with a snapshot of the
// calling agent's history.
type Context struct {
	ProjectPath string
	SessionID   string // session id or team id; a team is a session
	TeamID      string
	AgentName   string
	Messages    []providers.Message
}

// Tool is one callable exposed to the model.
type Tool interface {
	// Name is the lowercase_underscored identifier advertised to the LLM.
	Name() string
	Description() string
	Parameters() []Param
	Execute(ctx context.Context, params map[string]any, tc Context) (any, error)
}

// Str reads a string parameter.
func Str(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// Int reads an integer parameter. JSON numbers arrive as float64.
func Int(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// Bool reads a boolean parameter.
func Bool(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}

// RequireStr reads a required string parameter, erroring when absent or
// empty.
func RequireStr(params map[string]any, key string) (string, error) {
	s := Str(params, key)
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// Normalize maps loosely-named argument keys onto the tool's canonical
// parameter names. Models sometimes send "filePath" for "file_path";
// matching is case-insensitive with underscores stripped. Unknown keys
// pass through untouched.
func Normalize(params map[string]any, decl []Param) map[string]any {
	if len(params) == 0 {
		return params
	}
	canonical := make(map[string]string, len(decl))
	for _, p := range decl {
		canonical[foldKey(p.Name)] = p.Name
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if name, ok := canonical[foldKey(k)]; ok {
			out[name] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func foldKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(k, "_", ""))
}

// Definition builds the JSON-schema descriptor advertised to the model.
func Definition(t Tool) providers.ToolDefinition {
	properties := make(map[string]any)
	var required []string
	for _, p := range t.Parameters() {
		properties[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  schema,
	}
}
