package tools

import (
	"context"
	"strings"
	"testing"
)

type echoTool struct {
	name   string
	params []Param
	got    map[string]any
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echo" }
func (t *echoTool) Parameters() []Param { return t.params }

func (t *echoTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	t.got = params
	return "ok", nil
}

func TestNormalizeMapsLooseKeys(t *testing.T) {
	decl := []Param{
		{Name: "file_path", Type: "string", Required: true},
		{Name: "message_count", Type: "integer"},
	}

	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			"camel case",
			map[string]any{"filePath": "a.go", "messageCount": float64(3)},
			map[string]any{"file_path": "a.go", "message_count": float64(3)},
		},
		{
			"mixed case",
			map[string]any{"FILE_PATH": "b.go"},
			map[string]any{"file_path": "b.go"},
		},
		{
			"unknown keys pass through",
			map[string]any{"file_path": "c.go", "extra": true},
			map[string]any{"file_path": "c.go", "extra": true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in, decl)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d keys, want %d", len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestDefinitionBuildsSchema(t *testing.T) {
	tool := &echoTool{
		name: "sample",
		params: []Param{
			{Name: "path", Type: "string", Required: true, Description: "a path"},
			{Name: "depth", Type: "integer", Description: "how deep"},
		},
	}

	def := Definition(tool)
	if def.Name != "sample" {
		t.Errorf("name = %q", def.Name)
	}
	props, ok := def.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing: %v", def.Parameters)
	}
	if len(props) != 2 {
		t.Errorf("properties = %d, want 2", len(props))
	}
	pathSchema, _ := props["path"].(map[string]any)
	if pathSchema["type"] != "string" || pathSchema["description"] != "a path" {
		t.Errorf("path schema = %v", pathSchema)
	}
	required, _ := def.Parameters["required"].([]string)
	if len(required) != 1 || required[0] != "path" {
		t.Errorf("required = %v", required)
	}
}

func TestRegistrySubsetAndExecute(t *testing.T) {
	reg := NewRegistry()
	a := &echoTool{name: "alpha", params: []Param{{Name: "file_path", Type: "string"}}}
	reg.Register(a)
	reg.Register(&echoTool{name: "beta"})

	sub := reg.Subset([]string{"alpha", "missing"})
	if names := sub.Names(); len(names) != 1 || names[0] != "alpha" {
		t.Errorf("subset names = %v", names)
	}

	if _, err := reg.Execute(context.Background(), "ghost", nil, Context{}); err == nil {
		t.Error("unknown tool should fail")
	}

	out, err := reg.Execute(context.Background(), "alpha", map[string]any{"filePath": "x"}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok" {
		t.Errorf("out = %v", out)
	}
	if a.got["file_path"] != "x" {
		t.Errorf("arguments not normalized: %v", a.got)
	}

	defs := reg.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Errorf("definitions = %v", defs)
	}
}

func TestCatalogUnwiredToolErrors(t *testing.T) {
	reg := NewRegistry()
	RegisterCatalog(reg, nil)

	for _, name := range CatalogNames {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("catalog tool %q not registered", name)
		}
	}

	_, err := reg.Execute(context.Background(), "shell", map[string]any{"command": "ls"}, Context{})
	if err == nil || !strings.Contains(err.Error(), "no registered implementation") {
		t.Errorf("err = %v", err)
	}
}

func TestCatalogHookExecutes(t *testing.T) {
	reg := NewRegistry()
	RegisterCatalog(reg, map[string]ExecFunc{
		"file_read": func(ctx context.Context, params map[string]any, tc Context) (any, error) {
			return "contents of " + Str(params, "file_path"), nil
		},
	})

	out, err := reg.Execute(context.Background(), "file_read", map[string]any{"file_path": "main.go"}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "contents of main.go" {
		t.Errorf("out = %v", out)
	}
}
