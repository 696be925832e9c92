package tools

import (
	"context"
	"fmt"
)

// ExecFunc is an embedding application's implementation of an external
// tool from the catalog.
type ExecFunc func(ctx context.Context, params map[string]any, tc Context) (any, error)

// external is a catalog tool whose implementation is supplied by the
// embedding application. The runtime only advertises the descriptor;
// calling an unwired tool is a tool error the loop renders as text.
type external struct {
	name        string
	description string
	params      []Param
	exec        ExecFunc
}

func (e *external) Name() string        { return e.name }
func (e *external) Description() string { return e.description }
func (e *external) Parameters() []Param { return e.params }

func (e *external) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	if e.exec == nil {
		return nil, fmt.Errorf("tool %q has no registered implementation", e.name)
	}
	return e.exec(ctx, params, tc)
}

// CatalogNames lists the external tools the runtime guarantees by name.
var CatalogNames = []string{
	"file_read", "file_write", "file_edit", "file_search",
	"content_search", "directory_list", "shell", "git",
	"lsp_diagnostics",
}

// RegisterCatalog adds the external tool descriptors to a registry,
// wiring each to its hook from impls (nil map leaves all unwired).
func RegisterCatalog(reg *Registry, impls map[string]ExecFunc) {
	for _, d := range catalog() {
		if impls != nil {
			d.exec = impls[d.name]
		}
		reg.Register(d)
	}
}

func catalog() []*external {
	return []*external{
		{
			name:        "file_read",
			description: "Read the contents of a file",
			params: []Param{
				{Name: "file_path", Type: "string", Required: true, Description: "Path to the file to read"},
			},
		},
		{
			name:        "file_write",
			description: "Write content to a file, creating it if needed",
			params: []Param{
				{Name: "file_path", Type: "string", Required: true, Description: "Path to the file to write"},
				{Name: "content", Type: "string", Required: true, Description: "Full file content"},
			},
		},
		{
			name:        "file_edit",
			description: "Replace an exact string in a file",
			params: []Param{
				{Name: "file_path", Type: "string", Required: true, Description: "Path to the file to edit"},
				{Name: "old_string", Type: "string", Required: true, Description: "Exact text to replace"},
				{Name: "new_string", Type: "string", Required: true, Description: "Replacement text"},
			},
		},
		{
			name:        "file_search",
			description: "Find files whose names match a glob pattern",
			params: []Param{
				{Name: "pattern", Type: "string", Required: true, Description: "Glob pattern to match file names"},
				{Name: "path", Type: "string", Description: "Directory to search from; defaults to the project root"},
			},
		},
		{
			name:        "content_search",
			description: "Search file contents for a pattern",
			params: []Param{
				{Name: "pattern", Type: "string", Required: true, Description: "Regular expression to search for"},
				{Name: "path", Type: "string", Description: "Directory or file to search; defaults to the project root"},
			},
		},
		{
			name:        "directory_list",
			description: "List the entries of a directory",
			params: []Param{
				{Name: "path", Type: "string", Description: "Directory to list; defaults to the project root"},
			},
		},
		{
			name:        "shell",
			description: "Run a shell command in the project directory",
			params: []Param{
				{Name: "command", Type: "string", Required: true, Description: "Command line to execute"},
				{Name: "timeout_ms", Type: "integer", Description: "Execution timeout in milliseconds"},
			},
		},
		{
			name:        "git",
			description: "Run a git command in the project repository",
			params: []Param{
				{Name: "args", Type: "string", Required: true, Description: "Arguments passed to git, e.g. \"status --short\""},
			},
		},
		{
			name:        "lsp_diagnostics",
			description: "Fetch language-server diagnostics for a file",
			params: []Param{
				{Name: "file_path", Type: "string", Description: "File to report on; defaults to the whole project"},
			},
		},
	}
}
