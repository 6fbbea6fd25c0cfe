package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Scope tags what a tool is capable of touching. The Task Controller uses it
// to pick a tool's timeout budget (ToolTimeouts.For) and to label tool-call
// metrics, and GET /api/tools reports it. Nothing restricts tool use by
// scope: a task's permitted tools are checked by name only.
type Scope uint8

const (
	ScopeReadsWorkspace Scope = 1 << iota
	ScopeWritesWorkspace
	ScopeExecutesCode
	ScopeNetwork
)

func (s Scope) Has(flag Scope) bool { return s&flag != 0 }

// Tool is the unified interface for all tools. Both native built-in tools
// and MCP tool adapters implement this interface.
type Tool interface {
	// Name returns the tool identifier (the LLM uses this name to invoke it).
	Name() string

	// Description returns a natural-language description for prompt injection.
	Description() string

	// InputSchema returns a standard JSON Schema defining the tool's parameters.
	InputSchema() json.RawMessage

	// Scope declares what kinds of resources this tool touches.
	Scope() Scope

	// Execute runs the tool with JSON-encoded arguments. Callers should
	// prefer Invoke, which validates args against InputSchema first.
	Execute(ctx context.Context, args json.RawMessage) (ToolResult, error)

	// Init initializes tool resources (e.g. MCP client connections).
	// Native tools may return nil.
	Init(ctx context.Context) error

	// Close releases tool resources.
	Close() error
}

// ToolResult encapsulates a tool execution result.
type ToolResult struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Definition is a transport-neutral description of a tool, used both for
// prompt injection and for OpenAI-style function-calling payloads.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SchemaParam describes a single parameter for the BuildSchema helper.
type SchemaParam struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // "string", "integer", "boolean", "number"
	Description string   `json:"description"`
	Required    bool     `json:"-"`
	Enum        []string `json:"enum,omitempty"`
}

// BuildSchema generates a standard JSON Schema object from a list of
// SchemaParams, so native tools avoid hand-writing JSON strings.
func BuildSchema(params ...SchemaParam) json.RawMessage {
	properties := make(map[string]any)
	var required []string

	for _, p := range params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	data, _ := json.Marshal(schema)
	return data
}

// compileSchema compiles a tool's InputSchema for validation. Tools with an
// empty schema (no parameters) skip validation entirely.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := c.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return schema, nil
}

// ValidationError reports the invalid_arguments error kind: one tool call
// can fail on several fields at once, and callers (the Worker node) want
// every offender enumerated in a single message rather than one at a time.
type ValidationError struct {
	ToolName string
	Issues   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid_arguments: tool %q: %v", e.ToolName, e.Issues)
}
